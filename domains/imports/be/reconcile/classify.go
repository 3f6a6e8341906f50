// Package reconcile classifies mapped roster rows against persisted state and turns the result
// into a commit plan. Nothing in this package mutates the store.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/zenGate-Global/palmyra-roster/domains/imports/be/csvimport"
	"github.com/zenGate-Global/palmyra-roster/platform/go/persistence"
)

// LookupPageSize bounds the number of keys sent in a single lookup query.
const LookupPageSize = 500

// ConflictType tags how a row collides with existing state.
type ConflictType string

const (
	ConflictDuplicateInBatch   ConflictType = "duplicate_in_batch"
	ConflictAlreadyActive      ConflictType = "already_active"
	ConflictAlreadyInWhitelist ConflictType = "already_in_whitelist"
	ConflictParentEmailMatch   ConflictType = "parent_email_match"
)

// Action is an operator-facing resolution for a conflict.
type Action string

const (
	ActionSkip   Action = "skip"
	ActionUpdate Action = "update"
	ActionImport Action = "import"
)

// ParseAction validates an action string.
func ParseAction(value string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(value))) {
	case ActionSkip:
		return ActionSkip, nil
	case ActionUpdate:
		return ActionUpdate, nil
	case ActionImport:
		return ActionImport, nil
	default:
		return "", fmt.Errorf("unknown action %q", value)
	}
}

// Conflict classifies one row. A row carries at most one Conflict.
type Conflict struct {
	RowIndex      int          `json:"rowIndex"`
	Type          ConflictType `json:"type"`
	Email         string       `json:"email,omitempty"`
	TeamID        string       `json:"teamId,omitempty"`
	DefaultAction Action       `json:"defaultAction"`
	Override      *Action      `json:"override,omitempty"`
	Siblings      []int        `json:"siblings,omitempty"`
	ExistingID    *uuid.UUID   `json:"existingId,omitempty"`
}

// Effective returns the action that will be committed. already_active is always skip.
func (c Conflict) Effective() Action {
	if c.Type == ConflictAlreadyActive {
		return ActionSkip
	}
	if c.Override != nil {
		return *c.Override
	}
	return c.DefaultAction
}

// Advisory flags a row for operator attention without changing its action.
type Advisory struct {
	RowIndex    int          `json:"rowIndex"`
	Type        ConflictType `json:"type"`
	Email       string       `json:"email"`
	MatchedRows []int        `json:"matchedRows"`
}

// Counts aggregates the classification for the summary view.
type Counts struct {
	New         int `json:"new"`
	InWhitelist int `json:"inWhitelist"`
	Active      int `json:"active"`
	Duplicates  int `json:"duplicates"`
	Invalid     int `json:"invalid"`
}

// Lookup is the read-only view of persisted state the classifier needs.
type Lookup interface {
	FindProfilesByEmails(ctx context.Context, emails []string) ([]persistence.Profile, error)
	FindWhitelistByEmails(ctx context.Context, emails []string) ([]persistence.WhitelistEntry, error)
	FindTeams(ctx context.Context, names []string, externalIDs []string) ([]persistence.Team, error)
}

// Snapshot is the persisted state observed during classification, keyed by normalized email.
type Snapshot struct {
	Profiles  map[string]persistence.Profile
	Whitelist map[string]persistence.WhitelistEntry
	Teams     []persistence.Team
}

// ProfileFor resolves the profile a record refers to, by its primary email and then by its
// secondary email. An active match wins over an inactive one.
func ProfileFor(profiles map[string]persistence.Profile, rec csvimport.SourceRecord) (persistence.Profile, bool) {
	primary, ok := profiles[rec.Email]
	if ok && primary.Active() {
		return primary, true
	}
	if rec.SecondaryEmail != "" {
		if secondary, found := profiles[rec.SecondaryEmail]; found && (secondary.Active() || !ok) {
			return secondary, true
		}
	}
	return primary, ok
}

// FindTeam matches a team by external id first, then case-insensitively by name.
func (s Snapshot) FindTeam(externalID, name string) (persistence.Team, bool) {
	externalID = strings.TrimSpace(externalID)
	if externalID != "" {
		for _, team := range s.Teams {
			if team.ExternalID != nil && *team.ExternalID == externalID {
				return team, true
			}
		}
	}
	key := teamNameKey(name)
	if key == "" {
		return persistence.Team{}, false
	}
	for _, team := range s.Teams {
		if teamNameKey(team.Name) == key {
			return team, true
		}
	}
	return persistence.Team{}, false
}

// Classification is the classifier output.
type Classification struct {
	Kind       csvimport.Kind
	Conflicts  []Conflict
	Advisories []Advisory
	Counts     Counts
	Snapshot   Snapshot
}

// ConflictFor returns the conflict recorded for a row.
func (c Classification) ConflictFor(rowIndex int) (Conflict, bool) {
	for _, conflict := range c.Conflicts {
		if conflict.RowIndex == rowIndex {
			return conflict, true
		}
	}
	return Conflict{}, false
}

// Classify tags each record against the batch itself and against persisted state.
func Classify(ctx context.Context, lookup Lookup, kind csvimport.Kind, records []csvimport.SourceRecord) (Classification, error) {
	if kind == csvimport.KindTeams {
		return classifyTeams(ctx, lookup, records)
	}
	return classifyUsers(ctx, lookup, records)
}

func classifyUsers(ctx context.Context, lookup Lookup, records []csvimport.SourceRecord) (Classification, error) {
	out := Classification{Kind: csvimport.KindUsers, Conflicts: []Conflict{}, Advisories: []Advisory{}}

	byEmail := map[string][]int{}
	var emails []string
	secondaries := map[string]struct{}{}
	teamNames := map[string]struct{}{}
	for _, rec := range records {
		if rec.Invalid != "" {
			out.Counts.Invalid++
			continue
		}
		if _, seen := byEmail[rec.Email]; !seen {
			emails = append(emails, rec.Email)
		}
		byEmail[rec.Email] = append(byEmail[rec.Email], rec.Index)
		if rec.SecondaryEmail != "" {
			secondaries[rec.SecondaryEmail] = struct{}{}
		}
		if key := teamNameKey(rec.TeamName); key != "" {
			teamNames[key] = struct{}{}
		}
	}

	for _, email := range sortedKeys(secondaries) {
		if _, primary := byEmail[email]; !primary {
			emails = append(emails, email)
		}
	}

	snapshot, err := loadSnapshot(ctx, lookup, emails, sortedKeys(teamNames), nil)
	if err != nil {
		return Classification{}, err
	}
	out.Snapshot = snapshot

	for _, rec := range records {
		if rec.Invalid != "" {
			continue
		}

		indices := byEmail[rec.Email]
		if indices[0] != rec.Index {
			out.Conflicts = append(out.Conflicts, Conflict{
				RowIndex:      rec.Index,
				Type:          ConflictDuplicateInBatch,
				Email:         rec.Email,
				DefaultAction: ActionSkip,
				Siblings:      siblingsOf(indices, rec.Index),
			})
			out.Counts.Duplicates++
			continue
		}

		if profile, ok := ProfileFor(snapshot.Profiles, rec); ok && profile.Active() {
			id := profile.ProfileID
			out.Conflicts = append(out.Conflicts, Conflict{
				RowIndex:      rec.Index,
				Type:          ConflictAlreadyActive,
				Email:         rec.Email,
				DefaultAction: ActionSkip,
				ExistingID:    &id,
			})
			out.Counts.Active++
			continue
		}

		if entry, ok := snapshot.Whitelist[rec.Email]; ok {
			id := entry.WhitelistID
			if entry.ProfileID != nil {
				// Linked to an identity that is active under another address.
				out.Conflicts = append(out.Conflicts, Conflict{
					RowIndex:      rec.Index,
					Type:          ConflictAlreadyActive,
					Email:         rec.Email,
					DefaultAction: ActionSkip,
					ExistingID:    entry.ProfileID,
				})
				out.Counts.Active++
				continue
			}
			out.Conflicts = append(out.Conflicts, Conflict{
				RowIndex:      rec.Index,
				Type:          ConflictAlreadyInWhitelist,
				Email:         rec.Email,
				DefaultAction: ActionUpdate,
				ExistingID:    &id,
			})
			out.Counts.InWhitelist++
			continue
		}

		out.Counts.New++
	}

	guardianRows := map[string][]int{}
	for _, rec := range records {
		if rec.Invalid == "" && rec.GuardianEmail != "" {
			guardianRows[rec.GuardianEmail] = append(guardianRows[rec.GuardianEmail], rec.Index)
		}
	}
	for _, rec := range records {
		if rec.Invalid != "" {
			continue
		}
		matched := guardianRows[rec.Email]
		others := make([]int, 0, len(matched))
		for _, idx := range matched {
			if idx != rec.Index {
				others = append(others, idx)
			}
		}
		if len(others) > 0 {
			out.Advisories = append(out.Advisories, Advisory{
				RowIndex:    rec.Index,
				Type:        ConflictParentEmailMatch,
				Email:       rec.Email,
				MatchedRows: others,
			})
		}
	}

	return out, nil
}

func classifyTeams(ctx context.Context, lookup Lookup, records []csvimport.SourceRecord) (Classification, error) {
	out := Classification{Kind: csvimport.KindTeams, Conflicts: []Conflict{}, Advisories: []Advisory{}}

	byTeamID := map[string][]int{}
	names := map[string]struct{}{}
	var externalIDs []string
	memberEmails := map[string]struct{}{}
	for _, rec := range records {
		if rec.Invalid != "" {
			out.Counts.Invalid++
			continue
		}
		if _, seen := byTeamID[rec.TeamID]; !seen {
			externalIDs = append(externalIDs, rec.TeamID)
		}
		byTeamID[rec.TeamID] = append(byTeamID[rec.TeamID], rec.Index)
		names[teamNameKey(rec.TeamName)] = struct{}{}
		for _, email := range append(append([]string{}, rec.StudentEmails...), rec.MentorEmails...) {
			memberEmails[email] = struct{}{}
		}
	}

	snapshot, err := loadSnapshot(ctx, lookup, sortedKeys(memberEmails), sortedKeys(names), externalIDs)
	if err != nil {
		return Classification{}, err
	}
	out.Snapshot = snapshot

	for _, rec := range records {
		if rec.Invalid != "" {
			continue
		}
		indices := byTeamID[rec.TeamID]
		if indices[0] != rec.Index {
			out.Conflicts = append(out.Conflicts, Conflict{
				RowIndex:      rec.Index,
				Type:          ConflictDuplicateInBatch,
				TeamID:        rec.TeamID,
				DefaultAction: ActionSkip,
				Siblings:      siblingsOf(indices, rec.Index),
			})
			out.Counts.Duplicates++
			continue
		}
		out.Counts.New++
	}

	return out, nil
}

// ApplyOverrides records operator actions keyed by row index. Only rows carrying a conflict accept
// an override. Overrides on already_active rows are stored but never take effect.
func ApplyOverrides(c *Classification, overrides map[int]Action) error {
	if len(overrides) == 0 {
		return nil
	}

	positions := make(map[int]int, len(c.Conflicts))
	for i, conflict := range c.Conflicts {
		positions[conflict.RowIndex] = i
	}

	var invalid []string
	for row, action := range overrides {
		pos, ok := positions[row]
		if !ok {
			invalid = append(invalid, fmt.Sprintf("row %d has no conflict", row))
			continue
		}
		if _, err := ParseAction(string(action)); err != nil {
			invalid = append(invalid, fmt.Sprintf("row %d: %v", row, err))
			continue
		}
		a := action
		c.Conflicts[pos].Override = &a
	}

	if len(invalid) > 0 {
		sort.Strings(invalid)
		return fmt.Errorf("invalid overrides: %s", strings.Join(invalid, "; "))
	}
	return nil
}

func loadSnapshot(ctx context.Context, lookup Lookup, emails, teamNames, externalIDs []string) (Snapshot, error) {
	snapshot := Snapshot{
		Profiles:  map[string]persistence.Profile{},
		Whitelist: map[string]persistence.WhitelistEntry{},
	}

	for _, page := range pages(emails) {
		profiles, err := lookup.FindProfilesByEmails(ctx, page)
		if err != nil {
			return Snapshot{}, fmt.Errorf("lookup profiles: %w", err)
		}
		for _, profile := range profiles {
			// A primary match beats a secondary one for the same key.
			snapshot.Profiles[strings.ToLower(profile.Email)] = profile
			if secondary := strings.ToLower(profile.SecondaryEmail); secondary != "" {
				if _, taken := snapshot.Profiles[secondary]; !taken {
					snapshot.Profiles[secondary] = profile
				}
			}
		}

		entries, err := lookup.FindWhitelistByEmails(ctx, page)
		if err != nil {
			return Snapshot{}, fmt.Errorf("lookup whitelist: %w", err)
		}
		for _, entry := range entries {
			snapshot.Whitelist[strings.ToLower(entry.Email)] = entry
		}
	}

	namePages := pages(teamNames)
	idPages := pages(externalIDs)
	for i := 0; i < len(namePages) || i < len(idPages); i++ {
		var names, ids []string
		if i < len(namePages) {
			names = namePages[i]
		}
		if i < len(idPages) {
			ids = idPages[i]
		}
		teams, err := lookup.FindTeams(ctx, names, ids)
		if err != nil {
			return Snapshot{}, fmt.Errorf("lookup teams: %w", err)
		}
		snapshot.Teams = appendDistinctTeams(snapshot.Teams, teams)
	}

	return snapshot, nil
}

func pages(keys []string) [][]string {
	var out [][]string
	for start := 0; start < len(keys); start += LookupPageSize {
		end := start + LookupPageSize
		if end > len(keys) {
			end = len(keys)
		}
		out = append(out, keys[start:end])
	}
	return out
}

func appendDistinctTeams(dst, src []persistence.Team) []persistence.Team {
	seen := make(map[uuid.UUID]struct{}, len(dst))
	for _, team := range dst {
		seen[team.TeamID] = struct{}{}
	}
	for _, team := range src {
		if _, ok := seen[team.TeamID]; ok {
			continue
		}
		seen[team.TeamID] = struct{}{}
		dst = append(dst, team)
	}
	return dst
}

func siblingsOf(indices []int, self int) []int {
	out := make([]int, 0, len(indices)-1)
	for _, idx := range indices {
		if idx != self {
			out = append(out, idx)
		}
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		if k != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func teamNameKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
