package reconcile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zenGate-Global/palmyra-roster/domains/imports/be/csvimport"
	"github.com/zenGate-Global/palmyra-roster/platform/go/persistence"
)

// RowAction is the commit decision for one row.
type RowAction string

const (
	RowCreate RowAction = "create"
	RowUpdate RowAction = "update"
	RowSkip   RowAction = "skip"
)

// PlannedRow is the commit decision for one row index.
type PlannedRow struct {
	Index    int          `json:"index"`
	Line     int          `json:"line"`
	Action   RowAction    `json:"action"`
	Conflict ConflictType `json:"conflict,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}

// TeamToCreate is a team referenced by the batch and absent from the registry.
type TeamToCreate struct {
	ExternalID string `json:"externalId,omitempty"`
	Name       string `json:"name"`
	Division   string `json:"division"`
}

// Summary is the operator-facing statistics block.
type Summary struct {
	Rows          int    `json:"rows"`
	ReadyToImport int    `json:"readyToImport"`
	Creates       int    `json:"creates"`
	Updates       int    `json:"updates"`
	Skips         int    `json:"skips"`
	Conflicts     int    `json:"conflicts"`
	Advisories    int    `json:"advisories"`
	TeamsToCreate int    `json:"teamsToCreate"`
	Counts        Counts `json:"counts"`
}

// Plan is the commit plan for one file.
type Plan struct {
	Kind          csvimport.Kind `json:"kind"`
	Rows          []PlannedRow   `json:"rows"`
	TeamsToCreate []TeamToCreate `json:"teamsToCreate"`
	Changes       []RowChanges   `json:"changes"`
	Summary       Summary        `json:"summary"`
}

// BuildPlan derives the per-row actions, teams to create and detected changes.
func BuildPlan(records []csvimport.SourceRecord, c Classification) Plan {
	plan := Plan{
		Kind:          c.Kind,
		Rows:          make([]PlannedRow, 0, len(records)),
		TeamsToCreate: []TeamToCreate{},
		Changes:       []RowChanges{},
	}

	conflicts := make(map[int]Conflict, len(c.Conflicts))
	for _, conflict := range c.Conflicts {
		conflicts[conflict.RowIndex] = conflict
	}
	lines := make(map[int]int, len(records))
	for _, rec := range records {
		lines[rec.Index] = rec.Line
	}

	pendingTeams := map[string]struct{}{}
	for _, rec := range records {
		row := PlannedRow{Index: rec.Index, Line: rec.Line}
		conflict, hasConflict := conflicts[rec.Index]

		switch {
		case rec.Invalid != "":
			row.Action = RowSkip
			row.Reason = rec.Invalid
		case hasConflict:
			row.Conflict = conflict.Type
			row.Action, row.Reason = actionForConflict(conflict, conflicts, lines)
		case c.Kind == csvimport.KindTeams:
			if _, exists := c.Snapshot.FindTeam(rec.TeamID, rec.TeamName); exists {
				row.Action = RowUpdate
			} else {
				row.Action = RowCreate
			}
		default:
			row.Action = RowCreate
		}

		plan.Rows = append(plan.Rows, row)
		if row.Action == RowSkip {
			continue
		}

		if team, ok := teamToCreate(c, rec, pendingTeams); ok {
			plan.TeamsToCreate = append(plan.TeamsToCreate, team)
		}
		if changes, ok := detectChanges(c, rec); ok {
			plan.Changes = append(plan.Changes, changes)
		}
	}

	plan.Summary = summarize(plan, c)
	return plan
}

func actionForConflict(conflict Conflict, conflicts map[int]Conflict, lines map[int]int) (RowAction, string) {
	effective := conflict.Effective()

	switch conflict.Type {
	case ConflictDuplicateInBatch:
		first := conflict.RowIndex
		for _, sibling := range conflict.Siblings {
			if sibling < first {
				first = sibling
			}
		}
		if effective == ActionSkip {
			return RowSkip, fmt.Sprintf("duplicate of line %d", lines[first])
		}
		// An active identity is never touched, whichever copy of its email is overridden.
		if conflicts[first].Type == ConflictAlreadyActive {
			return RowSkip, fmt.Sprintf("duplicate of line %d, already active", lines[first])
		}
		// Last row wins: update and import both apply this row on top of the record the earlier
		// row commits, so an overridden duplicate never takes the create path.
		return RowUpdate, fmt.Sprintf("duplicate of line %d, applied after it", lines[first])
	case ConflictAlreadyActive:
		return RowSkip, "already active"
	case ConflictAlreadyInWhitelist:
		switch effective {
		case ActionUpdate:
			return RowUpdate, ""
		case ActionImport:
			return RowCreate, ""
		default:
			return RowSkip, "kept existing whitelist entry"
		}
	default:
		if effective == ActionSkip {
			return RowSkip, string(conflict.Type)
		}
		return RowCreate, ""
	}
}

func teamToCreate(c Classification, rec csvimport.SourceRecord, pending map[string]struct{}) (TeamToCreate, bool) {
	key := teamNameKey(rec.TeamName)
	if key == "" {
		return TeamToCreate{}, false
	}
	externalID := ""
	if c.Kind == csvimport.KindTeams {
		externalID = rec.TeamID
	}
	if _, exists := c.Snapshot.FindTeam(externalID, rec.TeamName); exists {
		return TeamToCreate{}, false
	}
	// The registry keys names case-insensitively, so one name yields one team.
	if _, seen := pending[key]; seen {
		return TeamToCreate{}, false
	}
	pending[key] = struct{}{}
	return TeamToCreate{
		ExternalID: externalID,
		Name:       strings.TrimSpace(rec.TeamName),
		Division:   strings.TrimSpace(rec.Division),
	}, true
}

func summarize(plan Plan, c Classification) Summary {
	s := Summary{
		Rows:          len(plan.Rows),
		Conflicts:     len(c.Conflicts),
		Advisories:    len(c.Advisories),
		TeamsToCreate: len(plan.TeamsToCreate),
		Counts:        c.Counts,
	}
	for _, row := range plan.Rows {
		switch row.Action {
		case RowCreate:
			s.Creates++
		case RowUpdate:
			s.Updates++
		case RowSkip:
			s.Skips++
		}
	}
	s.ReadyToImport = s.Creates + s.Updates
	return s
}

// SortedTeamNames returns the names of teams to create, for display.
func (p Plan) SortedTeamNames() []string {
	names := make([]string, 0, len(p.TeamsToCreate))
	for _, team := range p.TeamsToCreate {
		names = append(names, team.Name)
	}
	sort.Strings(names)
	return names
}

// teamOf returns the persisted team a team-kind record resolves to.
func teamOf(c Classification, rec csvimport.SourceRecord) (persistence.Team, bool) {
	return c.Snapshot.FindTeam(rec.TeamID, rec.TeamName)
}
