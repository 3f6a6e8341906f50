package reconcile

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/zenGate-Global/palmyra-roster/domains/imports/be/csvimport"
	"github.com/zenGate-Global/palmyra-roster/platform/go/persistence"
)

// FieldChange is one field whose incoming value differs from the stored one.
type FieldChange struct {
	Field string `json:"field"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// RowChanges lists what committing a row would change on an existing record.
type RowChanges struct {
	RowIndex int           `json:"rowIndex"`
	Email    string        `json:"email,omitempty"`
	TeamID   string        `json:"teamId,omitempty"`
	Changes  []FieldChange `json:"changes"`
}

// ValuesDiffer compares two text values ignoring case and surrounding or repeated whitespace.
// An empty incoming value never counts as a change.
func ValuesDiffer(stored, incoming string) bool {
	incoming = collapse(incoming)
	if incoming == "" {
		return false
	}
	return !strings.EqualFold(collapse(stored), incoming)
}

// PhonesDiffer compares phone numbers by their digits only.
func PhonesDiffer(stored, incoming string) bool {
	in := digits(incoming)
	if in == "" {
		return false
	}
	return digits(stored) != in
}

func detectChanges(c Classification, rec csvimport.SourceRecord) (RowChanges, bool) {
	if c.Kind == csvimport.KindTeams {
		team, ok := teamOf(c, rec)
		if !ok {
			return RowChanges{}, false
		}
		var changes []FieldChange
		changes = appendText(changes, "name", team.Name, rec.TeamName)
		changes = appendText(changes, "division", team.Division, rec.Division)
		if len(changes) == 0 {
			return RowChanges{}, false
		}
		return RowChanges{RowIndex: rec.Index, TeamID: rec.TeamID, Changes: changes}, true
	}

	entry, ok := c.Snapshot.Whitelist[rec.Email]
	if !ok || entry.ProfileID != nil {
		return RowChanges{}, false
	}

	changes := WhitelistChanges(entry, rec)
	if len(changes) == 0 {
		return RowChanges{}, false
	}
	return RowChanges{RowIndex: rec.Index, Email: rec.Email, Changes: changes}, true
}

// WhitelistChanges diffs a record against a provisional entry.
func WhitelistChanges(entry persistence.WhitelistEntry, rec csvimport.SourceRecord) []FieldChange {
	f := entry.Fields
	var changes []FieldChange

	if rec.Age != nil && (f.Age == nil || *f.Age != *rec.Age) {
		changes = append(changes, FieldChange{Field: "age", From: formatAge(f.Age), To: formatAge(rec.Age)})
	}
	changes = appendText(changes, "team", entry.TeamName, rec.TeamName)
	changes = appendText(changes, "division", entry.Division, rec.Division)
	if PhonesDiffer(f.Phone, rec.Phone) {
		changes = append(changes, FieldChange{Field: "phone", From: f.Phone, To: rec.Phone})
	}
	changes = appendText(changes, "first_name", f.FirstName, rec.FirstName)
	changes = appendText(changes, "last_name", f.LastName, rec.LastName)
	changes = appendText(changes, "school", f.School, rec.School)
	changes = appendText(changes, "city", f.City, rec.City)
	changes = appendText(changes, "state", f.State, rec.State)
	changes = appendText(changes, "guardian_name", f.GuardianName, rec.GuardianName)
	changes = appendText(changes, "guardian_email", f.GuardianEmail, rec.GuardianEmail)
	if PhonesDiffer(f.GuardianPhone, rec.GuardianPhone) {
		changes = append(changes, FieldChange{Field: "guardian_phone", From: f.GuardianPhone, To: rec.GuardianPhone})
	}

	return changes
}

func appendText(changes []FieldChange, field, stored, incoming string) []FieldChange {
	if !ValuesDiffer(stored, incoming) {
		return changes
	}
	return append(changes, FieldChange{Field: field, From: stored, To: collapse(incoming)})
}

func collapse(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

func digits(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func formatAge(age *int) string {
	if age == nil {
		return ""
	}
	return strconv.Itoa(*age)
}
