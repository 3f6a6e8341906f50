package csvimport

import (
	"strconv"
	"strings"

	"github.com/zenGate-Global/palmyra-roster/platform/go/identity"
)

// Membership roles as written by the processor.
const (
	RoleParticipant = "participant"
	RoleMentor      = "mentor"
)

// SourceRecord is one mapped CSV row. Empty strings and nil pointers mean the column was absent
// or blank. Raw keeps the original cells keyed by header for error display.
type SourceRecord struct {
	Index int
	Line  int
	Raw   map[string]string

	// Invalid is set when the row cannot be committed; the planner skips it with this reason.
	Invalid string

	Email          string
	SecondaryEmail string
	FirstName      string
	LastName       string
	Phone          string
	TrackingID     string
	GuardianName   string
	GuardianEmail  string
	GuardianPhone  string
	TeamName       string
	Division       string
	School         string
	City           string
	State          string
	Age            *int
	Consent        *bool
	SignupDate     string
	Role           string

	TeamID        string
	StudentEmails []string
	MentorEmails  []string
}

// DisplayName joins first and last name.
func (r SourceRecord) DisplayName() string {
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

// BuildRecords maps every table row into a SourceRecord. Rows are never dropped: a row failing
// per-row validation carries an Invalid reason instead.
func BuildRecords(kind Kind, table Table, mapping Mapping) []SourceRecord {
	idx := mapping.Index()
	records := make([]SourceRecord, 0, len(table.Rows))

	for i, row := range table.Rows {
		get := func(f Field) string {
			col, ok := idx[f]
			if !ok || col >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[col])
		}

		raw := make(map[string]string, len(table.Headers))
		for c, header := range table.Headers {
			if c < len(row) {
				raw[header] = row[c]
			}
		}

		rec := SourceRecord{
			Index: i,
			Line:  i + 2,
			Raw:   raw,
		}

		if kind == KindTeams {
			rec.TeamID = get(FieldTeamID)
			rec.TeamName = get(FieldTeamName)
			rec.Division = get(FieldDivision)
			rec.StudentEmails = identity.SplitEmails(get(FieldStudentEmails))
			rec.MentorEmails = identity.SplitEmails(get(FieldMentorEmails))
			switch {
			case rec.TeamID == "":
				rec.Invalid = "team id is empty"
			case rec.TeamName == "":
				rec.Invalid = "team name is empty"
			}
			records = append(records, rec)
			continue
		}

		rec.Email = identity.NormalizeEmail(get(FieldEmail))
		rec.SecondaryEmail = identity.NormalizeEmail(get(FieldSecondaryEmail))
		rec.FirstName = get(FieldFirstName)
		rec.LastName = get(FieldLastName)
		rec.Phone = get(FieldPhone)
		rec.TrackingID = get(FieldTrackingID)
		rec.GuardianName = get(FieldGuardianName)
		rec.GuardianEmail = identity.NormalizeEmail(get(FieldGuardianEmail))
		rec.GuardianPhone = get(FieldGuardianPhone)
		rec.TeamName = get(FieldTeamName)
		rec.Division = get(FieldDivision)
		rec.School = get(FieldSchool)
		rec.City = get(FieldCity)
		rec.State = get(FieldState)
		rec.Age = parseAge(get(FieldAge))
		rec.Consent = parseConsent(get(FieldConsent))
		rec.SignupDate = get(FieldSignupDate)
		rec.Role = parseRole(get(FieldRole))

		if rec.SecondaryEmail != "" && !identity.PlausibleEmail(rec.SecondaryEmail) {
			rec.SecondaryEmail = ""
		}

		switch {
		case rec.Email == "":
			rec.Invalid = "email is empty"
		case !identity.PlausibleEmail(rec.Email):
			rec.Invalid = "email is not a valid address"
		}

		records = append(records, rec)
	}

	return records
}

func parseAge(value string) *int {
	if value == "" {
		return nil
	}
	// Exports sometimes carry "14 years" or "14.0".
	digits := strings.TrimSpace(strings.SplitN(strings.Fields(value)[0], ".", 2)[0])
	age, err := strconv.Atoi(digits)
	if err != nil || age <= 0 || age > 120 {
		return nil
	}
	return &age
}

func parseConsent(value string) *bool {
	switch strings.ToLower(value) {
	case "yes", "y", "true", "1", "x", "agreed", "i agree":
		v := true
		return &v
	case "no", "n", "false", "0":
		v := false
		return &v
	default:
		return nil
	}
}

func parseRole(value string) string {
	switch strings.ToLower(value) {
	case "":
		return ""
	case "mentor", "coach", "volunteer":
		return RoleMentor
	default:
		return RoleParticipant
	}
}
