package csvimport

import (
	"fmt"
	"strings"
)

// Kind selects the import flavour and therefore the rule table and required columns.
type Kind string

const (
	KindUsers Kind = "users"
	KindTeams Kind = "teams"
)

// ParseKind validates a kind string.
func ParseKind(value string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(value))) {
	case KindUsers:
		return KindUsers, nil
	case KindTeams:
		return KindTeams, nil
	default:
		return "", fmt.Errorf("unknown import kind %q", value)
	}
}

// Field is a canonical record field a column can be mapped to.
type Field string

const (
	FieldIgnored        Field = "ignored"
	FieldEmail          Field = "email"
	FieldSecondaryEmail Field = "secondary_email"
	FieldFirstName      Field = "first_name"
	FieldLastName       Field = "last_name"
	FieldPhone          Field = "phone"
	FieldTrackingID     Field = "tracking_id"
	FieldGuardianName   Field = "guardian_name"
	FieldGuardianEmail  Field = "guardian_email"
	FieldGuardianPhone  Field = "guardian_phone"
	FieldTeamName       Field = "team_name"
	FieldDivision       Field = "division"
	FieldSchool         Field = "school"
	FieldCity           Field = "city"
	FieldState          Field = "state"
	FieldAge            Field = "age"
	FieldConsent        Field = "consent"
	FieldSignupDate     Field = "signup_date"
	FieldRole           Field = "role"
	FieldTeamID         Field = "team_id"
	FieldStudentEmails  Field = "student_emails"
	FieldMentorEmails   Field = "mentor_emails"
)

type rule struct {
	field    Field
	equals   []string
	contains []string
}

func (r rule) matches(header string) bool {
	for _, candidate := range r.equals {
		if header == candidate {
			return true
		}
	}
	for _, candidate := range r.contains {
		if strings.Contains(header, candidate) {
			return true
		}
	}
	return false
}

// Order matters: guardian and secondary emails must be tested before the generic email rule,
// team id before team name.
var userRules = []rule{
	{field: FieldGuardianEmail, contains: []string{"parent email", "guardian email", "parent e-mail", "guardian e-mail"}},
	{field: FieldGuardianPhone, contains: []string{"parent phone", "guardian phone", "parent cell", "guardian cell"}},
	{field: FieldGuardianName, contains: []string{"parent", "guardian"}},
	{field: FieldSecondaryEmail, contains: []string{"secondary email", "alternate email", "alt email", "other email", "personal email"}},
	{field: FieldEmail, equals: []string{"email", "e-mail", "email address"}, contains: []string{"email"}},
	{field: FieldTrackingID, equals: []string{"id"}, contains: []string{"tracking", "participant id", "student id", "external id"}},
	{field: FieldFirstName, equals: []string{"first"}, contains: []string{"first name", "firstname", "given name"}},
	{field: FieldLastName, equals: []string{"last"}, contains: []string{"last name", "lastname", "surname", "family name"}},
	{field: FieldPhone, contains: []string{"phone", "mobile", "cell"}},
	{field: FieldTeamName, equals: []string{"team"}, contains: []string{"team name"}},
	{field: FieldDivision, contains: []string{"division", "category", "league"}},
	{field: FieldSchool, contains: []string{"school"}},
	{field: FieldCity, equals: []string{"city", "town"}, contains: []string{"city"}},
	{field: FieldState, equals: []string{"state", "province", "region"}},
	{field: FieldAge, equals: []string{"age", "participant age", "student age"}, contains: []string{"years old"}},
	{field: FieldConsent, contains: []string{"consent", "waiver", "permission"}},
	{field: FieldSignupDate, contains: []string{"signup date", "sign up date", "sign-up date", "registration date", "timestamp"}},
	{field: FieldRole, equals: []string{"role", "type"}, contains: []string{"role"}},
}

var teamRules = []rule{
	{field: FieldStudentEmails, contains: []string{"student email", "participant email", "students"}},
	{field: FieldMentorEmails, contains: []string{"mentor email", "coach email", "mentors"}},
	{field: FieldTeamID, equals: []string{"id", "team number"}, contains: []string{"team id"}},
	{field: FieldDivision, contains: []string{"division"}},
	{field: FieldTeamName, equals: []string{"name", "team"}, contains: []string{"team name"}},
}

func rulesFor(kind Kind) []rule {
	if kind == KindTeams {
		return teamRules
	}
	return userRules
}

// KnownField reports whether f is a valid mapping target for kind.
func KnownField(kind Kind, f Field) bool {
	if f == FieldIgnored {
		return true
	}
	for _, r := range rulesFor(kind) {
		if r.field == f {
			return true
		}
	}
	return false
}

// ColumnMapping assigns one source header to a canonical field.
type ColumnMapping struct {
	Header string `json:"header"`
	Field  Field  `json:"field"`
}

// Mapping holds one entry per source column, in column order.
type Mapping []ColumnMapping

// DetectMapping runs the heuristic over the headers. The first rule matching a header decides
// its field; a field already claimed by an earlier column leaves the later column ignored.
func DetectMapping(kind Kind, headers []string) Mapping {
	rules := rulesFor(kind)
	claimed := map[Field]bool{}
	mapping := make(Mapping, len(headers))

	for i, header := range headers {
		mapping[i] = ColumnMapping{Header: header, Field: FieldIgnored}
		normalized := normalizeHeader(header)
		if normalized == "" {
			continue
		}

		for _, r := range rules {
			if !r.matches(normalized) {
				continue
			}
			if !claimed[r.field] {
				mapping[i].Field = r.field
				claimed[r.field] = true
			}
			break
		}
	}

	return mapping
}

// ApplyOverrides reassigns columns by header name. Operator choices always beat the heuristic; when
// two columns are given the same field, the column appearing later in the file keeps it.
func (m Mapping) ApplyOverrides(kind Kind, overrides map[string]Field) (Mapping, error) {
	out := make(Mapping, len(m))
	copy(out, m)
	if len(overrides) == 0 {
		return out, nil
	}

	byHeader := make(map[string]int, len(out))
	for i, col := range out {
		byHeader[normalizeHeader(col.Header)] = i
	}

	normalized := make(map[int]Field, len(overrides))
	for header, field := range overrides {
		idx, ok := byHeader[normalizeHeader(header)]
		if !ok {
			return nil, fmt.Errorf("mapping references unknown column %q", header)
		}
		if !KnownField(kind, field) {
			return nil, fmt.Errorf("column %q mapped to unknown field %q", header, field)
		}
		normalized[idx] = field
	}

	for idx := range out {
		field, ok := normalized[idx]
		if !ok {
			continue
		}
		if field != FieldIgnored {
			for j := range out {
				if j != idx && out[j].Field == field {
					out[j].Field = FieldIgnored
				}
			}
		}
		out[idx].Field = field
	}

	return out, nil
}

// Index returns field → column position for mapped columns.
func (m Mapping) Index() map[Field]int {
	idx := make(map[Field]int, len(m))
	for i, col := range m {
		if col.Field != FieldIgnored {
			idx[col.Field] = i
		}
	}
	return idx
}

// Missing lists the display names of required fields no column maps to.
func (m Mapping) Missing(kind Kind) []string {
	idx := m.Index()
	var missing []string
	for _, req := range requiredFields(kind) {
		if _, ok := idx[req.field]; !ok {
			missing = append(missing, req.column)
		}
	}
	return missing
}

type requiredField struct {
	field  Field
	column string
}

func requiredFields(kind Kind) []requiredField {
	if kind == KindTeams {
		return []requiredField{
			{field: FieldTeamID, column: "Team ID"},
			{field: FieldTeamName, column: "Name"},
			{field: FieldDivision, column: "Division"},
		}
	}
	return []requiredField{{field: FieldEmail, column: "Email"}}
}

func normalizeHeader(header string) string {
	return strings.Join(strings.Fields(strings.ToLower(header)), " ")
}
