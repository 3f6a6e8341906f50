package csvimport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectMappingUsers(t *testing.T) {
	t.Parallel()

	headers := []string{"Parent Email", "Email Address", "First Name", "Last Name", "Parent / Guardian Name", "Cell Phone", "Team Name", "Division", "Favourite Colour", "Email"}
	mapping := DetectMapping(KindUsers, headers)

	require.Equal(t, FieldGuardianEmail, mapping[0].Field)
	require.Equal(t, FieldEmail, mapping[1].Field)
	require.Equal(t, FieldFirstName, mapping[2].Field)
	require.Equal(t, FieldLastName, mapping[3].Field)
	require.Equal(t, FieldGuardianName, mapping[4].Field)
	require.Equal(t, FieldPhone, mapping[5].Field)
	require.Equal(t, FieldTeamName, mapping[6].Field)
	require.Equal(t, FieldDivision, mapping[7].Field)
	require.Equal(t, FieldIgnored, mapping[8].Field)
	// Email is already claimed by an earlier column.
	require.Equal(t, FieldIgnored, mapping[9].Field)
}

func TestDetectMappingTeams(t *testing.T) {
	t.Parallel()

	mapping := DetectMapping(KindTeams, []string{"Team ID", "Name", "Division", "Student emails", "Mentor emails"})
	require.Equal(t, []Field{FieldTeamID, FieldTeamName, FieldDivision, FieldStudentEmails, FieldMentorEmails}, fields(mapping))
	require.Empty(t, mapping.Missing(KindTeams))
}

func TestApplyOverridesOperatorWins(t *testing.T) {
	t.Parallel()

	mapping := DetectMapping(KindUsers, []string{"Email", "Contact", "Notes"})
	require.Equal(t, FieldIgnored, mapping[1].Field)

	out, err := mapping.ApplyOverrides(KindUsers, map[string]Field{"contact": FieldEmail})
	require.NoError(t, err)
	require.Equal(t, FieldIgnored, out[0].Field)
	require.Equal(t, FieldEmail, out[1].Field)

	// Input mapping is untouched.
	require.Equal(t, FieldEmail, mapping[0].Field)
}

func TestApplyOverridesDoubleMappingLastColumnWins(t *testing.T) {
	t.Parallel()

	mapping := DetectMapping(KindUsers, []string{"A", "B", "C"})
	out, err := mapping.ApplyOverrides(KindUsers, map[string]Field{"A": FieldEmail, "C": FieldEmail})
	require.NoError(t, err)
	require.Equal(t, []Field{FieldIgnored, FieldIgnored, FieldEmail}, fields(out))
	require.Len(t, out.Index(), 1)
}

func TestApplyOverridesRejectsUnknownTargets(t *testing.T) {
	t.Parallel()

	mapping := DetectMapping(KindUsers, []string{"Email"})

	_, err := mapping.ApplyOverrides(KindUsers, map[string]Field{"Missing": FieldEmail})
	require.Error(t, err)

	_, err = mapping.ApplyOverrides(KindUsers, map[string]Field{"Email": FieldStudentEmails})
	require.Error(t, err)
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	kind, err := ParseKind(" Teams ")
	require.NoError(t, err)
	require.Equal(t, KindTeams, kind)

	_, err = ParseKind("workshops")
	require.Error(t, err)
}

func fields(m Mapping) []Field {
	out := make([]Field, len(m))
	for i, col := range m {
		out[i] = col.Field
	}
	return out
}
