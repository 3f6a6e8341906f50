package csvimport

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStripsBOMAndBlankRows(t *testing.T) {
	t.Parallel()

	raw := "\xEF\xBB\xBF Email ,Name\n a@x.com ,Ada\n,\n\nb@x.com\n"
	table, err := Parse([]byte(raw), Limits{})
	require.NoError(t, err)
	require.Equal(t, []string{"Email", "Name"}, table.Headers)
	require.Equal(t, [][]string{{"a@x.com", "Ada"}, {"b@x.com", ""}}, table.Rows)
}

func TestParseStructuralFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		raw    string
		limits Limits
		want   IngestErrorKind
	}{
		{name: "empty", raw: "", want: IngestEmptyFile},
		{name: "header only", raw: "Email\n", want: IngestEmptyFile},
		{name: "blank rows only", raw: "Email\n,\n\n", want: IngestEmptyFile},
		{name: "too many rows", raw: "Email\na@x.com\nb@x.com\nc@x.com\n", limits: Limits{MaxRows: 2}, want: IngestRowLimitExceeded},
		{name: "too large", raw: "Email\na@x.com\n", limits: Limits{MaxBytes: 4}, want: IngestFileTooLarge},
		{name: "invalid utf8", raw: "Email\n\xff\xfe\n", want: IngestMalformed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tc.raw), tc.limits)
			ingestErr, ok := AsIngestError(err)
			require.True(t, ok, "expected ingest error, got %v", err)
			require.Equal(t, tc.want, ingestErr.Kind)
		})
	}
}

func TestParseRowLimitIsInclusive(t *testing.T) {
	t.Parallel()

	table, err := Parse([]byte("Email\na@x.com\nb@x.com\n"), Limits{MaxRows: 2})
	require.NoError(t, err)
	require.Len(t, table.Rows, 2)
}

func TestIngestMissingColumns(t *testing.T) {
	t.Parallel()

	_, err := Ingest([]byte("Name,Phone\nAda,1\n"), KindUsers, Limits{}, nil)
	ingestErr, ok := AsIngestError(err)
	require.True(t, ok)
	require.Equal(t, IngestMissingColumns, ingestErr.Kind)
	require.Equal(t, []string{"Email"}, ingestErr.Columns)

	_, err = Ingest([]byte("Team ID,Name\n1,Robots\n"), KindTeams, Limits{}, nil)
	ingestErr, ok = AsIngestError(err)
	require.True(t, ok)
	require.Equal(t, []string{"Division"}, ingestErr.Columns)
	require.Contains(t, ingestErr.Error(), "Division")
}

func TestIngestOverrideSatisfiesRequiredColumn(t *testing.T) {
	t.Parallel()

	ingested, err := Ingest([]byte("Contact,Name\nada@x.com,Ada\n"), KindUsers, Limits{}, map[string]Field{"Contact": FieldEmail})
	require.NoError(t, err)
	require.Equal(t, FieldEmail, ingested.Mapping[0].Field)
}

func TestIngestInvalidMapping(t *testing.T) {
	t.Parallel()

	_, err := Ingest([]byte("Email\nada@x.com\n"), KindUsers, Limits{}, map[string]Field{"Nope": FieldEmail})
	ingestErr, ok := AsIngestError(err)
	require.True(t, ok)
	require.Equal(t, IngestInvalidMapping, ingestErr.Kind)
}

func TestSchemaWarning(t *testing.T) {
	t.Parallel()

	expected := strings.Join(expectedHeaders[KindUsers], ",")
	require.Empty(t, SchemaWarning(KindUsers, strings.Split(expected, ",")))

	warning := SchemaWarning(KindUsers, []string{"Email", "Notes"})
	require.NotEmpty(t, warning)
	require.Contains(t, warning, "users")
}
