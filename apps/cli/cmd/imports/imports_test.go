package imports

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	importsservice "github.com/zenGate-Global/palmyra-roster/domains/imports/be/service"
	"github.com/zenGate-Global/palmyra-roster/platform/go/persistence"
)

func TestPrintJobListsCountersAndErrors(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	printJob(&out, importsservice.Job{
		ID:       uuid.MustParse("6f1d2c3b-0000-4000-8000-000000000001"),
		Kind:     "users",
		FileName: "roster.csv",
		Status:   persistence.ImportStatusCompleted,
		Counters: persistence.ImportCounters{Total: 3, Processed: 3, Created: 1, Updated: 1, Failed: 1},
		Errors:   []persistence.ImportError{{Row: "4", Reason: "invalid email <email>"}},
	})

	text := out.String()
	require.Contains(t, text, "6f1d2c3b-0000-4000-8000-000000000001")
	require.Contains(t, text, "3/3")
	require.Contains(t, text, "1 / 1 / 0")
	require.Contains(t, text, "row 4: invalid email <email>")
}

func TestCommandWiresSubcommands(t *testing.T) {
	t.Parallel()

	cmd := Command()
	names := make([]string, 0, len(cmd.Commands()))
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	require.ElementsMatch(t, []string{"analyze", "process", "status"}, names)
}
