package reconcile

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/zenGate-Global/palmyra-roster/domains/imports/be/csvimport"
	"github.com/zenGate-Global/palmyra-roster/platform/go/persistence"
)

func TestBuildPlanThreeRowScenario(t *testing.T) {
	t.Parallel()

	records := userRecords(t, "Email\na@x.com\na@x.com\nb@x.com\n")
	c, err := Classify(context.Background(), emptyLookup(), csvimport.KindUsers, records)
	require.NoError(t, err)

	plan := BuildPlan(records, c)
	require.Equal(t, []RowAction{RowCreate, RowSkip, RowCreate}, actions(plan))
	require.Equal(t, ConflictDuplicateInBatch, plan.Rows[1].Conflict)
	require.Equal(t, "duplicate of line 2", plan.Rows[1].Reason)
	require.Equal(t, 2, plan.Summary.ReadyToImport)
	require.Equal(t, 1, plan.Summary.Conflicts)
}

func TestBuildPlanDuplicateOverrideLastRowWins(t *testing.T) {
	t.Parallel()

	records := userRecords(t, "Email,First Name\na@x.com,Ann\na@x.com,Anna\n")
	c, err := Classify(context.Background(), emptyLookup(), csvimport.KindUsers, records)
	require.NoError(t, err)
	require.NoError(t, ApplyOverrides(&c, map[int]Action{1: ActionImport}))

	plan := BuildPlan(records, c)
	require.Equal(t, []RowAction{RowCreate, RowUpdate}, actions(plan))
}

func TestBuildPlanActiveRowsAreNeverCommitted(t *testing.T) {
	t.Parallel()

	lookup := emptyLookup()
	lookup.profilesFn = func(context.Context, []string) ([]persistence.Profile, error) {
		return []persistence.Profile{activeProfile("a@x.com")}, nil
	}
	records := userRecords(t, "Email\na@x.com\n")
	c, err := Classify(context.Background(), lookup, csvimport.KindUsers, records)
	require.NoError(t, err)

	for _, action := range []Action{ActionUpdate, ActionImport} {
		require.NoError(t, ApplyOverrides(&c, map[int]Action{0: action}))
		plan := BuildPlan(records, c)
		require.Equal(t, RowSkip, plan.Rows[0].Action)
		require.Equal(t, "already active", plan.Rows[0].Reason)
	}
}

func TestBuildPlanDuplicateOfActiveRowStaysSkipped(t *testing.T) {
	t.Parallel()

	lookup := emptyLookup()
	lookup.profilesFn = func(context.Context, []string) ([]persistence.Profile, error) {
		return []persistence.Profile{activeProfile("a@x.com")}, nil
	}
	records := userRecords(t, "Email,First Name\na@x.com,Changed\na@x.com,Hijacked\n")
	c, err := Classify(context.Background(), lookup, csvimport.KindUsers, records)
	require.NoError(t, err)

	for _, action := range []Action{ActionUpdate, ActionImport} {
		require.NoError(t, ApplyOverrides(&c, map[int]Action{1: action}))
		plan := BuildPlan(records, c)
		require.Equal(t, []RowAction{RowSkip, RowSkip}, actions(plan))
		require.Equal(t, "duplicate of line 2, already active", plan.Rows[1].Reason)
	}
}

func TestBuildPlanWhitelistActionsAndChanges(t *testing.T) {
	t.Parallel()

	age := 12
	entry := persistence.WhitelistEntry{
		WhitelistID: uuid.New(),
		Email:       "wl@x.com",
		Fields: persistence.RosterFields{
			FirstName: "Grace",
			Phone:     "(555) 010-2000",
			School:    "north  high",
			Age:       &age,
		},
		TeamName: "Robots",
	}
	lookup := emptyLookup()
	lookup.whitelistFn = func(context.Context, []string) ([]persistence.WhitelistEntry, error) {
		return []persistence.WhitelistEntry{entry}, nil
	}

	records := userRecords(t, "Email,First Name,Phone,School,Age,Team Name,City\nwl@x.com, grace ,555-010-2000,North High,13,Gears,\n")
	c, err := Classify(context.Background(), lookup, csvimport.KindUsers, records)
	require.NoError(t, err)

	plan := BuildPlan(records, c)
	require.Equal(t, RowUpdate, plan.Rows[0].Action)
	require.Len(t, plan.Changes, 1)
	require.Equal(t, []FieldChange{
		{Field: "age", From: "12", To: "13"},
		{Field: "team", From: "Robots", To: "Gears"},
	}, plan.Changes[0].Changes)
	require.Equal(t, []TeamToCreate{{Name: "Gears"}}, plan.TeamsToCreate)

	require.NoError(t, ApplyOverrides(&c, map[int]Action{0: ActionImport}))
	require.Equal(t, RowCreate, BuildPlan(records, c).Rows[0].Action)

	require.NoError(t, ApplyOverrides(&c, map[int]Action{0: ActionSkip}))
	skipped := BuildPlan(records, c)
	require.Equal(t, RowSkip, skipped.Rows[0].Action)
	require.Empty(t, skipped.Changes)
	require.Empty(t, skipped.TeamsToCreate)
}

func TestBuildPlanTeamsToCreateAgainstRegistry(t *testing.T) {
	t.Parallel()

	existing := "T-9"
	lookup := emptyLookup()
	lookup.teamsFn = func(context.Context, []string, []string) ([]persistence.Team, error) {
		return []persistence.Team{{TeamID: uuid.New(), ExternalID: &existing, Name: "Robots", Division: "Junior"}}, nil
	}

	records := userRecords(t, "Email,Team Name,Division\na@x.com,ROBOTS,Junior\nb@x.com,Gears,Senior\nc@x.com,gears,Senior\nd@x.com,,\n")
	c, err := Classify(context.Background(), lookup, csvimport.KindUsers, records)
	require.NoError(t, err)

	plan := BuildPlan(records, c)
	require.Equal(t, []TeamToCreate{{Name: "Gears", Division: "Senior"}}, plan.TeamsToCreate)
	require.Equal(t, []string{"Gears"}, plan.SortedTeamNames())
}

func TestBuildPlanTeamsKind(t *testing.T) {
	t.Parallel()

	existing := "T-1"
	lookup := emptyLookup()
	lookup.teamsFn = func(context.Context, []string, []string) ([]persistence.Team, error) {
		return []persistence.Team{{TeamID: uuid.New(), ExternalID: &existing, Name: "Robots", Division: "Junior"}}, nil
	}

	ingested, err := csvimport.Ingest([]byte("Team ID,Name,Division\nT-1,Robots,Senior\nT-2,Gears,Senior\n,Nameless,Senior\n"), csvimport.KindTeams, csvimport.Limits{}, nil)
	require.NoError(t, err)
	records := csvimport.BuildRecords(csvimport.KindTeams, ingested.Table, ingested.Mapping)

	c, err := Classify(context.Background(), lookup, csvimport.KindTeams, records)
	require.NoError(t, err)

	plan := BuildPlan(records, c)
	require.Equal(t, []RowAction{RowUpdate, RowCreate, RowSkip}, actions(plan))
	require.Equal(t, []TeamToCreate{{ExternalID: "T-2", Name: "Gears", Division: "Senior"}}, plan.TeamsToCreate)
	require.Len(t, plan.Changes, 1)
	require.Equal(t, []FieldChange{{Field: "division", From: "Junior", To: "Senior"}}, plan.Changes[0].Changes)
}

func TestValuesDiffer(t *testing.T) {
	t.Parallel()

	require.False(t, ValuesDiffer("North  High", " north high "))
	require.False(t, ValuesDiffer("anything", ""))
	require.True(t, ValuesDiffer("", "new"))
	require.False(t, PhonesDiffer("+1 (555) 010", "1555010"))
	require.True(t, PhonesDiffer("555", "556"))
}

func actions(plan Plan) []RowAction {
	out := make([]RowAction, len(plan.Rows))
	for i, row := range plan.Rows {
		out[i] = row.Action
	}
	return out
}
