package persistence_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/zenGate-Global/palmyra-roster/platform/go/persistence"
	"github.com/zenGate-Global/palmyra-roster/platform/go/persistence/pgtest"
)

func TestRosterStoreProfilesAndWhitelist(t *testing.T) {
	t.Parallel()

	pool := pgtest.NewPool(t)
	ctx := context.Background()

	store, err := persistence.NewRosterStore(pool)
	require.NoError(t, err)

	age := 15
	profile, err := store.EnsureProfile(ctx, persistence.EnsureProfileParams{
		AuthUID:        "uid-1",
		Email:          " Ada@Example.com ",
		SecondaryEmail: "Ada.Home@Example.org",
		Fields:         persistence.RosterFields{FirstName: "Ada", Age: &age},
	})
	require.NoError(t, err)
	require.True(t, profile.Active())
	require.Equal(t, "ada@example.com", profile.Email)
	require.Equal(t, "ada.home@example.org", profile.SecondaryEmail)

	bySecondary, err := store.FindProfilesByEmails(ctx, []string{"ada.home@example.org"})
	require.NoError(t, err)
	require.Len(t, bySecondary, 1)
	require.Equal(t, profile.ProfileID, bySecondary[0].ProfileID)
	require.Equal(t, persistence.RoleParticipant, profile.Fields.Role)

	again, err := store.EnsureProfile(ctx, persistence.EnsureProfileParams{AuthUID: "uid-1", Email: "ada@example.com"})
	require.NoError(t, err)
	require.Equal(t, profile.ProfileID, again.ProfileID)

	_, err = store.EnsureProfile(ctx, persistence.EnsureProfileParams{AuthUID: "uid-2", Email: "ADA@example.com"})
	require.ErrorIs(t, err, persistence.ErrProfileConflict)

	updated, err := store.UpdateProfileFields(ctx, profile.ProfileID, persistence.RosterFields{LastName: "Lovelace", School: "North High"})
	require.NoError(t, err)
	require.Equal(t, "Ada", updated.Fields.FirstName)
	require.Equal(t, "Lovelace", updated.Fields.LastName)
	require.Equal(t, 15, *updated.Fields.Age)

	found, err := store.FindProfilesByEmails(ctx, []string{"ada@example.com", "nobody@example.com"})
	require.NoError(t, err)
	require.Len(t, found, 1)

	byEmail, err := store.FindProfileByEmail(ctx, "ADA@example.com")
	require.NoError(t, err)
	require.Equal(t, profile.ProfileID, byEmail.ProfileID)

	_, err = store.FindProfileByEmail(ctx, "missing@example.com")
	require.ErrorIs(t, err, persistence.ErrProfileNotFound)

	entry, err := store.CreateWhitelistEntry(ctx, persistence.CreateWhitelistParams{
		Email:    "Grace@Example.com",
		Fields:   persistence.RosterFields{FirstName: "Grace"},
		TeamName: "Robots",
	})
	require.NoError(t, err)
	require.Nil(t, entry.ProfileID)

	_, err = store.CreateWhitelistEntry(ctx, persistence.CreateWhitelistParams{Email: "grace@example.com"})
	require.ErrorIs(t, err, persistence.ErrWhitelistConflict)

	patched, err := store.UpdateWhitelistFields(ctx, entry.WhitelistID, persistence.WhitelistPatch{Division: "Senior"})
	require.NoError(t, err)
	require.Equal(t, "Robots", patched.TeamName)
	require.Equal(t, "Senior", patched.Division)

	require.NoError(t, store.LinkWhitelistProfile(ctx, entry.WhitelistID, profile.ProfileID))
	require.ErrorIs(t, store.LinkWhitelistProfile(ctx, uuid.New(), profile.ProfileID), persistence.ErrWhitelistNotFound)

	entries, err := store.FindWhitelistByEmails(ctx, []string{"grace@example.com"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, profile.ProfileID, *entries[0].ProfileID)
}

func TestRosterStoreTeamsAndMemberships(t *testing.T) {
	t.Parallel()

	pool := pgtest.NewPool(t)
	ctx := context.Background()

	store, err := persistence.NewRosterStore(pool)
	require.NoError(t, err)

	team, created, err := store.CreateTeam(ctx, persistence.CreateTeamParams{ExternalID: "T-1", Name: "Robots", Division: "Junior"})
	require.NoError(t, err)
	require.True(t, created)

	same, created, err := store.CreateTeam(ctx, persistence.CreateTeamParams{Name: "ROBOTS", Division: "Junior"})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, team.TeamID, same.TeamID)

	teams, err := store.FindTeams(ctx, []string{"robots"}, []string{"T-1"})
	require.NoError(t, err)
	require.Len(t, teams, 1)

	division := "Senior"
	patched, err := store.UpdateTeam(ctx, team.TeamID, persistence.TeamPatch{Division: &division})
	require.NoError(t, err)
	require.Equal(t, "Senior", patched.Division)

	_, err = store.FindTeam(ctx, "", "unknown")
	require.ErrorIs(t, err, persistence.ErrTeamNotFound)

	profile, err := store.EnsureProfile(ctx, persistence.EnsureProfileParams{AuthUID: "uid-9", Email: "kid@example.com"})
	require.NoError(t, err)

	change, err := store.UpsertMembership(ctx, profile.ProfileID, team.TeamID, persistence.RoleParticipant)
	require.NoError(t, err)
	require.Equal(t, persistence.MembershipCreated, change)

	change, err = store.UpsertMembership(ctx, profile.ProfileID, team.TeamID, persistence.RoleParticipant)
	require.NoError(t, err)
	require.Equal(t, persistence.MembershipUnchanged, change)

	change, err = store.UpsertMembership(ctx, profile.ProfileID, team.TeamID, persistence.RoleMentor)
	require.NoError(t, err)
	require.Equal(t, persistence.MembershipUpdated, change)

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM memberships WHERE profile_id = $1`, profile.ProfileID).Scan(&count))
	require.Equal(t, 1, count)
}
