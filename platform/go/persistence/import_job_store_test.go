package persistence_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/zenGate-Global/palmyra-roster/platform/go/persistence"
	"github.com/zenGate-Global/palmyra-roster/platform/go/persistence/pgtest"
)

func TestImportJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	pool := pgtest.NewPool(t)
	ctx := context.Background()

	store, err := persistence.NewImportJobStore(pool)
	require.NoError(t, err)

	id := uuid.New()
	job, err := store.CreateJob(ctx, persistence.CreateImportJobParams{
		ImportID:    id,
		Kind:        "users",
		FileName:    " roster.csv ",
		Total:       3,
		SourcePath:  "imports/" + id.String() + "/source.csv",
		PlanPath:    "imports/" + id.String() + "/plan.json",
		NotifyEmail: "ops@example.com",
		CreatedBy:   "admin-1",
	})
	require.NoError(t, err)
	require.Equal(t, persistence.ImportStatusPending, job.Status)
	require.Equal(t, "roster.csv", job.FileName)
	require.Equal(t, 3, job.Counters.Total)
	require.Empty(t, job.Errors)

	require.ErrorIs(t, store.SaveProgress(ctx, id, persistence.ImportCounters{Processed: 1}), persistence.ErrImportJobStateConflict)

	claimed, err := store.ClaimJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, persistence.ImportStatusProcessing, claimed.Status)
	require.NotNil(t, claimed.StartedAt)

	_, err = store.ClaimJob(ctx, id)
	require.ErrorIs(t, err, persistence.ErrImportJobNotClaimable)

	require.NoError(t, store.SaveProgress(ctx, id, persistence.ImportCounters{Total: 3, Processed: 2, Created: 1, Skipped: 1}))

	finished, err := store.FinishJob(ctx, id, persistence.ImportStatusCompleted,
		persistence.ImportCounters{Total: 3, Processed: 3, Created: 1, Skipped: 1, Failed: 1},
		[]persistence.ImportError{{Row: "4", Reason: "identity provider rejected <email>"}},
	)
	require.NoError(t, err)
	require.Equal(t, persistence.ImportStatusCompleted, finished.Status)
	require.NotNil(t, finished.CompletedAt)
	require.Equal(t, 3, finished.Counters.Processed)
	require.Len(t, finished.Errors, 1)

	_, err = store.FinishJob(ctx, id, persistence.ImportStatusFailed, persistence.ImportCounters{}, nil)
	require.ErrorIs(t, err, persistence.ErrImportJobStateConflict)

	_, err = store.FinishJob(ctx, id, persistence.ImportStatusProcessing, persistence.ImportCounters{}, nil)
	require.Error(t, err)

	fetched, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, finished.Counters, fetched.Counters)
	require.Equal(t, "identity provider rejected <email>", fetched.Errors[0].Reason)

	_, err = store.GetJob(ctx, uuid.New())
	require.ErrorIs(t, err, persistence.ErrImportJobNotFound)
}

func TestImportJobStoreClaimIsExclusive(t *testing.T) {
	t.Parallel()

	pool := pgtest.NewPool(t)
	ctx := context.Background()

	store, err := persistence.NewImportJobStore(pool)
	require.NoError(t, err)

	id := uuid.New()
	_, err = store.CreateJob(ctx, persistence.CreateImportJobParams{ImportID: id, Kind: "teams", FileName: "teams.csv"})
	require.NoError(t, err)

	const contenders = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, claimErr := store.ClaimJob(ctx, id); claimErr == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, winners)
}

func TestImportJobStoreList(t *testing.T) {
	t.Parallel()

	pool := pgtest.NewPool(t)
	ctx := context.Background()

	store, err := persistence.NewImportJobStore(pool)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := store.CreateJob(ctx, persistence.CreateImportJobParams{ImportID: uuid.New(), Kind: "users", FileName: "f.csv"})
		require.NoError(t, err)
	}
	claimedID := uuid.New()
	_, err = store.CreateJob(ctx, persistence.CreateImportJobParams{ImportID: claimedID, Kind: "users", FileName: "g.csv"})
	require.NoError(t, err)
	_, err = store.ClaimJob(ctx, claimedID)
	require.NoError(t, err)

	all, err := store.ListJobs(ctx, persistence.ListImportJobsParams{Page: 1, PageSize: 2})
	require.NoError(t, err)
	require.Equal(t, 4, all.TotalItems)
	require.Len(t, all.Jobs, 2)
	require.Equal(t, claimedID, all.Jobs[0].ImportID)

	processing := persistence.ImportStatusProcessing
	filtered, err := store.ListJobs(ctx, persistence.ListImportJobsParams{Status: &processing})
	require.NoError(t, err)
	require.Equal(t, 1, filtered.TotalItems)
	require.Equal(t, claimedID, filtered.Jobs[0].ImportID)
}
