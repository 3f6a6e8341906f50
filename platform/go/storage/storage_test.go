package storage

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestResolveObjectLocation(t *testing.T) {
	importID := uuid.New()
	loc, err := ResolveObjectLocation("roster-dev-imports", "dev/", ImportSourceKey(importID))
	require.NoError(t, err)
	require.Equal(t, "roster-dev-imports", loc.Bucket)
	require.Equal(t, "dev/imports/"+importID.String()+"/source.csv", loc.FullPath)
}

func TestResolveObjectLocation_trimsSlashAndValidates(t *testing.T) {
	loc, err := ResolveObjectLocation("bucket", "dev", "/imports/x/plan.json")
	require.NoError(t, err)
	require.Equal(t, "dev/imports/x/plan.json", loc.FullPath)

	loc, err = ResolveObjectLocation("bucket", "", "imports/x/plan.json")
	require.NoError(t, err)
	require.Equal(t, "imports/x/plan.json", loc.FullPath)

	_, err = ResolveObjectLocation("", "dev", "file")
	require.Error(t, err)

	_, err = ResolveObjectLocation("bucket", "dev", " ")
	require.Error(t, err)

	_, err = ResolveObjectLocation("bucket", "dev", "imports/../../etc/passwd")
	require.Error(t, err)
}

func TestLocalStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Check(ctx))

	first, second := uuid.New(), uuid.New()
	require.NoError(t, store.Put(ctx, ImportSourceKey(first), "text/csv", []byte("Email\na@x.com\n")))
	require.NoError(t, store.Put(ctx, ImportPlanKey(first), "application/json", []byte(`{}`)))

	data, err := store.Get(ctx, ImportSourceKey(first))
	require.NoError(t, err)
	require.Equal(t, "Email\na@x.com\n", string(data))

	require.NoError(t, store.Copy(ctx, ImportSourceKey(first), ImportSourceKey(second)))
	copied, err := store.Get(ctx, ImportSourceKey(second))
	require.NoError(t, err)
	require.Equal(t, data, copied)

	require.NoError(t, store.DeletePrefix(ctx, ImportPrefix(first)))
	_, err = store.Get(ctx, ImportPlanKey(first))
	require.ErrorIs(t, err, ErrObjectNotFound)
	require.NoError(t, store.DeletePrefix(ctx, ImportPrefix(first)))

	_, err = store.Get(ctx, ImportPlanKey(second))
	require.ErrorIs(t, err, ErrObjectNotFound)
	require.ErrorIs(t, store.Copy(ctx, ImportPlanKey(first), ImportPlanKey(second)), ErrObjectNotFound)
}
