package repo

import (
	"context"

	"github.com/google/uuid"

	"github.com/zenGate-Global/palmyra-roster/platform/go/persistence"
)

// JobRepository defines the import job persistence operations required by the service.
type JobRepository interface {
	Create(ctx context.Context, params persistence.CreateImportJobParams) (persistence.ImportJob, error)
	Claim(ctx context.Context, id uuid.UUID) (persistence.ImportJob, error)
	SaveProgress(ctx context.Context, id uuid.UUID, counters persistence.ImportCounters) error
	Finish(ctx context.Context, id uuid.UUID, status persistence.ImportStatus, counters persistence.ImportCounters, errs []persistence.ImportError) (persistence.ImportJob, error)
	Get(ctx context.Context, id uuid.UUID) (persistence.ImportJob, error)
	List(ctx context.Context, params persistence.ListImportJobsParams) (persistence.ListImportJobsResult, error)
}

// RosterRepository defines the roster reads and per-row writes used by classification and commit.
type RosterRepository interface {
	FindProfilesByEmails(ctx context.Context, emails []string) ([]persistence.Profile, error)
	FindWhitelistByEmails(ctx context.Context, emails []string) ([]persistence.WhitelistEntry, error)
	FindTeams(ctx context.Context, names []string, externalIDs []string) ([]persistence.Team, error)

	FindProfileByAuthUID(ctx context.Context, authUID string) (persistence.Profile, error)
	EnsureProfile(ctx context.Context, params persistence.EnsureProfileParams) (persistence.Profile, error)
	UpdateProfileFields(ctx context.Context, id uuid.UUID, fields persistence.RosterFields) (persistence.Profile, error)

	UpdateWhitelistFields(ctx context.Context, id uuid.UUID, patch persistence.WhitelistPatch) (persistence.WhitelistEntry, error)
	LinkWhitelistProfile(ctx context.Context, id, profileID uuid.UUID) error

	FindTeam(ctx context.Context, externalID, name string) (persistence.Team, error)
	CreateTeam(ctx context.Context, params persistence.CreateTeamParams) (persistence.Team, bool, error)
	UpdateTeam(ctx context.Context, id uuid.UUID, patch persistence.TeamPatch) (persistence.Team, error)

	UpsertMembership(ctx context.Context, profileID, teamID uuid.UUID, role string) (persistence.MembershipChange, error)
}

type postgresJobRepository struct {
	store *persistence.ImportJobStore
}

// NewPostgresJobRepository constructs a job repository backed by the shared persistence layer.
func NewPostgresJobRepository(store *persistence.ImportJobStore) JobRepository {
	if store == nil {
		panic("import job store is required")
	}
	return &postgresJobRepository{store: store}
}

func (r *postgresJobRepository) Create(ctx context.Context, params persistence.CreateImportJobParams) (persistence.ImportJob, error) {
	return r.store.CreateJob(ctx, params)
}

func (r *postgresJobRepository) Claim(ctx context.Context, id uuid.UUID) (persistence.ImportJob, error) {
	return r.store.ClaimJob(ctx, id)
}

func (r *postgresJobRepository) SaveProgress(ctx context.Context, id uuid.UUID, counters persistence.ImportCounters) error {
	return r.store.SaveProgress(ctx, id, counters)
}

func (r *postgresJobRepository) Finish(ctx context.Context, id uuid.UUID, status persistence.ImportStatus, counters persistence.ImportCounters, errs []persistence.ImportError) (persistence.ImportJob, error) {
	return r.store.FinishJob(ctx, id, status, counters, errs)
}

func (r *postgresJobRepository) Get(ctx context.Context, id uuid.UUID) (persistence.ImportJob, error) {
	return r.store.GetJob(ctx, id)
}

func (r *postgresJobRepository) List(ctx context.Context, params persistence.ListImportJobsParams) (persistence.ListImportJobsResult, error) {
	return r.store.ListJobs(ctx, params)
}

// NewPostgresRosterRepository returns the roster store itself; it already satisfies the contract.
func NewPostgresRosterRepository(store *persistence.RosterStore) RosterRepository {
	if store == nil {
		panic("roster store is required")
	}
	return store
}

var _ RosterRepository = (*persistence.RosterStore)(nil)
