package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ImportJobsTable = "import_jobs"

// ImportStatus is the lifecycle state of an import job.
type ImportStatus string

const (
	ImportStatusPending    ImportStatus = "pending"
	ImportStatusProcessing ImportStatus = "processing"
	ImportStatusCompleted  ImportStatus = "completed"
	ImportStatusFailed     ImportStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s ImportStatus) Terminal() bool {
	return s == ImportStatusCompleted || s == ImportStatusFailed
}

// ImportCounters are the per-phase progress counters checkpointed on the job row.
type ImportCounters struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Activated int `json:"activated"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// ImportError is one persisted, already redacted, error entry.
type ImportError struct {
	Row    string `json:"row"`
	Reason string `json:"reason"`
}

// ImportJob represents a row in the import_jobs table.
type ImportJob struct {
	ImportID        uuid.UUID
	Kind            string
	FileName        string
	Status          ImportStatus
	Counters        ImportCounters
	Errors          []ImportError
	SourcePath      string
	PlanPath        string
	NotifyEmail     string
	CreatedBy       string
	ResubmittedFrom *uuid.UUID
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	UpdatedAt       time.Time
}

var (
	// ErrImportJobNotFound indicates a missing import job.
	ErrImportJobNotFound = errors.New("import job not found")
	// ErrImportJobNotClaimable indicates the conditional claim matched no pending row.
	ErrImportJobNotClaimable = errors.New("import job not claimable")
	// ErrImportJobStateConflict indicates the job is not in the state required by the transition.
	ErrImportJobStateConflict = errors.New("import job state conflict")
)

// CreateImportJobParams captures the fields required to insert a pending job.
type CreateImportJobParams struct {
	ImportID        uuid.UUID
	Kind            string
	FileName        string
	Total           int
	SourcePath      string
	PlanPath        string
	NotifyEmail     string
	CreatedBy       string
	ResubmittedFrom *uuid.UUID
}

// ListImportJobsParams captures filters and pagination for ListJobs.
type ListImportJobsParams struct {
	Page     int
	PageSize int
	Status   *ImportStatus
}

// ListImportJobsResult includes the rows and the total count for pagination metadata.
type ListImportJobsResult struct {
	Jobs       []ImportJob
	TotalItems int
}

// ImportJobStore exposes persistence helpers for the import_jobs table.
type ImportJobStore struct {
	pool *pgxpool.Pool
}

// NewImportJobStore returns a store bound to the shared pool.
func NewImportJobStore(pool *pgxpool.Pool) (*ImportJobStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &ImportJobStore{pool: pool}, nil
}

const importJobColumns = `import_id, kind, file_name, status,
        records_total, records_processed, records_created, records_updated,
        records_activated, records_skipped, records_failed, errors,
        source_path, plan_path, notify_email, created_by, resubmitted_from,
        created_at, started_at, completed_at, updated_at`

// CreateJob inserts a new job in the pending state.
func (s *ImportJobStore) CreateJob(ctx context.Context, params CreateImportJobParams) (ImportJob, error) {
	if params.ImportID == uuid.Nil {
		return ImportJob{}, errors.New("import id is required")
	}

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        INSERT INTO %s (import_id, kind, file_name, status, records_total, source_path, plan_path, notify_email, created_by, resubmitted_from)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        RETURNING %s
    `, ImportJobsTable, importJobColumns),
		params.ImportID,
		params.Kind,
		strings.TrimSpace(params.FileName),
		ImportStatusPending,
		params.Total,
		params.SourcePath,
		params.PlanPath,
		strings.TrimSpace(params.NotifyEmail),
		params.CreatedBy,
		params.ResubmittedFrom,
	)

	job, err := scanImportJob(row)
	if err != nil {
		return ImportJob{}, fmt.Errorf("insert import job: %w", err)
	}
	return job, nil
}

// ClaimJob moves a pending job to processing and returns the claimed row.
// Zero affected rows means another worker owns the job or it does not exist.
func (s *ImportJobStore) ClaimJob(ctx context.Context, id uuid.UUID) (ImportJob, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        UPDATE %s
        SET status = $1, started_at = NOW(), updated_at = NOW()
        WHERE import_id = $2 AND status = $3
        RETURNING %s
    `, ImportJobsTable, importJobColumns), ImportStatusProcessing, id, ImportStatusPending)

	job, err := scanImportJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ImportJob{}, ErrImportJobNotClaimable
		}
		return ImportJob{}, fmt.Errorf("claim import job: %w", err)
	}
	return job, nil
}

// SaveProgress checkpoints counters on a processing job.
func (s *ImportJobStore) SaveProgress(ctx context.Context, id uuid.UUID, counters ImportCounters) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
        UPDATE %s
        SET records_processed = $1, records_created = $2, records_updated = $3,
            records_activated = $4, records_skipped = $5, records_failed = $6, updated_at = NOW()
        WHERE import_id = $7 AND status = $8
    `, ImportJobsTable),
		counters.Processed, counters.Created, counters.Updated,
		counters.Activated, counters.Skipped, counters.Failed,
		id, ImportStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("save import progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrImportJobStateConflict
	}
	return nil
}

// FinishJob moves a processing job to a terminal status with its final counters and errors.
func (s *ImportJobStore) FinishJob(ctx context.Context, id uuid.UUID, status ImportStatus, counters ImportCounters, importErrors []ImportError) (ImportJob, error) {
	if !status.Terminal() {
		return ImportJob{}, fmt.Errorf("status %q is not terminal", status)
	}
	if importErrors == nil {
		importErrors = []ImportError{}
	}

	payload, err := json.Marshal(importErrors)
	if err != nil {
		return ImportJob{}, fmt.Errorf("encode import errors: %w", err)
	}

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        UPDATE %s
        SET status = $1,
            records_processed = $2, records_created = $3, records_updated = $4,
            records_activated = $5, records_skipped = $6, records_failed = $7,
            errors = $8, completed_at = NOW(), updated_at = NOW()
        WHERE import_id = $9 AND status = $10
        RETURNING %s
    `, ImportJobsTable, importJobColumns),
		status,
		counters.Processed, counters.Created, counters.Updated,
		counters.Activated, counters.Skipped, counters.Failed,
		payload, id, ImportStatusProcessing,
	)

	job, err := scanImportJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ImportJob{}, ErrImportJobStateConflict
		}
		return ImportJob{}, fmt.Errorf("finish import job: %w", err)
	}
	return job, nil
}

// GetJob returns a single job by identifier.
func (s *ImportJobStore) GetJob(ctx context.Context, id uuid.UUID) (ImportJob, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE import_id = $1`, importJobColumns, ImportJobsTable), id)

	job, err := scanImportJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ImportJob{}, ErrImportJobNotFound
		}
		return ImportJob{}, err
	}
	return job, nil
}

// ListJobs returns jobs newest first with pagination applied.
func (s *ImportJobStore) ListJobs(ctx context.Context, params ListImportJobsParams) (ListImportJobsResult, error) {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize <= 0 {
		params.PageSize = 20
	}
	if params.PageSize > 100 {
		params.PageSize = 100
	}

	whereSQL := "1=1"
	var args []any
	if params.Status != nil {
		args = append(args, *params.Status)
		whereSQL = fmt.Sprintf("status = $%d", len(args))
	}

	var total int
	if err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", ImportJobsTable, whereSQL), args...).Scan(&total); err != nil {
		return ListImportJobsResult{}, fmt.Errorf("count import jobs: %w", err)
	}

	result := ListImportJobsResult{Jobs: []ImportJob{}, TotalItems: total}
	if total == 0 {
		return result, nil
	}

	dataArgs := append([]any{}, args...)
	dataArgs = append(dataArgs, params.PageSize, (params.Page-1)*params.PageSize)

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
        SELECT %s FROM %s
        WHERE %s
        ORDER BY created_at DESC
        LIMIT $%d OFFSET $%d
    `, importJobColumns, ImportJobsTable, whereSQL, len(dataArgs)-1, len(dataArgs)), dataArgs...)
	if err != nil {
		return ListImportJobsResult{}, fmt.Errorf("list import jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		job, scanErr := scanImportJob(rows)
		if scanErr != nil {
			return ListImportJobsResult{}, fmt.Errorf("scan import job: %w", scanErr)
		}
		result.Jobs = append(result.Jobs, job)
	}
	if err := rows.Err(); err != nil {
		return ListImportJobsResult{}, fmt.Errorf("iterate import jobs: %w", err)
	}

	return result, nil
}

func scanImportJob(row pgx.Row) (ImportJob, error) {
	var (
		job       ImportJob
		status    string
		errorsRaw []byte
	)

	if err := row.Scan(
		&job.ImportID, &job.Kind, &job.FileName, &status,
		&job.Counters.Total, &job.Counters.Processed, &job.Counters.Created, &job.Counters.Updated,
		&job.Counters.Activated, &job.Counters.Skipped, &job.Counters.Failed, &errorsRaw,
		&job.SourcePath, &job.PlanPath, &job.NotifyEmail, &job.CreatedBy, &job.ResubmittedFrom,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.UpdatedAt,
	); err != nil {
		return ImportJob{}, err
	}

	job.Status = ImportStatus(status)
	job.Errors = []ImportError{}
	if len(errorsRaw) > 0 {
		if err := json.Unmarshal(errorsRaw, &job.Errors); err != nil {
			return ImportJob{}, fmt.Errorf("decode import errors: %w", err)
		}
	}

	return job, nil
}
