package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-roster/domains/imports/be/csvimport"
	"github.com/zenGate-Global/palmyra-roster/domains/imports/be/reconcile"
	"github.com/zenGate-Global/palmyra-roster/domains/imports/be/repo"
	"github.com/zenGate-Global/palmyra-roster/platform/go/identity"
	"github.com/zenGate-Global/palmyra-roster/platform/go/logging"
	"github.com/zenGate-Global/palmyra-roster/platform/go/persistence"
	"github.com/zenGate-Global/palmyra-roster/platform/go/requesttrace"
	"github.com/zenGate-Global/palmyra-roster/platform/go/storage"
)

// FieldErrors maps request fields to validation issues.
type FieldErrors map[string][]string

func (f FieldErrors) add(field, msg string) {
	f[field] = append(f[field], msg)
}

// ValidationError is returned when the input payload is invalid.
type ValidationError struct {
	Fields FieldErrors
}

func (v *ValidationError) Error() string {
	return "validation error"
}

// Domain sentinel errors.
var (
	ErrNotFound         = errors.New("import job not found")
	ErrAlreadyClaimed   = errors.New("import job already claimed or not pending")
	ErrNotResubmittable = errors.New("only failed import jobs can be resubmitted")
)

// Job is the domain view of an import job.
type Job struct {
	ID              uuid.UUID
	Kind            string
	FileName        string
	Status          persistence.ImportStatus
	Counters        persistence.ImportCounters
	Errors          []persistence.ImportError
	NotifyEmail     string
	CreatedBy       string
	ResubmittedFrom *uuid.UUID
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// AnalyzeInput is an uploaded file plus operator decisions.
type AnalyzeInput struct {
	Kind     string
	FileName string
	Data     []byte
	// Mapping overrides the detected field of a header (header -> field name).
	Mapping map[string]string
	// Overrides sets the action of a conflicted row (row index -> skip|update|import).
	Overrides map[string]string
}

// SubmitInput stages an analyzed file as a pending job.
type SubmitInput struct {
	AnalyzeInput
	NotifyEmail string
}

// Analysis is the read-only preview of a file.
type Analysis struct {
	Kind       csvimport.Kind
	FileName   string
	Headers    []string
	Mapping    csvimport.Mapping
	Warning    string
	Conflicts  []reconcile.Conflict
	Advisories []reconcile.Advisory
	Counts     reconcile.Counts
	Plan       reconcile.Plan
}

// ListOptions controls filtering and pagination.
type ListOptions struct {
	Status   *string
	Page     int
	PageSize int
}

// ListResult wraps a page of jobs with pagination metadata.
type ListResult struct {
	Jobs       []Job
	Page       int
	PageSize   int
	TotalItems int
	TotalPages int
}

// Service defines the operations of the imports domain.
type Service interface {
	Analyze(ctx context.Context, input AnalyzeInput) (Analysis, error)
	Submit(ctx context.Context, input SubmitInput) (Job, error)
	// Trigger claims a pending job and hands it to the background processor.
	Trigger(ctx context.Context, id uuid.UUID) error
	// Process claims a pending job and commits it before returning.
	Process(ctx context.Context, id uuid.UUID) (Job, error)
	Get(ctx context.Context, id uuid.UUID) (Job, error)
	List(ctx context.Context, opts ListOptions) (ListResult, error)
	Resubmit(ctx context.Context, id uuid.UUID) (Job, error)
}

type service struct {
	jobs      repo.JobRepository
	roster    repo.RosterRepository
	artifacts storage.ArtifactStore
	processor *Processor
	cfg       Config
	logger    *zap.Logger
}

// New constructs the imports Service.
func New(jobs repo.JobRepository, roster repo.RosterRepository, artifacts storage.ArtifactStore, processor *Processor, cfg Config, logger *zap.Logger) Service {
	if jobs == nil {
		panic("import job repository is required")
	}
	if roster == nil {
		panic("roster repository is required")
	}
	if artifacts == nil {
		panic("artifact store is required")
	}
	if processor == nil {
		panic("import processor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &service{
		jobs:      jobs,
		roster:    roster,
		artifacts: artifacts,
		processor: processor,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

type analyzed struct {
	Analysis
	records []csvimport.SourceRecord
}

func (s *service) Analyze(ctx context.Context, input AnalyzeInput) (Analysis, error) {
	result, err := s.analyze(ctx, input)
	if err != nil {
		return Analysis{}, err
	}
	return result.Analysis, nil
}

func (s *service) analyze(ctx context.Context, input AnalyzeInput) (analyzed, error) {
	fieldErrors := FieldErrors{}

	kind, kindErr := csvimport.ParseKind(input.Kind)
	if kindErr != nil {
		fieldErrors.add("kind", "kind must be users or teams")
	}
	if len(input.Data) == 0 {
		fieldErrors.add("file", "file is required")
	}

	mapping := map[string]csvimport.Field{}
	for header, field := range input.Mapping {
		f := csvimport.Field(strings.TrimSpace(field))
		if kindErr == nil && !csvimport.KnownField(kind, f) {
			fieldErrors.add("mapping", fmt.Sprintf("unknown field %q for column %q", field, header))
			continue
		}
		mapping[header] = f
	}

	overrides := map[int]reconcile.Action{}
	for key, value := range input.Overrides {
		index, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil || index < 0 {
			fieldErrors.add("overrides", fmt.Sprintf("row index %q is not a non-negative integer", key))
			continue
		}
		action, err := reconcile.ParseAction(value)
		if err != nil {
			fieldErrors.add("overrides", fmt.Sprintf("row %d: action must be skip, update or import", index))
			continue
		}
		overrides[index] = action
	}

	if len(fieldErrors) > 0 {
		return analyzed{}, &ValidationError{Fields: fieldErrors}
	}

	ingested, err := csvimport.Ingest(input.Data, kind, s.cfg.limitsFor(kind), mapping)
	if err != nil {
		return analyzed{}, err
	}

	records := csvimport.BuildRecords(kind, ingested.Table, ingested.Mapping)
	classification, err := reconcile.Classify(ctx, s.roster, kind, records)
	if err != nil {
		return analyzed{}, fmt.Errorf("classify rows: %w", err)
	}
	if err := reconcile.ApplyOverrides(&classification, overrides); err != nil {
		return analyzed{}, &ValidationError{Fields: FieldErrors{"overrides": {err.Error()}}}
	}
	plan := reconcile.BuildPlan(records, classification)

	return analyzed{
		Analysis: Analysis{
			Kind:       kind,
			FileName:   strings.TrimSpace(input.FileName),
			Headers:    ingested.Table.Headers,
			Mapping:    ingested.Mapping,
			Warning:    ingested.Warning,
			Conflicts:  classification.Conflicts,
			Advisories: classification.Advisories,
			Counts:     classification.Counts,
			Plan:       plan,
		},
		records: records,
	}, nil
}

func (s *service) Submit(ctx context.Context, input SubmitInput) (Job, error) {
	notifyEmail := identity.NormalizeEmail(input.NotifyEmail)
	if notifyEmail != "" && !identity.PlausibleEmail(notifyEmail) {
		return Job{}, &ValidationError{Fields: FieldErrors{"notifyEmail": {"notifyEmail must be a valid address"}}}
	}

	result, err := s.analyze(ctx, input.AnalyzeInput)
	if err != nil {
		return Job{}, err
	}

	planData, err := encodePlan(newStagedPlan(result.Mapping, result.Plan))
	if err != nil {
		return Job{}, fmt.Errorf("encode plan: %w", err)
	}

	importID := uuid.New()
	sourceKey := storage.ImportSourceKey(importID)
	planKey := storage.ImportPlanKey(importID)
	if err := s.artifacts.Put(ctx, sourceKey, "text/csv", input.Data); err != nil {
		return Job{}, fmt.Errorf("stage source: %w", err)
	}
	if err := s.artifacts.Put(ctx, planKey, "application/json", planData); err != nil {
		s.releaseArtifacts(ctx, importID)
		return Job{}, fmt.Errorf("stage plan: %w", err)
	}

	audit := requesttrace.FromContextOrAnonymous(ctx)
	record, err := s.jobs.Create(ctx, persistence.CreateImportJobParams{
		ImportID:    importID,
		Kind:        string(result.Kind),
		FileName:    fileNameOrDefault(result.FileName, result.Kind),
		Total:       len(result.Plan.Rows),
		SourcePath:  sourceKey,
		PlanPath:    planKey,
		NotifyEmail: notifyEmail,
		CreatedBy:   audit.Actor(),
	})
	if err != nil {
		s.releaseArtifacts(ctx, importID)
		return Job{}, fmt.Errorf("create import job: %w", err)
	}

	logging.ForImport(s.logger, importID.String()).Info("import job staged",
		zap.String("kind", record.Kind),
		zap.Int("rows", record.Counters.Total),
		zap.Int("ready", result.Plan.Summary.ReadyToImport),
	)
	return mapJob(record), nil
}

func (s *service) Trigger(ctx context.Context, id uuid.UUID) error {
	record, err := s.claim(ctx, id)
	if err != nil {
		return err
	}
	s.processor.Dispatch(ctx, record)
	return nil
}

func (s *service) Process(ctx context.Context, id uuid.UUID) (Job, error) {
	record, err := s.claim(ctx, id)
	if err != nil {
		return Job{}, err
	}
	return mapJob(s.processor.Run(ctx, record)), nil
}

func (s *service) claim(ctx context.Context, id uuid.UUID) (persistence.ImportJob, error) {
	if id == uuid.Nil {
		return persistence.ImportJob{}, ErrAlreadyClaimed
	}
	record, err := s.jobs.Claim(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrImportJobNotClaimable) {
			return persistence.ImportJob{}, ErrAlreadyClaimed
		}
		return persistence.ImportJob{}, fmt.Errorf("claim import job: %w", err)
	}
	return record, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (Job, error) {
	if id == uuid.Nil {
		return Job{}, ErrNotFound
	}
	record, err := s.jobs.Get(ctx, id)
	if err != nil {
		return Job{}, mapPersistenceError(err)
	}
	return mapJob(record), nil
}

func (s *service) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	page := opts.Page
	if page < 1 {
		page = 1
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	params := persistence.ListImportJobsParams{Page: page, PageSize: pageSize}
	if opts.Status != nil && strings.TrimSpace(*opts.Status) != "" {
		status := persistence.ImportStatus(strings.ToLower(strings.TrimSpace(*opts.Status)))
		switch status {
		case persistence.ImportStatusPending, persistence.ImportStatusProcessing,
			persistence.ImportStatusCompleted, persistence.ImportStatusFailed:
			params.Status = &status
		default:
			return ListResult{}, &ValidationError{Fields: FieldErrors{"status": {"status must be pending, processing, completed or failed"}}}
		}
	}

	result, err := s.jobs.List(ctx, params)
	if err != nil {
		return ListResult{}, err
	}

	jobs := make([]Job, 0, len(result.Jobs))
	for _, record := range result.Jobs {
		jobs = append(jobs, mapJob(record))
	}

	totalPages := 0
	if result.TotalItems > 0 {
		totalPages = (result.TotalItems + pageSize - 1) / pageSize
	}

	return ListResult{
		Jobs:       jobs,
		Page:       page,
		PageSize:   pageSize,
		TotalItems: result.TotalItems,
		TotalPages: totalPages,
	}, nil
}

// Resubmit copies a failed job's staged artifacts into a new pending job.
func (s *service) Resubmit(ctx context.Context, id uuid.UUID) (Job, error) {
	if id == uuid.Nil {
		return Job{}, ErrNotFound
	}
	previous, err := s.jobs.Get(ctx, id)
	if err != nil {
		return Job{}, mapPersistenceError(err)
	}
	if previous.Status != persistence.ImportStatusFailed {
		return Job{}, ErrNotResubmittable
	}

	importID := uuid.New()
	sourceKey := storage.ImportSourceKey(importID)
	planKey := storage.ImportPlanKey(importID)
	if err := s.artifacts.Copy(ctx, previous.SourcePath, sourceKey); err != nil {
		return Job{}, fmt.Errorf("copy staged source: %w", err)
	}
	if err := s.artifacts.Copy(ctx, previous.PlanPath, planKey); err != nil {
		s.releaseArtifacts(ctx, importID)
		return Job{}, fmt.Errorf("copy staged plan: %w", err)
	}

	audit := requesttrace.FromContextOrAnonymous(ctx)
	record, err := s.jobs.Create(ctx, persistence.CreateImportJobParams{
		ImportID:        importID,
		Kind:            previous.Kind,
		FileName:        previous.FileName,
		Total:           previous.Counters.Total,
		SourcePath:      sourceKey,
		PlanPath:        planKey,
		NotifyEmail:     previous.NotifyEmail,
		CreatedBy:       audit.Actor(),
		ResubmittedFrom: &previous.ImportID,
	})
	if err != nil {
		s.releaseArtifacts(ctx, importID)
		return Job{}, fmt.Errorf("create import job: %w", err)
	}

	logging.ForImport(s.logger, importID.String()).Info("import job resubmitted",
		zap.String("resubmitted_from", previous.ImportID.String()),
	)
	return mapJob(record), nil
}

func (s *service) releaseArtifacts(ctx context.Context, importID uuid.UUID) {
	if err := s.artifacts.DeletePrefix(context.WithoutCancel(ctx), storage.ImportPrefix(importID)); err != nil {
		logging.ForImport(s.logger, importID.String()).Warn("release staged artifacts", zap.Error(err))
	}
}

func fileNameOrDefault(name string, kind csvimport.Kind) string {
	if name != "" {
		return name
	}
	return string(kind) + ".csv"
}

func mapPersistenceError(err error) error {
	if errors.Is(err, persistence.ErrImportJobNotFound) {
		return ErrNotFound
	}
	return err
}

func mapJob(record persistence.ImportJob) Job {
	errs := record.Errors
	if errs == nil {
		errs = []persistence.ImportError{}
	}
	return Job{
		ID:              record.ImportID,
		Kind:            record.Kind,
		FileName:        record.FileName,
		Status:          record.Status,
		Counters:        record.Counters,
		Errors:          errs,
		NotifyEmail:     record.NotifyEmail,
		CreatedBy:       record.CreatedBy,
		ResubmittedFrom: record.ResubmittedFrom,
		CreatedAt:       record.CreatedAt,
		StartedAt:       record.StartedAt,
		CompletedAt:     record.CompletedAt,
	}
}

// SortedFieldKeys lists the fields of a validation error in a stable order.
func SortedFieldKeys(fields FieldErrors) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
