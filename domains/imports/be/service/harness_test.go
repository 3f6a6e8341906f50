package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zenGate-Global/palmyra-roster/domains/imports/be/repo"
	"github.com/zenGate-Global/palmyra-roster/platform/go/identity"
	"github.com/zenGate-Global/palmyra-roster/platform/go/notify"
	"github.com/zenGate-Global/palmyra-roster/platform/go/persistence"
	"github.com/zenGate-Global/palmyra-roster/platform/go/storage"
)

type harness struct {
	jobs       *progressRecorder
	roster     *repo.MemoryRosterRepository
	identities *identity.MemoryProvider
	store      *storage.LocalStore
	notifier   *recordingNotifier
	processor  *Processor
	svc        Service

	mu     sync.Mutex
	sleeps []time.Duration
}

func testConfig() Config {
	return Config{
		BatchSize:            2,
		BatchDelay:           10 * time.Millisecond,
		SlowBatchDelay:       time.Second,
		MaxBatchDelay:        4 * time.Second,
		SlowRowThreshold:     time.Hour,
		MaxRetries:           3,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     2 * time.Millisecond,
		MaterializeAttempts:  3,
		MaterializeDelay:     5 * time.Millisecond,
		ProfileMode:          ProfileModeInline,
	}
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		jobs:       &progressRecorder{JobRepository: repo.NewMemoryJobRepository()},
		roster:     repo.NewMemoryRosterRepository(),
		identities: identity.NewMemoryProvider(),
		store:      store,
		notifier:   &recordingNotifier{},
	}
	logger := zaptest.NewLogger(t)
	h.processor = NewProcessor(ProcessorDeps{
		Jobs:       h.jobs,
		Roster:     h.roster,
		Identities: h.identities,
		Artifacts:  store,
		Notifier:   h.notifier,
		Logger:     logger,
	}, cfg)
	h.processor.sleep = h.recordSleep
	h.svc = New(h.jobs, h.roster, store, h.processor, cfg, logger)
	return h
}

func (h *harness) recordSleep(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sleeps = append(h.sleeps, d)
}

func (h *harness) recordedSleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

func (h *harness) submit(t *testing.T, kind, csv string, overrides map[string]string) Job {
	t.Helper()
	job, err := h.svc.Submit(context.Background(), SubmitInput{
		AnalyzeInput: AnalyzeInput{Kind: kind, FileName: kind + ".csv", Data: []byte(csv), Overrides: overrides},
	})
	require.NoError(t, err)
	require.Equal(t, persistence.ImportStatusPending, job.Status)
	return job
}

func (h *harness) process(t *testing.T, id uuid.UUID) Job {
	t.Helper()
	job, err := h.svc.Process(context.Background(), id)
	require.NoError(t, err)
	h.processor.Wait()
	return job
}

func (h *harness) activeProfile(t *testing.T, email string) persistence.Profile {
	t.Helper()
	for _, p := range h.roster.Profiles() {
		if p.Email == email && p.Active() {
			return p
		}
	}
	t.Fatalf("no active profile for %s", email)
	return persistence.Profile{}
}

// progressRecorder captures every checkpoint written by the processor.
type progressRecorder struct {
	repo.JobRepository

	mu          sync.Mutex
	checkpoints []persistence.ImportCounters
}

func (p *progressRecorder) SaveProgress(ctx context.Context, id uuid.UUID, counters persistence.ImportCounters) error {
	p.mu.Lock()
	p.checkpoints = append(p.checkpoints, counters)
	p.mu.Unlock()
	return p.JobRepository.SaveProgress(ctx, id, counters)
}

func (p *progressRecorder) recorded() []persistence.ImportCounters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]persistence.ImportCounters(nil), p.checkpoints...)
}

type recordingNotifier struct {
	mu    sync.Mutex
	err   error
	sent  []notify.Summary
	addrs []string
}

func (n *recordingNotifier) SendSummary(_ context.Context, adminEmail string, summary notify.Summary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, summary)
	n.addrs = append(n.addrs, adminEmail)
	return n.err
}

func (n *recordingNotifier) calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type mockJobRepo struct {
	createFn       func(ctx context.Context, params persistence.CreateImportJobParams) (persistence.ImportJob, error)
	claimFn        func(ctx context.Context, id uuid.UUID) (persistence.ImportJob, error)
	saveProgressFn func(ctx context.Context, id uuid.UUID, counters persistence.ImportCounters) error
	finishFn       func(ctx context.Context, id uuid.UUID, status persistence.ImportStatus, counters persistence.ImportCounters, errs []persistence.ImportError) (persistence.ImportJob, error)
	getFn          func(ctx context.Context, id uuid.UUID) (persistence.ImportJob, error)
	listFn         func(ctx context.Context, params persistence.ListImportJobsParams) (persistence.ListImportJobsResult, error)
}

func (m *mockJobRepo) Create(ctx context.Context, params persistence.CreateImportJobParams) (persistence.ImportJob, error) {
	if m.createFn == nil {
		panic("createFn not set")
	}
	return m.createFn(ctx, params)
}

func (m *mockJobRepo) Claim(ctx context.Context, id uuid.UUID) (persistence.ImportJob, error) {
	if m.claimFn == nil {
		panic("claimFn not set")
	}
	return m.claimFn(ctx, id)
}

func (m *mockJobRepo) SaveProgress(ctx context.Context, id uuid.UUID, counters persistence.ImportCounters) error {
	if m.saveProgressFn == nil {
		panic("saveProgressFn not set")
	}
	return m.saveProgressFn(ctx, id, counters)
}

func (m *mockJobRepo) Finish(ctx context.Context, id uuid.UUID, status persistence.ImportStatus, counters persistence.ImportCounters, errs []persistence.ImportError) (persistence.ImportJob, error) {
	if m.finishFn == nil {
		panic("finishFn not set")
	}
	return m.finishFn(ctx, id, status, counters, errs)
}

func (m *mockJobRepo) Get(ctx context.Context, id uuid.UUID) (persistence.ImportJob, error) {
	if m.getFn == nil {
		panic("getFn not set")
	}
	return m.getFn(ctx, id)
}

func (m *mockJobRepo) List(ctx context.Context, params persistence.ListImportJobsParams) (persistence.ListImportJobsResult, error) {
	if m.listFn == nil {
		panic("listFn not set")
	}
	return m.listFn(ctx, params)
}

var errBoom = errors.New("boom")

func ptr[T any](v T) *T { return &v }
