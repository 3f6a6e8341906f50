package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-roster/domains/imports/be/csvimport"
	"github.com/zenGate-Global/palmyra-roster/domains/imports/be/reconcile"
	"github.com/zenGate-Global/palmyra-roster/domains/imports/be/repo"
	"github.com/zenGate-Global/palmyra-roster/platform/go/identity"
	"github.com/zenGate-Global/palmyra-roster/platform/go/logging"
	"github.com/zenGate-Global/palmyra-roster/platform/go/metrics"
	"github.com/zenGate-Global/palmyra-roster/platform/go/notify"
	"github.com/zenGate-Global/palmyra-roster/platform/go/persistence"
	"github.com/zenGate-Global/palmyra-roster/platform/go/storage"
)

var (
	errSourceMismatch    = errors.New("staged source does not match the staged plan")
	errRateLimited       = errors.New("identity provider rate limited")
	errIdentityVanished  = errors.New("identity reported as existing but lookup found nothing")
	errNotMaterialized   = errors.New("profile was not materialized in time")
	errEmailTaken        = errors.New("email already belongs to another profile")
	errNothingToUpdate   = errors.New("no existing record to update")
	errTeamUnavailable   = errors.New("team could not be resolved")
	errUnknownImportKind = errors.New("unknown import kind")
)

type outcome string

const (
	outcomeCreated   outcome = "created"
	outcomeUpdated   outcome = "updated"
	outcomeActivated outcome = "activated"
	outcomeSkipped   outcome = "skipped"
	outcomeFailed    outcome = "failed"
)

type partition int

const (
	partitionCreate partition = iota
	partitionActivate
	partitionUpdate
	partitionTeam
)

type workItem struct {
	row       reconcile.PlannedRow
	rec       csvimport.SourceRecord
	part      partition
	whitelist *persistence.WhitelistEntry
}

// ProcessorDeps groups the collaborators of a Processor.
type ProcessorDeps struct {
	Jobs       repo.JobRepository
	Roster     repo.RosterRepository
	Identities identity.Provider
	Artifacts  storage.ArtifactStore
	Notifier   notify.Notifier
	Metrics    *metrics.ImportMetrics
	Logger     *zap.Logger
}

// Processor commits claimed import jobs, one worker per job, rows strictly in sequence.
type Processor struct {
	jobs       repo.JobRepository
	roster     repo.RosterRepository
	identities identity.Provider
	artifacts  storage.ArtifactStore
	notifier   notify.Notifier
	metrics    *metrics.ImportMetrics
	logger     *zap.Logger
	cfg        Config

	sleep func(time.Duration)
	wg    conc.WaitGroup
}

// NewProcessor constructs a Processor.
func NewProcessor(deps ProcessorDeps, cfg Config) *Processor {
	if deps.Jobs == nil {
		panic("import job repository is required")
	}
	if deps.Roster == nil {
		panic("roster repository is required")
	}
	if deps.Identities == nil {
		panic("identity provider is required")
	}
	if deps.Artifacts == nil {
		panic("artifact store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}

	return &Processor{
		jobs:       deps.Jobs,
		roster:     deps.Roster,
		identities: deps.Identities,
		artifacts:  deps.Artifacts,
		notifier:   notifier,
		metrics:    deps.Metrics,
		logger:     logger,
		cfg:        cfg.withDefaults(),
		sleep:      time.Sleep,
	}
}

// Dispatch processes a claimed job in the background. The job outlives ctx cancellation.
func (p *Processor) Dispatch(ctx context.Context, job persistence.ImportJob) {
	detached := context.WithoutCancel(ctx)
	p.wg.Go(func() {
		p.Run(detached, job)
	})
}

// Wait blocks until every dispatched job and pending notification has finished.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// Run processes a claimed job to a terminal state and returns the finalized record.
func (p *Processor) Run(ctx context.Context, job persistence.ImportJob) (final persistence.ImportJob) {
	run := &jobRun{
		p:      p,
		job:    job,
		logger: logging.ForImport(p.logger, job.ImportID.String()).With(zap.String("kind", job.Kind)),
		errs:   newErrorLog(p.cfg.MaxStoredErrors),
		teams:  map[string]persistence.Team{},
	}
	run.counters.Total = job.Counters.Total

	defer func() {
		if r := recover(); r != nil {
			run.logger.Error("import job panicked", zap.Any("panic", r), zap.Stack("stack"))
			final = run.finish(ctx, persistence.ImportStatusFailed, errors.New("internal error while processing"))
		}
	}()

	run.logger.Info("import job started")
	if err := run.execute(ctx); err != nil {
		run.logger.Error("import job failed", zap.Error(err))
		return run.finish(ctx, persistence.ImportStatusFailed, err)
	}
	return run.finish(ctx, persistence.ImportStatusCompleted, nil)
}

type jobRun struct {
	p        *Processor
	job      persistence.ImportJob
	logger   *zap.Logger
	counters persistence.ImportCounters
	errs     *errorLog
	teams    map[string]persistence.Team
	batch    int
}

func (r *jobRun) execute(ctx context.Context) error {
	plan, records, err := r.load(ctx)
	if err != nil {
		return err
	}
	r.counters.Total = len(plan.Rows)

	switch plan.Kind {
	case csvimport.KindUsers:
		return r.commitUsers(ctx, plan, records)
	case csvimport.KindTeams:
		return r.commitTeams(ctx, plan, records)
	default:
		return fmt.Errorf("%w: %q", errUnknownImportKind, plan.Kind)
	}
}

func (r *jobRun) load(ctx context.Context) (stagedPlan, map[int]csvimport.SourceRecord, error) {
	planData, err := r.p.artifacts.Get(ctx, r.job.PlanPath)
	if err != nil {
		return stagedPlan{}, nil, fmt.Errorf("load staged plan: %w", err)
	}
	plan, err := decodePlan(planData)
	if err != nil {
		return stagedPlan{}, nil, err
	}
	if string(plan.Kind) != r.job.Kind {
		return stagedPlan{}, nil, fmt.Errorf("staged plan kind %q does not match job kind %q", plan.Kind, r.job.Kind)
	}

	source, err := r.p.artifacts.Get(ctx, r.job.SourcePath)
	if err != nil {
		return stagedPlan{}, nil, fmt.Errorf("load staged source: %w", err)
	}
	table, err := csvimport.Parse(source, r.p.cfg.limitsFor(plan.Kind))
	if err != nil {
		return stagedPlan{}, nil, fmt.Errorf("parse staged source: %w", err)
	}

	records := csvimport.BuildRecords(plan.Kind, table, plan.Mapping)
	if len(records) != len(plan.Rows) {
		return stagedPlan{}, nil, fmt.Errorf("%w: %d rows, plan has %d", errSourceMismatch, len(records), len(plan.Rows))
	}
	byIndex := make(map[int]csvimport.SourceRecord, len(records))
	for _, rec := range records {
		byIndex[rec.Index] = rec
	}
	for _, row := range plan.Rows {
		rec, ok := byIndex[row.Index]
		if !ok || rec.Line != row.Line {
			return stagedPlan{}, nil, fmt.Errorf("%w: row %d", errSourceMismatch, row.Index)
		}
	}
	return plan, byIndex, nil
}

func (r *jobRun) commitUsers(ctx context.Context, plan stagedPlan, records map[int]csvimport.SourceRecord) error {
	var committed []workItem
	for _, row := range plan.Rows {
		if row.Action == reconcile.RowSkip {
			r.recordSkip(records[row.Index], row.Reason)
			continue
		}
		committed = append(committed, workItem{row: row, rec: records[row.Index]})
	}

	if err := r.resolveTeams(ctx, plan, committed); err != nil {
		return err
	}

	profiles, whitelist, err := r.liveLookup(ctx, committed)
	if err != nil {
		return err
	}

	var creates, activates, updates []workItem
	// Emails whose record this job commits before the update partition runs.
	committedHere := map[string]struct{}{}
	for _, item := range committed {
		email := item.rec.Email
		profile, active := reconcile.ProfileFor(profiles, item.rec)
		entry, provisional := whitelist[email]
		linked := provisional && entry.ProfileID != nil

		switch item.row.Action {
		case reconcile.RowCreate:
			switch {
			case (active && profile.Active()) || linked:
				r.recordSkip(item.rec, "already active")
			case provisional:
				item.part = partitionActivate
				item.whitelist = &entry
				activates = append(activates, item)
				committedHere[email] = struct{}{}
			default:
				item.part = partitionCreate
				creates = append(creates, item)
				committedHere[email] = struct{}{}
			}
		case reconcile.RowUpdate:
			// A duplicate may update the record an earlier row of this job creates, never an
			// identity that was already active.
			_, ownTarget := committedHere[email]
			exempt := item.row.Conflict == reconcile.ConflictDuplicateInBatch && ownTarget
			if !exempt && ((active && profile.Active()) || linked) {
				r.recordSkip(item.rec, "already active")
				continue
			}
			item.part = partitionUpdate
			updates = append(updates, item)
		}
	}

	r.logger.Info("import partitions ready",
		zap.Int("create", len(creates)),
		zap.Int("activate", len(activates)),
		zap.Int("update", len(updates)),
		zap.Int("skipped", r.counters.Skipped),
	)

	ordered := make([]workItem, 0, len(creates)+len(activates)+len(updates))
	ordered = append(ordered, creates...)
	ordered = append(ordered, activates...)
	ordered = append(ordered, updates...)
	return r.runBatches(ctx, ordered, r.commitUserRow)
}

func (r *jobRun) commitTeams(ctx context.Context, plan stagedPlan, records map[int]csvimport.SourceRecord) error {
	var items []workItem
	for _, row := range plan.Rows {
		if row.Action == reconcile.RowSkip {
			r.recordSkip(records[row.Index], row.Reason)
			continue
		}
		items = append(items, workItem{row: row, rec: records[row.Index], part: partitionTeam})
	}
	return r.runBatches(ctx, items, r.commitTeamRow)
}

// resolveTeams finds or creates every team referenced by committed user rows before any membership
// is written.
func (r *jobRun) resolveTeams(ctx context.Context, plan stagedPlan, items []workItem) error {
	divisions := make(map[string]string, len(plan.TeamsToCreate))
	for _, team := range plan.TeamsToCreate {
		divisions[teamKey(team.Name)] = team.Division
	}

	for _, item := range items {
		name := strings.TrimSpace(item.rec.TeamName)
		key := teamKey(name)
		if key == "" {
			continue
		}
		if _, seen := r.teams[key]; seen {
			continue
		}

		team, err := r.p.roster.FindTeam(ctx, "", name)
		if errors.Is(err, persistence.ErrTeamNotFound) {
			division, ok := divisions[key]
			if !ok {
				division = item.rec.Division
			}
			var created bool
			team, created, err = r.p.roster.CreateTeam(ctx, persistence.CreateTeamParams{
				TeamID:   uuid.New(),
				Name:     name,
				Division: strings.TrimSpace(division),
			})
			if err == nil && created {
				r.logger.Info("team created", zap.String("team", team.Name), zap.String("team_id", team.TeamID.String()))
			}
		}
		if err != nil {
			r.logger.Warn("team resolution failed", zap.String("team", name), zap.Error(err))
			r.errs.add("team:"+name, fmt.Sprintf("team could not be resolved: %v", err))
			continue
		}
		r.teams[key] = team
	}
	return nil
}

// liveLookup re-reads the persisted state of every committed email, in pages.
func (r *jobRun) liveLookup(ctx context.Context, items []workItem) (map[string]persistence.Profile, map[string]persistence.WhitelistEntry, error) {
	seen := map[string]struct{}{}
	var emails []string
	for _, item := range items {
		for _, email := range []string{item.rec.Email, item.rec.SecondaryEmail} {
			if _, ok := seen[email]; ok || email == "" {
				continue
			}
			seen[email] = struct{}{}
			emails = append(emails, email)
		}
	}

	profiles := map[string]persistence.Profile{}
	whitelist := map[string]persistence.WhitelistEntry{}
	for _, page := range chunk(emails, reconcile.LookupPageSize) {
		found, err := r.p.roster.FindProfilesByEmails(ctx, page)
		if err != nil {
			return nil, nil, fmt.Errorf("look up profiles: %w", err)
		}
		for _, profile := range found {
			indexProfile(profiles, profile)
		}
		entries, err := r.p.roster.FindWhitelistByEmails(ctx, page)
		if err != nil {
			return nil, nil, fmt.Errorf("look up whitelist: %w", err)
		}
		for _, entry := range entries {
			whitelist[identity.NormalizeEmail(entry.Email)] = entry
		}
	}
	return profiles, whitelist, nil
}

func (r *jobRun) runBatches(ctx context.Context, items []workItem, commit func(context.Context, workItem) (outcome, error)) error {
	size := r.p.cfg.BatchSize
	delay := r.p.cfg.BatchDelay

	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		batch := items[start:end]
		r.batch++

		began := time.Now()
		for _, item := range batch {
			result, err := commit(ctx, item)
			r.recordRow(item, result, err)
		}
		elapsed := time.Since(began)
		r.p.metrics.ObserveBatch(elapsed)

		if err := r.checkpoint(ctx); err != nil {
			return err
		}
		r.logger.Info("import batch committed",
			zap.Int("batch", r.batch),
			zap.Int("rows", len(batch)),
			zap.Duration("elapsed", elapsed),
			zap.Int("processed", r.counters.Processed),
		)

		if end < len(items) {
			delay = nextBatchDelay(r.p.cfg, delay, elapsed, len(batch))
			if delay > 0 {
				r.p.sleep(delay)
			}
		}
	}
	return nil
}

// nextBatchDelay backs off when the average row latency of the last batch crosses the slow
// threshold and returns to the base delay once it recovers.
func nextBatchDelay(cfg Config, previous, elapsed time.Duration, rows int) time.Duration {
	if rows <= 0 || cfg.SlowRowThreshold <= 0 {
		return cfg.BatchDelay
	}
	if elapsed/time.Duration(rows) <= cfg.SlowRowThreshold {
		return cfg.BatchDelay
	}
	next := max(cfg.SlowBatchDelay, previous*2)
	if cfg.MaxBatchDelay > 0 && next > cfg.MaxBatchDelay {
		next = cfg.MaxBatchDelay
	}
	return next
}

func (r *jobRun) checkpoint(ctx context.Context) error {
	if err := r.p.jobs.SaveProgress(ctx, r.job.ImportID, r.counters); err != nil {
		return fmt.Errorf("checkpoint progress: %w", err)
	}
	return nil
}

func (r *jobRun) recordSkip(rec csvimport.SourceRecord, reason string) {
	r.counters.Processed++
	r.counters.Skipped++
	r.p.metrics.RowOutcome(string(outcomeSkipped))
	r.logger.Debug("import row skipped", zap.Int("row", rec.Line), zap.String("reason", reason))
}

func (r *jobRun) recordRow(item workItem, result outcome, err error) {
	r.counters.Processed++
	if err != nil {
		r.counters.Failed++
		r.p.metrics.RowOutcome(string(outcomeFailed))
		r.errs.add(strconv.Itoa(item.rec.Line), err.Error())
		r.logger.Warn("import row failed",
			zap.Int("row", item.rec.Line),
			zap.String("email", item.rec.Email),
			zap.String("team_id", item.rec.TeamID),
			zap.Error(err),
		)
		return
	}

	switch result {
	case outcomeCreated:
		r.counters.Created++
	case outcomeUpdated:
		r.counters.Updated++
	case outcomeActivated:
		r.counters.Activated++
	default:
		result = outcomeSkipped
		r.counters.Skipped++
	}
	r.p.metrics.RowOutcome(string(result))
}

func (r *jobRun) commitUserRow(ctx context.Context, item workItem) (outcome, error) {
	switch item.part {
	case partitionCreate:
		if err := r.provision(ctx, item.rec, nil); err != nil {
			return outcomeFailed, err
		}
		return outcomeCreated, nil
	case partitionActivate:
		if err := r.provision(ctx, item.rec, item.whitelist); err != nil {
			return outcomeFailed, err
		}
		return outcomeActivated, nil
	default:
		return r.updateUser(ctx, item.rec)
	}
}

// provision creates (or finds) the identity, materializes its profile, applies the row fields and
// writes the membership. A provisional entry is linked to the new profile.
func (r *jobRun) provision(ctx context.Context, rec csvimport.SourceRecord, entry *persistence.WhitelistEntry) error {
	ident, err := r.ensureIdentity(ctx, rec, entry != nil)
	if err != nil {
		return err
	}

	fields := fieldsFrom(rec)
	if entry != nil {
		fields = overlayFields(entry.Fields, fields)
	}

	profile, err := r.materialize(ctx, ident, rec, fields)
	if err != nil {
		return err
	}
	if profile, err = r.p.roster.UpdateProfileFields(ctx, profile.ProfileID, fields); err != nil {
		return fmt.Errorf("update profile fields: %w", err)
	}

	var teamID *uuid.UUID
	if entry != nil {
		if err := r.p.roster.LinkWhitelistProfile(ctx, entry.WhitelistID, profile.ProfileID); err != nil {
			return fmt.Errorf("link whitelist entry: %w", err)
		}
		teamID = entry.TeamID
	}
	if team, ok, err := r.teamFor(rec); err != nil {
		return err
	} else if ok {
		teamID = &team.TeamID
	}
	if teamID == nil {
		return nil
	}
	if _, err := r.p.roster.UpsertMembership(ctx, profile.ProfileID, *teamID, roleOf(fields.Role)); err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

func (r *jobRun) updateUser(ctx context.Context, rec csvimport.SourceRecord) (outcome, error) {
	team, hasTeam, err := r.teamFor(rec)
	if err != nil {
		return outcomeFailed, err
	}

	lookup := []string{rec.Email}
	if rec.SecondaryEmail != "" {
		lookup = append(lookup, rec.SecondaryEmail)
	}
	found, err := r.p.roster.FindProfilesByEmails(ctx, lookup)
	if err != nil {
		return outcomeFailed, fmt.Errorf("look up profile: %w", err)
	}
	profiles := map[string]persistence.Profile{}
	for _, profile := range found {
		indexProfile(profiles, profile)
	}
	if profile, ok := reconcile.ProfileFor(profiles, rec); ok && profile.Active() {
		fields := fieldsFrom(rec)
		if _, err := r.p.roster.UpdateProfileFields(ctx, profile.ProfileID, fields); err != nil {
			return outcomeFailed, fmt.Errorf("update profile fields: %w", err)
		}
		if hasTeam {
			if _, err := r.p.roster.UpsertMembership(ctx, profile.ProfileID, team.TeamID, roleOf(fields.Role)); err != nil {
				return outcomeFailed, fmt.Errorf("upsert membership: %w", err)
			}
		}
		return outcomeUpdated, nil
	}

	entries, err := r.p.roster.FindWhitelistByEmails(ctx, []string{rec.Email})
	if err != nil {
		return outcomeFailed, fmt.Errorf("look up whitelist: %w", err)
	}
	for _, entry := range entries {
		if entry.ProfileID != nil {
			continue
		}
		patch := persistence.WhitelistPatch{
			Fields:   fieldsFrom(rec),
			TeamName: strings.TrimSpace(rec.TeamName),
			Division: strings.TrimSpace(rec.Division),
		}
		if hasTeam {
			patch.TeamID = &team.TeamID
		}
		if _, err := r.p.roster.UpdateWhitelistFields(ctx, entry.WhitelistID, patch); err != nil {
			return outcomeFailed, fmt.Errorf("update whitelist entry: %w", err)
		}
		return outcomeUpdated, nil
	}

	return outcomeFailed, errNothingToUpdate
}

func (r *jobRun) teamFor(rec csvimport.SourceRecord) (persistence.Team, bool, error) {
	key := teamKey(rec.TeamName)
	if key == "" {
		return persistence.Team{}, false, nil
	}
	team, ok := r.teams[key]
	if !ok {
		return persistence.Team{}, false, fmt.Errorf("%w: %q", errTeamUnavailable, strings.TrimSpace(rec.TeamName))
	}
	return team, true, nil
}

// ensureIdentity creates the identity, treating duplicate-exists as success via lookup.
func (r *jobRun) ensureIdentity(ctx context.Context, rec csvimport.SourceRecord, verified bool) (identity.Identity, error) {
	meta := identity.Metadata{DisplayName: rec.DisplayName(), EmailVerified: verified}
	res := r.withRetry(func() identity.Result {
		return r.p.identities.CreateIdentity(ctx, rec.Email, meta)
	})

	switch res.Status {
	case identity.StatusOK:
		return res.Identity, nil
	case identity.StatusDuplicateExists:
		lookup := r.withRetry(func() identity.Result {
			return r.p.identities.LookupIdentityByEmail(ctx, rec.Email)
		})
		switch lookup.Status {
		case identity.StatusOK:
			return lookup.Identity, nil
		case identity.StatusNotFound:
			return identity.Identity{}, errIdentityVanished
		default:
			return identity.Identity{}, providerError("look up identity", lookup)
		}
	default:
		return identity.Identity{}, providerError("create identity", res)
	}
}

func providerError(op string, res identity.Result) error {
	if res.Status == identity.StatusRateLimited {
		return fmt.Errorf("%s: %w after retries: %v", op, errRateLimited, res.Err)
	}
	if res.Err != nil {
		return fmt.Errorf("%s: %w", op, res.Err)
	}
	return fmt.Errorf("%s: unexpected provider status %s", op, res.Status)
}

// withRetry repeats a provider call with exponential backoff while it reports a rate limit.
func (r *jobRun) withRetry(call func() identity.Result) identity.Result {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.p.cfg.RetryInitialInterval
	policy.MaxInterval = r.p.cfg.RetryMaxInterval
	policy.MaxElapsedTime = 0

	var res identity.Result
	_ = backoff.RetryNotify(func() error {
		res = call()
		if res.Status == identity.StatusRateLimited {
			return errRateLimited
		}
		return nil
	}, backoff.WithMaxRetries(policy, uint64(r.p.cfg.MaxRetries)), func(_ error, wait time.Duration) {
		r.p.metrics.IdentityRetry()
		r.logger.Warn("identity provider rate limited, backing off", zap.Duration("wait", wait))
	})
	return res
}

// materialize returns the profile for a provider identity, writing it inline or polling for an
// externally written row.
func (r *jobRun) materialize(ctx context.Context, ident identity.Identity, rec csvimport.SourceRecord, fields persistence.RosterFields) (persistence.Profile, error) {
	if r.p.cfg.ProfileMode == ProfileModeInline {
		profile, err := r.p.roster.EnsureProfile(ctx, persistence.EnsureProfileParams{
			AuthUID:        ident.UID,
			Email:          rec.Email,
			SecondaryEmail: rec.SecondaryEmail,
			Fields:         fields,
		})
		if errors.Is(err, persistence.ErrProfileConflict) {
			return persistence.Profile{}, errEmailTaken
		}
		if err != nil {
			return persistence.Profile{}, fmt.Errorf("ensure profile: %w", err)
		}
		return profile, nil
	}

	for attempt := 1; ; attempt++ {
		profile, err := r.p.roster.FindProfileByAuthUID(ctx, ident.UID)
		if err == nil {
			return profile, nil
		}
		if !errors.Is(err, persistence.ErrProfileNotFound) {
			return persistence.Profile{}, fmt.Errorf("poll profile: %w", err)
		}
		if attempt >= r.p.cfg.MaterializeAttempts {
			return persistence.Profile{}, errNotMaterialized
		}
		r.p.sleep(r.p.cfg.MaterializeDelay)
	}
}

func (r *jobRun) commitTeamRow(ctx context.Context, item workItem) (outcome, error) {
	rec := item.rec
	result := outcomeSkipped

	team, err := r.p.roster.FindTeam(ctx, rec.TeamID, rec.TeamName)
	switch {
	case errors.Is(err, persistence.ErrTeamNotFound):
		var created bool
		team, created, err = r.p.roster.CreateTeam(ctx, persistence.CreateTeamParams{
			TeamID:     uuid.New(),
			ExternalID: rec.TeamID,
			Name:       strings.TrimSpace(rec.TeamName),
			Division:   strings.TrimSpace(rec.Division),
		})
		if err != nil {
			return outcomeFailed, fmt.Errorf("create team: %w", err)
		}
		if created {
			result = outcomeCreated
		}
	case err != nil:
		return outcomeFailed, fmt.Errorf("look up team: %w", err)
	default:
		var patch persistence.TeamPatch
		if reconcile.ValuesDiffer(team.Name, rec.TeamName) {
			name := strings.TrimSpace(rec.TeamName)
			patch.Name = &name
		}
		if reconcile.ValuesDiffer(team.Division, rec.Division) {
			division := strings.TrimSpace(rec.Division)
			patch.Division = &division
		}
		if patch.Name != nil || patch.Division != nil {
			if team, err = r.p.roster.UpdateTeam(ctx, team.TeamID, patch); err != nil {
				return outcomeFailed, fmt.Errorf("update team: %w", err)
			}
			result = outcomeUpdated
		}
	}

	changed, err := r.linkTeamMembers(ctx, team, rec)
	if err != nil {
		return outcomeFailed, err
	}
	if changed && result == outcomeSkipped {
		result = outcomeUpdated
	}
	return result, nil
}

// linkTeamMembers upserts memberships for listed emails that resolve to active profiles. Emails that
// do not resolve are reported against the team row without failing it.
func (r *jobRun) linkTeamMembers(ctx context.Context, team persistence.Team, rec csvimport.SourceRecord) (bool, error) {
	type member struct {
		email string
		role  string
	}
	var members []member
	for _, email := range rec.StudentEmails {
		members = append(members, member{email: email, role: persistence.RoleParticipant})
	}
	for _, email := range rec.MentorEmails {
		members = append(members, member{email: email, role: persistence.RoleMentor})
	}
	if len(members) == 0 {
		return false, nil
	}

	emails := make([]string, 0, len(members))
	for _, m := range members {
		emails = append(emails, m.email)
	}
	profiles := map[string]persistence.Profile{}
	for _, page := range chunk(emails, reconcile.LookupPageSize) {
		found, err := r.p.roster.FindProfilesByEmails(ctx, page)
		if err != nil {
			return false, fmt.Errorf("look up members: %w", err)
		}
		for _, profile := range found {
			if profile.Active() {
				indexProfile(profiles, profile)
			}
		}
	}

	changed := false
	unresolved := 0
	for _, m := range members {
		profile, ok := profiles[m.email]
		if !ok {
			unresolved++
			continue
		}
		change, err := r.p.roster.UpsertMembership(ctx, profile.ProfileID, team.TeamID, m.role)
		if err != nil {
			return false, fmt.Errorf("upsert membership: %w", err)
		}
		if change != persistence.MembershipUnchanged {
			changed = true
		}
	}

	if unresolved > 0 {
		r.errs.add("team:"+teamLabel(rec), fmt.Sprintf("%d member email(s) did not match an active profile", unresolved))
		r.logger.Info("team members unresolved", zap.String("team_id", rec.TeamID), zap.Int("unresolved", unresolved))
	}
	return changed, nil
}

func (r *jobRun) finish(ctx context.Context, status persistence.ImportStatus, cause error) persistence.ImportJob {
	if cause != nil {
		r.errs.addJobError(cause.Error())
	}
	if r.errs.dropped > 0 {
		r.logger.Warn("import errors truncated", zap.Int("dropped", r.errs.dropped))
	}

	final, err := r.p.jobs.Finish(ctx, r.job.ImportID, status, r.counters, r.errs.entries)
	if err != nil {
		r.logger.Error("finalize import job", zap.String("status", string(status)), zap.Error(err))
		final = r.job
		final.Status = status
		final.Counters = r.counters
		final.Errors = r.errs.entries
		return final
	}
	r.p.metrics.JobFinished(string(status))

	if status == persistence.ImportStatusCompleted {
		if err := r.p.artifacts.DeletePrefix(ctx, storage.ImportPrefix(r.job.ImportID)); err != nil {
			r.logger.Warn("release staged artifacts", zap.Error(err))
		}
	}

	r.logger.Info("import job finished",
		zap.String("status", string(status)),
		zap.Int("processed", r.counters.Processed),
		zap.Int("created", r.counters.Created),
		zap.Int("updated", r.counters.Updated),
		zap.Int("activated", r.counters.Activated),
		zap.Int("skipped", r.counters.Skipped),
		zap.Int("failed", r.counters.Failed),
	)
	r.p.notifyAsync(ctx, final)
	return final
}

// notifyAsync sends the completion summary off the processing path; failures are only logged.
func (p *Processor) notifyAsync(ctx context.Context, job persistence.ImportJob) {
	if job.NotifyEmail == "" {
		return
	}
	summary := notify.NewSummary(job)
	p.wg.Go(func() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.NotifyTimeout)
		defer cancel()
		if err := p.notifier.SendSummary(sendCtx, job.NotifyEmail, summary); err != nil {
			logging.ForImport(p.logger, job.ImportID.String()).Warn("import summary notification failed", zap.Error(err))
		}
	})
}

func fieldsFrom(rec csvimport.SourceRecord) persistence.RosterFields {
	return persistence.RosterFields{
		TrackingID:    strings.TrimSpace(rec.TrackingID),
		FirstName:     strings.TrimSpace(rec.FirstName),
		LastName:      strings.TrimSpace(rec.LastName),
		Phone:         strings.TrimSpace(rec.Phone),
		Age:           rec.Age,
		School:        strings.TrimSpace(rec.School),
		City:          strings.TrimSpace(rec.City),
		State:         strings.TrimSpace(rec.State),
		GuardianName:  strings.TrimSpace(rec.GuardianName),
		GuardianEmail: strings.TrimSpace(rec.GuardianEmail),
		GuardianPhone: strings.TrimSpace(rec.GuardianPhone),
		Role:          rec.Role,
	}
}

// overlayFields returns base with every non-empty value of top applied on it.
func overlayFields(base, top persistence.RosterFields) persistence.RosterFields {
	pick := func(b, t string) string {
		if t != "" {
			return t
		}
		return b
	}
	out := persistence.RosterFields{
		TrackingID:    pick(base.TrackingID, top.TrackingID),
		FirstName:     pick(base.FirstName, top.FirstName),
		LastName:      pick(base.LastName, top.LastName),
		Phone:         pick(base.Phone, top.Phone),
		Age:           base.Age,
		School:        pick(base.School, top.School),
		City:          pick(base.City, top.City),
		State:         pick(base.State, top.State),
		GuardianName:  pick(base.GuardianName, top.GuardianName),
		GuardianEmail: pick(base.GuardianEmail, top.GuardianEmail),
		GuardianPhone: pick(base.GuardianPhone, top.GuardianPhone),
		Role:          pick(base.Role, top.Role),
	}
	if top.Age != nil {
		out.Age = top.Age
	}
	return out
}

func roleOf(role string) string {
	if role == persistence.RoleMentor {
		return persistence.RoleMentor
	}
	return persistence.RoleParticipant
}

func indexProfile(index map[string]persistence.Profile, profile persistence.Profile) {
	if email := identity.NormalizeEmail(profile.Email); email != "" {
		if existing, ok := index[email]; !ok || !existing.Active() {
			index[email] = profile
		}
	}
	if email := identity.NormalizeEmail(profile.SecondaryEmail); email != "" {
		if _, ok := index[email]; !ok {
			index[email] = profile
		}
	}
}

func teamKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func teamLabel(rec csvimport.SourceRecord) string {
	if id := strings.TrimSpace(rec.TeamID); id != "" {
		return id
	}
	return strings.TrimSpace(rec.TeamName)
}

func chunk(keys []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(keys); start += size {
		out = append(out, keys[start:min(start+size, len(keys))])
	}
	return out
}
