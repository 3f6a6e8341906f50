package repo

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zenGate-Global/palmyra-roster/platform/go/persistence"
)

// MemoryJobRepository is a simple in-memory implementation suitable for tests and early development.
type MemoryJobRepository struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]persistence.ImportJob
	now  func() time.Time
}

// NewMemoryJobRepository constructs a MemoryJobRepository.
func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{byID: make(map[uuid.UUID]persistence.ImportJob), now: time.Now}
}

func (r *MemoryJobRepository) Create(_ context.Context, params persistence.CreateImportJobParams) (persistence.ImportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	job := persistence.ImportJob{
		ImportID:        params.ImportID,
		Kind:            params.Kind,
		FileName:        strings.TrimSpace(params.FileName),
		Status:          persistence.ImportStatusPending,
		Counters:        persistence.ImportCounters{Total: params.Total},
		Errors:          []persistence.ImportError{},
		SourcePath:      params.SourcePath,
		PlanPath:        params.PlanPath,
		NotifyEmail:     strings.TrimSpace(params.NotifyEmail),
		CreatedBy:       params.CreatedBy,
		ResubmittedFrom: params.ResubmittedFrom,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	r.byID[job.ImportID] = job
	return job, nil
}

func (r *MemoryJobRepository) Claim(_ context.Context, id uuid.UUID) (persistence.ImportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.byID[id]
	if !ok || job.Status != persistence.ImportStatusPending {
		return persistence.ImportJob{}, persistence.ErrImportJobNotClaimable
	}
	now := r.now()
	job.Status = persistence.ImportStatusProcessing
	job.StartedAt = &now
	job.UpdatedAt = now
	r.byID[id] = job
	return job, nil
}

func (r *MemoryJobRepository) SaveProgress(_ context.Context, id uuid.UUID, counters persistence.ImportCounters) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.byID[id]
	if !ok || job.Status != persistence.ImportStatusProcessing {
		return persistence.ErrImportJobStateConflict
	}
	counters.Total = job.Counters.Total
	job.Counters = counters
	job.UpdatedAt = r.now()
	r.byID[id] = job
	return nil
}

func (r *MemoryJobRepository) Finish(_ context.Context, id uuid.UUID, status persistence.ImportStatus, counters persistence.ImportCounters, errs []persistence.ImportError) (persistence.ImportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.byID[id]
	if !ok || job.Status != persistence.ImportStatusProcessing || !status.Terminal() {
		return persistence.ImportJob{}, persistence.ErrImportJobStateConflict
	}
	now := r.now()
	counters.Total = job.Counters.Total
	job.Status = status
	job.Counters = counters
	job.Errors = append([]persistence.ImportError{}, errs...)
	job.CompletedAt = &now
	job.UpdatedAt = now
	r.byID[id] = job
	return job, nil
}

func (r *MemoryJobRepository) Get(_ context.Context, id uuid.UUID) (persistence.ImportJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.byID[id]
	if !ok {
		return persistence.ImportJob{}, persistence.ErrImportJobNotFound
	}
	return job, nil
}

func (r *MemoryJobRepository) List(_ context.Context, params persistence.ListImportJobsParams) (persistence.ListImportJobsResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]persistence.ImportJob, 0, len(r.byID))
	for _, job := range r.byID {
		if params.Status != nil && job.Status != *params.Status {
			continue
		}
		items = append(items, job)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })

	page := params.Page
	if page < 1 {
		page = 1
	}
	pageSize := params.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}

	start := (page - 1) * pageSize
	end := start + pageSize
	if start > len(items) {
		start = len(items)
	}
	if end > len(items) {
		end = len(items)
	}

	return persistence.ListImportJobsResult{Jobs: items[start:end], TotalItems: len(items)}, nil
}

// MemoryRosterRepository mirrors the postgres roster semantics (case-insensitive email and team
// name keys, one membership per profile and team) in process.
type MemoryRosterRepository struct {
	mu          sync.RWMutex
	profiles    map[uuid.UUID]persistence.Profile
	whitelist   map[uuid.UUID]persistence.WhitelistEntry
	teams       map[uuid.UUID]persistence.Team
	memberships map[[2]uuid.UUID]string
}

// NewMemoryRosterRepository constructs an empty roster.
func NewMemoryRosterRepository() *MemoryRosterRepository {
	return &MemoryRosterRepository{
		profiles:    map[uuid.UUID]persistence.Profile{},
		whitelist:   map[uuid.UUID]persistence.WhitelistEntry{},
		teams:       map[uuid.UUID]persistence.Team{},
		memberships: map[[2]uuid.UUID]string{},
	}
}

// SeedProfile stores a profile as-is.
func (r *MemoryRosterRepository) SeedProfile(p persistence.Profile) persistence.Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ProfileID == uuid.Nil {
		p.ProfileID = uuid.New()
	}
	p.Email = strings.ToLower(p.Email)
	r.profiles[p.ProfileID] = p
	return p
}

// SeedWhitelist stores a provisional entry as-is.
func (r *MemoryRosterRepository) SeedWhitelist(w persistence.WhitelistEntry) persistence.WhitelistEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w.WhitelistID == uuid.Nil {
		w.WhitelistID = uuid.New()
	}
	w.Email = strings.ToLower(w.Email)
	r.whitelist[w.WhitelistID] = w
	return w
}

// Profiles returns a snapshot of all profiles.
func (r *MemoryRosterRepository) Profiles() []persistence.Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]persistence.Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	return out
}

// Teams returns a snapshot of all teams.
func (r *MemoryRosterRepository) Teams() []persistence.Team {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]persistence.Team, 0, len(r.teams))
	for _, t := range r.teams {
		out = append(out, t)
	}
	return out
}

// Whitelist returns an entry by id.
func (r *MemoryRosterRepository) Whitelist(id uuid.UUID) (persistence.WhitelistEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.whitelist[id]
	return w, ok
}

// MembershipCount reports the number of stored memberships.
func (r *MemoryRosterRepository) MembershipCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.memberships)
}

// MembershipRole returns the stored role for a pair.
func (r *MemoryRosterRepository) MembershipRole(profileID, teamID uuid.UUID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.memberships[[2]uuid.UUID{profileID, teamID}]
	return role, ok
}

func (r *MemoryRosterRepository) FindProfilesByEmails(_ context.Context, emails []string) ([]persistence.Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := toSet(emails)
	out := []persistence.Profile{}
	for _, p := range r.profiles {
		_, primary := keys[strings.ToLower(p.Email)]
		_, secondary := keys[strings.ToLower(p.SecondaryEmail)]
		if primary || (p.SecondaryEmail != "" && secondary) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *MemoryRosterRepository) FindWhitelistByEmails(_ context.Context, emails []string) ([]persistence.WhitelistEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := toSet(emails)
	out := []persistence.WhitelistEntry{}
	for _, w := range r.whitelist {
		if _, ok := keys[strings.ToLower(w.Email)]; ok {
			out = append(out, w)
		}
	}
	return out, nil
}

func (r *MemoryRosterRepository) FindTeams(_ context.Context, names []string, externalIDs []string) ([]persistence.Team, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nameSet := toSet(names)
	idSet := make(map[string]struct{}, len(externalIDs))
	for _, id := range externalIDs {
		idSet[id] = struct{}{}
	}

	out := []persistence.Team{}
	for _, t := range r.teams {
		_, byName := nameSet[strings.ToLower(t.Name)]
		byID := false
		if t.ExternalID != nil {
			_, byID = idSet[*t.ExternalID]
		}
		if byName || byID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *MemoryRosterRepository) FindProfileByAuthUID(_ context.Context, authUID string) (persistence.Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.profiles {
		if p.AuthUID != nil && *p.AuthUID == authUID {
			return p, nil
		}
	}
	return persistence.Profile{}, persistence.ErrProfileNotFound
}

func (r *MemoryRosterRepository) EnsureProfile(ctx context.Context, params persistence.EnsureProfileParams) (persistence.Profile, error) {
	if existing, err := r.FindProfileByAuthUID(ctx, params.AuthUID); err == nil {
		return existing, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	email := strings.ToLower(strings.TrimSpace(params.Email))
	for _, p := range r.profiles {
		if strings.ToLower(p.Email) == email {
			return persistence.Profile{}, persistence.ErrProfileConflict
		}
	}

	uid := params.AuthUID
	fields := params.Fields
	if fields.Role == "" {
		fields.Role = persistence.RoleParticipant
	}
	now := time.Now()
	p := persistence.Profile{
		ProfileID:      uuid.New(),
		AuthUID:        &uid,
		Email:          email,
		SecondaryEmail: strings.ToLower(strings.TrimSpace(params.SecondaryEmail)),
		Fields:         fields,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.profiles[p.ProfileID] = p
	return p, nil
}

func (r *MemoryRosterRepository) UpdateProfileFields(_ context.Context, id uuid.UUID, fields persistence.RosterFields) (persistence.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.profiles[id]
	if !ok {
		return persistence.Profile{}, persistence.ErrProfileNotFound
	}
	p.Fields = mergeFields(p.Fields, fields)
	p.UpdatedAt = time.Now()
	r.profiles[id] = p
	return p, nil
}

func (r *MemoryRosterRepository) UpdateWhitelistFields(_ context.Context, id uuid.UUID, patch persistence.WhitelistPatch) (persistence.WhitelistEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.whitelist[id]
	if !ok {
		return persistence.WhitelistEntry{}, persistence.ErrWhitelistNotFound
	}
	w.Fields = mergeFields(w.Fields, patch.Fields)
	w.TeamName = coalesce(patch.TeamName, w.TeamName)
	w.Division = coalesce(patch.Division, w.Division)
	if patch.TeamID != nil {
		teamID := *patch.TeamID
		w.TeamID = &teamID
	}
	w.UpdatedAt = time.Now()
	r.whitelist[id] = w
	return w, nil
}

func (r *MemoryRosterRepository) LinkWhitelistProfile(_ context.Context, id, profileID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.whitelist[id]
	if !ok {
		return persistence.ErrWhitelistNotFound
	}
	w.ProfileID = &profileID
	r.whitelist[id] = w
	return nil
}

func (r *MemoryRosterRepository) FindTeam(_ context.Context, externalID, name string) (persistence.Team, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if team, ok := r.findTeamLocked(externalID, name); ok {
		return team, nil
	}
	return persistence.Team{}, persistence.ErrTeamNotFound
}

func (r *MemoryRosterRepository) CreateTeam(_ context.Context, params persistence.CreateTeamParams) (persistence.Team, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.findTeamLocked(params.ExternalID, params.Name); ok {
		return existing, false, nil
	}
	if params.TeamID == uuid.Nil {
		params.TeamID = uuid.New()
	}
	now := time.Now()
	team := persistence.Team{
		TeamID:    params.TeamID,
		Name:      strings.TrimSpace(params.Name),
		Division:  strings.TrimSpace(params.Division),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if id := strings.TrimSpace(params.ExternalID); id != "" {
		team.ExternalID = &id
	}
	r.teams[team.TeamID] = team
	return team, true, nil
}

func (r *MemoryRosterRepository) UpdateTeam(_ context.Context, id uuid.UUID, patch persistence.TeamPatch) (persistence.Team, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	team, ok := r.teams[id]
	if !ok {
		return persistence.Team{}, persistence.ErrTeamNotFound
	}
	if patch.Name != nil {
		team.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Division != nil {
		team.Division = strings.TrimSpace(*patch.Division)
	}
	team.UpdatedAt = time.Now()
	r.teams[id] = team
	return team, nil
}

func (r *MemoryRosterRepository) UpsertMembership(_ context.Context, profileID, teamID uuid.UUID, role string) (persistence.MembershipChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if role == "" {
		role = persistence.RoleParticipant
	}
	key := [2]uuid.UUID{profileID, teamID}
	current, exists := r.memberships[key]
	switch {
	case !exists:
		r.memberships[key] = role
		return persistence.MembershipCreated, nil
	case current != role:
		r.memberships[key] = role
		return persistence.MembershipUpdated, nil
	default:
		return persistence.MembershipUnchanged, nil
	}
}

func (r *MemoryRosterRepository) findTeamLocked(externalID, name string) (persistence.Team, bool) {
	externalID = strings.TrimSpace(externalID)
	name = strings.ToLower(strings.TrimSpace(name))
	for _, t := range r.teams {
		if externalID != "" && t.ExternalID != nil && *t.ExternalID == externalID {
			return t, true
		}
	}
	for _, t := range r.teams {
		if name != "" && strings.ToLower(t.Name) == name {
			return t, true
		}
	}
	return persistence.Team{}, false
}

func mergeFields(dst, src persistence.RosterFields) persistence.RosterFields {
	dst.TrackingID = coalesce(src.TrackingID, dst.TrackingID)
	dst.FirstName = coalesce(src.FirstName, dst.FirstName)
	dst.LastName = coalesce(src.LastName, dst.LastName)
	dst.Phone = coalesce(src.Phone, dst.Phone)
	if src.Age != nil {
		age := *src.Age
		dst.Age = &age
	}
	dst.School = coalesce(src.School, dst.School)
	dst.City = coalesce(src.City, dst.City)
	dst.State = coalesce(src.State, dst.State)
	dst.GuardianName = coalesce(src.GuardianName, dst.GuardianName)
	dst.GuardianEmail = coalesce(src.GuardianEmail, dst.GuardianEmail)
	dst.GuardianPhone = coalesce(src.GuardianPhone, dst.GuardianPhone)
	dst.Role = coalesce(src.Role, dst.Role)
	return dst
}

func coalesce(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToLower(v)] = struct{}{}
	}
	return set
}

var (
	_ JobRepository    = (*MemoryJobRepository)(nil)
	_ RosterRepository = (*MemoryRosterRepository)(nil)
)
