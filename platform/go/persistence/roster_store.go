package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	ProfilesTable    = "profiles"
	WhitelistTable   = "whitelist"
	TeamsTable       = "teams"
	MembershipsTable = "memberships"
)

// Membership roles.
const (
	RoleParticipant = "participant"
	RoleMentor      = "mentor"
)

var (
	// ErrProfileNotFound indicates a missing profile record.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrProfileConflict indicates a uniqueness violation on profiles (e.g., the email belongs to another identity).
	ErrProfileConflict = errors.New("profile conflict")
	// ErrWhitelistNotFound indicates a missing whitelist record.
	ErrWhitelistNotFound = errors.New("whitelist entry not found")
	// ErrWhitelistConflict indicates a duplicated whitelist email.
	ErrWhitelistConflict = errors.New("whitelist conflict")
	// ErrTeamNotFound indicates a missing team record.
	ErrTeamNotFound = errors.New("team not found")
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// RosterFields are the canonical person attributes shared by profiles and whitelist entries.
type RosterFields struct {
	TrackingID    string
	FirstName     string
	LastName      string
	Phone         string
	Age           *int
	School        string
	City          string
	State         string
	GuardianName  string
	GuardianEmail string
	GuardianPhone string
	Role          string
}

// Profile represents a row in the profiles table; rows with an AuthUID are active identities.
type Profile struct {
	ProfileID      uuid.UUID
	AuthUID        *string
	Email          string
	SecondaryEmail string
	Fields         RosterFields
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Active reports whether the profile is linked to a real account.
func (p Profile) Active() bool {
	return p.AuthUID != nil && *p.AuthUID != ""
}

// WhitelistEntry represents a provisional (authorized but not activated) identity.
type WhitelistEntry struct {
	WhitelistID uuid.UUID
	Email       string
	ProfileID   *uuid.UUID
	Fields      RosterFields
	TeamName    string
	Division    string
	TeamID      *uuid.UUID
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Team represents a row in the teams table.
type Team struct {
	TeamID     uuid.UUID
	ExternalID *string
	Name       string
	Division   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// MembershipChange describes what an upsert did.
type MembershipChange string

const (
	MembershipCreated   MembershipChange = "created"
	MembershipUpdated   MembershipChange = "updated"
	MembershipUnchanged MembershipChange = "unchanged"
)

// EnsureProfileParams captures the identity being materialized as a profile.
type EnsureProfileParams struct {
	AuthUID        string
	Email          string
	SecondaryEmail string
	Fields         RosterFields
}

// CreateWhitelistParams captures a new provisional entry.
type CreateWhitelistParams struct {
	WhitelistID uuid.UUID
	Email       string
	Fields      RosterFields
	TeamName    string
	Division    string
	TeamID      *uuid.UUID
}

// WhitelistPatch carries the provisional fields to overwrite; empty values keep the stored ones.
type WhitelistPatch struct {
	Fields   RosterFields
	TeamName string
	Division string
	TeamID   *uuid.UUID
}

// CreateTeamParams captures a new team.
type CreateTeamParams struct {
	TeamID     uuid.UUID
	ExternalID string
	Name       string
	Division   string
}

// TeamPatch carries the changed team fields only.
type TeamPatch struct {
	Name     *string
	Division *string
}

// RosterStore exposes persistence helpers for profiles, whitelist, teams and memberships.
type RosterStore struct {
	pool *pgxpool.Pool
}

// NewRosterStore returns a store bound to the shared pool.
func NewRosterStore(pool *pgxpool.Pool) (*RosterStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &RosterStore{pool: pool}, nil
}

var profileColumns = []string{
	"profile_id", "auth_uid", "email", "secondary_email", "tracking_id", "first_name", "last_name",
	"phone", "age", "school", "city", "state", "guardian_name", "guardian_email", "guardian_phone",
	"role", "created_at", "updated_at",
}

var whitelistColumns = []string{
	"whitelist_id", "email", "profile_id", "tracking_id", "first_name", "last_name",
	"phone", "age", "school", "city", "state", "guardian_name", "guardian_email", "guardian_phone",
	"role", "team_name", "division", "team_id", "created_at", "updated_at",
}

var teamColumns = []string{"team_id", "external_id", "name", "division", "created_at", "updated_at"}

// FindProfilesByEmails returns profiles whose primary or secondary email matches any of the
// lower-cased emails. Callers page large key sets themselves.
func (s *RosterStore) FindProfilesByEmails(ctx context.Context, emails []string) ([]Profile, error) {
	if len(emails) == 0 {
		return nil, nil
	}

	query, args, err := psql.Select(profileColumns...).
		From(ProfilesTable).
		Where(sq.Or{
			sq.Eq{"LOWER(email)": emails},
			sq.Eq{"LOWER(secondary_email)": emails},
		}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build profile lookup: %w", err)
	}

	return s.queryProfiles(ctx, query, args...)
}

// FindProfileByEmail resolves one profile by case-insensitive primary or secondary email,
// preferring a primary match.
func (s *RosterStore) FindProfileByEmail(ctx context.Context, email string) (Profile, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	query, args, err := psql.Select(profileColumns...).
		From(ProfilesTable).
		Where(sq.Or{sq.Eq{"LOWER(email)": email}, sq.Eq{"LOWER(secondary_email)": email}}).
		OrderByClause("CASE WHEN LOWER(email) = ? THEN 0 ELSE 1 END", email).
		Limit(1).
		ToSql()
	if err != nil {
		return Profile{}, fmt.Errorf("build profile lookup: %w", err)
	}

	profiles, err := s.queryProfiles(ctx, query, args...)
	if err != nil {
		return Profile{}, err
	}
	if len(profiles) == 0 {
		return Profile{}, ErrProfileNotFound
	}
	return profiles[0], nil
}

// FindProfileByAuthUID returns the profile materialized for an identity provider uid.
func (s *RosterStore) FindProfileByAuthUID(ctx context.Context, authUID string) (Profile, error) {
	query, args, err := psql.Select(profileColumns...).From(ProfilesTable).Where(sq.Eq{"auth_uid": authUID}).ToSql()
	if err != nil {
		return Profile{}, fmt.Errorf("build profile lookup: %w", err)
	}

	profile, err := scanProfile(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrProfileNotFound
		}
		return Profile{}, err
	}
	return profile, nil
}

// EnsureProfile inserts the profile for an identity when absent and returns the stored row.
// Re-running it for the same uid is a no-op.
func (s *RosterStore) EnsureProfile(ctx context.Context, params EnsureProfileParams) (Profile, error) {
	if strings.TrimSpace(params.AuthUID) == "" {
		return Profile{}, errors.New("auth uid is required")
	}

	role := params.Fields.Role
	if role == "" {
		role = RoleParticipant
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
        INSERT INTO %s (profile_id, auth_uid, email, secondary_email, tracking_id, first_name, last_name,
                        phone, age, school, city, state, guardian_name, guardian_email, guardian_phone, role)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
        ON CONFLICT DO NOTHING
    `, ProfilesTable),
		uuid.New(), params.AuthUID, strings.ToLower(strings.TrimSpace(params.Email)),
		strings.ToLower(strings.TrimSpace(params.SecondaryEmail)),
		params.Fields.TrackingID, params.Fields.FirstName, params.Fields.LastName, params.Fields.Phone, params.Fields.Age,
		params.Fields.School, params.Fields.City, params.Fields.State,
		params.Fields.GuardianName, params.Fields.GuardianEmail, params.Fields.GuardianPhone, role,
	)
	if err != nil {
		return Profile{}, fmt.Errorf("insert profile: %w", err)
	}

	profile, err := s.FindProfileByAuthUID(ctx, params.AuthUID)
	if errors.Is(err, ErrProfileNotFound) {
		// The insert was swallowed by the email uniqueness constraint of another identity.
		return Profile{}, ErrProfileConflict
	}
	return profile, err
}

// UpdateProfileFields overwrites the non-empty fields on a profile.
func (s *RosterStore) UpdateProfileFields(ctx context.Context, id uuid.UUID, fields RosterFields) (Profile, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        UPDATE %s SET
            tracking_id = COALESCE(NULLIF($1, ''), tracking_id),
            first_name = COALESCE(NULLIF($2, ''), first_name),
            last_name = COALESCE(NULLIF($3, ''), last_name),
            phone = COALESCE(NULLIF($4, ''), phone),
            age = COALESCE($5, age),
            school = COALESCE(NULLIF($6, ''), school),
            city = COALESCE(NULLIF($7, ''), city),
            state = COALESCE(NULLIF($8, ''), state),
            guardian_name = COALESCE(NULLIF($9, ''), guardian_name),
            guardian_email = COALESCE(NULLIF($10, ''), guardian_email),
            guardian_phone = COALESCE(NULLIF($11, ''), guardian_phone),
            role = COALESCE(NULLIF($12, ''), role),
            updated_at = NOW()
        WHERE profile_id = $13
        RETURNING %s
    `, ProfilesTable, strings.Join(profileColumns, ", ")),
		fields.TrackingID, fields.FirstName, fields.LastName, fields.Phone, fields.Age,
		fields.School, fields.City, fields.State,
		fields.GuardianName, fields.GuardianEmail, fields.GuardianPhone, fields.Role, id,
	)

	profile, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrProfileNotFound
		}
		return Profile{}, fmt.Errorf("update profile: %w", err)
	}
	return profile, nil
}

// FindWhitelistByEmails returns provisional entries matching any of the lower-cased emails.
func (s *RosterStore) FindWhitelistByEmails(ctx context.Context, emails []string) ([]WhitelistEntry, error) {
	if len(emails) == 0 {
		return nil, nil
	}

	query, args, err := psql.Select(whitelistColumns...).
		From(WhitelistTable).
		Where(sq.Eq{"LOWER(email)": emails}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build whitelist lookup: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query whitelist: %w", err)
	}
	defer rows.Close()

	entries := make([]WhitelistEntry, 0)
	for rows.Next() {
		entry, scanErr := scanWhitelist(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan whitelist: %w", scanErr)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate whitelist: %w", err)
	}
	return entries, nil
}

// CreateWhitelistEntry inserts a provisional identity.
func (s *RosterStore) CreateWhitelistEntry(ctx context.Context, params CreateWhitelistParams) (WhitelistEntry, error) {
	if params.WhitelistID == uuid.Nil {
		params.WhitelistID = uuid.New()
	}
	role := params.Fields.Role
	if role == "" {
		role = RoleParticipant
	}

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        INSERT INTO %s (whitelist_id, email, tracking_id, first_name, last_name, phone, age, school, city, state,
                        guardian_name, guardian_email, guardian_phone, role, team_name, division, team_id)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
        RETURNING %s
    `, WhitelistTable, strings.Join(whitelistColumns, ", ")),
		params.WhitelistID, strings.ToLower(strings.TrimSpace(params.Email)),
		params.Fields.TrackingID, params.Fields.FirstName, params.Fields.LastName, params.Fields.Phone, params.Fields.Age,
		params.Fields.School, params.Fields.City, params.Fields.State,
		params.Fields.GuardianName, params.Fields.GuardianEmail, params.Fields.GuardianPhone, role,
		params.TeamName, params.Division, params.TeamID,
	)

	entry, err := scanWhitelist(row)
	if err != nil {
		if isUniqueViolation(err) {
			return WhitelistEntry{}, ErrWhitelistConflict
		}
		return WhitelistEntry{}, fmt.Errorf("insert whitelist entry: %w", err)
	}
	return entry, nil
}

// UpdateWhitelistFields overwrites the non-empty provisional fields.
func (s *RosterStore) UpdateWhitelistFields(ctx context.Context, id uuid.UUID, patch WhitelistPatch) (WhitelistEntry, error) {
	fields := patch.Fields
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        UPDATE %s SET
            tracking_id = COALESCE(NULLIF($1, ''), tracking_id),
            first_name = COALESCE(NULLIF($2, ''), first_name),
            last_name = COALESCE(NULLIF($3, ''), last_name),
            phone = COALESCE(NULLIF($4, ''), phone),
            age = COALESCE($5, age),
            school = COALESCE(NULLIF($6, ''), school),
            city = COALESCE(NULLIF($7, ''), city),
            state = COALESCE(NULLIF($8, ''), state),
            guardian_name = COALESCE(NULLIF($9, ''), guardian_name),
            guardian_email = COALESCE(NULLIF($10, ''), guardian_email),
            guardian_phone = COALESCE(NULLIF($11, ''), guardian_phone),
            role = COALESCE(NULLIF($12, ''), role),
            team_name = COALESCE(NULLIF($13, ''), team_name),
            division = COALESCE(NULLIF($14, ''), division),
            team_id = COALESCE($15, team_id),
            updated_at = NOW()
        WHERE whitelist_id = $16
        RETURNING %s
    `, WhitelistTable, strings.Join(whitelistColumns, ", ")),
		fields.TrackingID, fields.FirstName, fields.LastName, fields.Phone, fields.Age,
		fields.School, fields.City, fields.State,
		fields.GuardianName, fields.GuardianEmail, fields.GuardianPhone, fields.Role,
		patch.TeamName, patch.Division, patch.TeamID, id,
	)

	entry, err := scanWhitelist(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WhitelistEntry{}, ErrWhitelistNotFound
		}
		return WhitelistEntry{}, fmt.Errorf("update whitelist entry: %w", err)
	}
	return entry, nil
}

// LinkWhitelistProfile marks a provisional entry as activated by the given profile.
func (s *RosterStore) LinkWhitelistProfile(ctx context.Context, id, profileID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
        UPDATE %s SET profile_id = $1, updated_at = NOW() WHERE whitelist_id = $2
    `, WhitelistTable), profileID, id)
	if err != nil {
		return fmt.Errorf("link whitelist profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWhitelistNotFound
	}
	return nil
}

// FindTeams returns teams matching any lower-cased name or any external identifier.
func (s *RosterStore) FindTeams(ctx context.Context, names []string, externalIDs []string) ([]Team, error) {
	if len(names) == 0 && len(externalIDs) == 0 {
		return nil, nil
	}

	var where sq.Or
	if len(names) > 0 {
		where = append(where, sq.Eq{"LOWER(name)": names})
	}
	if len(externalIDs) > 0 {
		where = append(where, sq.Eq{"external_id": externalIDs})
	}

	query, args, err := psql.Select(teamColumns...).From(TeamsTable).Where(where).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build team lookup: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query teams: %w", err)
	}
	defer rows.Close()

	teams := make([]Team, 0)
	for rows.Next() {
		team, scanErr := scanTeam(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan team: %w", scanErr)
		}
		teams = append(teams, team)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate teams: %w", err)
	}
	return teams, nil
}

// FindTeam resolves one team by external identifier first, then by case-insensitive name.
func (s *RosterStore) FindTeam(ctx context.Context, externalID, name string) (Team, error) {
	externalID = strings.TrimSpace(externalID)
	name = strings.ToLower(strings.TrimSpace(name))
	if externalID == "" && name == "" {
		return Team{}, ErrTeamNotFound
	}

	teams, err := s.FindTeams(ctx, nonEmpty(name), nonEmpty(externalID))
	if err != nil {
		return Team{}, err
	}
	for _, team := range teams {
		if externalID != "" && team.ExternalID != nil && *team.ExternalID == externalID {
			return team, nil
		}
	}
	for _, team := range teams {
		if name != "" && strings.ToLower(team.Name) == name {
			return team, nil
		}
	}
	return Team{}, ErrTeamNotFound
}

// CreateTeam inserts a team; when a team with the same name or external id already exists the
// stored row is returned instead and created is false.
func (s *RosterStore) CreateTeam(ctx context.Context, params CreateTeamParams) (team Team, created bool, err error) {
	if params.TeamID == uuid.Nil {
		params.TeamID = uuid.New()
	}

	var externalID *string
	if trimmed := strings.TrimSpace(params.ExternalID); trimmed != "" {
		externalID = &trimmed
	}

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        INSERT INTO %s (team_id, external_id, name, division)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT DO NOTHING
        RETURNING %s
    `, TeamsTable, strings.Join(teamColumns, ", ")),
		params.TeamID, externalID, strings.TrimSpace(params.Name), strings.TrimSpace(params.Division),
	)

	team, err = scanTeam(row)
	if err == nil {
		return team, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Team{}, false, fmt.Errorf("insert team: %w", err)
	}

	existing, findErr := s.FindTeam(ctx, params.ExternalID, params.Name)
	if findErr != nil {
		return Team{}, false, fmt.Errorf("resolve existing team: %w", findErr)
	}
	return existing, false, nil
}

// UpdateTeam applies the patch and returns the updated row.
func (s *RosterStore) UpdateTeam(ctx context.Context, id uuid.UUID, patch TeamPatch) (Team, error) {
	setParts := []string{}
	var args []any

	if patch.Name != nil {
		args = append(args, strings.TrimSpace(*patch.Name))
		setParts = append(setParts, fmt.Sprintf("name = $%d", len(args)))
	}
	if patch.Division != nil {
		args = append(args, strings.TrimSpace(*patch.Division))
		setParts = append(setParts, fmt.Sprintf("division = $%d", len(args)))
	}
	if len(setParts) == 0 {
		return Team{}, errors.New("no fields to update")
	}
	args = append(args, id)

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        UPDATE %s SET %s, updated_at = NOW()
        WHERE team_id = $%d
        RETURNING %s
    `, TeamsTable, strings.Join(setParts, ", "), len(args), strings.Join(teamColumns, ", ")), args...)

	team, err := scanTeam(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Team{}, ErrTeamNotFound
		}
		return Team{}, fmt.Errorf("update team: %w", err)
	}
	return team, nil
}

// UpsertMembership links a profile to a team; a (profile, team) pair is never duplicated.
func (s *RosterStore) UpsertMembership(ctx context.Context, profileID, teamID uuid.UUID, role string) (MembershipChange, error) {
	if role == "" {
		role = RoleParticipant
	}

	var inserted bool
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
        INSERT INTO %s (profile_id, team_id, role)
        VALUES ($1, $2, $3)
        ON CONFLICT (profile_id, team_id) DO UPDATE SET role = EXCLUDED.role
        WHERE %s.role IS DISTINCT FROM EXCLUDED.role
        RETURNING (xmax = 0)
    `, MembershipsTable, MembershipsTable), profileID, teamID, role).Scan(&inserted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MembershipUnchanged, nil
		}
		return "", fmt.Errorf("upsert membership: %w", err)
	}
	if inserted {
		return MembershipCreated, nil
	}
	return MembershipUpdated, nil
}

func (s *RosterStore) queryProfiles(ctx context.Context, query string, args ...any) ([]Profile, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0)
	for rows.Next() {
		profile, scanErr := scanProfile(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan profile: %w", scanErr)
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return profiles, nil
}

func scanProfile(row pgx.Row) (Profile, error) {
	var p Profile
	f := &p.Fields
	if err := row.Scan(
		&p.ProfileID, &p.AuthUID, &p.Email, &p.SecondaryEmail, &f.TrackingID, &f.FirstName, &f.LastName,
		&f.Phone, &f.Age, &f.School, &f.City, &f.State, &f.GuardianName, &f.GuardianEmail, &f.GuardianPhone,
		&f.Role, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func scanWhitelist(row pgx.Row) (WhitelistEntry, error) {
	var w WhitelistEntry
	f := &w.Fields
	if err := row.Scan(
		&w.WhitelistID, &w.Email, &w.ProfileID, &f.TrackingID, &f.FirstName, &f.LastName,
		&f.Phone, &f.Age, &f.School, &f.City, &f.State, &f.GuardianName, &f.GuardianEmail, &f.GuardianPhone,
		&f.Role, &w.TeamName, &w.Division, &w.TeamID, &w.CreatedAt, &w.UpdatedAt,
	); err != nil {
		return WhitelistEntry{}, err
	}
	return w, nil
}

func scanTeam(row pgx.Row) (Team, error) {
	var t Team
	if err := row.Scan(&t.TeamID, &t.ExternalID, &t.Name, &t.Division, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return Team{}, err
	}
	return t, nil
}

func nonEmpty(value string) []string {
	if value == "" {
		return nil
	}
	return []string{value}
}
