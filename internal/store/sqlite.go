package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/atlas-ctf/atlas/internal/domain"
	"github.com/atlas-ctf/atlas/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db         *sql.DB
	maxRetries int
	retryDelay time.Duration
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithRetry sets how often contended writes are retried.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(s *SQLiteStore) {
		s.maxRetries = maxRetries
		s.retryDelay = baseDelay
	}
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets the reaper and request handlers read while a lease is written.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, maxRetries: 3, retryDelay: 50 * time.Millisecond}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS teams (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		banned INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS challenges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL,
		image TEXT NOT NULL DEFAULT '',
		internal_port INTEGER NOT NULL DEFAULT 0,
		ssh_user TEXT NOT NULL DEFAULT '',
		lease_seconds INTEGER NOT NULL DEFAULT 0,
		max_points INTEGER NOT NULL DEFAULT 0,
		hidden INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS leases (
		container_id TEXT PRIMARY KEY,
		team_id INTEGER NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
		challenge_id INTEGER NOT NULL REFERENCES challenges(id) ON DELETE CASCADE,
		host TEXT NOT NULL,
		port INTEGER NOT NULL,
		ssh_user TEXT NOT NULL DEFAULT '',
		ssh_password TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (team_id, challenge_id)
	);
	CREATE INDEX IF NOT EXISTS idx_leases_created ON leases(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func unix(ts int64) time.Time {
	return time.Unix(ts, 0).UTC()
}

// --- leases ---

const leaseColumns = `container_id, team_id, challenge_id, host, port, ssh_user, ssh_password, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanLease(row scanner) (*domain.Lease, error) {
	var l domain.Lease
	var createdAt, updatedAt int64
	if err := row.Scan(
		&l.ContainerID, &l.TeamID, &l.ChallengeID, &l.Host, &l.Port,
		&l.SSHUser, &l.SSHPassword, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	l.CreatedAt = unix(createdAt)
	l.UpdatedAt = unix(updatedAt)
	return &l, nil
}

// GetLease retrieves the lease for a team and challenge.
func (s *SQLiteStore) GetLease(ctx context.Context, teamID, challengeID int64) (*domain.Lease, error) {
	query := `SELECT ` + leaseColumns + ` FROM leases WHERE team_id = ? AND challenge_id = ?`
	l, err := scanLease(s.db.QueryRowContext(ctx, query, teamID, challengeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan lease row: %w", err)
	}
	return l, nil
}

// GetLeaseByContainerID retrieves the lease that owns a container.
func (s *SQLiteStore) GetLeaseByContainerID(ctx context.Context, containerID string) (*domain.Lease, error) {
	query := `SELECT ` + leaseColumns + ` FROM leases WHERE container_id = ?`
	l, err := scanLease(s.db.QueryRowContext(ctx, query, containerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan lease row: %w", err)
	}
	return l, nil
}

// CreateLease stores lease unless a live lease for the same pair already exists.
func (s *SQLiteStore) CreateLease(ctx context.Context, lease *domain.Lease, staleBefore time.Time) (*domain.Lease, error) {
	query := `
	INSERT INTO leases (` + leaseColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(team_id, challenge_id) DO UPDATE SET
		container_id = excluded.container_id,
		host = excluded.host,
		port = excluded.port,
		ssh_user = excluded.ssh_user,
		ssh_password = excluded.ssh_password,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at
	WHERE leases.created_at < ?`

	var rows int64
	err := shared.RetrySQLite(ctx, s.maxRetries, s.retryDelay, "insert lease", func() error {
		result, err := s.db.ExecContext(ctx, query,
			lease.ContainerID, lease.TeamID, lease.ChallengeID, lease.Host, lease.Port,
			lease.SSHUser, lease.SSHPassword, lease.CreatedAt.Unix(), lease.UpdatedAt.Unix(),
			staleBefore.Unix(),
		)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return nil, err
	}

	if rows > 0 {
		return lease, nil
	}

	existing, err := s.GetLease(ctx, lease.TeamID, lease.ChallengeID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		// The live row vanished between the upsert and the read.
		return nil, fmt.Errorf("insert lease: conflicting lease for team %d challenge %d disappeared", lease.TeamID, lease.ChallengeID)
	}
	slog.Debug("Live lease already present, keeping it",
		"team_id", lease.TeamID, "challenge_id", lease.ChallengeID, "container_id", existing.ContainerID)
	return existing, nil
}

// DeleteLease removes the lease for a container.
func (s *SQLiteStore) DeleteLease(ctx context.Context, containerID string) (bool, error) {
	var rows int64
	err := shared.RetrySQLite(ctx, s.maxRetries, s.retryDelay, "delete lease", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE container_id = ?`, containerID)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

const summaryQuery = `
	SELECT l.container_id, l.host, l.port, l.ssh_user, l.ssh_password, l.created_at, l.updated_at,
	       t.id, t.name, c.id, c.title, c.lease_seconds
	FROM leases l
	JOIN teams t ON t.id = l.team_id
	JOIN challenges c ON c.id = l.challenge_id`

// ListLeases returns all leases, newest first.
func (s *SQLiteStore) ListLeases(ctx context.Context) ([]domain.LeaseSummary, error) {
	return s.querySummaries(ctx, summaryQuery+` ORDER BY l.created_at DESC, l.container_id`)
}

// ListExpiredLeases returns leases with created_at + lease duration before now.
// Challenges without a duration are reported with LeaseDuration zero and are
// left to the caller, which knows the default.
func (s *SQLiteStore) ListExpiredLeases(ctx context.Context, now time.Time) ([]domain.LeaseSummary, error) {
	query := summaryQuery + ` WHERE c.lease_seconds = 0 OR l.created_at + c.lease_seconds < ? ORDER BY l.created_at`
	return s.querySummaries(ctx, query, now.Unix())
}

func (s *SQLiteStore) querySummaries(ctx context.Context, query string, args ...any) ([]domain.LeaseSummary, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query leases: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close lease rows", "error", closeErr)
		}
	}()

	var out []domain.LeaseSummary
	for rows.Next() {
		var ls domain.LeaseSummary
		var createdAt, updatedAt, leaseSeconds int64
		if err := rows.Scan(
			&ls.ContainerID, &ls.Host, &ls.Port, &ls.SSHUser, &ls.SSHPassword, &createdAt, &updatedAt,
			&ls.Team.ID, &ls.Team.Name, &ls.Challenge.ID, &ls.Challenge.Title, &leaseSeconds,
		); err != nil {
			return nil, fmt.Errorf("scan lease summary: %w", err)
		}
		ls.CreatedAt = unix(createdAt)
		ls.UpdatedAt = unix(updatedAt)
		ls.LeaseDuration = time.Duration(leaseSeconds) * time.Second
		out = append(out, ls)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leases: %w", err)
	}
	return out, nil
}

// --- challenges ---

const challengeColumns = `id, title, description, category, image, internal_port, ssh_user, lease_seconds, max_points, hidden, created_at, updated_at`

func scanChallenge(row scanner) (*domain.Challenge, error) {
	var c domain.Challenge
	var leaseSeconds, createdAt, updatedAt int64
	if err := row.Scan(
		&c.ID, &c.Title, &c.Description, &c.Category, &c.Image, &c.InternalPort,
		&c.SSHUser, &leaseSeconds, &c.MaxPoints, &c.Hidden, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	c.LeaseDuration = time.Duration(leaseSeconds) * time.Second
	c.CreatedAt = unix(createdAt)
	c.UpdatedAt = unix(updatedAt)
	return &c, nil
}

// CreateChallenge inserts a challenge.
func (s *SQLiteStore) CreateChallenge(ctx context.Context, c *domain.Challenge) error {
	now := time.Now().UTC().Truncate(time.Second)
	query := `
	INSERT INTO challenges (title, description, category, image, internal_port, ssh_user, lease_seconds, max_points, hidden, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := s.db.ExecContext(ctx, query,
		c.Title, c.Description, c.Category, c.Image, c.InternalPort, c.SSHUser,
		int64(c.LeaseDuration/time.Second), c.MaxPoints, c.Hidden, now.Unix(), now.Unix(),
	)
	if err != nil {
		if shared.IsSQLiteUniqueError(err) {
			return fmt.Errorf("challenge %q: %w", c.Title, ErrDuplicate)
		}
		return fmt.Errorf("insert challenge: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get challenge id: %w", err)
	}
	c.ID = id
	c.CreatedAt = now
	c.UpdatedAt = now
	return nil
}

// UpsertChallengeByTitle creates the challenge or refreshes the existing one with the same title.
func (s *SQLiteStore) UpsertChallengeByTitle(ctx context.Context, c *domain.Challenge) error {
	now := time.Now().UTC().Truncate(time.Second)
	query := `
	INSERT INTO challenges (title, description, category, image, internal_port, ssh_user, lease_seconds, max_points, hidden, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(title) DO UPDATE SET
		description = excluded.description,
		category = excluded.category,
		image = excluded.image,
		internal_port = excluded.internal_port,
		ssh_user = excluded.ssh_user,
		lease_seconds = excluded.lease_seconds,
		max_points = excluded.max_points,
		hidden = excluded.hidden,
		updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query,
		c.Title, c.Description, c.Category, c.Image, c.InternalPort, c.SSHUser,
		int64(c.LeaseDuration/time.Second), c.MaxPoints, c.Hidden, now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert challenge: %w", err)
	}

	stored, err := scanChallenge(s.db.QueryRowContext(ctx,
		`SELECT `+challengeColumns+` FROM challenges WHERE title = ?`, c.Title))
	if err != nil {
		return fmt.Errorf("reload challenge: %w", err)
	}
	*c = *stored
	return nil
}

// UpdateChallenge overwrites a challenge by id.
func (s *SQLiteStore) UpdateChallenge(ctx context.Context, c *domain.Challenge) error {
	now := time.Now().UTC().Truncate(time.Second)
	query := `
	UPDATE challenges SET
		title = ?, description = ?, category = ?, image = ?, internal_port = ?, ssh_user = ?,
		lease_seconds = ?, max_points = ?, hidden = ?, updated_at = ?
	WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query,
		c.Title, c.Description, c.Category, c.Image, c.InternalPort, c.SSHUser,
		int64(c.LeaseDuration/time.Second), c.MaxPoints, c.Hidden, now.Unix(), c.ID,
	)
	if err != nil {
		if shared.IsSQLiteUniqueError(err) {
			return fmt.Errorf("challenge %q: %w", c.Title, ErrDuplicate)
		}
		return fmt.Errorf("update challenge: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("challenge %d: %w", c.ID, ErrNotFound)
	}

	stored, err := s.GetChallenge(ctx, c.ID)
	if err != nil {
		return err
	}
	*c = *stored
	return nil
}

// DeleteChallenge removes a challenge without leases. The lease check and
// the delete are one statement so a lease created in between cannot be
// dropped by the cascade.
func (s *SQLiteStore) DeleteChallenge(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM challenges WHERE id = ? AND NOT EXISTS (SELECT 1 FROM leases WHERE challenge_id = ?)`, id, id)
	if err != nil {
		return fmt.Errorf("delete challenge: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}
	if _, err := s.GetChallenge(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("challenge %d: %w", id, ErrInUse)
}

// GetChallenge retrieves a challenge by id.
func (s *SQLiteStore) GetChallenge(ctx context.Context, id int64) (*domain.Challenge, error) {
	c, err := scanChallenge(s.db.QueryRowContext(ctx,
		`SELECT `+challengeColumns+` FROM challenges WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("challenge %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan challenge row: %w", err)
	}
	return c, nil
}

// ListChallenges returns the catalog.
func (s *SQLiteStore) ListChallenges(ctx context.Context, includeHidden bool) ([]*domain.Challenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM challenges`
	if !includeHidden {
		query += ` WHERE hidden = 0`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query challenges: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close challenge rows", "error", closeErr)
		}
	}()

	var out []*domain.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan challenge row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate challenges: %w", err)
	}
	return out, nil
}

// ProvisionParams returns provisioning parameters for a visible challenge.
func (s *SQLiteStore) ProvisionParams(ctx context.Context, challengeID int64) (*domain.ProvisionParams, error) {
	c, err := s.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if c.Hidden {
		return nil, fmt.Errorf("challenge %d: %w", challengeID, ErrNotFound)
	}
	if c.Image == "" || c.InternalPort <= 0 {
		return nil, fmt.Errorf("challenge %d: %w", challengeID, ErrNotProvisionable)
	}
	return c.ProvisionParams(), nil
}

// --- teams ---

// CreateTeam inserts a team.
func (s *SQLiteStore) CreateTeam(ctx context.Context, name string) (*domain.Team, error) {
	now := time.Now().UTC().Truncate(time.Second)
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO teams (name, banned, created_at) VALUES (?, 0, ?)`, name, now.Unix())
	if err != nil {
		if shared.IsSQLiteUniqueError(err) {
			return nil, fmt.Errorf("team %q: %w", name, ErrDuplicate)
		}
		return nil, fmt.Errorf("insert team: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get team id: %w", err)
	}
	return &domain.Team{ID: id, Name: name, CreatedAt: now}, nil
}

// GetTeam retrieves a team by id.
func (s *SQLiteStore) GetTeam(ctx context.Context, id int64) (*domain.Team, error) {
	var t domain.Team
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, banned, created_at FROM teams WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &t.Banned, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("team %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan team row: %w", err)
	}
	t.CreatedAt = unix(createdAt)
	return &t, nil
}

// SetTeamBanned updates the ban flag.
func (s *SQLiteStore) SetTeamBanned(ctx context.Context, id int64, banned bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE teams SET banned = ? WHERE id = ?`, banned, id)
	if err != nil {
		return fmt.Errorf("update team: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("team %d: %w", id, ErrNotFound)
	}
	return nil
}

// ListTeams returns all teams.
func (s *SQLiteStore) ListTeams(ctx context.Context) ([]*domain.Team, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, banned, created_at FROM teams ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query teams: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close team rows", "error", closeErr)
		}
	}()

	var out []*domain.Team
	for rows.Next() {
		var t domain.Team
		var createdAt int64
		if err := rows.Scan(&t.ID, &t.Name, &t.Banned, &createdAt); err != nil {
			return nil, fmt.Errorf("scan team row: %w", err)
		}
		t.CreatedAt = unix(createdAt)
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate teams: %w", err)
	}
	return out, nil
}

var _ Repository = (*SQLiteStore)(nil)
