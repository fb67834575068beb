// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atlas-ctf/atlas/internal/domain"
)

var (
	// ErrNotFound is returned when a team or challenge does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotProvisionable is returned for challenges without a container image.
	ErrNotProvisionable = errors.New("challenge has no container image")

	// ErrDuplicate is returned when a unique name or title is already taken.
	ErrDuplicate = errors.New("already exists")

	// ErrInUse is returned when a challenge still has leases.
	ErrInUse = errors.New("still has active leases")
)

// LeaseRepository persists container leases.
type LeaseRepository interface {
	// GetLease returns the lease for a team and challenge, or nil if none exists.
	// Expired leases are returned; callers decide what expiry means.
	GetLease(ctx context.Context, teamID, challengeID int64) (*domain.Lease, error)

	// GetLeaseByContainerID returns the lease for a container, or nil if none exists.
	GetLeaseByContainerID(ctx context.Context, containerID string) (*domain.Lease, error)

	// CreateLease inserts lease. If a row for the same team and challenge
	// exists and was created before staleBefore it is replaced; otherwise the
	// existing live lease is returned unchanged and lease is not stored.
	CreateLease(ctx context.Context, lease *domain.Lease, staleBefore time.Time) (*domain.Lease, error)

	// DeleteLease removes the lease for a container. It reports whether a row was removed.
	DeleteLease(ctx context.Context, containerID string) (bool, error)

	// ListLeases returns every lease with team and challenge names.
	ListLeases(ctx context.Context) ([]domain.LeaseSummary, error)

	// ListExpiredLeases returns leases whose age exceeds their challenge's lease duration at now.
	ListExpiredLeases(ctx context.Context, now time.Time) ([]domain.LeaseSummary, error)
}

// ChallengeRepository persists the challenge catalog.
type ChallengeRepository interface {
	// CreateChallenge inserts a challenge and sets its ID.
	CreateChallenge(ctx context.Context, c *domain.Challenge) error

	// UpsertChallengeByTitle inserts or updates a challenge keyed by title.
	UpsertChallengeByTitle(ctx context.Context, c *domain.Challenge) error

	// GetChallenge returns a challenge or ErrNotFound.
	GetChallenge(ctx context.Context, id int64) (*domain.Challenge, error)

	// UpdateChallenge overwrites the challenge with c.ID. Live leases keep
	// the container they were started with.
	UpdateChallenge(ctx context.Context, c *domain.Challenge) error

	// DeleteChallenge removes a challenge that has no leases. It returns
	// ErrInUse while any lease references it.
	DeleteChallenge(ctx context.Context, id int64) error

	// ListChallenges returns the catalog ordered by id.
	ListChallenges(ctx context.Context, includeHidden bool) ([]*domain.Challenge, error)

	// ProvisionParams returns provisioning parameters for a visible challenge.
	// Unknown or hidden challenges yield ErrNotFound.
	ProvisionParams(ctx context.Context, challengeID int64) (*domain.ProvisionParams, error)
}

// TeamRepository persists teams.
type TeamRepository interface {
	// CreateTeam inserts a team.
	CreateTeam(ctx context.Context, name string) (*domain.Team, error)

	// GetTeam returns a team or ErrNotFound.
	GetTeam(ctx context.Context, id int64) (*domain.Team, error)

	// SetTeamBanned updates the ban flag of a team.
	SetTeamBanned(ctx context.Context, id int64, banned bool) error

	// ListTeams returns all teams ordered by id.
	ListTeams(ctx context.Context) ([]*domain.Team, error)
}

// Repository is the full persistence surface of the service.
type Repository interface {
	LeaseRepository
	ChallengeRepository
	TeamRepository

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
