// Package lease owns the lifecycle of challenge containers: one live lease per
// team and challenge, provisioned on demand and released by the team, an
// administrator or expiry.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/atlas-ctf/atlas/internal/config"
	"github.com/atlas-ctf/atlas/internal/container"
	"github.com/atlas-ctf/atlas/internal/domain"
	"github.com/atlas-ctf/atlas/internal/metrics"
	"github.com/atlas-ctf/atlas/internal/secret"
	"github.com/atlas-ctf/atlas/internal/store"
)

// Environment variables handed to challenge containers.
const (
	EnvSSHPassword = "SSH_PASSWORD"
	EnvSSHUser     = "SSH_USER"
)

// Store persists leases.
type Store interface {
	GetLease(ctx context.Context, teamID, challengeID int64) (*domain.Lease, error)
	GetLeaseByContainerID(ctx context.Context, containerID string) (*domain.Lease, error)
	CreateLease(ctx context.Context, lease *domain.Lease, staleBefore time.Time) (*domain.Lease, error)
	DeleteLease(ctx context.Context, containerID string) (bool, error)
	ListLeases(ctx context.Context) ([]domain.LeaseSummary, error)
	ListExpiredLeases(ctx context.Context, now time.Time) ([]domain.LeaseSummary, error)
}

// Catalog supplies provisioning parameters. Unknown challenges must fail
// with store.ErrNotFound.
type Catalog interface {
	ProvisionParams(ctx context.Context, challengeID int64) (*domain.ProvisionParams, error)
}

// Options configures a Tracker.
type Options struct {
	// Host is the address teams connect to.
	Host string

	PollInterval     time.Duration
	ProvisionTimeout time.Duration

	// DefaultLeaseDuration applies to challenges that define none.
	DefaultLeaseDuration time.Duration

	Limits container.Limits

	// StopOnTimeout issues a best-effort stop for containers whose port
	// never appeared.
	StopOnTimeout bool

	// CleanupTimeout bounds best-effort stops that run after the caller's
	// context may already be gone.
	CleanupTimeout time.Duration

	// OnRelease is called with the container id after a lease is removed.
	OnRelease func(containerID string)
}

// OptionsFromConfig builds tracker options from application configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Host:                 cfg.Runtime.HostIP,
		PollInterval:         cfg.Lease.PollInterval,
		ProvisionTimeout:     cfg.Lease.ProvisionTimeout,
		DefaultLeaseDuration: cfg.Lease.DefaultDuration,
		Limits: container.Limits{
			MemoryBytes: cfg.Runtime.MemoryBytes,
			CPUQuota:    cfg.Runtime.CPUQuota,
			CPUPeriod:   cfg.Runtime.CPUPeriod,
			PidsLimit:   cfg.Runtime.PidsLimit,
		},
		StopOnTimeout:  cfg.Lease.StopOnProvisionTimeout,
		CleanupTimeout: cfg.Timeout.Stop,
	}
}

// Option customizes a Tracker beyond Options.
type Option func(*Tracker)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithSecretGenerator replaces the password generator.
func WithSecretGenerator(gen func() (string, error)) Option {
	return func(t *Tracker) { t.secret = gen }
}

// Tracker maps (team, challenge) pairs to live container leases.
type Tracker struct {
	store   Store
	catalog Catalog
	runtime container.Runtime
	secret  func() (string, error)
	clock   Clock
	opts    Options
	locks   *keyedMutex
}

// NewTracker creates a Tracker.
func NewTracker(st Store, catalog Catalog, rt container.Runtime, opts Options, extra ...Option) *Tracker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.ProvisionTimeout <= 0 {
		opts.ProvisionTimeout = 30 * time.Second
	}
	if opts.DefaultLeaseDuration <= 0 {
		opts.DefaultLeaseDuration = 10 * time.Minute
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = 30 * time.Second
	}

	t := &Tracker{
		store:   st,
		catalog: catalog,
		runtime: rt,
		secret:  secret.Generate,
		clock:   SystemClock(),
		opts:    opts,
		locks:   newKeyedMutex(),
	}
	for _, o := range extra {
		o(t)
	}
	return t
}

func leaseKey(teamID, challengeID int64) string {
	return strconv.FormatInt(teamID, 10) + "/" + strconv.FormatInt(challengeID, 10)
}

func (t *Tracker) duration(d time.Duration) time.Duration {
	if d <= 0 {
		return t.opts.DefaultLeaseDuration
	}
	return d
}

// GetOrCreate returns the live lease of team for challengeID, provisioning a
// container when there is none. Concurrent callers for the same pair are
// serialized and all receive the same connection info.
func (t *Tracker) GetOrCreate(ctx context.Context, team domain.Team, challengeID int64) (*domain.ConnectionInfo, error) {
	info, err := t.getOrCreate(ctx, team, challengeID)
	if err != nil {
		metrics.ProvisionFailures.WithLabelValues(string(domain.KindOf(err))).Inc()
	}
	return info, err
}

func (t *Tracker) getOrCreate(ctx context.Context, team domain.Team, challengeID int64) (*domain.ConnectionInfo, error) {
	if team.ID <= 0 {
		return nil, domain.NewError(domain.KindNotInTeam, "you must be in a team to start a challenge", nil)
	}
	if team.Banned {
		return nil, domain.NewError(domain.KindTeamBanned, "your team is banned", nil)
	}
	if challengeID <= 0 {
		return nil, domain.NewError(domain.KindValidation, "invalid challenge id", nil)
	}

	unlock, err := t.locks.Lock(ctx, leaseKey(team.ID, challengeID))
	if err != nil {
		return nil, waitError(err)
	}
	defer unlock()

	params, err := t.catalog.ProvisionParams(ctx, challengeID)
	if err != nil {
		return nil, catalogError(challengeID, err)
	}
	duration := t.duration(params.LeaseDuration)

	existing, err := t.store.GetLease(ctx, team.ID, challengeID)
	if err != nil {
		return nil, domain.NewError(domain.KindStorage, "could not read lease", err)
	}
	if existing != nil {
		if !existing.Expired(t.clock.Now(), duration) {
			metrics.LeasesReused.Inc()
			return existing.ConnectionInfo(), nil
		}
		t.cleanupStale(ctx, existing)
	}

	return t.provision(ctx, team, params, duration)
}

func (t *Tracker) provision(ctx context.Context, team domain.Team, params *domain.ProvisionParams, duration time.Duration) (*domain.ConnectionInfo, error) {
	provisionID := uuid.NewString()
	log := slog.With(
		"team_id", team.ID,
		"challenge_id", params.ChallengeID,
		"provision_id", provisionID,
	)

	password, err := t.secret()
	if err != nil {
		return nil, domain.NewError(domain.KindProvisioningFailed, "could not generate credentials", err)
	}

	env := map[string]string{EnvSSHPassword: password}
	if params.SSHUser != "" {
		env[EnvSSHUser] = params.SSHUser
	}
	req := container.StartRequest{
		Image:        params.Image,
		InternalPort: params.InternalPort,
		Name:         container.Name(team.ID, team.Name, params.ChallengeID, params.Title),
		Env:          env,
		Limits:       t.opts.Limits,
		Labels: map[string]string{
			container.LabelTeam:        strconv.FormatInt(team.ID, 10),
			container.LabelChallenge:   strconv.FormatInt(params.ChallengeID, 10),
			container.LabelProvisionID: provisionID,
		},
	}

	log.Info("Provisioning challenge container", "container_name", req.Name, "image", req.Image)
	timer := metrics.NewTimer()

	containerID, err := t.start(ctx, req, log)
	if err != nil {
		log.Error("Failed to start challenge container", "error", err, "container_name", req.Name)
		return nil, startError(err)
	}
	log = log.With("container_id", containerID)

	port, err := t.waitForPort(ctx, containerID, params.InternalPort, log)
	if err != nil {
		if errors.Is(err, domain.ErrProvisioningTimeout) {
			log.Error("Published port never appeared, container may be orphaned",
				"timeout", t.opts.ProvisionTimeout, "stop_on_timeout", t.opts.StopOnTimeout)
			if t.opts.StopOnTimeout {
				t.stopBestEffort(ctx, containerID, log)
			} else {
				metrics.OrphanedContainers.Inc()
			}
			return nil, err
		}
		log.Error("Provisioning failed while waiting for port", "error", err)
		t.stopBestEffort(ctx, containerID, log)
		return nil, err
	}
	timer.ObserveDuration(metrics.ProvisionDuration)

	readyAt := t.clock.Now().UTC()
	now := ceilSecond(readyAt)
	lease := &domain.Lease{
		ContainerID: containerID,
		TeamID:      team.ID,
		ChallengeID: params.ChallengeID,
		Host:        t.opts.Host,
		Port:        port,
		SSHUser:     params.SSHUser,
		SSHPassword: password,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	stored, err := t.store.CreateLease(ctx, lease, readyAt.Add(-duration))
	if err != nil {
		log.Error("Failed to persist lease, stopping container", "error", err)
		t.stopBestEffort(ctx, containerID, log)
		return nil, domain.NewError(domain.KindStorage, "could not save lease", err)
	}
	if stored.ContainerID != containerID {
		// Another writer committed a live lease for this pair first.
		log.Warn("Lost lease race, stopping own container", "winner_container_id", stored.ContainerID)
		t.stopBestEffort(ctx, containerID, log)
		metrics.LeasesReused.Inc()
		return stored.ConnectionInfo(), nil
	}

	metrics.LeasesProvisioned.Inc()
	log.Info("Challenge container ready", "port", port, "elapsed", timer.Duration())
	return stored.ConnectionInfo(), nil
}

// ceilSecond rounds t up to a whole second. Leases are stored at second
// precision and rounding down would end a lease early.
func ceilSecond(t time.Time) time.Time {
	if whole := t.Truncate(time.Second); !whole.Equal(t) {
		return whole.Add(time.Second)
	}
	return t
}

// start creates the container. On a name conflict a leftover container of the
// same team and challenge is stopped and creation retried once.
func (t *Tracker) start(ctx context.Context, req container.StartRequest, log *slog.Logger) (string, error) {
	id, err := t.runtime.StartContainer(ctx, req)
	if err == nil || !errors.Is(err, container.ErrNameConflict) {
		return id, err
	}

	// Only a leftover of this same team and challenge may be removed.
	labels, labelErr := t.runtime.ContainerLabels(ctx, req.Name)
	switch {
	case errors.Is(labelErr, container.ErrNotFound):
		log.Info("Conflicting container already gone, retrying", "container_name", req.Name)
		return t.runtime.StartContainer(ctx, req)
	case labelErr != nil:
		log.Warn("Failed to inspect conflicting container", "error", labelErr, "container_name", req.Name)
		return "", err
	case !sameOwner(labels, req.Labels):
		log.Error("Container name held by a container of another lease, leaving it running",
			"container_name", req.Name,
			"holder_team", labels[container.LabelTeam],
			"holder_challenge", labels[container.LabelChallenge])
		return "", err
	}

	log.Warn("Container name in use, removing previous container", "container_name", req.Name)
	if stopErr := t.runtime.StopContainer(ctx, req.Name); stopErr != nil && !errors.Is(stopErr, container.ErrNotFound) {
		log.Warn("Failed to remove conflicting container", "error", stopErr, "container_name", req.Name)
		return "", err
	}
	return t.runtime.StartContainer(ctx, req)
}

func sameOwner(held, want map[string]string) bool {
	return held[container.LabelTeam] != "" &&
		held[container.LabelTeam] == want[container.LabelTeam] &&
		held[container.LabelChallenge] == want[container.LabelChallenge]
}

// waitForPort polls for the published host port until it appears or the
// provisioning timeout passes.
func (t *Tracker) waitForPort(ctx context.Context, containerID string, internalPort int, log *slog.Logger) (int, error) {
	deadline := t.clock.Now().Add(t.opts.ProvisionTimeout)
	for {
		port, ok, err := t.runtime.PublishedPort(ctx, containerID, internalPort)
		switch {
		case err == nil && ok:
			return port, nil
		case errors.Is(err, container.ErrNotFound):
			return 0, domain.NewError(domain.KindProvisioningFailed, "challenge container exited during startup", err)
		case err != nil:
			log.Warn("Port check failed, retrying", "error", err)
		}

		if !t.clock.Now().Before(deadline) {
			return 0, domain.NewError(domain.KindProvisioningTimeout,
				"challenge container did not become reachable in time",
				fmt.Errorf("container %s: no published port after %s", containerID, t.opts.ProvisionTimeout))
		}

		select {
		case <-ctx.Done():
			return 0, domain.NewError(domain.KindProvisioningFailed, "request cancelled", ctx.Err())
		case <-t.clock.After(t.opts.PollInterval):
		}
	}
}

// Release stops the team's container for challengeID and removes the lease.
// The lease is kept when the runtime fails to stop the container.
func (t *Tracker) Release(ctx context.Context, teamID, challengeID int64) error {
	unlock, err := t.locks.Lock(ctx, leaseKey(teamID, challengeID))
	if err != nil {
		return waitError(err)
	}
	defer unlock()

	existing, err := t.store.GetLease(ctx, teamID, challengeID)
	if err != nil {
		return domain.NewError(domain.KindStorage, "could not read lease", err)
	}
	if existing == nil {
		return domain.NewError(domain.KindNoActiveLease, "no active container found", nil)
	}
	if existing.Expired(t.clock.Now(), t.leaseDuration(ctx, challengeID)) {
		t.cleanupStale(ctx, existing)
		return domain.NewError(domain.KindNoActiveLease, "no active container found", nil)
	}

	if err := t.stopAndDelete(ctx, existing); err != nil {
		return err
	}
	metrics.LeasesReleased.WithLabelValues(metrics.InitiatorTeam).Inc()
	return nil
}

// AdminRelease releases a lease by container id regardless of its age.
func (t *Tracker) AdminRelease(ctx context.Context, containerID string) error {
	if containerID == "" {
		return domain.NewError(domain.KindValidation, "container id is required", nil)
	}
	existing, err := t.store.GetLeaseByContainerID(ctx, containerID)
	if err != nil {
		return domain.NewError(domain.KindStorage, "could not read lease", err)
	}
	if existing == nil {
		return domain.NewError(domain.KindNoActiveLease, "no active container found", nil)
	}

	unlock, err := t.locks.Lock(ctx, leaseKey(existing.TeamID, existing.ChallengeID))
	if err != nil {
		return waitError(err)
	}
	defer unlock()

	// Re-read under the lock; the lease may have been released meanwhile.
	existing, err = t.store.GetLeaseByContainerID(ctx, containerID)
	if err != nil {
		return domain.NewError(domain.KindStorage, "could not read lease", err)
	}
	if existing == nil {
		return domain.NewError(domain.KindNoActiveLease, "no active container found", nil)
	}

	if err := t.stopAndDelete(ctx, existing); err != nil {
		return err
	}
	metrics.LeasesReleased.WithLabelValues(metrics.InitiatorAdmin).Inc()
	return nil
}

// ReleaseChallenge admin-releases every lease of a challenge and returns how
// many were released. Leases released concurrently are skipped.
func (t *Tracker) ReleaseChallenge(ctx context.Context, challengeID int64) (int, error) {
	leases, err := t.store.ListLeases(ctx)
	if err != nil {
		return 0, domain.NewError(domain.KindStorage, "could not list leases", err)
	}
	released := 0
	for _, l := range leases {
		if l.Challenge.ID != challengeID {
			continue
		}
		if err := t.AdminRelease(ctx, l.ContainerID); err != nil {
			if errors.Is(err, domain.ErrNoActiveLease) {
				continue
			}
			return released, err
		}
		released++
	}
	if released > 0 {
		slog.Info("Released challenge leases", "challenge_id", challengeID, "released", released)
	}
	return released, nil
}

// ListAll returns every stored lease with its expiry state at the current time.
func (t *Tracker) ListAll(ctx context.Context) ([]domain.LeaseSummary, error) {
	leases, err := t.store.ListLeases(ctx)
	if err != nil {
		return nil, domain.NewError(domain.KindStorage, "could not list leases", err)
	}

	now := t.clock.Now()
	live := 0
	for i := range leases {
		leases[i].LeaseDuration = t.duration(leases[i].LeaseDuration)
		leases[i].Expired = domain.IsExpired(leases[i].CreatedAt, now, leases[i].LeaseDuration)
		if !leases[i].Expired {
			live++
		}
	}
	metrics.LeasesActive.Set(float64(live))
	return leases, nil
}

func (t *Tracker) leaseDuration(ctx context.Context, challengeID int64) time.Duration {
	params, err := t.catalog.ProvisionParams(ctx, challengeID)
	if err != nil {
		return t.opts.DefaultLeaseDuration
	}
	return t.duration(params.LeaseDuration)
}

// stopAndDelete stops the lease's container and removes the record. A
// container the runtime no longer knows counts as stopped.
func (t *Tracker) stopAndDelete(ctx context.Context, l *domain.Lease) error {
	log := slog.With("team_id", l.TeamID, "challenge_id", l.ChallengeID, "container_id", l.ContainerID)

	if err := t.runtime.StopContainer(ctx, l.ContainerID); err != nil {
		if !errors.Is(err, container.ErrNotFound) {
			log.Error("Failed to stop challenge container, keeping lease", "error", err)
			return domain.NewError(domain.KindRuntimeStopFailed, "could not stop the challenge container, try again", err)
		}
		log.Info("Container already gone, removing lease")
	}

	if _, err := t.store.DeleteLease(ctx, l.ContainerID); err != nil {
		log.Error("Container stopped but lease delete failed", "error", err)
		return domain.NewError(domain.KindStorage, "could not remove lease", err)
	}
	t.released(l.ContainerID)
	log.Info("Lease released")
	return nil
}

// cleanupStale removes an expired lease. Failures are logged and left for the
// next access or the reaper; the conditional insert still replaces the row.
func (t *Tracker) cleanupStale(ctx context.Context, l *domain.Lease) {
	log := slog.With("team_id", l.TeamID, "challenge_id", l.ChallengeID, "container_id", l.ContainerID)
	log.Info("Cleaning up expired lease", "created_at", l.CreatedAt)

	if err := t.runtime.StopContainer(ctx, l.ContainerID); err != nil && !errors.Is(err, container.ErrNotFound) {
		log.Warn("Failed to stop expired container", "error", err)
	}
	if _, err := t.store.DeleteLease(ctx, l.ContainerID); err != nil {
		log.Warn("Failed to delete expired lease, deferring", "error", err)
		return
	}
	t.released(l.ContainerID)
}

// stopBestEffort stops a container this request started but will not lease.
func (t *Tracker) stopBestEffort(ctx context.Context, containerID string, log *slog.Logger) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.opts.CleanupTimeout)
	defer cancel()

	if err := t.runtime.StopContainer(cleanupCtx, containerID); err != nil && !errors.Is(err, container.ErrNotFound) {
		metrics.OrphanedContainers.Inc()
		log.Error("Failed to stop unleased container", "error", err, "container_id", containerID)
	}
}

func (t *Tracker) released(containerID string) {
	if t.opts.OnRelease != nil {
		t.opts.OnRelease(containerID)
	}
}

func waitError(err error) error {
	return domain.NewError(domain.KindProvisioningFailed, "request cancelled while waiting for another request", err)
}

func catalogError(challengeID int64, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return domain.NewError(domain.KindChallengeNotFound, "challenge not found", err)
	case errors.Is(err, store.ErrNotProvisionable):
		return domain.NewError(domain.KindValidation, "challenge does not run a container", err)
	default:
		return domain.NewError(domain.KindStorage, "could not load challenge", fmt.Errorf("challenge %d: %w", challengeID, err))
	}
}

func startError(err error) error {
	switch {
	case errors.Is(err, container.ErrUnavailable):
		return domain.NewError(domain.KindRuntimeUnavailable, "container runtime is unavailable", err)
	case errors.Is(err, container.ErrImageNotFound):
		return domain.NewError(domain.KindProvisioningFailed, "challenge image is not available", err)
	case errors.Is(err, container.ErrNameConflict):
		return domain.NewError(domain.KindProvisioningFailed, "challenge container name is in use", err)
	case errors.Is(err, container.ErrRejected):
		return domain.NewError(domain.KindProvisioningFailed, "the container runtime rejected the challenge container", err)
	case errors.Is(err, container.ErrInvalidLimits), errors.Is(err, container.ErrInvalidName):
		return domain.NewError(domain.KindValidation, "challenge container request rejected", err)
	default:
		return domain.NewError(domain.KindProvisioningFailed, "could not start challenge container", err)
	}
}
