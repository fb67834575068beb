package lease

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-ctf/atlas/internal/container"
	"github.com/atlas-ctf/atlas/internal/domain"
	"github.com/atlas-ctf/atlas/internal/store"
)

// fakeClock advances its own time whenever the tracker sleeps, so the poll
// loop runs instantly in tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock { return &fakeClock{now: start} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeRuntime struct {
	mu    sync.Mutex
	clock Clock

	portDelay time.Duration
	hostPort  int
	neverPort bool
	vanish    bool // PublishedPort reports the container gone

	startErrs   []error // consumed one per StartContainer call
	stopErr     error
	labelErr    error
	uniqueNames bool // reject a start whose name is held, like the daemon
	images      []container.Image

	starts    []container.StartRequest
	stops     []string
	startedAt map[string]time.Time
	names     map[string]string // container name to id
	labels    map[string]map[string]string
	seq       int
}

func newFakeRuntime(clock Clock) *fakeRuntime {
	return &fakeRuntime{
		clock:     clock,
		hostPort:  30022,
		startedAt: make(map[string]time.Time),
		names:     make(map[string]string),
		labels:    make(map[string]map[string]string),
	}
}

func (f *fakeRuntime) LoadImage(context.Context, io.Reader) (string, error) {
	return "atlas/image:latest", nil
}

func (f *fakeRuntime) ListImages(context.Context) ([]container.Image, error) {
	return f.images, nil
}

// seedContainer registers a running container that the tracker did not start.
func (f *fakeRuntime) seedContainer(name string, labels map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("ctr-%d", f.seq)
	f.startedAt[id] = f.clock.Now()
	f.names[name] = id
	f.labels[id] = labels
	return id
}

func (f *fakeRuntime) resolve(nameOrID string) string {
	if id, ok := f.names[nameOrID]; ok {
		return id
	}
	return nameOrID
}

func (f *fakeRuntime) ContainerLabels(_ context.Context, nameOrID string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.labelErr != nil {
		return nil, f.labelErr
	}
	labels, ok := f.labels[f.resolve(nameOrID)]
	if !ok {
		return nil, fmt.Errorf("inspect %s: %w", nameOrID, container.ErrNotFound)
	}
	return labels, nil
}

func (f *fakeRuntime) running(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.startedAt[id]
	return ok
}

func (f *fakeRuntime) StartContainer(_ context.Context, req container.StartRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, req)
	if len(f.startErrs) > 0 {
		err := f.startErrs[0]
		f.startErrs = f.startErrs[1:]
		if err != nil {
			return "", err
		}
	}
	if _, held := f.names[req.Name]; held && f.uniqueNames {
		return "", fmt.Errorf("create %s: %w", req.Name, container.ErrNameConflict)
	}
	f.seq++
	id := fmt.Sprintf("ctr-%d", f.seq)
	f.startedAt[id] = f.clock.Now()
	f.names[req.Name] = id
	f.labels[id] = req.Labels
	return id, nil
}

func (f *fakeRuntime) PublishedPort(_ context.Context, id string, _ int) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.vanish {
		return 0, false, fmt.Errorf("inspect %s: %w", id, container.ErrNotFound)
	}
	started, ok := f.startedAt[id]
	if !ok {
		return 0, false, fmt.Errorf("inspect %s: %w", id, container.ErrNotFound)
	}
	if f.neverPort || f.clock.Now().Sub(started) < f.portDelay {
		return 0, false, nil
	}
	return f.hostPort, true, nil
}

func (f *fakeRuntime) StopContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, id)
	if f.stopErr != nil {
		return f.stopErr
	}
	id = f.resolve(id)
	delete(f.startedAt, id)
	delete(f.labels, id)
	for name, held := range f.names {
		if held == id {
			delete(f.names, name)
		}
	}
	return nil
}

func (f *fakeRuntime) FetchLogs(context.Context, string, container.LogOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeRuntime) Ping(context.Context) error { return nil }

func (f *fakeRuntime) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeRuntime) stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stops...)
}

type fakeStore struct {
	mu     sync.Mutex
	leases map[string]*domain.Lease // by container id
	titles map[int64]string

	deleteErr    error
	beforeCreate func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{leases: make(map[string]*domain.Lease), titles: make(map[int64]string)}
}

func (s *fakeStore) find(teamID, challengeID int64) *domain.Lease {
	for _, l := range s.leases {
		if l.TeamID == teamID && l.ChallengeID == challengeID {
			return l
		}
	}
	return nil
}

func (s *fakeStore) GetLease(_ context.Context, teamID, challengeID int64) (*domain.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.find(teamID, challengeID); l != nil {
		cp := *l
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) GetLeaseByContainerID(_ context.Context, id string) (*domain.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[id]; ok {
		cp := *l
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) CreateLease(_ context.Context, l *domain.Lease, staleBefore time.Time) (*domain.Lease, error) {
	if s.beforeCreate != nil {
		s.beforeCreate()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.find(l.TeamID, l.ChallengeID); existing != nil {
		if !existing.CreatedAt.Before(staleBefore) {
			cp := *existing
			return &cp, nil
		}
		delete(s.leases, existing.ContainerID)
	}
	cp := *l
	s.leases[l.ContainerID] = &cp
	return l, nil
}

func (s *fakeStore) DeleteLease(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return false, s.deleteErr
	}
	_, ok := s.leases[id]
	delete(s.leases, id)
	return ok, nil
}

func (s *fakeStore) ListLeases(context.Context) ([]domain.LeaseSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.LeaseSummary
	for _, l := range s.leases {
		out = append(out, domain.LeaseSummary{
			Team:        domain.TeamRef{ID: l.TeamID},
			Challenge:   domain.ChallengeRef{ID: l.ChallengeID, Title: s.titles[l.ChallengeID]},
			ContainerID: l.ContainerID,
			Host:        l.Host,
			Port:        l.Port,
			SSHUser:     l.SSHUser,
			SSHPassword: l.SSHPassword,
			CreatedAt:   l.CreatedAt,
			UpdatedAt:   l.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContainerID < out[j].ContainerID })
	return out, nil
}

// ListExpiredLeases returns every lease without durations, leaving the
// filtering to the caller.
func (s *fakeStore) ListExpiredLeases(ctx context.Context, _ time.Time) ([]domain.LeaseSummary, error) {
	return s.ListLeases(ctx)
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leases)
}

type fakeCatalog struct {
	params map[int64]*domain.ProvisionParams
}

func (c *fakeCatalog) ProvisionParams(_ context.Context, id int64) (*domain.ProvisionParams, error) {
	p, ok := c.params[id]
	if !ok {
		return nil, fmt.Errorf("challenge %d: %w", id, store.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}
