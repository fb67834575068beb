package api

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/atlas-ctf/atlas/internal/container"
	"github.com/atlas-ctf/atlas/internal/domain"
	"github.com/atlas-ctf/atlas/internal/identity"
	"github.com/atlas-ctf/atlas/internal/store"
)

type fakeLeases struct {
	mu sync.Mutex

	info      *domain.ConnectionInfo
	err       error
	summaries []domain.LeaseSummary

	started  []int64
	released []int64
	admin    []string

	// releaseChallenge is called by ReleaseChallenge when set.
	releaseChallenge func(challengeID int64) (int, error)
	retired          []int64
}

func (f *fakeLeases) GetOrCreate(_ context.Context, team domain.Team, challengeID int64) (*domain.ConnectionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, challengeID)
	if f.err != nil {
		return nil, f.err
	}
	return f.info, nil
}

func (f *fakeLeases) Release(_ context.Context, _, challengeID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, challengeID)
	return f.err
}

func (f *fakeLeases) ListAll(context.Context) ([]domain.LeaseSummary, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.summaries, nil
}

func (f *fakeLeases) AdminRelease(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.admin = append(f.admin, containerID)
	return f.err
}

func (f *fakeLeases) ReleaseChallenge(_ context.Context, challengeID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retired = append(f.retired, challengeID)
	if f.releaseChallenge != nil {
		return f.releaseChallenge(challengeID)
	}
	return 0, f.err
}

type fakeStore struct {
	challenges []*domain.Challenge
	teams      map[int64]*domain.Team
	listErr    error
	deleteErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{teams: map[int64]*domain.Team{}}
}

func (f *fakeStore) CreateChallenge(_ context.Context, c *domain.Challenge) error {
	for _, existing := range f.challenges {
		if existing.Title == c.Title {
			return store.ErrDuplicate
		}
	}
	c.ID = int64(len(f.challenges) + 1)
	f.challenges = append(f.challenges, c)
	return nil
}

func (f *fakeStore) GetChallenge(_ context.Context, id int64) (*domain.Challenge, error) {
	for _, c := range f.challenges {
		if c.ID == id {
			cp := *c
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) UpdateChallenge(_ context.Context, c *domain.Challenge) error {
	for _, existing := range f.challenges {
		if existing.Title == c.Title && existing.ID != c.ID {
			return store.ErrDuplicate
		}
	}
	for i, existing := range f.challenges {
		if existing.ID == c.ID {
			cp := *c
			f.challenges[i] = &cp
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) DeleteChallenge(_ context.Context, id int64) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	for i, c := range f.challenges {
		if c.ID == id {
			f.challenges = append(f.challenges[:i], f.challenges[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) challenge(id int64) *domain.Challenge {
	for _, c := range f.challenges {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (f *fakeStore) ListChallenges(_ context.Context, includeHidden bool) ([]*domain.Challenge, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*domain.Challenge
	for _, c := range f.challenges {
		if c.Hidden && !includeHidden {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeStore) CreateTeam(_ context.Context, name string) (*domain.Team, error) {
	for _, t := range f.teams {
		if t.Name == name {
			return nil, store.ErrDuplicate
		}
	}
	t := &domain.Team{ID: int64(len(f.teams) + 1), Name: name}
	f.teams[t.ID] = t
	return t, nil
}

func (f *fakeStore) SetTeamBanned(_ context.Context, id int64, banned bool) error {
	t, ok := f.teams[id]
	if !ok {
		return store.ErrNotFound
	}
	t.Banned = banned
	return nil
}

type fakeImages struct {
	ref     string
	err     error
	read    []byte
	list    []container.Image
	listErr error
}

func (f *fakeImages) ListImages(context.Context) ([]container.Image, error) {
	return f.list, f.listErr
}

func (f *fakeImages) LoadImage(_ context.Context, archive io.Reader) (string, error) {
	data, err := io.ReadAll(archive)
	if err != nil {
		return "", err
	}
	f.read = data
	if f.err != nil {
		return "", f.err
	}
	return f.ref, nil
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

// withTeam stands in for identity.RequireTeam.
func withTeam(team *domain.Team) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(identity.WithTeam(r.Context(), team)))
		})
	}
}

func passthrough(next http.Handler) http.Handler { return next }
