package logstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-ctf/atlas/internal/container"
	"github.com/atlas-ctf/atlas/internal/domain"
)

func TestManagerRegisterUnregister(t *testing.T) {
	m := NewManager()
	id1 := m.Register("c1", func() {})
	id2 := m.Register("c1", func() {})
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, m.Count("c1"))

	m.Unregister("c1", id1)
	assert.Equal(t, 1, m.Count("c1"))
	m.Unregister("c1", id1)
	assert.Equal(t, 1, m.Count("c1"))
	m.Unregister("c1", id2)
	assert.Equal(t, 0, m.Count("c1"))
}

func TestManagerCloseContainer(t *testing.T) {
	m := NewManager()
	var closed []string
	m.Register("c1", func() { closed = append(closed, "a") })
	m.Register("c1", func() { closed = append(closed, "b") })
	other := m.Register("c2", func() { closed = append(closed, "other") })

	m.CloseContainer("c1")
	assert.ElementsMatch(t, []string{"a", "b"}, closed)
	assert.Equal(t, 0, m.Count("c1"))
	assert.Equal(t, 1, m.Count("c2"))

	m.Unregister("c2", other)
	m.CloseContainer("missing")
}

func TestManagerConcurrentAccess(t *testing.T) {
	m := NewManager()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := m.Register("c", func() {})
			m.Count("c")
			m.Unregister("c", id)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, m.Count("c"))
}

type fakeFetcher struct {
	mu     sync.Mutex
	body   func() io.ReadCloser
	opts   container.LogOptions
	called chan struct{}
}

func (f *fakeFetcher) FetchLogs(_ context.Context, _ string, opts container.LogOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	f.opts = opts
	f.mu.Unlock()
	if f.called != nil {
		close(f.called)
	}
	return f.body(), nil
}

type fakeLeases map[string]*domain.Lease

func (f fakeLeases) GetLeaseByContainerID(_ context.Context, id string) (*domain.Lease, error) {
	return f[id], nil
}

func newServer(t *testing.T, fetcher LogFetcher, viewers *Manager) *httptest.Server {
	t.Helper()
	h := NewHandler(fetcher, fakeLeases{"ctr-1": {ContainerID: "ctr-1"}}, viewers, []string{"*"})
	r := chi.NewRouter()
	r.Get("/logs/{containerID}", h.ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestStreamsLogs(t *testing.T) {
	fetcher := &fakeFetcher{body: func() io.ReadCloser {
		return io.NopCloser(strings.NewReader("sshd listening on 22\n"))
	}}
	srv := newServer(t, fetcher, NewManager())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/logs/ctr-1?tail=50&timestamps=true"), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageBinary, typ)
	assert.Equal(t, "sshd listening on 22\n", string(data))

	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))

	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	assert.Equal(t, container.LogOptions{Follow: true, Tail: "50", Timestamps: true}, fetcher.opts)
}

func TestUnknownContainerIsRejected(t *testing.T) {
	srv := newServer(t, &fakeFetcher{}, NewManager())

	resp, err := http.Get(srv.URL + "/logs/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCloseContainerEndsStream(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	called := make(chan struct{})
	fetcher := &fakeFetcher{body: func() io.ReadCloser { return pr }, called: called}
	viewers := NewManager()
	srv := newServer(t, fetcher, viewers)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/logs/ctr-1"), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	<-called
	assert.Eventually(t, func() bool { return viewers.Count("ctr-1") == 1 }, time.Second, 5*time.Millisecond)
	viewers.CloseContainer("ctr-1")

	_, _, err = conn.Read(ctx)
	assert.Error(t, err)
}

func TestTailParam(t *testing.T) {
	for in, want := range map[string]string{"": "200", "all": "all", "10": "10", "-1": "200", "x": "200"} {
		r := httptest.NewRequest(http.MethodGet, "/?tail="+in, nil)
		assert.Equal(t, want, tailParam(r), "tail=%q", in)
	}
}
