package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type createCall struct {
	config     *container.Config
	hostConfig *container.HostConfig
	name       string
}

type fakeDocker struct {
	mu sync.Mutex

	createErr  error
	startErr   error
	inspect    container.InspectResponse
	inspectErr error
	stopErr    error
	removeErr  error
	logs       []byte
	loadBody   string
	loadErr    error
	pingErr    error
	images     []image.Summary
	imagesErr  error

	creates []createCall
	stops   []string
	removes []string
}

func (f *fakeDocker) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, createCall{config: config, hostConfig: hostConfig, name: name})
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	return container.CreateResponse{ID: "c-" + name}, nil
}

func (f *fakeDocker) ContainerStart(context.Context, string, container.StartOptions) error {
	return f.startErr
}

func (f *fakeDocker) ContainerInspect(context.Context, string) (container.InspectResponse, error) {
	return f.inspect, f.inspectErr
}

func (f *fakeDocker) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, id)
	return f.stopErr
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes = append(f.removes, id)
	return f.removeErr
}

func (f *fakeDocker) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func (f *fakeDocker) ImageLoad(context.Context, io.Reader, ...client.ImageLoadOption) (image.LoadResponse, error) {
	if f.loadErr != nil {
		return image.LoadResponse{}, f.loadErr
	}
	return image.LoadResponse{Body: io.NopCloser(strings.NewReader(f.loadBody)), JSON: true}, nil
}

func (f *fakeDocker) ImageList(context.Context, image.ListOptions) ([]image.Summary, error) {
	return f.images, f.imagesErr
}

func (f *fakeDocker) Ping(context.Context) (types.Ping, error) { return types.Ping{}, f.pingErr }
func (f *fakeDocker) Close() error                             { return nil }

func testLimits() Limits {
	return Limits{MemoryBytes: 256 << 20, CPUQuota: 50000, CPUPeriod: 100000, PidsLimit: 128}
}

func TestStartContainerAppliesLimitsAndPorts(t *testing.T) {
	fake := &fakeDocker{}
	rt := newDockerRuntime(fake, DockerOptions{OCIRuntime: "runsc"})

	id, err := rt.StartContainer(context.Background(), StartRequest{
		Image:        "atlas/ssh-box:latest",
		InternalPort: 22,
		Name:         "atlas-1-red_team-2-box",
		Env:          map[string]string{"SSH_PASSWORD": "pw"},
		Limits:       testLimits(),
		Labels:       map[string]string{LabelTeam: "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "c-atlas-1-red_team-2-box", id)

	require.Len(t, fake.creates, 1)
	call := fake.creates[0]
	assert.Equal(t, "atlas-1-red_team-2-box", call.name)
	assert.Equal(t, "atlas/ssh-box:latest", call.config.Image)
	assert.Contains(t, call.config.Env, "SSH_PASSWORD=pw")
	assert.Equal(t, "true", call.config.Labels[LabelManaged])
	assert.Equal(t, "1", call.config.Labels[LabelTeam])
	assert.Contains(t, call.config.ExposedPorts, nat.Port("22/tcp"))

	hc := call.hostConfig
	assert.True(t, hc.AutoRemove)
	assert.Equal(t, "runsc", hc.Runtime)
	assert.Equal(t, int64(256<<20), hc.Resources.Memory)
	assert.Equal(t, int64(50000), hc.Resources.CPUQuota)
	assert.Equal(t, int64(100000), hc.Resources.CPUPeriod)
	require.NotNil(t, hc.Resources.PidsLimit)
	assert.Equal(t, int64(128), *hc.Resources.PidsLimit)
	bindings := hc.PortBindings[nat.Port("22/tcp")]
	require.Len(t, bindings, 1)
	assert.Empty(t, bindings[0].HostPort)
}

func TestStartContainerRejectsUnlimited(t *testing.T) {
	fake := &fakeDocker{}
	rt := newDockerRuntime(fake, DockerOptions{})

	_, err := rt.StartContainer(context.Background(), StartRequest{
		Image: "img", InternalPort: 22, Name: "atlas-1-a-1-b",
		Limits: Limits{MemoryBytes: 0, CPUQuota: 1, CPUPeriod: 1},
	})
	require.ErrorIs(t, err, ErrInvalidLimits)

	_, err = rt.StartContainer(context.Background(), StartRequest{
		Image: "img", InternalPort: 22, Name: "atlas-1-a-1-b",
		Limits: Limits{MemoryBytes: 1 << 20},
	})
	require.ErrorIs(t, err, ErrInvalidLimits)
	assert.Empty(t, fake.creates)
}

func TestStartContainerRejectsInvalidName(t *testing.T) {
	fake := &fakeDocker{}
	rt := newDockerRuntime(fake, DockerOptions{})

	_, err := rt.StartContainer(context.Background(), StartRequest{
		Image: "img", InternalPort: 22, Name: "-bad name", Limits: testLimits(),
	})
	require.ErrorIs(t, err, ErrInvalidName)
	assert.Empty(t, fake.creates)
}

func TestStartContainerErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		createErr error
		want      error
	}{
		{"missing image", fmt.Errorf("no such image: %w", errdefs.ErrNotFound), ErrImageNotFound},
		{"name conflict", fmt.Errorf("conflict: %w", errdefs.ErrConflict), ErrNameConflict},
		{"name in use text", errors.New(`The container name "/x" is already in use`), ErrNameConflict},
		{"daemon unavailable", fmt.Errorf("down: %w", errdefs.ErrUnavailable), ErrUnavailable},
		{"bad reference", fmt.Errorf("invalid reference format: %w", errdefs.ErrInvalidArgument), ErrRejected},
		{"unclassified daemon answer", errors.New("Error response from daemon: unknown runtime specified runsc"), ErrRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newDockerRuntime(&fakeDocker{createErr: tt.createErr}, DockerOptions{})
			_, err := rt.StartContainer(context.Background(), StartRequest{
				Image: "img", InternalPort: 22, Name: "atlas-1-a-1-b", Limits: testLimits(),
			})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestStartContainerRemovesOnStartFailure(t *testing.T) {
	fake := &fakeDocker{startErr: errors.New("oci runtime error")}
	rt := newDockerRuntime(fake, DockerOptions{})

	_, err := rt.StartContainer(context.Background(), StartRequest{
		Image: "img", InternalPort: 22, Name: "atlas-1-a-1-b", Limits: testLimits(),
	})
	require.ErrorIs(t, err, ErrRejected)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, []string{"c-atlas-1-a-1-b"}, fake.removes)
}

func TestStartContainerPortAllocationIsNotAnOutage(t *testing.T) {
	fake := &fakeDocker{startErr: errors.New("driver failed programming external connectivity: Bind for 0.0.0.0:30022 failed: port is already allocated")}
	rt := newDockerRuntime(fake, DockerOptions{})

	_, err := rt.StartContainer(context.Background(), StartRequest{
		Image: "img", InternalPort: 22, Name: "atlas-1-a-1-b", Limits: testLimits(),
	})
	require.ErrorIs(t, err, ErrRejected)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestStartContainerCanceled(t *testing.T) {
	fake := &fakeDocker{createErr: context.Canceled}
	rt := newDockerRuntime(fake, DockerOptions{})

	_, err := rt.StartContainer(context.Background(), StartRequest{
		Image: "img", InternalPort: 22, Name: "atlas-1-a-1-b", Limits: testLimits(),
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrRejected)
}

func TestContainerLabels(t *testing.T) {
	fake := &fakeDocker{
		inspect: container.InspectResponse{
			ContainerJSONBase: &container.ContainerJSONBase{ID: "c1"},
			Config:            &container.Config{Labels: map[string]string{LabelTeam: "3", LabelChallenge: "7"}},
		},
	}
	rt := newDockerRuntime(fake, DockerOptions{})

	labels, err := rt.ContainerLabels(context.Background(), "atlas-3-x-7-y")
	require.NoError(t, err)
	assert.Equal(t, "3", labels[LabelTeam])
	assert.Equal(t, "7", labels[LabelChallenge])

	fake.inspect.Config = nil
	labels, err = rt.ContainerLabels(context.Background(), "atlas-3-x-7-y")
	require.NoError(t, err)
	assert.Empty(t, labels)

	fake.inspectErr = fmt.Errorf("no such container: %w", errdefs.ErrNotFound)
	_, err = rt.ContainerLabels(context.Background(), "atlas-3-x-7-y")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListImages(t *testing.T) {
	fake := &fakeDocker{images: []image.Summary{
		{ID: "sha256:old", RepoTags: []string{"atlas/old:1"}, Size: 10, Created: 1000},
		{ID: "sha256:new", RepoTags: []string{"atlas/new:1"}, Size: 20, Created: 2000},
	}}
	rt := newDockerRuntime(fake, DockerOptions{})

	images, err := rt.ListImages(context.Background())
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, "sha256:new", images[0].ID)
	assert.Equal(t, []string{"atlas/new:1"}, images[0].Tags)
	assert.Equal(t, int64(2000), images[0].Created.Unix())

	fake.imagesErr = fmt.Errorf("dial: %w", errdefs.ErrUnavailable)
	_, err = rt.ListImages(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPublishedPort(t *testing.T) {
	fake := &fakeDocker{
		inspect: container.InspectResponse{
			ContainerJSONBase: &container.ContainerJSONBase{ID: "c1"},
			NetworkSettings:   &container.NetworkSettings{},
		},
	}
	rt := newDockerRuntime(fake, DockerOptions{})

	_, ok, err := rt.PublishedPort(context.Background(), "c1", 22)
	require.NoError(t, err)
	assert.False(t, ok, "port should not be assigned yet")

	fake.inspect.NetworkSettings.Ports = nat.PortMap{
		"22/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "30022"}},
	}
	port, ok, err := rt.PublishedPort(context.Background(), "c1", 22)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 30022, port)

	_, ok, err = rt.PublishedPort(context.Background(), "c1", 80)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPublishedPortMissingContainer(t *testing.T) {
	fake := &fakeDocker{inspectErr: fmt.Errorf("gone: %w", errdefs.ErrNotFound)}
	rt := newDockerRuntime(fake, DockerOptions{})

	_, _, err := rt.PublishedPort(context.Background(), "c1", 22)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStopContainer(t *testing.T) {
	fake := &fakeDocker{}
	rt := newDockerRuntime(fake, DockerOptions{})

	require.NoError(t, rt.StopContainer(context.Background(), "c1"))
	assert.Equal(t, []string{"c1"}, fake.stops)
	assert.Equal(t, []string{"c1"}, fake.removes)
}

func TestStopContainerAutoRemoved(t *testing.T) {
	fake := &fakeDocker{removeErr: fmt.Errorf("gone: %w", errdefs.ErrNotFound)}
	rt := newDockerRuntime(fake, DockerOptions{})

	assert.NoError(t, rt.StopContainer(context.Background(), "c1"))
}

func TestStopContainerNotFound(t *testing.T) {
	fake := &fakeDocker{stopErr: fmt.Errorf("no such container: %w", errdefs.ErrNotFound)}
	rt := newDockerRuntime(fake, DockerOptions{})

	err := rt.StopContainer(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, fake.removes)
}

func TestStopContainerRuntimeDown(t *testing.T) {
	fake := &fakeDocker{stopErr: fmt.Errorf("dial: %w", errdefs.ErrUnavailable)}
	rt := newDockerRuntime(fake, DockerOptions{})

	err := rt.StopContainer(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestLoadImage(t *testing.T) {
	fake := &fakeDocker{loadBody: `{"stream":"Loaded image: atlas/box:1\n"}`}
	rt := newDockerRuntime(fake, DockerOptions{})

	ref, err := rt.LoadImage(context.Background(), strings.NewReader("tar"))
	require.NoError(t, err)
	assert.Equal(t, "atlas/box:1", ref)
}

func TestParseLoadStream(t *testing.T) {
	ref, err := parseLoadStream(strings.NewReader(`{"stream":"Loaded image ID: sha256:abc\n"}`))
	require.NoError(t, err)
	assert.Equal(t, "sha256:abc", ref)

	_, err = parseLoadStream(strings.NewReader(`{"errorDetail":{"message":"bad tar"},"error":"bad tar"}`))
	assert.ErrorIs(t, err, ErrImageInvalid)

	_, err = parseLoadStream(strings.NewReader(``))
	assert.ErrorIs(t, err, ErrImageInvalid)
}

func TestFetchLogsDemultiplexes(t *testing.T) {
	var frames bytes.Buffer
	_, err := stdcopy.NewStdWriter(&frames, stdcopy.Stdout).Write([]byte("sshd started\n"))
	require.NoError(t, err)
	_, err = stdcopy.NewStdWriter(&frames, stdcopy.Stderr).Write([]byte("warning\n"))
	require.NoError(t, err)

	rt := newDockerRuntime(&fakeDocker{logs: frames.Bytes()}, DockerOptions{})
	rc, err := rt.FetchLogs(context.Background(), "c1", LogOptions{})
	require.NoError(t, err)
	defer rc.Close()

	out, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "sshd started\nwarning\n", string(out))
}

func TestPing(t *testing.T) {
	rt := newDockerRuntime(&fakeDocker{pingErr: fmt.Errorf("down: %w", errdefs.ErrUnavailable)}, DockerOptions{})
	assert.ErrorIs(t, rt.Ping(context.Background()), ErrUnavailable)
}

func TestPingFailureIsAlwaysUnavailable(t *testing.T) {
	rt := newDockerRuntime(&fakeDocker{pingErr: errors.New("Error response from daemon: 500")}, DockerOptions{})
	assert.ErrorIs(t, rt.Ping(context.Background()), ErrUnavailable)
}
