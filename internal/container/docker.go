package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const defaultStopTimeoutSecs = 10

// dockerAPI is the subset of the Docker client used by DockerRuntime.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ImageLoad(ctx context.Context, input io.Reader, loadOpts ...client.ImageLoadOption) (image.LoadResponse, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// DockerOptions configures the Docker runtime.
type DockerOptions struct {
	Host            string // "" = DOCKER_HOST or the default socket
	OCIRuntime      string // "" = default (runc), "runsc" = gVisor
	StopTimeoutSecs int
}

// DockerRuntime implements Runtime using the Docker Engine API.
type DockerRuntime struct {
	cli         dockerAPI
	ociRuntime  string
	stopTimeout int
}

var _ Runtime = (*DockerRuntime)(nil)

// NewDockerRuntime creates a Docker-backed runtime client.
func NewDockerRuntime(opts DockerOptions) (*DockerRuntime, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if opts.OCIRuntime != "" {
		slog.Info("Docker client initialized", "host", cli.DaemonHost(), "runtime", opts.OCIRuntime)
	} else {
		slog.Info("Docker client initialized", "host", cli.DaemonHost(), "runtime", "default")
	}
	return newDockerRuntime(cli, opts), nil
}

func newDockerRuntime(cli dockerAPI, opts DockerOptions) *DockerRuntime {
	stopTimeout := opts.StopTimeoutSecs
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeoutSecs
	}
	return &DockerRuntime{cli: cli, ociRuntime: opts.OCIRuntime, stopTimeout: stopTimeout}
}

// Close releases the underlying client connection.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

// Ping verifies the Docker daemon is reachable.
func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	return nil
}

// ListImages returns the images present on the daemon, newest first.
func (r *DockerRuntime) ListImages(ctx context.Context) ([]Image, error) {
	summaries, err := r.cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, classify("list images", err, ErrImageNotFound)
	}
	images := make([]Image, 0, len(summaries))
	for _, s := range summaries {
		images = append(images, Image{
			ID:      s.ID,
			Tags:    s.RepoTags,
			Size:    s.Size,
			Created: time.Unix(s.Created, 0).UTC(),
		})
	}
	sort.SliceStable(images, func(i, j int) bool {
		return images[i].Created.After(images[j].Created)
	})
	return images, nil
}

// LoadImage imports a docker-save archive.
func (r *DockerRuntime) LoadImage(ctx context.Context, archive io.Reader) (string, error) {
	resp, err := r.cli.ImageLoad(ctx, archive, client.ImageLoadWithQuiet(true))
	if err != nil {
		if errdefs.IsInvalidArgument(err) {
			return "", fmt.Errorf("%w: %v", ErrImageInvalid, err)
		}
		return "", classify("load image", err, ErrImageInvalid)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("Failed to close image load response", "error", closeErr)
		}
	}()

	ref, err := parseLoadStream(resp.Body)
	if err != nil {
		return "", err
	}
	slog.Info("Image loaded", "image", ref)
	return ref, nil
}

// parseLoadStream reads the daemon's JSON message stream and returns the
// reference of the loaded image.
func parseLoadStream(body io.Reader) (string, error) {
	var ref string
	dec := json.NewDecoder(body)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", fmt.Errorf("%w: decode load response: %v", ErrImageInvalid, err)
		}
		if msg.Error != nil {
			return "", fmt.Errorf("%w: %s", ErrImageInvalid, msg.Error.Message)
		}
		line := strings.TrimSpace(msg.Stream)
		switch {
		case strings.HasPrefix(line, "Loaded image: "):
			ref = strings.TrimPrefix(line, "Loaded image: ")
		case strings.HasPrefix(line, "Loaded image ID: ") && ref == "":
			ref = strings.TrimPrefix(line, "Loaded image ID: ")
		}
	}
	if ref == "" {
		return "", fmt.Errorf("%w: archive contained no image", ErrImageInvalid)
	}
	return ref, nil
}

// StartContainer creates and starts a challenge container with an
// ephemeral host port bound to req.InternalPort.
func (r *DockerRuntime) StartContainer(ctx context.Context, req StartRequest) (string, error) {
	if !ValidName(req.Name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, req.Name)
	}
	if err := req.Limits.Validate(); err != nil {
		return "", err
	}
	if req.InternalPort <= 0 || req.InternalPort > 65535 {
		return "", fmt.Errorf("invalid internal port %d", req.InternalPort)
	}

	port, err := nat.NewPort("tcp", strconv.Itoa(req.InternalPort))
	if err != nil {
		return "", fmt.Errorf("internal port %d: %w", req.InternalPort, err)
	}

	envVars := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	labels := map[string]string{LabelManaged: "true"}
	for k, v := range req.Labels {
		labels[k] = v
	}

	config := &container.Config{
		Image:        req.Image,
		Env:          envVars,
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels:       labels,
	}

	hostConfig := &container.HostConfig{
		Runtime:    r.ociRuntime,
		AutoRemove: true,
		PortBindings: nat.PortMap{
			// Empty HostPort lets the daemon pick a free port.
			port: []nat.PortBinding{{HostIP: "", HostPort: ""}},
		},
		Resources: container.Resources{
			Memory:    req.Limits.MemoryBytes,
			CPUQuota:  req.Limits.CPUQuota,
			CPUPeriod: req.Limits.CPUPeriod,
		},
	}
	if req.Limits.PidsLimit > 0 {
		hostConfig.Resources.PidsLimit = ptr(req.Limits.PidsLimit)
	}

	resp, err := r.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, req.Name)
	if err != nil {
		if isNameConflict(err) {
			return "", fmt.Errorf("%w: %s", ErrNameConflict, req.Name)
		}
		return "", classify("create container", err, ErrImageNotFound)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			slog.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", classify("start container "+resp.ID, err, ErrImageNotFound)
	}

	slog.Info("Container created and started", "container_id", resp.ID, "container_name", req.Name, "image", req.Image)
	return resp.ID, nil
}

// PublishedPort inspects the container once for its host port binding.
func (r *DockerRuntime) PublishedPort(ctx context.Context, containerID string, internalPort int) (int, bool, error) {
	inspect, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return 0, false, classify("inspect container "+containerID, err, ErrNotFound)
	}
	if inspect.NetworkSettings == nil {
		return 0, false, nil
	}

	key := nat.Port(fmt.Sprintf("%d/tcp", internalPort))
	for _, binding := range inspect.NetworkSettings.Ports[key] {
		if binding.HostPort == "" {
			continue
		}
		hostPort, err := strconv.Atoi(binding.HostPort)
		if err != nil {
			return 0, false, fmt.Errorf("parse host port %q: %w", binding.HostPort, err)
		}
		return hostPort, true, nil
	}
	return 0, false, nil
}

// ContainerLabels returns the labels of a container looked up by id or name.
func (r *DockerRuntime) ContainerLabels(ctx context.Context, nameOrID string) (map[string]string, error) {
	inspect, err := r.cli.ContainerInspect(ctx, nameOrID)
	if err != nil {
		return nil, classify("inspect container "+nameOrID, err, ErrNotFound)
	}
	if inspect.Config == nil || inspect.Config.Labels == nil {
		return map[string]string{}, nil
	}
	return inspect.Config.Labels, nil
}

// StopContainer stops and removes a container.
// It returns ErrNotFound if the container no longer exists.
func (r *DockerRuntime) StopContainer(ctx context.Context, containerID string) error {
	slog.Info("Stopping container", "container_id", containerID)

	timeout := r.stopTimeout
	if err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already removed", "container_id", containerID)
			return fmt.Errorf("%w: %s", ErrNotFound, containerID)
		}
		if isConnectionFailure(err) {
			return classify("stop container "+containerID, err, ErrNotFound)
		}
		slog.Debug("Container stop returned error, continuing to remove", "container_id", containerID, "error", err)
	}

	// Auto-removal usually wins the race; force removal covers runtimes that
	// ignore the flag and containers that refused to stop.
	if err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already removed", "container_id", containerID)
		} else if strings.Contains(err.Error(), "is already in progress") {
			slog.Debug("Container removal already in progress", "container_id", containerID)
		} else {
			return classify("remove container "+containerID, err, ErrNotFound)
		}
	}

	slog.Info("Container stopped and removed", "container_id", containerID)
	return nil
}

// FetchLogs streams demultiplexed container output.
func (r *DockerRuntime) FetchLogs(ctx context.Context, containerID string, opts LogOptions) (io.ReadCloser, error) {
	tail := opts.Tail
	if tail == "" {
		tail = "all"
	}
	rc, err := r.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
		Tail:       tail,
		Timestamps: opts.Timestamps,
	})
	if err != nil {
		return nil, classify("fetch logs "+containerID, err, ErrNotFound)
	}

	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, rc)
		if closeErr := rc.Close(); closeErr != nil {
			slog.Debug("Failed to close log stream", "container_id", containerID, "error", closeErr)
		}
		pw.CloseWithError(copyErr)
	}()
	return &logReader{PipeReader: pr, src: rc}, nil
}

// logReader closes the daemon stream when the consumer goes away so the
// copying goroutine terminates.
type logReader struct {
	*io.PipeReader
	src io.Closer
}

func (l *logReader) Close() error {
	srcErr := l.src.Close()
	if err := l.PipeReader.Close(); err != nil {
		return err
	}
	return srcErr
}

// classify maps a Docker client error onto the package sentinels.
// notFound is the sentinel used when the daemon reports a missing object.
// Only transport failures count as an unavailable runtime; anything the
// daemon answered is a rejection of this particular request.
func classify(op string, err error, notFound error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	case isConnectionFailure(err):
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: %s: %v", notFound, op, err)
	default:
		return fmt.Errorf("%w: %s: %v", ErrRejected, op, err)
	}
}

func isConnectionFailure(err error) bool {
	return client.IsErrConnectionFailed(err) ||
		errdefs.IsUnavailable(err) ||
		errors.Is(err, context.DeadlineExceeded)
}

func isNameConflict(err error) bool {
	if errdefs.IsConflict(err) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "is already in use")
}

func ptr[T any](v T) *T {
	return &v
}
