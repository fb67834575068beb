// Package container is the only place that talks to the container runtime.
// Every runtime failure leaves this package as one of the sentinel errors
// below, wrapped with the operation that failed.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Runtime errors.
var (
	ErrUnavailable   = errors.New("container runtime unavailable")
	ErrRejected      = errors.New("container runtime rejected the request")
	ErrImageInvalid  = errors.New("image archive invalid")
	ErrImageNotFound = errors.New("image not found")
	ErrNameConflict  = errors.New("container name already in use")
	ErrNotFound      = errors.New("container not found")
	ErrInvalidLimits = errors.New("container resource limits missing")
	ErrInvalidName   = errors.New("invalid container name")
)

// Labels attached to every challenge container.
const (
	LabelManaged     = "atlas.managed"
	LabelTeam        = "atlas.team"
	LabelChallenge   = "atlas.challenge"
	LabelProvisionID = "atlas.provision_id"
)

// Limits caps the resources of a single container. Zero CPU or memory is
// rejected: challenge containers are never unlimited.
type Limits struct {
	MemoryBytes int64
	CPUQuota    int64
	CPUPeriod   int64
	PidsLimit   int64
}

// Validate reports ErrInvalidLimits when CPU or memory limits are missing.
func (l Limits) Validate() error {
	if l.MemoryBytes <= 0 {
		return fmt.Errorf("%w: memory ceiling is %d", ErrInvalidLimits, l.MemoryBytes)
	}
	if l.CPUQuota <= 0 || l.CPUPeriod <= 0 {
		return fmt.Errorf("%w: cpu quota %d / period %d", ErrInvalidLimits, l.CPUQuota, l.CPUPeriod)
	}
	return nil
}

// StartRequest describes a challenge container to run.
type StartRequest struct {
	Image        string
	InternalPort int
	Name         string
	Env          map[string]string
	Limits       Limits
	Labels       map[string]string
}

// LogOptions selects which container logs to fetch.
type LogOptions struct {
	Follow     bool
	Tail       string // "all" or a line count
	Timestamps bool
}

// Image is one image present in the runtime.
type Image struct {
	ID      string    `json:"id"`
	Tags    []string  `json:"tags"`
	Size    int64     `json:"size"`
	Created time.Time `json:"created"`
}

// Runtime is the capability every runtime integration implements.
type Runtime interface {
	// LoadImage imports an image archive and returns the loaded reference.
	LoadImage(ctx context.Context, archive io.Reader) (string, error)

	// StartContainer creates and starts a container and returns its id.
	// It returns as soon as the container is started; host ports are
	// assigned asynchronously.
	StartContainer(ctx context.Context, req StartRequest) (string, error)

	// PublishedPort performs one non-blocking check of the host port mapped
	// to internalPort. ok is false while the port is not yet assigned.
	PublishedPort(ctx context.Context, containerID string, internalPort int) (port int, ok bool, err error)

	// ContainerLabels returns the labels of the container with the given id
	// or name, or ErrNotFound.
	ContainerLabels(ctx context.Context, nameOrID string) (map[string]string, error)

	// StopContainer stops and removes a container. It returns ErrNotFound
	// when the container is already gone.
	StopContainer(ctx context.Context, containerID string) error

	// FetchLogs streams the container's combined stdout and stderr.
	FetchLogs(ctx context.Context, containerID string, opts LogOptions) (io.ReadCloser, error)

	// ListImages returns the images available to challenge containers.
	ListImages(ctx context.Context) ([]Image, error)

	// Ping verifies the runtime endpoint is reachable.
	Ping(ctx context.Context) error
}
