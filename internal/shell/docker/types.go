// Package docker drives the container engine for deploy containers.
package docker

import (
	"context"
	"time"
)

// =============================================================================
// Container Types
// =============================================================================

// ContainerSpec defines the specification for creating a container.
type ContainerSpec struct {
	Name          string
	Image         string
	Labels        map[string]string
	Ports         []PortBinding
	RestartPolicy RestartPolicy
	Resources     ResourceLimits
}

// PortBinding defines a port mapping.
type PortBinding struct {
	ContainerPort int
	HostPort      int    // 0 for auto-assign
	Protocol      string // "tcp" or "udp"
	HostIP        string // "" for 0.0.0.0
}

// RestartPolicy defines the container restart policy.
type RestartPolicy struct {
	Name              string // "no", "always", "on-failure", "unless-stopped"
	MaximumRetryCount int
}

// ResourceLimits defines resource constraints.
type ResourceLimits struct {
	CPULimit    float64 // CPU cores
	MemoryLimit int64   // Bytes
}

// =============================================================================
// Container Info
// =============================================================================

// ContainerStatus represents the container status.
type ContainerStatus string

const (
	ContainerStatusCreated    ContainerStatus = "created"
	ContainerStatusRunning    ContainerStatus = "running"
	ContainerStatusPaused     ContainerStatus = "paused"
	ContainerStatusRestarting ContainerStatus = "restarting"
	ContainerStatusRemoving   ContainerStatus = "removing"
	ContainerStatusExited     ContainerStatus = "exited"
	ContainerStatusDead       ContainerStatus = "dead"
)

// ContainerInfo contains information about a container.
type ContainerInfo struct {
	ID        string
	Name      string
	Image     string
	Status    ContainerStatus
	State     string // "running", "exited", "created", etc.
	CreatedAt time.Time
	Ports     []PortBinding
	Labels    map[string]string
}

// =============================================================================
// Options
// =============================================================================

// BuildOptions defines options for building an image from a context directory.
type BuildOptions struct {
	Tag        string
	Dockerfile string // relative to the context, defaults to "Dockerfile"
	Labels     map[string]string
}

// RemoveOptions defines options for removing containers.
type RemoveOptions struct {
	Force         bool
	RemoveVolumes bool
}

// ListOptions defines options for listing containers.
type ListOptions struct {
	All     bool              // Include stopped containers
	Filters map[string]string // e.g., {"label": "acm=deploy"}
}

// =============================================================================
// Client Interface
// =============================================================================

// Client defines the engine operations the orchestrator and reconciler need.
type Client interface {
	// Image operations
	BuildImage(ctx context.Context, contextDir string, opts BuildOptions) error
	ImageExists(ctx context.Context, image string) (bool, error)

	// Container operations
	CreateContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error
	ListContainers(ctx context.Context, opts ListOptions) ([]ContainerInfo, error)

	// Health operations
	Ping(ctx context.Context) error
	Close() error
}
