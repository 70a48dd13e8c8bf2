package store

import (
	"context"
	"time"

	"github.com/artpar/sitedeploy/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for deploy versions and capture state.
type Store interface {
	// Deploy version operations
	CreateDeployVersion(ctx context.Context, v *domain.DeployVersion) error
	GetDeployVersion(ctx context.Context, id int64) (*domain.DeployVersion, error)
	GetDeployVersionByNumber(ctx context.Context, appID int64, version int) (*domain.DeployVersion, error)
	GetMaxVersion(ctx context.Context, appID int64) (int, error)
	ListDeployVersions(ctx context.Context, appID int64, opts ListOptions) ([]domain.DeployVersion, error)
	ListRunningVersions(ctx context.Context, appID int64) ([]domain.DeployVersion, error)
	UpdateDeployStatus(ctx context.Context, id int64, status domain.DeployStatus, updatedAt time.Time) error

	// Capture operations
	IsCaptured(ctx context.Context, appID int64) (bool, error)
	GetCapture(ctx context.Context, appID int64) (*domain.AppCapture, error)
	MarkCaptured(ctx context.Context, capture *domain.AppCapture) error

	// Deploy key operations
	GetDeployKey(ctx context.Context, appID int64) (string, error)
	ClaimDeployKey(ctx context.Context, appID int64, key string) (string, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
