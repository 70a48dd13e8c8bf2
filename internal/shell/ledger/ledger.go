// Package ledger keeps the ordered deploy history of every application.
//
// Version numbers are assigned as max+1 under a per-application lock, and the
// UNIQUE(app_id, version) constraint catches writers outside this process. A
// unique conflict is retried a bounded number of times before surfacing as
// ErrVersionConflict.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/sitedeploy/internal/core/domain"
	"github.com/artpar/sitedeploy/internal/shell/keylock"
	"github.com/artpar/sitedeploy/internal/shell/store"
)

var (
	// ErrVersionConflict is returned when a version number could not be
	// claimed after all retries.
	ErrVersionConflict = errors.New("deploy version conflict")

	ErrVersionNotFound        = domain.ErrVersionNotFound
	ErrVersionNotRollbackable = domain.ErrVersionNotRollbackable
)

// DefaultMaxRetries is how many times a unique conflict is retried.
const DefaultMaxRetries = 3

// historyLimit bounds how many versions are read for listing and rollback.
const historyLimit = 1000

// NewDeploy describes a deploy attempt to be recorded.
type NewDeploy struct {
	AppID         int64
	UserID        int64
	ImageTag      string
	ContainerID   string
	ContainerPort int
	DeployURL     string
}

// Ledger records deploy versions and status transitions.
type Ledger struct {
	store      store.Store
	locks      *keylock.Map[int64]
	logger     *slog.Logger
	now        func() time.Time
	maxRetries int
}

// New creates a Ledger over s.
func New(s store.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:      s,
		locks:      keylock.New[int64](),
		logger:     logger.With("component", "ledger"),
		now:        func() time.Time { return time.Now().UTC() },
		maxRetries: DefaultMaxRetries,
	}
}

// =============================================================================
// Recording
// =============================================================================

// RecordDeploy appends a RUNNING version for the application. Other rows are
// left untouched; use CommitDeploy to also demote the previous live version.
func (l *Ledger) RecordDeploy(ctx context.Context, nd NewDeploy) (*domain.DeployVersion, error) {
	return l.record(ctx, nd, domain.DeployStatusRunning, false)
}

// CommitDeploy appends a RUNNING version and, in the same transaction, marks
// every previously RUNNING version of the application STOPPED.
func (l *Ledger) CommitDeploy(ctx context.Context, nd NewDeploy) (*domain.DeployVersion, error) {
	return l.record(ctx, nd, domain.DeployStatusRunning, true)
}

// RecordFailure appends a FAILED version for an attempt that produced no container.
func (l *Ledger) RecordFailure(ctx context.Context, nd NewDeploy) (*domain.DeployVersion, error) {
	return l.record(ctx, nd, domain.DeployStatusFailed, false)
}

func (l *Ledger) record(ctx context.Context, nd NewDeploy, status domain.DeployStatus, demote bool) (*domain.DeployVersion, error) {
	if err := domain.ValidateAppID(nd.AppID); err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(nd.AppID)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		var created *domain.DeployVersion

		err := l.store.WithTx(ctx, func(tx store.Store) error {
			var previous []domain.DeployVersion
			if demote {
				running, err := tx.ListRunningVersions(ctx, nd.AppID)
				if err != nil {
					return err
				}
				previous = running
			}

			maxVersion, err := tx.GetMaxVersion(ctx, nd.AppID)
			if err != nil {
				return err
			}

			now := l.now()
			v := &domain.DeployVersion{
				AppID:         nd.AppID,
				Version:       domain.NextVersion(maxVersion),
				ImageTag:      nd.ImageTag,
				ContainerID:   nd.ContainerID,
				ContainerPort: nd.ContainerPort,
				Status:        status,
				DeployURL:     nd.DeployURL,
				UserID:        nd.UserID,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := tx.CreateDeployVersion(ctx, v); err != nil {
				return err
			}

			for _, p := range previous {
				if err := tx.UpdateDeployStatus(ctx, p.ID, domain.DeployStatusStopped, now); err != nil {
					return err
				}
			}

			created = v
			return nil
		})
		if err == nil {
			l.logger.Info("deploy version recorded",
				"app_id", nd.AppID,
				"version", created.Version,
				"status", created.Status,
			)
			return created, nil
		}
		if !errors.Is(err, store.ErrDuplicateVersion) {
			return nil, err
		}

		lastErr = err
		l.logger.Warn("version number taken, retrying", "app_id", nd.AppID, "attempt", attempt+1)
	}

	return nil, fmt.Errorf("%w: app %d after %d retries: %v", ErrVersionConflict, nd.AppID, l.maxRetries, lastErr)
}

// =============================================================================
// Queries
// =============================================================================

// ListVersions returns the application's versions, newest first.
func (l *Ledger) ListVersions(ctx context.Context, appID int64) ([]domain.DeployVersion, error) {
	return l.store.ListDeployVersions(ctx, appID, store.ListOptions{Limit: historyLimit})
}

// GetRunning returns the newest RUNNING version, or an error wrapping
// store.ErrNotFound when nothing is running.
func (l *Ledger) GetRunning(ctx context.Context, appID int64) (*domain.DeployVersion, error) {
	running, err := l.store.ListRunningVersions(ctx, appID)
	if err != nil {
		return nil, err
	}
	v := domain.RunningVersion(running)
	if v == nil {
		return nil, store.NewStoreError("GetRunning", "deploy_version", fmt.Sprint(appID), "no running version", store.ErrNotFound)
	}
	return v, nil
}

// =============================================================================
// Status Transitions
// =============================================================================

// UpdateStatus sets the status of one version row.
func (l *Ledger) UpdateStatus(ctx context.Context, id int64, status domain.DeployStatus) error {
	if _, err := domain.ParseDeployStatus(string(status)); err != nil {
		return err
	}
	return l.store.UpdateDeployStatus(ctx, id, status, l.now())
}

// MarkStopped marks every RUNNING version of the application STOPPED and
// returns how many rows changed.
func (l *Ledger) MarkStopped(ctx context.Context, appID int64) (int, error) {
	unlock := l.locks.Lock(appID)
	defer unlock()

	var changed int
	err := l.store.WithTx(ctx, func(tx store.Store) error {
		running, err := tx.ListRunningVersions(ctx, appID)
		if err != nil {
			return err
		}
		now := l.now()
		for _, v := range running {
			if err := tx.UpdateDeployStatus(ctx, v.ID, domain.DeployStatusStopped, now); err != nil {
				return err
			}
			changed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if changed > 0 {
		l.logger.Info("versions marked stopped", "app_id", appID, "count", changed)
	}
	return changed, nil
}

// Rollback makes version the application's RUNNING version. The current
// RUNNING version becomes STOPPED in the same transaction. Rolling back to the
// version that is already RUNNING writes nothing.
func (l *Ledger) Rollback(ctx context.Context, appID int64, version int) (*domain.DeployVersion, error) {
	if err := domain.ValidateAppID(appID); err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(appID)
	defer unlock()

	var target domain.DeployVersion
	var noOp bool

	err := l.store.WithTx(ctx, func(tx store.Store) error {
		versions, err := tx.ListDeployVersions(ctx, appID, store.ListOptions{Limit: historyLimit})
		if err != nil {
			return err
		}

		plan, err := domain.PlanRollback(versions, version)
		if err != nil {
			return err
		}
		target = plan.Target
		if plan.NoOp {
			noOp = true
			return nil
		}

		now := l.now()
		for _, id := range plan.Demote {
			if err := tx.UpdateDeployStatus(ctx, id, domain.DeployStatusStopped, now); err != nil {
				return err
			}
		}
		if err := tx.UpdateDeployStatus(ctx, target.ID, domain.DeployStatusRunning, now); err != nil {
			return err
		}
		target.Status = domain.DeployStatusRunning
		target.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if noOp {
		l.logger.Debug("rollback target already running", "app_id", appID, "version", version)
	} else {
		l.logger.Info("rolled back", "app_id", appID, "version", version)
	}
	return &target, nil
}
