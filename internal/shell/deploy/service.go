// Package deploy is the entry point other components use to deploy, stop and
// roll back generated applications.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	coredeployment "github.com/artpar/sitedeploy/internal/core/deployment"
	"github.com/artpar/sitedeploy/internal/core/domain"
	"github.com/artpar/sitedeploy/internal/shell/docker"
	"github.com/artpar/sitedeploy/internal/shell/keylock"
	"github.com/artpar/sitedeploy/internal/shell/ledger"
	"github.com/artpar/sitedeploy/internal/shell/portpool"
	"github.com/artpar/sitedeploy/internal/shell/store"
)

// =============================================================================
// Errors and Modes
// =============================================================================

var (
	ErrEngineUnavailable   = errors.New("container engine unavailable")
	ErrInvalidRollbackMode = errors.New("invalid rollback mode")
)

// RollbackMode selects what a rollback does beyond the ledger.
type RollbackMode string

const (
	// RollbackLedger only moves the RUNNING mark in the deploy history.
	RollbackLedger RollbackMode = "ledger"
	// RollbackRedeploy also restarts the live container from the target's image.
	RollbackRedeploy RollbackMode = "redeploy"
)

// ParseRollbackMode validates a configured rollback mode.
func ParseRollbackMode(s string) (RollbackMode, error) {
	switch RollbackMode(s) {
	case RollbackLedger, RollbackRedeploy:
		return RollbackMode(s), nil
	case "":
		return RollbackLedger, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRollbackMode, s)
	}
}

// =============================================================================
// Collaborators
// =============================================================================

// Orchestrator runs deploy containers.
type Orchestrator interface {
	Deploy(ctx context.Context, appID int64) (*docker.DeployResult, error)
	RunImage(ctx context.Context, appID int64, imageTag string) (*docker.DeployResult, error)
	Stop(ctx context.Context, appID int64) error
	IsAvailable(ctx context.Context) bool
	Records() []domain.ContainerRecord
}

// LocalBuilder builds a framework project into static files.
type LocalBuilder interface {
	Build(ctx context.Context, projectDir string) (distDir string, err error)
}

// Publisher serves a static directory without a container.
type Publisher interface {
	Publish(ctx context.Context, appID int64, srcDir string) (url string, err error)
}

// PortUsage reports allocator occupancy.
type PortUsage interface {
	Usage() int
	Capacity() int
}

// Config configures a Service.
type Config struct {
	RollbackMode RollbackMode
	OutputRoot   string
}

// Deps holds the collaborators of a Service. Builder, Publisher and Ports are optional;
// without Publisher there is no fallback when the engine is down.
type Deps struct {
	Orchestrator Orchestrator
	Ledger       *ledger.Ledger
	Builder      LocalBuilder
	Publisher    Publisher
	Ports        PortUsage
}

// =============================================================================
// Service
// =============================================================================

// Service deploys applications and keeps their deploy history consistent
// with what is actually running.
type Service struct {
	orch      Orchestrator
	ledger    *ledger.Ledger
	builder   LocalBuilder
	publisher Publisher
	ports     PortUsage
	config    Config
	logger    *slog.Logger

	// locks serializes operations on one application so the container that
	// is live and the RUNNING version always agree.
	locks *keylock.Map[int64]
}

// NewService creates a new deploy service.
func NewService(deps Deps, config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if config.RollbackMode == "" {
		config.RollbackMode = RollbackLedger
	}
	return &Service{
		orch:      deps.Orchestrator,
		ledger:    deps.Ledger,
		builder:   deps.Builder,
		publisher: deps.Publisher,
		ports:     deps.Ports,
		config:    config,
		logger:    logger.With("component", "deploy_service"),
		locks:     keylock.New[int64](),
	}
}

// Deploy deploys the application and returns its public URL. The new version
// becomes the only RUNNING one. A failed attempt is recorded as FAILED.
func (s *Service) Deploy(ctx context.Context, appID, userID int64) (string, error) {
	if err := domain.ValidateAppID(appID); err != nil {
		return "", err
	}

	unlock := s.locks.Lock(appID)
	defer unlock()

	if !s.orch.IsAvailable(ctx) {
		if s.publisher == nil {
			return "", ErrEngineUnavailable
		}
		s.logger.Warn("engine unavailable, publishing locally", "app_id", appID)
		return s.deployLocal(ctx, appID, userID)
	}

	result, err := s.orch.Deploy(ctx, appID)
	if err != nil {
		s.recordFailure(ctx, appID, userID, err)
		return "", err
	}

	v, err := s.ledger.CommitDeploy(ctx, ledger.NewDeploy{
		AppID:         appID,
		UserID:        userID,
		ImageTag:      result.ImageTag,
		ContainerID:   result.ContainerID,
		ContainerPort: result.Port,
		DeployURL:     result.URL,
	})
	if err != nil {
		s.logger.Error("container running but version not recorded",
			"app_id", appID, "container_id", result.ContainerID, "error", err)
		return "", fmt.Errorf("record deploy: %w", err)
	}

	s.logger.Info("application deployed",
		"app_id", appID,
		"user_id", userID,
		"version", v.Version,
		"url", result.URL,
	)
	return result.URL, nil
}

// recordFailure writes a FAILED row for attempts that got as far as a build or
// a container start. Rejected requests and pool exhaustion leave no history.
func (s *Service) recordFailure(ctx context.Context, appID, userID int64, cause error) {
	if errors.Is(cause, docker.ErrSourceNotFound) ||
		errors.Is(cause, domain.ErrInvalidAppID) ||
		errors.Is(cause, portpool.ErrPoolExhausted) {
		return
	}
	if _, err := s.ledger.RecordFailure(ctx, ledger.NewDeploy{AppID: appID, UserID: userID}); err != nil {
		s.logger.Error("failed to record failed deploy", "app_id", appID, "error", err, "cause", cause)
	}
}

// deployLocal builds (if needed) and publishes the application as plain files.
// The caller holds the application's lock.
func (s *Service) deployLocal(ctx context.Context, appID, userID int64) (string, error) {
	srcDir, err := s.localSource(ctx, appID)
	if err != nil {
		s.recordFailure(ctx, appID, userID, err)
		return "", err
	}

	url, err := s.publisher.Publish(ctx, appID, srcDir)
	if err != nil {
		s.recordFailure(ctx, appID, userID, err)
		return "", err
	}

	v, err := s.ledger.CommitDeploy(ctx, ledger.NewDeploy{
		AppID:     appID,
		UserID:    userID,
		DeployURL: url,
	})
	if err != nil {
		return "", fmt.Errorf("record deploy: %w", err)
	}

	s.logger.Info("application published locally", "app_id", appID, "version", v.Version, "url", url)
	return url, nil
}

// localSource returns the static directory to publish. A framework project is
// built first; flat source layouts are published as they are.
func (s *Service) localSource(ctx context.Context, appID int64) (string, error) {
	for _, c := range coredeployment.SourceCandidates(s.config.OutputRoot, appID) {
		if c.Kind == coredeployment.SourceVueDist {
			projectDir := filepath.Dir(c.Dir)
			if !isDir(projectDir) {
				continue
			}
			if s.builder == nil {
				if isDir(c.Dir) {
					return c.Dir, nil
				}
				continue
			}
			return s.builder.Build(ctx, projectDir)
		}
		if isDir(c.Dir) {
			return c.Dir, nil
		}
	}
	return "", fmt.Errorf("%w: app %d under %s", docker.ErrSourceNotFound, appID, s.config.OutputRoot)
}

// Stop takes the application offline and marks its history STOPPED.
func (s *Service) Stop(ctx context.Context, appID, userID int64) error {
	if err := domain.ValidateAppID(appID); err != nil {
		return err
	}

	unlock := s.locks.Lock(appID)
	defer unlock()

	if err := s.orch.Stop(ctx, appID); err != nil {
		return err
	}
	if _, err := s.ledger.MarkStopped(ctx, appID); err != nil {
		return fmt.Errorf("record stop: %w", err)
	}
	s.logger.Info("application stopped", "app_id", appID, "user_id", userID)
	return nil
}

// Rollback makes version the live version of the application and returns its URL.
func (s *Service) Rollback(ctx context.Context, appID int64, version int) (string, error) {
	unlock := s.locks.Lock(appID)
	defer unlock()

	if s.config.RollbackMode != RollbackRedeploy {
		v, err := s.ledger.Rollback(ctx, appID, version)
		if err != nil {
			return "", err
		}
		return v.DeployURL, nil
	}
	return s.rollbackRedeploy(ctx, appID, version)
}

func (s *Service) rollbackRedeploy(ctx context.Context, appID int64, version int) (string, error) {
	previous, err := s.ledger.GetRunning(ctx, appID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	target, err := s.ledger.Rollback(ctx, appID, version)
	if err != nil {
		return "", err
	}
	if previous != nil && previous.ID == target.ID {
		return target.DeployURL, nil
	}
	if target.ImageTag == "" {
		s.logger.Warn("target version has no image, rollback is ledger-only", "app_id", appID, "version", version)
		return target.DeployURL, nil
	}

	result, err := s.orch.RunImage(ctx, appID, target.ImageTag)
	if err != nil {
		s.revertRollback(ctx, appID, previous, target)
		return "", err
	}

	s.logger.Info("rolled back with redeploy", "app_id", appID, "version", version, "url", result.URL)
	return result.URL, nil
}

// revertRollback restores the RUNNING mark that a failed redeploy rollback moved.
func (s *Service) revertRollback(ctx context.Context, appID int64, previous, target *domain.DeployVersion) {
	var err error
	if previous != nil {
		if previous.ImageTag != "" {
			if _, runErr := s.orch.RunImage(ctx, appID, previous.ImageTag); runErr != nil {
				s.logger.Error("failed to restart previous image", "app_id", appID, "version", previous.Version, "error", runErr)
			}
		}
		_, err = s.ledger.Rollback(ctx, appID, previous.Version)
	} else {
		err = s.ledger.UpdateStatus(ctx, target.ID, domain.DeployStatusStopped)
	}
	if err != nil {
		s.logger.Error("failed to revert rollback", "app_id", appID, "version", target.Version, "error", err)
	}
}

// ListVersions returns the application's deploy history, newest first.
func (s *Service) ListVersions(ctx context.Context, appID int64) ([]domain.DeployVersion, error) {
	if err := domain.ValidateAppID(appID); err != nil {
		return nil, err
	}
	return s.ledger.ListVersions(ctx, appID)
}

// IsAvailable reports whether the container engine can be used.
func (s *Service) IsAvailable(ctx context.Context) bool {
	return s.orch.IsAvailable(ctx)
}

// Health summarizes the service state for probes.
type Health struct {
	EngineAvailable bool `json:"engineAvailable"`
	LocalFallback   bool `json:"localFallback"`
	PortsInUse      int  `json:"portsInUse"`
	PortCapacity    int  `json:"portCapacity"`
	LiveContainers  int  `json:"liveContainers"`
}

// Health returns the current service state.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{
		EngineAvailable: s.orch.IsAvailable(ctx),
		LocalFallback:   s.publisher != nil,
		LiveContainers:  len(s.orch.Records()),
	}
	if s.ports != nil {
		h.PortsInUse = s.ports.Usage()
		h.PortCapacity = s.ports.Capacity()
	}
	return h
}

// IsClientError reports whether err was caused by the request rather than the system.
func IsClientError(err error) bool {
	return errors.Is(err, domain.ErrInvalidAppID) ||
		errors.Is(err, docker.ErrSourceNotFound) ||
		errors.Is(err, ledger.ErrVersionNotFound) ||
		errors.Is(err, ledger.ErrVersionNotRollbackable) ||
		errors.Is(err, portpool.ErrPoolExhausted)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
