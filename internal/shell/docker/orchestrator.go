package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	coredeployment "github.com/artpar/sitedeploy/internal/core/deployment"
	"github.com/artpar/sitedeploy/internal/core/domain"
	"github.com/artpar/sitedeploy/internal/shell/keylock"
	"github.com/artpar/sitedeploy/internal/shell/portpool"
)

// =============================================================================
// Orchestrator - Manages Deploy Container Lifecycle
// =============================================================================

// OrchestratorConfig holds the deploy settings of an Orchestrator.
type OrchestratorConfig struct {
	OutputRoot  string        // Parent of the generated project directories
	LabelPrefix string        // System label key and name prefix, e.g. "acm"
	PublicHost  string        // Host part of returned URLs
	MemoryLimit int64         // Bytes
	CPULimit    float64       // CPU cores
	StopTimeout time.Duration // Grace period before the engine kills a container
}

// DefaultOrchestratorConfig returns the default deploy settings.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		OutputRoot:  "tmp/code_output",
		LabelPrefix: "acm",
		PublicHost:  "localhost",
		MemoryLimit: 256 << 20,
		CPULimit:    1,
		StopTimeout: 10 * time.Second,
	}
}

// DeployResult describes a successfully started deploy container.
type DeployResult struct {
	AppID       int64
	URL         string
	ImageTag    string
	ContainerID string
	Port        int
	BuildStamp  int64
}

// Orchestrator turns generated project directories into running containers.
// It owns the in-memory ContainerRecord of every application.
type Orchestrator struct {
	docker Client
	ports  *portpool.Allocator
	cfg    OrchestratorConfig
	logger *slog.Logger
	locks  *keylock.Map[int64]
	now    func() time.Time

	mu      sync.RWMutex
	records map[int64]domain.ContainerRecord
	stale   map[int64][]domain.ContainerRecord // stopped containers found at startup
}

// NewOrchestrator creates a new orchestrator.
func NewOrchestrator(docker Client, ports *portpool.Allocator, cfg OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultOrchestratorConfig()
	if cfg.LabelPrefix == "" {
		cfg.LabelPrefix = defaults.LabelPrefix
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaults.StopTimeout
	}
	return &Orchestrator{
		docker:  docker,
		ports:   ports,
		cfg:     cfg,
		logger:  logger.With("component", "orchestrator"),
		locks:   keylock.New[int64](),
		now:     time.Now,
		records: make(map[int64]domain.ContainerRecord),
		stale:   make(map[int64][]domain.ContainerRecord),
	}
}

// =============================================================================
// Deploy
// =============================================================================

// Deploy builds the application's static output into an image and runs it on
// a host port. A redeploy reuses the port of the live container and replaces
// that container. Deploys of the same application are serialized.
func (o *Orchestrator) Deploy(ctx context.Context, appID int64) (*DeployResult, error) {
	if err := domain.ValidateAppID(appID); err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(appID)
	defer unlock()

	// 1. Resolve build context
	contextDir, err := o.ResolveSource(appID)
	if err != nil {
		return nil, err
	}

	// 2. Place the static-server Dockerfile
	if err := writeDockerfile(contextDir); err != nil {
		return nil, fmt.Errorf("%w: write %s: %v", ErrBuildFailed, DockerfileName, err)
	}

	// 3. Pick the port: reuse on redeploy, allocate otherwise
	port, releaseOnFail, err := o.acquirePort(ctx, appID)
	if err != nil {
		return nil, err
	}

	fail := func(kind error, cause error) (*DeployResult, error) {
		if releaseOnFail {
			o.ports.Release(port)
		}
		o.logger.Error("deploy failed", "app_id", appID, "port", port, "error", cause)
		return nil, fmt.Errorf("%w: %v", kind, cause)
	}

	// 4. Build image
	stamp := coredeployment.BuildStamp(o.now())
	imageTag := coredeployment.ImageTag(o.cfg.LabelPrefix, appID, stamp)
	labels := coredeployment.Labels(o.cfg.LabelPrefix, appID, stamp)

	o.logger.Info("building image", "app_id", appID, "image", imageTag, "context", contextDir)
	if err := o.docker.BuildImage(ctx, contextDir, BuildOptions{Tag: imageTag, Labels: labels}); err != nil {
		return fail(ErrBuildFailed, err)
	}

	// 5. Create and start the container
	containerID, err := o.runContainer(ctx, appID, imageTag, stamp, port)
	if err != nil {
		return fail(ErrStartFailed, err)
	}

	// 6. Replace the record
	o.setRecord(domain.ContainerRecord{
		AppID:       appID,
		ContainerID: containerID,
		Port:        port,
		CreatedAt:   o.now(),
	})

	result := &DeployResult{
		AppID:       appID,
		URL:         coredeployment.DeployURL(o.cfg.PublicHost, port),
		ImageTag:    imageTag,
		ContainerID: containerID,
		Port:        port,
		BuildStamp:  stamp,
	}

	o.logger.Info("deploy started",
		"app_id", appID,
		"container_id", shortID(containerID),
		"port", port,
		"url", result.URL,
	)

	return result, nil
}

// ResolveSource returns the first existing build-context directory for appID.
func (o *Orchestrator) ResolveSource(appID int64) (string, error) {
	for _, c := range coredeployment.SourceCandidates(o.cfg.OutputRoot, appID) {
		info, err := os.Stat(c.Dir)
		if err == nil && info.IsDir() {
			return c.Dir, nil
		}
	}
	return "", fmt.Errorf("%w: app %d under %s", ErrSourceNotFound, appID, o.cfg.OutputRoot)
}

// acquirePort returns the application's port and whether the caller must
// release it if the deploy fails. The live container is torn down and its port
// reused; otherwise the port of a stopped container found at startup is
// reclaimed, and only then is a new one allocated. Teardown errors are logged.
func (o *Orchestrator) acquirePort(ctx context.Context, appID int64) (int, bool, error) {
	stale := o.takeStale(appID)

	if rec, ok := o.Record(appID); ok {
		o.logger.Info("redeploy, replacing container", "app_id", appID,
			"container_id", shortID(rec.ContainerID), "port", rec.Port)
		o.teardown(ctx, rec.ContainerID)
		o.releaseStale(ctx, stale, rec.Port)
		return rec.Port, false, nil
	}

	if len(stale) > 0 {
		port := stale[0].Port
		o.logger.Info("reclaiming port of stopped container", "app_id", appID,
			"container_id", shortID(stale[0].ContainerID), "port", port)
		o.releaseStale(ctx, stale, port)
		return port, true, nil
	}

	port, err := o.ports.Allocate()
	if err != nil {
		return 0, false, err
	}

	// A stopped container from a previous process may still hold the name.
	o.teardown(ctx, coredeployment.ContainerName(o.cfg.LabelPrefix, appID))
	return port, true, nil
}

// releaseStale tears down stopped containers and frees their ports, except keep.
func (o *Orchestrator) releaseStale(ctx context.Context, stale []domain.ContainerRecord, keep int) {
	for _, rec := range stale {
		o.teardown(ctx, rec.ContainerID)
		if rec.Port != keep {
			o.ports.Release(rec.Port)
		}
	}
}

// runContainer creates and starts the deploy container for imageTag on port.
func (o *Orchestrator) runContainer(ctx context.Context, appID int64, imageTag string, stamp int64, port int) (string, error) {
	plan := coredeployment.BuildContainerPlan(coredeployment.BuildContainerPlanParams{
		LabelPrefix: o.cfg.LabelPrefix,
		AppID:       appID,
		BuildStamp:  stamp,
		Image:       imageTag,
		HostPort:    port,
		MemoryLimit: o.cfg.MemoryLimit,
		CPULimit:    o.cfg.CPULimit,
	})

	containerID, err := o.docker.CreateContainer(ctx, specFromPlan(plan))
	if err != nil {
		return "", err
	}

	if err := o.docker.StartContainer(ctx, containerID); err != nil {
		if !errors.Is(err, ErrContainerAlreadyRunning) {
			if rmErr := o.docker.RemoveContainer(ctx, containerID, RemoveOptions{Force: true}); rmErr != nil {
				o.logger.Warn("failed to remove unstarted container", "container_id", shortID(containerID), "error", rmErr)
			}
			return "", err
		}
	}
	return containerID, nil
}

// =============================================================================
// Run Existing Image
// =============================================================================

// RunImage replaces the application's live container with one running an
// already-built image on the same port. It is used to make a rollback serve
// the target version's image.
func (o *Orchestrator) RunImage(ctx context.Context, appID int64, imageTag string) (*DeployResult, error) {
	if err := domain.ValidateAppID(appID); err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(appID)
	defer unlock()

	exists, err := o.docker.ImageExists(ctx, imageTag)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrImageNotFound, imageTag)
	}

	port, releaseOnFail, err := o.acquirePort(ctx, appID)
	if err != nil {
		return nil, err
	}

	stamp := coredeployment.BuildStamp(o.now())
	containerID, err := o.runContainer(ctx, appID, imageTag, stamp, port)
	if err != nil {
		if releaseOnFail {
			o.ports.Release(port)
		}
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	o.setRecord(domain.ContainerRecord{
		AppID:       appID,
		ContainerID: containerID,
		Port:        port,
		CreatedAt:   o.now(),
	})

	o.logger.Info("image started", "app_id", appID, "image", imageTag, "port", port)

	return &DeployResult{
		AppID:       appID,
		URL:         coredeployment.DeployURL(o.cfg.PublicHost, port),
		ImageTag:    imageTag,
		ContainerID: containerID,
		Port:        port,
		BuildStamp:  stamp,
	}, nil
}

// =============================================================================
// Stop
// =============================================================================

// Stop removes the application's container and frees its port.
// Stopping an application without a live container is a no-op.
func (o *Orchestrator) Stop(ctx context.Context, appID int64) error {
	unlock := o.locks.Lock(appID)
	defer unlock()

	o.mu.Lock()
	rec, ok := o.records[appID]
	delete(o.records, appID)
	o.mu.Unlock()

	o.releaseStale(ctx, o.takeStale(appID), 0)

	if !ok {
		o.logger.Debug("stop without live container", "app_id", appID)
		return nil
	}

	o.teardown(ctx, rec.ContainerID)
	o.ports.Release(rec.Port)

	o.logger.Info("deploy stopped", "app_id", appID, "container_id", shortID(rec.ContainerID), "port", rec.Port)
	return nil
}

// teardown stops then force-removes a container, logging failures.
func (o *Orchestrator) teardown(ctx context.Context, containerID string) {
	timeout := o.cfg.StopTimeout
	if err := o.docker.StopContainer(ctx, containerID, &timeout); err != nil &&
		!errors.Is(err, ErrContainerNotFound) && !errors.Is(err, ErrContainerNotRunning) {
		o.logger.Warn("failed to stop container", "container_id", shortID(containerID), "error", err)
	}
	if err := o.docker.RemoveContainer(ctx, containerID, RemoveOptions{Force: true}); err != nil &&
		!errors.Is(err, ErrContainerNotFound) {
		o.logger.Warn("failed to remove container", "container_id", shortID(containerID), "error", err)
	}
}

// =============================================================================
// Records
// =============================================================================

// IsAvailable reports whether the engine answers a ping.
func (o *Orchestrator) IsAvailable(ctx context.Context) bool {
	if err := o.docker.Ping(ctx); err != nil {
		o.logger.Debug("engine unavailable", "error", err)
		return false
	}
	return true
}

// Record returns the live container record for appID.
func (o *Orchestrator) Record(appID int64) (domain.ContainerRecord, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	rec, ok := o.records[appID]
	return rec, ok
}

// Records returns a snapshot of all live container records ordered by app id.
func (o *Orchestrator) Records() []domain.ContainerRecord {
	o.mu.RLock()
	out := make([]domain.ContainerRecord, 0, len(o.records))
	for _, rec := range o.records {
		out = append(out, rec)
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AppID < out[j].AppID })
	return out
}

// Ports returns the orchestrator's port allocator.
func (o *Orchestrator) Ports() *portpool.Allocator {
	return o.ports
}

func (o *Orchestrator) setRecord(rec domain.ContainerRecord) {
	o.mu.Lock()
	o.records[rec.AppID] = rec
	o.mu.Unlock()
}

// addStale remembers a stopped container whose port stays reserved until the
// application is deployed or stopped again.
func (o *Orchestrator) addStale(rec domain.ContainerRecord) {
	o.mu.Lock()
	o.stale[rec.AppID] = append(o.stale[rec.AppID], rec)
	o.mu.Unlock()
}

func (o *Orchestrator) takeStale(appID int64) []domain.ContainerRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	stale := o.stale[appID]
	delete(o.stale, appID)
	return stale
}

// =============================================================================
// Helper Functions
// =============================================================================

// specFromPlan converts a pure container plan into an engine spec.
func specFromPlan(plan coredeployment.ContainerPlan) ContainerSpec {
	ports := make([]PortBinding, 0, len(plan.Ports))
	for _, p := range plan.Ports {
		ports = append(ports, PortBinding{
			ContainerPort: p.ContainerPort,
			HostPort:      p.HostPort,
			Protocol:      p.Protocol,
			HostIP:        p.HostIP,
		})
	}
	return ContainerSpec{
		Name:   plan.Name,
		Image:  plan.Image,
		Labels: plan.Labels,
		Ports:  ports,
		RestartPolicy: RestartPolicy{
			Name:              plan.RestartPolicy.Name,
			MaximumRetryCount: plan.RestartPolicy.MaximumRetryCount,
		},
		Resources: ResourceLimits{
			CPULimit:    plan.Resources.CPULimit,
			MemoryLimit: plan.Resources.MemoryLimit,
		},
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
