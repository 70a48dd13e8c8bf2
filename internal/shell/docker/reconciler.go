package docker

import (
	"context"
	"fmt"
	"log/slog"

	coredeployment "github.com/artpar/sitedeploy/internal/core/deployment"
	"github.com/artpar/sitedeploy/internal/core/domain"
)

// =============================================================================
// Reconciler - Rebuilds State From The Engine
// =============================================================================

// ReconcileResult counts what one reconciliation pass found.
type ReconcileResult struct {
	Scanned  int // Containers carrying the system label
	Marked   int // Ports marked in use
	Restored int // Running containers whose record was restored
	Skipped  int // Containers with unusable labels or no published port
}

// Reconciler rebuilds the orchestrator's records and port occupancy from the
// containers the engine already runs. It runs once, before serving.
type Reconciler struct {
	docker Client
	orch   *Orchestrator
	logger *slog.Logger
}

// NewReconciler creates a reconciler for orch.
func NewReconciler(docker Client, orch *Orchestrator, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		docker: docker,
		orch:   orch,
		logger: logger.With("component", "reconciler"),
	}
}

// Reconcile marks the host port of every labelled container as used and
// restores the record of every running one. Failures are logged, never returned.
func (r *Reconciler) Reconcile(ctx context.Context) ReconcileResult {
	var result ReconcileResult

	if err := r.docker.Ping(ctx); err != nil {
		r.logger.Warn("engine unavailable, skipping reconciliation", "error", err)
		return result
	}

	prefix := r.orch.cfg.LabelPrefix
	containers, err := r.docker.ListContainers(ctx, ListOptions{
		All:     true,
		Filters: map[string]string{"label": coredeployment.LabelFilter(prefix)},
	})
	if err != nil {
		r.logger.Error("failed to list deploy containers", "error", err)
		return result
	}

	for _, c := range containers {
		result.Scanned++

		appID, stamp, ok := coredeployment.ParseLabels(prefix, c.Labels)
		if !ok {
			r.logger.Warn("skipping container with invalid labels", "container_id", shortID(c.ID), "labels", fmt.Sprint(c.Labels))
			result.Skipped++
			continue
		}

		port, ok := coredeployment.FirstPublishedPort(corePorts(c.Ports))
		if !ok {
			r.logger.Warn("skipping container without published port", "container_id", shortID(c.ID), "app_id", appID)
			result.Skipped++
			continue
		}

		r.orch.ports.MarkUsed(port)
		result.Marked++

		rec := domain.ContainerRecord{
			AppID:       appID,
			ContainerID: c.ID,
			Port:        port,
			CreatedAt:   c.CreatedAt,
		}

		if c.Status != ContainerStatusRunning {
			r.orch.addStale(rec)
			r.logger.Debug("container not running, port kept reserved",
				"container_id", shortID(c.ID), "app_id", appID, "state", c.State)
			continue
		}

		r.orch.setRecord(rec)
		result.Restored++

		r.logger.Debug("restored container record",
			"app_id", appID, "container_id", shortID(c.ID), "port", port, "version", stamp)
	}

	r.logger.Info("reconciliation complete",
		"scanned", result.Scanned,
		"ports_marked", result.Marked,
		"restored", result.Restored,
		"skipped", result.Skipped,
	)

	return result
}

func corePorts(ports []PortBinding) []coredeployment.PortBinding {
	out := make([]coredeployment.PortBinding, 0, len(ports))
	for _, p := range ports {
		out = append(out, coredeployment.PortBinding{
			ContainerPort: p.ContainerPort,
			HostPort:      p.HostPort,
			Protocol:      p.Protocol,
			HostIP:        p.HostIP,
		})
	}
	return out
}
