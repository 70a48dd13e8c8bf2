// Package capture decides when an application's one-time screenshot is taken.
package capture

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// CapturedChecker reports whether an application already has a persisted capture.
type CapturedChecker interface {
	IsCaptured(ctx context.Context, appID int64) (bool, error)
}

// Gate admits at most one capture trigger per application.
//
// The first stage is an in-process insert-if-absent, so concurrent callers
// race on a single atomic operation and exactly one wins. Only the winner
// consults the persisted flag, which covers captures taken before a restart.
type Gate struct {
	seen    sync.Map // int64 -> struct{}
	checker CapturedChecker
	logger  *slog.Logger
}

// NewGate creates a Gate backed by checker.
func NewGate(checker CapturedChecker, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		checker: checker,
		logger:  logger.With("component", "capture_gate"),
	}
}

// ShouldTrigger reports whether the caller should start the capture for appID.
// It returns true at most once per application per process.
func (g *Gate) ShouldTrigger(ctx context.Context, appID int64) bool {
	if appID <= 0 {
		return false
	}

	if _, loaded := g.seen.LoadOrStore(appID, struct{}{}); loaded {
		return false
	}

	captured, err := g.checker.IsCaptured(ctx, appID)
	if err != nil {
		g.logger.Warn("capture state lookup failed", "app_id", appID, "error", err)
		return false
	}
	if captured {
		return false
	}

	g.logger.Debug("capture triggered", "app_id", appID)
	return true
}

// Forget re-arms the gate for appID, e.g. after a capture attempt failed.
func (g *Gate) Forget(appID int64) {
	g.seen.Delete(appID)
}

// ParseAppID extracts the application id from a deploy key of the form
// {codeGenType}_{appId}, e.g. "vue_project_12".
func ParseAppID(deployKey string) (int64, bool) {
	i := strings.LastIndexByte(deployKey, '_')
	if i < 0 || i == len(deployKey)-1 {
		return 0, false
	}
	appID, err := strconv.ParseInt(deployKey[i+1:], 10, 64)
	if err != nil || appID <= 0 {
		return 0, false
	}
	return appID, true
}
