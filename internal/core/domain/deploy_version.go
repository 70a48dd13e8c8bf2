package domain

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// =============================================================================
// Deploy Version Errors
// =============================================================================

var (
	ErrInvalidStatus          = errors.New("invalid deploy status")
	ErrInvalidAppID           = errors.New("application id must be positive")
	ErrVersionNotFound        = errors.New("deploy version not found")
	ErrVersionNotRollbackable = errors.New("deploy version cannot be rolled back to")
)

// =============================================================================
// Deploy Status
// =============================================================================

// DeployStatus is the lifecycle status of one deploy attempt.
type DeployStatus string

const (
	DeployStatusRunning DeployStatus = "RUNNING"
	DeployStatusStopped DeployStatus = "STOPPED"
	DeployStatusFailed  DeployStatus = "FAILED"
)

// ParseDeployStatus validates a persisted status string.
func ParseDeployStatus(s string) (DeployStatus, error) {
	switch DeployStatus(s) {
	case DeployStatusRunning, DeployStatusStopped, DeployStatusFailed:
		return DeployStatus(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// =============================================================================
// Deploy Version
// =============================================================================

// DeployVersion is one row of an application's deploy history.
// Versions are assigned per application starting at 1 and never reused.
type DeployVersion struct {
	ID            int64        `json:"id"`
	AppID         int64        `json:"appId"`
	Version       int          `json:"version"`
	ImageTag      string       `json:"imageTag"`
	ContainerID   string       `json:"containerId"`
	ContainerPort int          `json:"containerPort"`
	Status        DeployStatus `json:"status"`
	DeployURL     string       `json:"deployUrl"`
	UserID        int64        `json:"userId"`
	CreatedAt     time.Time    `json:"createTime"`
	UpdatedAt     time.Time    `json:"updateTime"`
}

// IsRunning reports whether the version is the live one.
func (v DeployVersion) IsRunning() bool {
	return v.Status == DeployStatusRunning
}

// ContainerRecord is the in-memory view of the live container for an application.
type ContainerRecord struct {
	AppID       int64
	ContainerID string
	Port        int
	CreatedAt   time.Time
}

// ValidateAppID rejects non-positive application ids.
func ValidateAppID(appID int64) error {
	if appID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAppID, appID)
	}
	return nil
}

// =============================================================================
// History Queries
// =============================================================================

// NextVersion returns max(versions)+1, or 1 for an empty history.
func NextVersion(maxVersion int) int {
	if maxVersion < 1 {
		return 1
	}
	return maxVersion + 1
}

// SortByVersionDesc orders versions newest first.
func SortByVersionDesc(versions []DeployVersion) {
	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].Version > versions[j].Version
	})
}

// RunningVersion returns the highest RUNNING version, or nil when none is running.
// If more than one row is RUNNING the newest wins.
func RunningVersion(versions []DeployVersion) *DeployVersion {
	var running *DeployVersion
	for i := range versions {
		v := &versions[i]
		if !v.IsRunning() {
			continue
		}
		if running == nil || v.Version > running.Version {
			running = v
		}
	}
	return running
}

// =============================================================================
// Rollback Planning
// =============================================================================

// RollbackPlan describes the status writes needed to make a target version live.
type RollbackPlan struct {
	Target DeployVersion
	// Demote lists the ids of RUNNING rows that must become STOPPED.
	Demote []int64
	// NoOp is set when the target is already RUNNING.
	NoOp bool
}

// PlanRollback computes the status changes that roll an application back to
// targetVersion. A target that is already RUNNING yields a NoOp plan.
// FAILED versions never produced a container and are rejected.
func PlanRollback(versions []DeployVersion, targetVersion int) (RollbackPlan, error) {
	var target *DeployVersion
	for i := range versions {
		if versions[i].Version == targetVersion {
			target = &versions[i]
			break
		}
	}
	if target == nil {
		return RollbackPlan{}, fmt.Errorf("%w: v%d", ErrVersionNotFound, targetVersion)
	}

	if target.IsRunning() {
		return RollbackPlan{Target: *target, NoOp: true}, nil
	}
	if target.Status == DeployStatusFailed {
		return RollbackPlan{}, fmt.Errorf("%w: v%d failed", ErrVersionNotRollbackable, targetVersion)
	}

	plan := RollbackPlan{Target: *target}
	for _, v := range versions {
		if v.IsRunning() {
			plan.Demote = append(plan.Demote, v.ID)
		}
	}
	return plan, nil
}
