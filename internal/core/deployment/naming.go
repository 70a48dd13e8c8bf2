package deployment

import (
	"fmt"
	"strconv"
	"time"
)

// =============================================================================
// Resource Naming Functions
// =============================================================================

// ContainerName generates the container name for an application's deploy container.
// Pattern: {prefix}-deploy-{appID}
//
// Example:
//
//	ContainerName("acm", 42) // returns "acm-deploy-42"
func ContainerName(prefix string, appID int64) string {
	return fmt.Sprintf("%s-deploy-%d", prefix, appID)
}

// ImageTag generates a deterministic image tag from the application and build stamp.
// Pattern: {prefix}-deploy-{appID}:v{buildStamp}
//
// Example:
//
//	ImageTag("acm", 42, 1708000000000) // returns "acm-deploy-42:v1708000000000"
func ImageTag(prefix string, appID int64, buildStamp int64) string {
	return fmt.Sprintf("%s-deploy-%d:v%d", prefix, appID, buildStamp)
}

// BuildStamp returns the build timestamp used for tags and the version label.
func BuildStamp(t time.Time) int64 {
	return t.UnixMilli()
}

// DeployURL composes the externally visible URL for a published port.
//
// Example:
//
//	DeployURL("localhost", 4001) // returns "http://localhost:4001"
func DeployURL(host string, port int) string {
	return fmt.Sprintf("http://%s:%d", host, port)
}

// =============================================================================
// Labels
// =============================================================================

const (
	// LabelAppID carries the owning application id.
	LabelAppID = "appId"
	// LabelVersion carries the build stamp of the image the container runs.
	LabelVersion = "version"
	// SystemLabelDeploy is the value of the system label on deploy containers.
	SystemLabelDeploy = "deploy"
)

// Labels builds the label set attached to a deploy container.
// The system label key is the configured prefix.
func Labels(prefix string, appID int64, buildStamp int64) map[string]string {
	return map[string]string{
		prefix:       SystemLabelDeploy,
		LabelAppID:   strconv.FormatInt(appID, 10),
		LabelVersion: strconv.FormatInt(buildStamp, 10),
	}
}

// LabelFilter returns the label filter expression matching every container
// owned by this system, whatever its type.
func LabelFilter(prefix string) string {
	return prefix
}

// ParseLabels extracts the application id and build stamp from container labels.
// ok is false when the container is not a deploy container of this system.
func ParseLabels(prefix string, labels map[string]string) (appID int64, buildStamp int64, ok bool) {
	if labels == nil || labels[prefix] != SystemLabelDeploy {
		return 0, 0, false
	}
	appID, err := strconv.ParseInt(labels[LabelAppID], 10, 64)
	if err != nil || appID <= 0 {
		return 0, 0, false
	}
	// A missing or malformed version label does not disown the container.
	buildStamp, _ = strconv.ParseInt(labels[LabelVersion], 10, 64)
	return appID, buildStamp, true
}
