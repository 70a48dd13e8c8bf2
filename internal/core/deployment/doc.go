// Package deployment provides pure functions for deploy planning.
//
// This package contains the functional core for turning an application id into
// an engine execution plan. All functions are pure (no I/O, no side effects).
//
// # Functions
//
//   - Naming: Generate consistent resource names (ContainerName, ImageTag, DeployURL)
//   - Labels: Build and parse ownership labels (Labels, ParseLabels)
//   - Sources: List candidate build-context directories (SourceCandidates)
//   - Ports: Pick the published host port from engine bindings (FirstPublishedPort)
//   - Container: Build the deploy container plan (BuildContainerPlan)
//
// # Usage
//
// The imperative shell (internal/shell/docker) uses these pure functions
// to plan a deploy, then executes the plan via the engine API.
//
//	candidates := deployment.SourceCandidates(outputRoot, appID)
//	tag := deployment.ImageTag(prefix, appID, stamp)
//	plan := deployment.BuildContainerPlan(params)
package deployment
