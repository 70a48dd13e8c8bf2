package api

import "github.com/artpar/sitedeploy/internal/core/domain"

// =============================================================================
// Envelope
// =============================================================================

// Response is the JSON envelope of every API response.
// Code is 0 on success and the HTTP status otherwise.
type Response struct {
	Code    int    `json:"code"`
	Data    any    `json:"data"`
	Message string `json:"message"`
}

// =============================================================================
// Request Types
// =============================================================================

// DeployRequest is the request body for deploy and stop.
type DeployRequest struct {
	AppID  int64 `json:"appId"`
	UserID int64 `json:"userId"`
}

// =============================================================================
// Response Types
// =============================================================================

// DeployResponse carries the public URL of a deploy or rollback.
type DeployResponse struct {
	AppID int64  `json:"appId"`
	URL   string `json:"url"`
}

// VersionsResponse lists an application's deploy history, newest first.
type VersionsResponse struct {
	AppID    int64                  `json:"appId"`
	Versions []domain.DeployVersion `json:"versions"`
}
