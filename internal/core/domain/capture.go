package domain

import "time"

// AppCapture is the persisted result of an application's one-time screenshot.
type AppCapture struct {
	AppID      int64     `json:"appId"`
	CoverURL   string    `json:"cover"`
	CapturedAt time.Time `json:"capturedAt"`
}
