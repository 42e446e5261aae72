// Package protocol defines the API request/response types.
package protocol

import (
	"time"
)

// Header names used by the API.
const (
	HeaderManifestChecksum = "X-Manifest-Checksum"
	HeaderCache            = "X-Cache"
)

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// ConflictResponse is returned when an If-Match precondition fails.
// CurrentETag is empty when the file does not exist.
type ConflictResponse struct {
	Error        string `json:"error"`
	Path         string `json:"path"`
	ExpectedETag string `json:"expected_etag"`
	CurrentETag  string `json:"current_etag"`
}

// Refresh job states.
const (
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// RefreshJob is returned by POST /api/v1/tree/refresh.
type RefreshJob struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Checksum   string    `json:"checksum,omitempty"`
	NodeCount  int       `json:"node_count"`
	Error      string    `json:"error,omitempty"`
}

// FileInfo describes one object in a live listing.
type FileInfo struct {
	Path         string    `json:"path"`
	ETag         string    `json:"etag"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// ListResponse is returned by GET /api/v1/list/{prefix}: one level below prefix.
type ListResponse struct {
	Prefix  string     `json:"prefix"`
	Folders []string   `json:"folders"`
	Files   []FileInfo `json:"files"`
}

// MoveRequest is the body of POST /api/v1/files/move and /api/v1/folders/move.
type MoveRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// MutationResponse is returned by every endpoint that changes the tree.
type MutationResponse struct {
	Path     string `json:"path"`
	ETag     string `json:"etag,omitempty"`
	Checksum string `json:"checksum"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status         string `json:"status"`
	ManifestSource string `json:"manifest_source,omitempty"`
	NodeCount      int    `json:"node_count"`
	Checksum       string `json:"checksum,omitempty"`
	Storage        string `json:"storage"`
	Cache          string `json:"cache"`
}

// SSEEvent is one message on the invalidation stream.
type SSEEvent struct {
	Type      string `json:"type"`
	Tag       string `json:"tag,omitempty"`
	Path      string `json:"path,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
