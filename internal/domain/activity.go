package domain

import "time"

// ActivityEntry is one append-only activity log record.
type ActivityEntry struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	UserEmail string         `json:"userEmail,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
}

// ArtifactKind tags a learner-submitted record.
type ArtifactKind string

const (
	ArtifactJobSheet   ArtifactKind = "job_sheet"
	ArtifactTestResult ArtifactKind = "test_result"
)

// Artifact is a stored job sheet or test result.
type Artifact struct {
	ID        string         `json:"id"`
	Email     string         `json:"-"`
	Kind      ArtifactKind   `json:"kind"`
	ModuleID  string         `json:"moduleId"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}
