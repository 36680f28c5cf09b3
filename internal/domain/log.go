package domain

import "time"

type LogLevel string

const (
	LogLevelInfo  LogLevel = "Info"
	LogLevelWarn  LogLevel = "Warn"
	LogLevelError LogLevel = "Error"
	LogLevelDebug LogLevel = "Debug"
)

// LogEntry is one run log line. ID is a process-wide sequence number.
type LogEntry struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"runId"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

type ArtifactKind string

const (
	ArtifactKindCheckpoint ArtifactKind = "checkpoint"
	ArtifactKindLog        ArtifactKind = "log"
	ArtifactKindVideo      ArtifactKind = "video"
	ArtifactKindMetrics    ArtifactKind = "metrics"
)

// Artifact points at an object produced by a run.
type Artifact struct {
	ID   string       `json:"id"`
	Kind ArtifactKind `json:"kind"`
	URI  string       `json:"s3_uri"`
}
