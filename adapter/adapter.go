// Package adapter defines the completion notification boundary.
//
// Adapters publish batch resolution notifications to downstream systems.
// The coordinator owns adapter lifecycle; users provide configuration only.
package adapter

import (
	"context"
	"time"

	"github.com/pithecene-io/genstream/types"
)

// EventTypeBatchResolved is the event_type of every published event.
const EventTypeBatchResolved = "batch_resolved"

// JobSummary is the per-job part of a resolution event. Artifact bytes are
// never published, only references.
type JobSummary struct {
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	URL         string `json:"url,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
	Source      string `json:"source,omitempty"`
	Message     string `json:"message,omitempty"`
}

// BatchResolvedEvent is the payload published when every job of a batch
// first becomes terminal.
type BatchResolvedEvent struct {
	ContractVersion string       `json:"contract_version"`
	EventType       string       `json:"event_type"` // always "batch_resolved"
	SessionID       string       `json:"session_id"`
	BatchID         string       `json:"batch_id"`
	ThreadID        string       `json:"thread_id,omitempty"`
	Prompt          string       `json:"prompt"`
	Model           string       `json:"model"`
	Kind            string       `json:"kind"`
	Outcome         string       `json:"outcome"` // completed, partial_failure, degraded
	StoragePath     string       `json:"storage_path,omitempty"`
	Timestamp       string       `json:"timestamp"` // RFC 3339
	DurationMs      int64        `json:"duration_ms"`
	Delivered       int          `json:"delivered"`
	Failed          int          `json:"failed"`
	Degraded        int          `json:"degraded"`
	Jobs            []JobSummary `json:"jobs"`
}

// NewBatchResolvedEvent builds the event for a resolved batch.
func NewBatchResolvedEvent(sessionID string, b types.Batch, storagePath string) *BatchResolvedEvent {
	resolvedAt := time.Now()
	if b.ResolvedAt != nil {
		resolvedAt = *b.ResolvedAt
	}
	counts := b.Counts()

	jobs := make([]JobSummary, len(b.Jobs))
	for i, j := range b.Jobs {
		js := JobSummary{
			JobID:   j.JobID,
			Status:  string(j.Status),
			Message: j.Message,
		}
		if j.Artifact != nil {
			js.ContentType = j.Artifact.ContentType
			js.URL = j.Artifact.URL
			js.SizeBytes = j.Artifact.SizeBytes
			js.Source = string(j.Artifact.Source)
		}
		jobs[i] = js
	}

	return &BatchResolvedEvent{
		ContractVersion: types.ContractVersion,
		EventType:       EventTypeBatchResolved,
		SessionID:       sessionID,
		BatchID:         b.BatchID,
		ThreadID:        b.ThreadID,
		Prompt:          b.Prompt,
		Model:           b.Model,
		Kind:            string(b.Kind),
		Outcome:         counts.Outcome(),
		StoragePath:     storagePath,
		Timestamp:       resolvedAt.UTC().Format(time.RFC3339),
		DurationMs:      resolvedAt.Sub(b.CreatedAt).Milliseconds(),
		Delivered:       counts.Delivered,
		Failed:          counts.Failed,
		Degraded:        counts.Degraded,
		Jobs:            jobs,
	}
}

// Adapter publishes batch resolution events to a downstream system.
type Adapter interface {
	// Publish sends a batch resolution event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *BatchResolvedEvent) error

	// Close releases adapter resources.
	Close() error
}
