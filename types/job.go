// Package types defines the core domain types for the generation result
// correlator: jobs, batches, artifacts, frames and connection state.
//
//nolint:revive // types is a common Go package naming convention
package types

import "time"

// JobStatus is the lifecycle status of a single generation job.
type JobStatus string

// Job status constants.
const (
	JobQueued            JobStatus = "queued"
	JobProcessing        JobStatus = "processing"
	JobCompleted         JobStatus = "completed"
	JobFailed            JobStatus = "failed"
	JobCompletedDegraded JobStatus = "completed_degraded"
)

// Rank orders statuses for forward-only transitions.
// Completed and Failed share a rank; degraded is only reachable by
// connection exhaustion and never through a status event.
func (s JobStatus) Rank() int {
	switch s {
	case JobQueued:
		return 0
	case JobProcessing:
		return 1
	case JobCompleted, JobFailed:
		return 2
	case JobCompletedDegraded:
		return 3
	default:
		return -1
	}
}

// IsValid returns true if s is a known status.
func (s JobStatus) IsValid() bool {
	return s.Rank() >= 0
}

// IsPending returns true for Queued and Processing.
func (s JobStatus) IsPending() bool {
	return s == JobQueued || s == JobProcessing
}

// Job is one unit of generation work producing exactly one artifact.
type Job struct {
	// JobID is the server-assigned job identifier.
	JobID string `json:"job_id" msgpack:"job_id"`
	// Index is the position of the job within its batch.
	Index int `json:"index" msgpack:"index"`
	// Status is the current status.
	Status JobStatus `json:"status" msgpack:"status"`
	// Artifact is set at most once (first writer wins).
	Artifact *Artifact `json:"artifact,omitempty" msgpack:"artifact,omitempty"`
	// ReceivedAt is when the artifact was recorded. Zero until then.
	ReceivedAt time.Time `json:"received_at,omitzero" msgpack:"received_at"`
	// Message is a human-readable progress or guidance note.
	Message string `json:"message,omitempty" msgpack:"message,omitempty"`
	// Progress is the last reported progress percentage, if any.
	Progress *int `json:"progress,omitempty" msgpack:"progress,omitempty"`
	// Placeholder is true while JobID is a locally generated stand-in.
	Placeholder bool `json:"placeholder,omitempty" msgpack:"placeholder,omitempty"`
}

// HasArtifact reports whether an artifact reference has been recorded.
func (j *Job) HasArtifact() bool {
	return j.Artifact != nil
}

// IsTerminal returns true if the job will never change again:
// it has an artifact, failed, or was degraded after reconnect exhaustion.
// Completed without an artifact is not terminal.
func (j *Job) IsTerminal() bool {
	return j.HasArtifact() || j.Status == JobFailed || j.Status == JobCompletedDegraded
}

// AwaitingArtifact returns true if the job is Completed but no artifact arrived yet.
func (j *Job) AwaitingArtifact() bool {
	return j.Status == JobCompleted && !j.HasArtifact()
}

// Clone returns a deep copy of the job.
func (j Job) Clone() Job {
	c := j
	c.Artifact = j.Artifact.Clone()
	if j.Progress != nil {
		p := *j.Progress
		c.Progress = &p
	}
	return c
}
