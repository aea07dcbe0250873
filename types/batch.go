//nolint:revive // types is a common Go package naming convention
package types

import "time"

// MediaKind distinguishes image and video batches.
type MediaKind string

const (
	// MediaImage is an image generation batch.
	MediaImage MediaKind = "image"
	// MediaVideo is a video generation batch.
	MediaVideo MediaKind = "video"
)

// Batch is the set of jobs submitted together by one generation request.
// Job count is fixed at creation.
type Batch struct {
	BatchID  string    `json:"batch_id" msgpack:"batch_id"`
	Prompt   string    `json:"prompt" msgpack:"prompt"`
	Model    string    `json:"model" msgpack:"model"`
	ThreadID string    `json:"thread_id,omitempty" msgpack:"thread_id,omitempty"`
	Kind     MediaKind `json:"kind" msgpack:"kind"`
	// AspectRatio is carried through for rendering only.
	AspectRatio string    `json:"aspect_ratio,omitempty" msgpack:"aspect_ratio,omitempty"`
	CreatedAt   time.Time `json:"created_at" msgpack:"created_at"`
	// ResolvedAt is set when every job first became terminal.
	ResolvedAt *time.Time `json:"resolved_at,omitempty" msgpack:"resolved_at,omitempty"`
	// Frozen is true once the batch moved to history.
	Frozen bool  `json:"frozen" msgpack:"frozen"`
	Jobs   []Job `json:"jobs" msgpack:"jobs"`
}

// IsComplete returns true iff every job is terminal.
// A batch without jobs is never complete.
func (b *Batch) IsComplete() bool {
	if len(b.Jobs) == 0 {
		return false
	}
	for i := range b.Jobs {
		if !b.Jobs[i].IsTerminal() {
			return false
		}
	}
	return true
}

// HasAnyArtifact returns true if at least one job has an artifact.
func (b *Batch) HasAnyArtifact() bool {
	for i := range b.Jobs {
		if b.Jobs[i].HasArtifact() {
			return true
		}
	}
	return false
}

// HasOutstanding returns true if at least one job is not terminal.
func (b *Batch) HasOutstanding() bool {
	for i := range b.Jobs {
		if !b.Jobs[i].IsTerminal() {
			return true
		}
	}
	return false
}

// JobIDs returns the job ids in index order.
func (b *Batch) JobIDs() []string {
	ids := make([]string, len(b.Jobs))
	for i := range b.Jobs {
		ids[i] = b.Jobs[i].JobID
	}
	return ids
}

// Counts tallies jobs by outcome.
func (b *Batch) Counts() BatchCounts {
	var c BatchCounts
	c.Total = len(b.Jobs)
	for i := range b.Jobs {
		j := &b.Jobs[i]
		switch {
		case j.HasArtifact():
			c.Delivered++
		case j.Status == JobFailed:
			c.Failed++
		case j.Status == JobCompletedDegraded:
			c.Degraded++
		case j.Status == JobCompleted:
			c.AwaitingArtifact++
		default:
			c.Pending++
		}
	}
	return c
}

// Clone returns a deep copy of the batch.
func (b Batch) Clone() Batch {
	c := b
	if b.ResolvedAt != nil {
		t := *b.ResolvedAt
		c.ResolvedAt = &t
	}
	c.Jobs = make([]Job, len(b.Jobs))
	for i := range b.Jobs {
		c.Jobs[i] = b.Jobs[i].Clone()
	}
	return c
}

// BatchCounts is a per-outcome tally of a batch's jobs.
type BatchCounts struct {
	Total            int `json:"total"`
	Delivered        int `json:"delivered"`
	AwaitingArtifact int `json:"awaiting_artifact"`
	Pending          int `json:"pending"`
	Failed           int `json:"failed"`
	Degraded         int `json:"degraded"`
}

// Outcome summarizes a resolved batch: "completed" when every artifact arrived,
// "degraded" when any job could not be confirmed, "partial_failure" otherwise.
func (c BatchCounts) Outcome() string {
	switch {
	case c.Degraded > 0:
		return "degraded"
	case c.Failed > 0:
		return "partial_failure"
	default:
		return "completed"
	}
}
