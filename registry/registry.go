// Package registry implements the job registry: the single serialized
// mutation point for batches, jobs and artifacts.
//
// Frames, status events and fallback results race on the same jobs; every
// mutation takes the registry mutex. Completion callbacks run after the
// mutex is released.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pithecene-io/genstream/log"
	"github.com/pithecene-io/genstream/metrics"
	"github.com/pithecene-io/genstream/types"
)

// Default grace windows before a fallback fetch.
const (
	DefaultImageGrace    = 4 * time.Second
	DefaultVideoGrace    = 5 * time.Second
	DefaultRecentHistory = 3
)

// DegradedMessage is attached to jobs degraded after reconnect exhaustion.
const DegradedMessage = "Generation likely finished - check history for updates"

var (
	// ErrEmptyBatch is returned when a batch would have no jobs.
	ErrEmptyBatch = errors.New("batch has no jobs")
	// ErrDuplicateJobID is returned when a job id is already known to the session.
	ErrDuplicateJobID = errors.New("duplicate job id")
	// ErrNoActiveBatch is returned when an operation needs an active batch.
	ErrNoActiveBatch = errors.New("no active batch")
	// ErrReconcileMismatch is returned when reconciled ids do not fit the active batch.
	ErrReconcileMismatch = errors.New("job ids do not match active batch")
)

// UnknownJobError reports a frame or status for a job id that is neither in
// the active batch nor in recent history. The message is dropped.
type UnknownJobError struct {
	JobID string
}

func (e *UnknownJobError) Error() string {
	return fmt.Sprintf("unknown job %q", e.JobID)
}

// IsUnknownJob returns true if err is an *UnknownJobError.
func IsUnknownJob(err error) bool {
	var u *UnknownJobError
	return errors.As(err, &u)
}

// FallbackArmer schedules and cancels per-job fallback fetches.
// Implementations must not call back into the registry synchronously
// from Arm or Disarm.
type FallbackArmer interface {
	Arm(jobID string, grace time.Duration)
	Disarm(jobID string)
}

// ResolvedFunc is called once per batch when every job first becomes terminal.
type ResolvedFunc func(batch types.Batch)

// Config configures a Registry.
type Config struct {
	// RecentHistory is how many history batches accept late frames.
	RecentHistory int
	// ImageGrace is the fallback grace window for image batches.
	ImageGrace time.Duration
	// VideoGrace is the fallback grace window for video batches.
	VideoGrace time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.RecentHistory <= 0 {
		c.RecentHistory = DefaultRecentHistory
	}
	if c.ImageGrace <= 0 {
		c.ImageGrace = DefaultImageGrace
	}
	if c.VideoGrace <= 0 {
		c.VideoGrace = DefaultVideoGrace
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// BatchSpec describes a batch to begin.
type BatchSpec struct {
	BatchID     string
	Prompt      string
	Model       string
	ThreadID    string
	Kind        types.MediaKind
	AspectRatio string
	// JobIDs are the server job ids in submission order.
	JobIDs []string
	// TotalJobs creates placeholder jobs when JobIDs is empty.
	TotalJobs int
	// InitialStatus is Queued or Processing. Defaults to Processing.
	InitialStatus types.JobStatus
}

// Registry tracks the active batch and history for one session.
type Registry struct {
	mu      sync.Mutex
	cfg     Config
	active  *types.Batch
	history []*types.Batch // oldest first

	armer     FallbackArmer
	callbacks []ResolvedFunc
	logger    *log.Logger
	collector *metrics.Collector
}

// New creates a registry. logger and collector may be nil.
func New(cfg Config, logger *log.Logger, collector *metrics.Collector) *Registry {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.NewNop()
	}
	return &Registry{cfg: cfg, logger: logger, collector: collector}
}

// SetArmer binds the fallback armer. Must be called before the first mutation.
func (r *Registry) SetArmer(a FallbackArmer) {
	r.mu.Lock()
	r.armer = a
	r.mu.Unlock()
}

// OnResolved registers a completion callback.
func (r *Registry) OnResolved(fn ResolvedFunc) {
	r.mu.Lock()
	r.callbacks = append(r.callbacks, fn)
	r.mu.Unlock()
}

// Begin replaces the active batch with a new one.
//
// The superseded batch has its fallback timers cancelled. It is frozen into
// history if at least one job has an artifact, otherwise discarded.
func (r *Registry) Begin(spec BatchSpec) (types.Batch, error) {
	now := r.cfg.Now()

	ids := spec.JobIDs
	placeholder := len(ids) == 0
	if placeholder && spec.TotalJobs <= 0 {
		return types.Batch{}, ErrEmptyBatch
	}

	initial := spec.InitialStatus
	if initial != types.JobQueued {
		initial = types.JobProcessing
	}
	kind := spec.Kind
	if kind == "" {
		kind = types.MediaImage
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if placeholder {
		ids = r.placeholderIDsLocked(now, spec.TotalJobs)
	}

	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" {
			return types.Batch{}, fmt.Errorf("%w: empty id", ErrDuplicateJobID)
		}
		if seen[id] || r.knownLocked(id) {
			return types.Batch{}, fmt.Errorf("%w: %s", ErrDuplicateJobID, id)
		}
		seen[id] = true
	}

	r.supersedeLocked()

	b := &types.Batch{
		BatchID:     spec.BatchID,
		Prompt:      spec.Prompt,
		Model:       spec.Model,
		ThreadID:    spec.ThreadID,
		Kind:        kind,
		AspectRatio: spec.AspectRatio,
		CreatedAt:   now,
		Jobs:        make([]types.Job, len(ids)),
	}
	for i, id := range ids {
		b.Jobs[i] = types.Job{
			JobID:       id,
			Index:       i,
			Status:      initial,
			Placeholder: placeholder,
		}
	}
	r.active = b

	r.logger.Info("batch started", map[string]any{
		"batch_id": b.BatchID,
		"jobs":     len(b.Jobs),
		"kind":     string(b.Kind),
	})

	return b.Clone(), nil
}

// placeholderIDsLocked generates stand-in ids that do not collide with
// known ids. Caller holds r.mu.
func (r *Registry) placeholderIDsLocked(now time.Time, n int) []string {
	ts := now.UnixMilli()
	for r.knownLocked(fmt.Sprintf("placeholder_%d_0", ts)) {
		ts++
	}
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("placeholder_%d_%d", ts, i)
	}
	return ids
}

// supersedeLocked retires the active batch. Caller holds r.mu.
func (r *Registry) supersedeLocked() {
	old := r.active
	if old == nil {
		return
	}
	r.active = nil
	if r.armer != nil {
		for i := range old.Jobs {
			r.armer.Disarm(old.Jobs[i].JobID)
		}
	}
	if !old.HasAnyArtifact() {
		r.logger.Debug("discarding superseded batch without artifacts", map[string]any{
			"batch_id": old.BatchID,
		})
		return
	}
	old.Frozen = true
	r.history = append(r.history, old)
}

// RecordFrame applies a decoded stream frame.
// Returns true if the frame set the job's artifact.
func (r *Registry) RecordFrame(f *types.Frame) (bool, error) {
	return r.recordArtifact(f.JobID, &types.Artifact{
		ContentType: f.ContentType,
		Data:        f.Payload,
		SizeBytes:   int64(len(f.Payload)),
		Source:      types.ArtifactSourceStream,
	})
}

// ApplyFallback applies an artifact retrieved by a fallback fetch.
// First writer wins: an artifact already present is kept.
func (r *Registry) ApplyFallback(jobID string, a *types.Artifact) (bool, error) {
	if a == nil {
		return false, nil
	}
	c := *a
	c.Source = types.ArtifactSourceFallback
	return r.recordArtifact(jobID, &c)
}

func (r *Registry) recordArtifact(jobID string, a *types.Artifact) (bool, error) {
	r.mu.Lock()
	b, job := r.lookupLocked(jobID)
	if job == nil {
		r.mu.Unlock()
		r.collector.IncUnknownJobs()
		return false, &UnknownJobError{JobID: jobID}
	}
	if job.HasArtifact() || job.Status == types.JobFailed || job.Status == types.JobCompletedDegraded {
		r.mu.Unlock()
		return false, nil
	}

	job.Artifact = a
	job.Status = types.JobCompleted
	job.ReceivedAt = r.cfg.Now()
	if r.armer != nil {
		r.armer.Disarm(jobID)
	}
	resolved := r.checkResolvedLocked(b)
	r.mu.Unlock()

	r.notify(resolved)
	return true, nil
}

// RecordUndelimited attributes an undelimited message to the first job of
// the active batch, in index order, that has no artifact and is still
// Queued or Processing. Best effort: concurrent jobs may be misattributed.
// Returns the job id used, or "" if no job qualifies.
func (r *Registry) RecordUndelimited(payload []byte, contentType string) string {
	r.mu.Lock()
	b := r.active
	if b == nil {
		r.mu.Unlock()
		return ""
	}
	var job *types.Job
	for i := range b.Jobs {
		j := &b.Jobs[i]
		if !j.HasArtifact() && j.Status.IsPending() {
			job = j
			break
		}
	}
	if job == nil {
		r.mu.Unlock()
		return ""
	}

	job.Artifact = &types.Artifact{
		ContentType: contentType,
		Data:        payload,
		SizeBytes:   int64(len(payload)),
		Source:      types.ArtifactSourceLegacy,
	}
	job.Status = types.JobCompleted
	job.ReceivedAt = r.cfg.Now()
	jobID := job.JobID
	if r.armer != nil {
		r.armer.Disarm(jobID)
	}
	resolved := r.checkResolvedLocked(b)
	r.mu.Unlock()

	r.collector.IncLegacyAttributions()
	r.notify(resolved)
	return jobID
}

// RecordStatus applies a status event. Only forward transitions apply;
// backward and repeated statuses are ignored. A Completed job still waiting
// for its artifact may move to Failed. Returns true if the job changed.
//
// Status events only address the active batch; events for history jobs are
// ignored without error.
func (r *Registry) RecordStatus(ev *types.StatusEvent) (bool, error) {
	r.mu.Lock()
	b, job := r.lookupLocked(ev.JobID)
	if job == nil {
		r.mu.Unlock()
		r.collector.IncUnknownJobs()
		return false, &UnknownJobError{JobID: ev.JobID}
	}
	if b != r.active {
		r.mu.Unlock()
		return false, nil
	}

	changed := false
	if ev.Progress != nil && !job.IsTerminal() {
		p := *ev.Progress
		job.Progress = &p
		changed = true
	}

	if !r.transitionAllowed(job, ev.Status) {
		if changed && ev.Message != "" {
			job.Message = ev.Message
		}
		r.mu.Unlock()
		return changed, nil
	}

	job.Status = ev.Status
	if ev.Message != "" {
		job.Message = ev.Message
	}
	if job.AwaitingArtifact() && r.armer != nil {
		r.armer.Arm(job.JobID, r.graceFor(b))
		r.collector.IncFallbackArmed()
	}
	if job.Status == types.JobFailed && r.armer != nil {
		r.armer.Disarm(job.JobID)
	}
	resolved := r.checkResolvedLocked(b)
	r.mu.Unlock()

	r.notify(resolved)
	return true, nil
}

// transitionAllowed implements the forward-only job state machine.
func (r *Registry) transitionAllowed(job *types.Job, next types.JobStatus) bool {
	if job.IsTerminal() {
		return false
	}
	switch next {
	case types.JobFailed:
		return true
	case types.JobQueued, types.JobProcessing, types.JobCompleted:
		return next.Rank() > job.Status.Rank()
	default:
		return false
	}
}

func (r *Registry) graceFor(b *types.Batch) time.Duration {
	if b.Kind == types.MediaVideo {
		return r.cfg.VideoGrace
	}
	return r.cfg.ImageGrace
}

// ArtifactPending reports whether a job exists and still waits for an
// artifact. Fallback timers call this before fetching.
func (r *Registry) ArtifactPending(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, job := r.lookupLocked(jobID)
	return job != nil && !job.IsTerminal()
}

// Degrade moves every Queued or Processing job of the active batch to
// completed_degraded. Returns the number of jobs degraded.
func (r *Registry) Degrade(reason string) int {
	r.mu.Lock()
	b := r.active
	if b == nil {
		r.mu.Unlock()
		return 0
	}
	n := 0
	for i := range b.Jobs {
		j := &b.Jobs[i]
		if j.HasArtifact() || !j.Status.IsPending() {
			continue
		}
		j.Status = types.JobCompletedDegraded
		j.Message = DegradedMessage
		if r.armer != nil {
			r.armer.Disarm(j.JobID)
		}
		n++
	}
	resolved := r.checkResolvedLocked(b)
	r.mu.Unlock()

	if n > 0 {
		r.collector.AddJobsDegraded(n)
		r.logger.Warn("jobs degraded", map[string]any{
			"batch_id": b.BatchID,
			"count":    n,
			"reason":   reason,
		})
	}
	r.notify(resolved)
	return n
}

// checkResolvedLocked freezes b and moves it to history the first time it
// becomes complete. Caller holds r.mu. Returns a copy for notification.
func (r *Registry) checkResolvedLocked(b *types.Batch) *types.Batch {
	if b.ResolvedAt != nil || !b.IsComplete() {
		return nil
	}
	now := r.cfg.Now()
	b.ResolvedAt = &now
	if b == r.active {
		b.Frozen = true
		r.history = append(r.history, b)
		r.active = nil
	}
	snapshot := b.Clone()
	return &snapshot
}

func (r *Registry) notify(resolved *types.Batch) {
	if resolved == nil {
		return
	}
	r.collector.IncBatchesResolved()
	counts := resolved.Counts()
	r.logger.Info("batch resolved", map[string]any{
		"batch_id":  resolved.BatchID,
		"outcome":   counts.Outcome(),
		"delivered": counts.Delivered,
		"failed":    counts.Failed,
		"degraded":  counts.Degraded,
	})

	r.mu.Lock()
	callbacks := make([]ResolvedFunc, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.Unlock()

	for _, fn := range callbacks {
		fn(resolved.Clone())
	}
}

// lookupLocked finds a job in the active batch, then in recent history
// (newest first). Caller holds r.mu.
func (r *Registry) lookupLocked(jobID string) (*types.Batch, *types.Job) {
	if b := r.active; b != nil {
		for i := range b.Jobs {
			if b.Jobs[i].JobID == jobID {
				return b, &b.Jobs[i]
			}
		}
	}
	stop := max(0, len(r.history)-r.cfg.RecentHistory)
	for h := len(r.history) - 1; h >= stop; h-- {
		b := r.history[h]
		for i := range b.Jobs {
			if b.Jobs[i].JobID == jobID {
				return b, &b.Jobs[i]
			}
		}
	}
	return nil, nil
}

// knownLocked reports whether a job id appears anywhere in the session.
func (r *Registry) knownLocked(jobID string) bool {
	if r.active != nil {
		for i := range r.active.Jobs {
			if r.active.Jobs[i].JobID == jobID {
				return true
			}
		}
	}
	for _, b := range r.history {
		for i := range b.Jobs {
			if b.Jobs[i].JobID == jobID {
				return true
			}
		}
	}
	return false
}

// ReconcileJobIDs replaces placeholder ids of the active batch with real
// ids, in index order. Non-placeholder jobs must already carry the given id.
// A batch that is still all placeholders is resized to the returned ids,
// since the service may accept fewer or more jobs than requested. threadID
// fills the batch's thread when it has none.
func (r *Registry) ReconcileJobIDs(jobIDs []string, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.active
	if b == nil {
		return ErrNoActiveBatch
	}
	if len(jobIDs) == 0 {
		return fmt.Errorf("%w: no job ids", ErrReconcileMismatch)
	}
	if len(jobIDs) != len(b.Jobs) {
		if !allPlaceholders(b) {
			return fmt.Errorf("%w: got %d ids for %d jobs", ErrReconcileMismatch, len(jobIDs), len(b.Jobs))
		}
		r.resizeLocked(b, len(jobIDs))
	}
	seen := make(map[string]bool, len(jobIDs))
	for i, id := range jobIDs {
		j := &b.Jobs[i]
		if id == "" || seen[id] {
			return fmt.Errorf("%w: %q", ErrDuplicateJobID, id)
		}
		seen[id] = true
		if !j.Placeholder && j.JobID != id {
			return fmt.Errorf("%w: index %d is %s, got %s", ErrReconcileMismatch, i, j.JobID, id)
		}
		if j.Placeholder && r.knownLocked(id) {
			return fmt.Errorf("%w: %s", ErrDuplicateJobID, id)
		}
	}
	for i, id := range jobIDs {
		j := &b.Jobs[i]
		if j.Placeholder {
			j.JobID = id
			j.Placeholder = false
		}
	}
	if b.ThreadID == "" {
		b.ThreadID = threadID
	}
	return nil
}

func allPlaceholders(b *types.Batch) bool {
	for i := range b.Jobs {
		if !b.Jobs[i].Placeholder {
			return false
		}
	}
	return true
}

// resizeLocked grows or shrinks an all-placeholder batch to n jobs. New
// jobs copy the first job's status. Caller holds r.mu.
func (r *Registry) resizeLocked(b *types.Batch, n int) {
	tmpl := b.Jobs[0]
	prefix := strings.TrimSuffix(tmpl.JobID, "_0")
	if n < len(b.Jobs) {
		b.Jobs = b.Jobs[:n]
	}
	for i := len(b.Jobs); i < n; i++ {
		b.Jobs = append(b.Jobs, types.Job{
			JobID:       fmt.Sprintf("%s_%d", prefix, i),
			Index:       i,
			Status:      tmpl.Status,
			Placeholder: true,
		})
	}
	r.logger.Debug("placeholder batch resized", map[string]any{
		"batch_id": b.BatchID,
		"jobs":     n,
	})
}

// MergeHistory merges externally constructed batches into history.
// Batches whose id is already known are skipped. Merged batches are frozen
// and history stays ordered by creation time. Returns the number merged.
func (r *Registry) MergeHistory(batches []types.Batch) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	known := make(map[string]bool, len(r.history)+1)
	for _, b := range r.history {
		known[b.BatchID] = true
	}
	if r.active != nil {
		known[r.active.BatchID] = true
	}

	merged := 0
	for i := range batches {
		in := batches[i].Clone()
		if in.BatchID == "" || known[in.BatchID] || len(in.Jobs) == 0 {
			continue
		}
		in.Frozen = true
		if in.ResolvedAt == nil && in.IsComplete() {
			t := in.CreatedAt
			in.ResolvedAt = &t
		}
		known[in.BatchID] = true
		r.history = append(r.history, &in)
		merged++
	}
	if merged > 0 {
		sort.SliceStable(r.history, func(i, j int) bool {
			return r.history[i].CreatedAt.Before(r.history[j].CreatedAt)
		})
	}
	return merged
}

// SetArtifactURLs records where artifact bytes were archived for the jobs
// of a batch. Artifacts that already carry a URL keep it; bytes stay in
// memory. Returns the number of artifacts updated.
func (r *Registry) SetArtifactURLs(batchID string, urls map[string]string) int {
	if len(urls) == 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var b *types.Batch
	if r.active != nil && r.active.BatchID == batchID {
		b = r.active
	}
	for i := len(r.history) - 1; b == nil && i >= 0; i-- {
		if r.history[i].BatchID == batchID {
			b = r.history[i]
		}
	}
	if b == nil {
		return 0
	}
	updated := 0
	for i := range b.Jobs {
		j := &b.Jobs[i]
		url, ok := urls[j.JobID]
		if !ok || j.Artifact == nil || j.Artifact.URL != "" {
			continue
		}
		a := *j.Artifact
		a.URL = url
		j.Artifact = &a
		updated++
	}
	return updated
}

// Active returns a copy of the active batch.
func (r *Registry) Active() (types.Batch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		return types.Batch{}, false
	}
	return r.active.Clone(), true
}

// History returns copies of all history batches, oldest first.
func (r *Registry) History() []types.Batch {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.Batch, len(r.history))
	for i, b := range r.history {
		out[i] = b.Clone()
	}
	return out
}

// Latest returns the active batch, or the newest history batch if none is active.
func (r *Registry) Latest() (types.Batch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return r.active.Clone(), true
	}
	if n := len(r.history); n > 0 {
		return r.history[n-1].Clone(), true
	}
	return types.Batch{}, false
}

// HasOutstanding reports whether the active batch has non-terminal jobs.
func (r *Registry) HasOutstanding() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.active != nil && r.active.HasOutstanding()
}

// IsBatchComplete reports whether every job of the batch is terminal.
// Unknown batch ids report false.
func (r *Registry) IsBatchComplete(batchID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil && r.active.BatchID == batchID {
		return r.active.IsComplete()
	}
	for _, b := range r.history {
		if b.BatchID == batchID {
			return b.IsComplete()
		}
	}
	return false
}

// Job returns a copy of a job by id (active batch, then recent history).
func (r *Registry) Job(jobID string) (types.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, job := r.lookupLocked(jobID)
	if job == nil {
		return types.Job{}, false
	}
	return job.Clone(), true
}
