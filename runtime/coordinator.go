// Package runtime wires the correlator together: the result stream
// connection, frame and status dispatch, the job registry, fallback fetches
// and the completion sinks.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/genstream/adapter"
	"github.com/pithecene-io/genstream/fallback"
	"github.com/pithecene-io/genstream/ipc"
	"github.com/pithecene-io/genstream/log"
	"github.com/pithecene-io/genstream/metrics"
	"github.com/pithecene-io/genstream/registry"
	"github.com/pithecene-io/genstream/status"
	"github.com/pithecene-io/genstream/types"
)

// DefaultSinkTimeout bounds archive, state and publish work per resolved batch.
const DefaultSinkTimeout = 30 * time.Second

// Archiver persists resolved batches and returns their storage location.
type Archiver interface {
	WriteBatch(ctx context.Context, b types.Batch) (types.ArchivedBatch, error)
}

// StateStore persists the history read model between sessions.
// SaveFrom takes the snapshot while holding the store's write lock.
type StateStore interface {
	SaveFrom(snapshot func() []types.Batch) error
}

// Options configures a Coordinator.
type Options struct {
	// SessionID identifies the user session on the result stream.
	// A random id is generated when empty.
	SessionID string
	// Stream configures the result stream connection.
	Stream ConnectionConfig
	// Fallback configures HTTP fallback retrieval. Disabled when BaseURL is empty.
	Fallback fallback.Config
	// Registry configures grace windows and late-frame history depth.
	Registry registry.Config
	// LegacyUndelimited attributes undelimited binary messages to the
	// first pending job instead of dropping them.
	LegacyUndelimited bool
	// MaxFrameSize bounds a single binary message (default ipc.MaxFrameSize).
	MaxFrameSize int
	// SinkTimeout bounds per-batch sink work (default 30s).
	SinkTimeout time.Duration

	Logger    *log.Logger
	Collector *metrics.Collector

	// Optional completion sinks.
	Publisher adapter.Adapter
	Archive   Archiver
	State     StateStore
}

// BatchMeta carries the optional attributes of a new batch.
type BatchMeta struct {
	BatchID     string
	ThreadID    string
	Kind        types.MediaKind
	AspectRatio string
	// TotalJobs creates placeholder jobs when no job ids are known yet.
	TotalJobs int
	// InitialStatus is Queued or Processing (default).
	InitialStatus types.JobStatus
}

// Snapshot is the read model served to observers.
type Snapshot struct {
	SessionID       string                `json:"session_id"`
	Current         *types.Batch          `json:"current,omitempty"`
	History         []types.Batch         `json:"history"`
	Connection      types.ConnectionState `json:"connection"`
	FallbackPending int                   `json:"fallback_pending"`
	Metrics         metrics.Snapshot      `json:"metrics"`
}

// Coordinator is the public facade of the correlator for one session.
// It implements MessageHandler for its own connection.
type Coordinator struct {
	sessionID         string
	legacyUndelimited bool
	sinkTimeout       time.Duration

	logger    *log.Logger
	collector *metrics.Collector
	decoder   *ipc.FrameDecoder
	router    *status.Router
	registry  *registry.Registry
	fetcher   *fallback.Fetcher
	conn      *ConnectionManager

	publisher adapter.Adapter
	archive   Archiver
	state     StateStore

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewCoordinator builds a coordinator and all components it owns.
func NewCoordinator(opts Options) (*Coordinator, error) {
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	sinkTimeout := opts.SinkTimeout
	if sinkTimeout <= 0 {
		sinkTimeout = DefaultSinkTimeout
	}

	reg := registry.New(opts.Registry, logger, opts.Collector)

	var fetcher *fallback.Fetcher
	if opts.Fallback.BaseURL != "" {
		f, err := fallback.New(opts.Fallback, logger, opts.Collector)
		if err != nil {
			return nil, fmt.Errorf("fallback: %w", err)
		}
		f.Bind(reg)
		reg.SetArmer(f)
		fetcher = f
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		sessionID:         sessionID,
		legacyUndelimited: opts.LegacyUndelimited,
		sinkTimeout:       sinkTimeout,
		logger:            logger,
		collector:         opts.Collector,
		decoder:           ipc.NewFrameDecoder(opts.MaxFrameSize),
		router:            status.NewRouter(),
		registry:          reg,
		fetcher:           fetcher,
		publisher:         opts.Publisher,
		archive:           opts.Archive,
		state:             opts.State,
		ctx:               ctx,
		cancel:            cancel,
	}

	conn, err := NewConnectionManager(opts.Stream, c, reg.HasOutstanding, logger, opts.Collector)
	if err != nil {
		cancel()
		if fetcher != nil {
			_ = fetcher.Close()
		}
		return nil, fmt.Errorf("stream: %w", err)
	}
	c.conn = conn
	reg.OnResolved(c.handleResolved)

	return c, nil
}

// SessionID returns the session the coordinator serves.
func (c *Coordinator) SessionID() string {
	return c.sessionID
}

// StartBatch makes a new batch current and connects the result stream.
//
// The previous batch is frozen into history if it received at least one
// artifact, otherwise discarded; its fallback timers are cancelled. With no
// jobIDs, meta.TotalJobs placeholder jobs are created for ReconcileJobIDs.
func (c *Coordinator) StartBatch(prompt, model string, jobIDs []string, meta BatchMeta) (types.Batch, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return types.Batch{}, ErrClosed
	}

	batchID := meta.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	}
	b, err := c.registry.Begin(registry.BatchSpec{
		BatchID:       batchID,
		Prompt:        prompt,
		Model:         model,
		ThreadID:      meta.ThreadID,
		Kind:          meta.Kind,
		AspectRatio:   meta.AspectRatio,
		JobIDs:        jobIDs,
		TotalJobs:     meta.TotalJobs,
		InitialStatus: meta.InitialStatus,
	})
	if err != nil {
		return types.Batch{}, fmt.Errorf("start batch: %w", err)
	}
	c.collector.IncBatchesStarted()

	c.conn.ResetAttempts()
	if err := c.conn.Connect(c.sessionID); err != nil {
		c.logger.Warn("stream connect refused", map[string]any{
			"batch_id": b.BatchID,
			"error":    err.Error(),
		})
	}
	return b, nil
}

// CurrentBatch returns the batch still awaiting results, if any.
// A batch leaves this slot the moment it resolves.
func (c *Coordinator) CurrentBatch() (types.Batch, bool) {
	return c.registry.Active()
}

// LatestBatch returns the current batch or, if none, the newest history batch.
func (c *Coordinator) LatestBatch() (types.Batch, bool) {
	return c.registry.Latest()
}

// History returns the immutable prior batches, oldest first.
func (c *Coordinator) History() []types.Batch {
	return c.registry.History()
}

// IsBatchComplete reports whether every job of the batch is terminal.
func (c *Coordinator) IsBatchComplete(batchID string) bool {
	return c.registry.IsBatchComplete(batchID)
}

// Connection returns the result stream connection state.
func (c *Coordinator) Connection() types.ConnectionState {
	return c.conn.State()
}

// OnConnectionChange registers a connection state listener.
func (c *Coordinator) OnConnectionChange(fn func(types.ConnectionState)) {
	c.conn.OnStateChange(fn)
}

// OnAllJobsResolved registers fn to run once per batch, the moment every
// job of the batch first becomes terminal. fn runs on the goroutine that
// applied the final mutation and must not block.
func (c *Coordinator) OnAllJobsResolved(fn func(types.Batch)) {
	c.registry.OnResolved(fn)
}

// ReconcileJobIDs replaces placeholder job ids of the current batch with
// the ids the service accepted, and records its thread id.
func (c *Coordinator) ReconcileJobIDs(jobIDs []string, threadID string) error {
	return c.registry.ReconcileJobIDs(jobIDs, threadID)
}

// MergeHistory merges batches from the listing API, the archive or the
// state file into history. Returns the number merged.
func (c *Coordinator) MergeHistory(batches []types.Batch) int {
	n := c.registry.MergeHistory(batches)
	if n > 0 {
		c.logger.Info("history merged", map[string]any{"batches": n})
	}
	return n
}

// Job returns a copy of a job from the active batch or history.
func (c *Coordinator) Job(jobID string) (types.Job, bool) {
	return c.registry.Job(jobID)
}

// Snapshot returns the read model.
func (c *Coordinator) Snapshot() Snapshot {
	s := Snapshot{
		SessionID:  c.sessionID,
		History:    c.registry.History(),
		Connection: c.conn.State(),
		Metrics:    c.collector.Snapshot(),
	}
	if b, ok := c.registry.Active(); ok {
		s.Current = &b
	}
	if c.fetcher != nil {
		s.FallbackPending = c.fetcher.Pending()
	}
	return s
}

// HandleBinary decodes an artifact frame and records it.
func (c *Coordinator) HandleBinary(data []byte) {
	frame, err := c.decoder.Decode(data)
	if err != nil {
		if c.legacyUndelimited && ipc.IsNoDelimiter(err) {
			if jobID := c.registry.RecordUndelimited(data, ipc.Sniff(data)); jobID != "" {
				c.logger.Debug("undelimited frame attributed", map[string]any{
					"job_id": jobID,
					"size":   len(data),
				})
				return
			}
		}
		c.collector.IncFrameDecodeErrors()
		fields := map[string]any{
			"error": err.Error(),
			"size":  len(data),
		}
		var frameErr *ipc.FrameError
		if errors.As(err, &frameErr) {
			fields["kind"] = frameErr.Kind.String()
		}
		c.logger.Warn("dropping malformed frame", fields)
		return
	}
	c.collector.IncFramesDecoded()

	if _, err := c.registry.RecordFrame(frame); err != nil {
		c.logger.Warn("dropping frame", map[string]any{
			"job_id": frame.JobID,
			"error":  err.Error(),
		})
	}
}

// HandleText routes a status message and records it.
func (c *Coordinator) HandleText(data []byte) {
	ev, err := c.router.Route(data)
	if err != nil {
		if status.IsIgnorable(err) {
			return
		}
		c.collector.IncStatusParseErrors()
		c.logger.Warn("dropping status message", map[string]any{
			"error": err.Error(),
			"size":  len(data),
		})
		return
	}
	c.collector.IncStatusEvents()

	if _, err := c.registry.RecordStatus(ev); err != nil {
		c.logger.Warn("dropping status event", map[string]any{
			"job_id": ev.JobID,
			"status": string(ev.Status),
			"error":  err.Error(),
		})
	}
}

// HandleExhausted degrades the current batch after the reconnect budget ran out.
func (c *Coordinator) HandleExhausted(err error) {
	c.registry.Degrade(err.Error())
}

// handleResolved runs once per resolved batch.
func (c *Coordinator) handleResolved(b types.Batch) {
	c.mu.Lock()
	if !c.closed {
		c.wg.Add(1)
		go c.sink(b)
	}
	c.mu.Unlock()

	if !c.registry.HasOutstanding() {
		c.conn.Disconnect()
	}
}

// sink archives the batch, saves the state file and publishes the event.
// Every step is best-effort.
func (c *Coordinator) sink(b types.Batch) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(c.ctx, c.sinkTimeout)
	defer cancel()

	var storagePath string
	if c.archive != nil {
		written, err := c.archive.WriteBatch(ctx, b)
		if err != nil {
			c.collector.IncArchiveWriteFailure()
			c.logger.Error("archive write failed", map[string]any{
				"batch_id": b.BatchID,
				"error":    err.Error(),
			})
		} else {
			c.collector.IncArchiveWriteSuccess()
			storagePath = written.Path
			// Stream bytes are not persisted; the sidecar keeps them reachable.
			c.registry.SetArtifactURLs(b.BatchID, written.ArtifactURLs)
		}
	}

	if c.state != nil {
		if err := c.state.SaveFrom(c.registry.History); err != nil {
			c.logger.Warn("state file save failed", map[string]any{
				"error": err.Error(),
			})
		}
	}

	if c.publisher != nil {
		event := adapter.NewBatchResolvedEvent(c.sessionID, b, storagePath)
		if err := c.publisher.Publish(ctx, event); err != nil {
			c.collector.IncPublishFailure()
			c.logger.Warn("publish failed", map[string]any{
				"batch_id": b.BatchID,
				"error":    err.Error(),
			})
		} else {
			c.collector.IncPublishSuccess()
		}
	}
}

// Close stops the connection and fallback timers, flushes pending sink work
// and closes the publisher.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var errs []error
	if err := c.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.fetcher != nil {
		if err := c.fetcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.wg.Wait()
	c.cancel()
	if c.publisher != nil {
		if err := c.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	return errors.Join(errs...)
}
