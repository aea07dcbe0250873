// Package metrics provides per-session metrics collection.
//
// The Collector accumulates counters for the lifetime of one correlator
// session. It is a leaf package with no internal dependencies.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all session metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Stream frames
	FramesDecoded      int64 `json:"frames_decoded"`
	FrameDecodeErrors  int64 `json:"frame_decode_errors"`
	LegacyAttributions int64 `json:"legacy_attributions"`
	UnknownJobs        int64 `json:"unknown_jobs"`

	// Status events
	StatusEvents      int64 `json:"status_events"`
	StatusParseErrors int64 `json:"status_parse_errors"`

	// Fallback
	FallbackArmed   int64 `json:"fallback_armed"`
	FallbackSuccess int64 `json:"fallback_success"`
	FallbackFailure int64 `json:"fallback_failure"`

	// Connection
	ConnectionsOpened  int64 `json:"connections_opened"`
	Reconnects         int64 `json:"reconnects"`
	ReconnectExhausted int64 `json:"reconnect_exhausted"`

	// Batches
	BatchesStarted  int64 `json:"batches_started"`
	BatchesResolved int64 `json:"batches_resolved"`
	JobsDegraded    int64 `json:"jobs_degraded"`

	// Archive / adapter
	ArchiveWriteSuccess int64 `json:"archive_write_success"`
	ArchiveWriteFailure int64 `json:"archive_write_failure"`
	PublishSuccess      int64 `json:"publish_success"`
	PublishFailure      int64 `json:"publish_failure"`

	// Dimensions (informational, set at construction)
	StorageBackend string `json:"storage_backend"`
	Adapter        string `json:"adapter"`
	SessionID      string `json:"session_id"`
}

// Collector accumulates metrics during a session.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	framesDecoded      int64
	frameDecodeErrors  int64
	legacyAttributions int64
	unknownJobs        int64

	statusEvents      int64
	statusParseErrors int64

	fallbackArmed   int64
	fallbackSuccess int64
	fallbackFailure int64

	connectionsOpened  int64
	reconnects         int64
	reconnectExhausted int64

	batchesStarted  int64
	batchesResolved int64
	jobsDegraded    int64

	archiveWriteSuccess int64
	archiveWriteFailure int64
	publishSuccess      int64
	publishFailure      int64

	storageBackend string
	adapter        string
	sessionID      string
}

// NewCollector creates a Collector with dimension labels.
// Empty dimensions are reported as "none".
func NewCollector(storageBackend, adapter, sessionID string) *Collector {
	if storageBackend == "" {
		storageBackend = "none"
	}
	if adapter == "" {
		adapter = "none"
	}
	return &Collector{
		storageBackend: storageBackend,
		adapter:        adapter,
		sessionID:      sessionID,
	}
}

func (c *Collector) add(counter *int64, n int64) {
	c.mu.Lock()
	*counter += n
	c.mu.Unlock()
}

// --- Stream frames ---

// IncFramesDecoded records a successfully decoded binary frame.
func (c *Collector) IncFramesDecoded() {
	if c == nil {
		return
	}
	c.add(&c.framesDecoded, 1)
}

// IncFrameDecodeErrors records a malformed binary frame.
func (c *Collector) IncFrameDecodeErrors() {
	if c == nil {
		return
	}
	c.add(&c.frameDecodeErrors, 1)
}

// IncLegacyAttributions records an undelimited message attributed by position.
func (c *Collector) IncLegacyAttributions() {
	if c == nil {
		return
	}
	c.add(&c.legacyAttributions, 1)
}

// IncUnknownJobs records a frame or status referencing an unknown job.
func (c *Collector) IncUnknownJobs() {
	if c == nil {
		return
	}
	c.add(&c.unknownJobs, 1)
}

// --- Status events ---

// IncStatusEvents records a routed status event.
func (c *Collector) IncStatusEvents() {
	if c == nil {
		return
	}
	c.add(&c.statusEvents, 1)
}

// IncStatusParseErrors records an unparseable status message.
func (c *Collector) IncStatusParseErrors() {
	if c == nil {
		return
	}
	c.add(&c.statusParseErrors, 1)
}

// --- Fallback ---

// IncFallbackArmed records an armed fallback timer.
func (c *Collector) IncFallbackArmed() {
	if c == nil {
		return
	}
	c.add(&c.fallbackArmed, 1)
}

// IncFallbackSuccess records a fallback fetch that produced an artifact.
func (c *Collector) IncFallbackSuccess() {
	if c == nil {
		return
	}
	c.add(&c.fallbackSuccess, 1)
}

// IncFallbackFailure records a failed fallback fetch.
func (c *Collector) IncFallbackFailure() {
	if c == nil {
		return
	}
	c.add(&c.fallbackFailure, 1)
}

// --- Connection ---

// IncConnectionsOpened records a successful dial.
func (c *Collector) IncConnectionsOpened() {
	if c == nil {
		return
	}
	c.add(&c.connectionsOpened, 1)
}

// IncReconnects records a scheduled reconnect.
func (c *Collector) IncReconnects() {
	if c == nil {
		return
	}
	c.add(&c.reconnects, 1)
}

// IncReconnectExhausted records reaching the reconnect attempt cap.
func (c *Collector) IncReconnectExhausted() {
	if c == nil {
		return
	}
	c.add(&c.reconnectExhausted, 1)
}

// --- Batches ---

// IncBatchesStarted records a started batch.
func (c *Collector) IncBatchesStarted() {
	if c == nil {
		return
	}
	c.add(&c.batchesStarted, 1)
}

// IncBatchesResolved records a batch whose jobs all became terminal.
func (c *Collector) IncBatchesResolved() {
	if c == nil {
		return
	}
	c.add(&c.batchesResolved, 1)
}

// AddJobsDegraded records jobs moved to completed_degraded.
func (c *Collector) AddJobsDegraded(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.add(&c.jobsDegraded, int64(n))
}

// --- Archive / adapter ---
// Archive counters are per batch, not per record.

// IncArchiveWriteSuccess records a successful archive write.
func (c *Collector) IncArchiveWriteSuccess() {
	if c == nil {
		return
	}
	c.add(&c.archiveWriteSuccess, 1)
}

// IncArchiveWriteFailure records a failed archive write.
func (c *Collector) IncArchiveWriteFailure() {
	if c == nil {
		return
	}
	c.add(&c.archiveWriteFailure, 1)
}

// IncPublishSuccess records a successful adapter publish.
func (c *Collector) IncPublishSuccess() {
	if c == nil {
		return
	}
	c.add(&c.publishSuccess, 1)
}

// IncPublishFailure records a failed adapter publish.
func (c *Collector) IncPublishFailure() {
	if c == nil {
		return
	}
	c.add(&c.publishFailure, 1)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
// The Collector can continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		FramesDecoded:      c.framesDecoded,
		FrameDecodeErrors:  c.frameDecodeErrors,
		LegacyAttributions: c.legacyAttributions,
		UnknownJobs:        c.unknownJobs,

		StatusEvents:      c.statusEvents,
		StatusParseErrors: c.statusParseErrors,

		FallbackArmed:   c.fallbackArmed,
		FallbackSuccess: c.fallbackSuccess,
		FallbackFailure: c.fallbackFailure,

		ConnectionsOpened:  c.connectionsOpened,
		Reconnects:         c.reconnects,
		ReconnectExhausted: c.reconnectExhausted,

		BatchesStarted:  c.batchesStarted,
		BatchesResolved: c.batchesResolved,
		JobsDegraded:    c.jobsDegraded,

		ArchiveWriteSuccess: c.archiveWriteSuccess,
		ArchiveWriteFailure: c.archiveWriteFailure,
		PublishSuccess:      c.publishSuccess,
		PublishFailure:      c.publishFailure,

		StorageBackend: c.storageBackend,
		Adapter:        c.adapter,
		SessionID:      c.sessionID,
	}
}
