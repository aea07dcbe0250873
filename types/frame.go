//nolint:revive // types is a common Go package naming convention
package types

// Frame is one decoded binary stream message. Transient: produced by the
// frame decoder and consumed immediately by the registry.
type Frame struct {
	// JobID identifies the job the payload belongs to.
	JobID string
	// ContentType is the declared or sniffed MIME type.
	ContentType string
	// Payload is the raw artifact bytes.
	Payload []byte
}

// StatusEvent is the canonical form of a status message.
type StatusEvent struct {
	JobID string
	// Status is one of Queued, Processing, Completed, Failed.
	Status JobStatus
	// Message carries a stage label or error text, if any.
	Message string
	// Progress is a reported percentage, if any.
	Progress *int
}
