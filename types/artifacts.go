//nolint:revive // types is a common Go package naming convention
package types

// ArtifactSource records which delivery path produced an artifact.
type ArtifactSource string

const (
	// ArtifactSourceStream is a binary frame received on the result stream.
	ArtifactSourceStream ArtifactSource = "stream"
	// ArtifactSourceFallback is an HTTP fallback fetch.
	ArtifactSourceFallback ArtifactSource = "fallback"
	// ArtifactSourceLegacy is an undelimited stream message attributed by position.
	ArtifactSourceLegacy ArtifactSource = "legacy"
	// ArtifactSourceHistory is an artifact reference loaded from a listing or archive.
	ArtifactSourceHistory ArtifactSource = "history"
)

// Artifact is the produced image or video for a job.
// At least one of Data or URL is set. An artifact carrying only a URL is a
// valid reference; Data is hydrated best-effort.
type Artifact struct {
	// ContentType is the MIME type of the artifact.
	ContentType string `json:"content_type" msgpack:"content_type"`
	// Data holds the raw artifact bytes, if materialized.
	Data []byte `json:"-" msgpack:"data,omitempty"`
	// URL is a remote reference to the artifact, if known.
	URL string `json:"url,omitempty" msgpack:"url,omitempty"`
	// SizeBytes is len(Data) when materialized, otherwise the advertised size.
	SizeBytes int64 `json:"size_bytes" msgpack:"size_bytes"`
	// Source is the delivery path that produced the artifact.
	Source ArtifactSource `json:"source" msgpack:"source"`
}

// HasData reports whether the artifact bytes are materialized.
func (a *Artifact) HasData() bool {
	return a != nil && len(a.Data) > 0
}

// Clone returns a deep copy of the artifact.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	c := *a
	if a.Data != nil {
		c.Data = make([]byte, len(a.Data))
		copy(c.Data, a.Data)
	}
	return &c
}

// WithoutData returns a copy that keeps the reference fields but drops the bytes.
// Used where the read model is persisted or published.
func (a *Artifact) WithoutData() *Artifact {
	if a == nil {
		return nil
	}
	c := *a
	c.Data = nil
	return &c
}

// ArchivedBatch describes where a resolved batch was archived.
type ArchivedBatch struct {
	// Path is the storage location of the batch records.
	Path string
	// ArtifactURLs maps job id to the stored location of artifact bytes
	// written beside the records.
	ArtifactURLs map[string]string
}
