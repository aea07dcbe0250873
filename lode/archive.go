// Package lode archives resolved batches into a Lode dataset.
//
// Each resolved batch becomes one batch record and one job record per job,
// JSONL-encoded under a Hive layout keyed by session, day, batch_id and
// record_kind. Artifact bytes are written beside the records as sidecar
// files through the dataset's store.
package lode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/genstream/types"
)

// DefaultDataset is the dataset id used when none is configured.
const DefaultDataset = "genstream"

// partitionKeys is the Hive layout of the archive, outermost first.
var partitionKeys = []string{"session", "day", "batch_id", "record_kind"}

// Config configures an Archive.
type Config struct {
	// Dataset is the Lode dataset id (default "genstream").
	Dataset string
	// SessionID partitions every record written by this archive.
	SessionID string
	// SkipFiles disables sidecar artifact files; only records are written.
	SkipFiles bool
}

// Archive writes and reads resolved batches.
type Archive struct {
	dataset lode.Dataset
	config  Config
	// location prefixes storage paths, e.g. "file:///data" or "s3://bucket/prefix".
	location string

	storeFactory lode.StoreFactory
	storeOnce    sync.Once
	store        lode.Store
	storeErr     error

	mu sync.Mutex // serializes dataset writes
}

// NewFSArchive creates an archive on the local filesystem under root.
func NewFSArchive(cfg Config, root string) (*Archive, error) {
	return NewArchive(cfg, lode.NewFSFactory(root), "file://"+root)
}

// NewArchive creates an archive over any store factory.
// Use lode.NewMemoryFactory() in tests.
func NewArchive(cfg Config, factory lode.StoreFactory, location string) (*Archive, error) {
	if cfg.Dataset == "" {
		cfg.Dataset = DefaultDataset
	}
	ds, err := newDataset(cfg.Dataset, factory)
	if err != nil {
		return nil, WrapInitError(err, cfg.Dataset)
	}
	return &Archive{
		dataset:      ds,
		config:       cfg,
		location:     strings.TrimSuffix(location, "/"),
		storeFactory: factory,
	}, nil
}

func newDataset(id string, factory lode.StoreFactory) (lode.Dataset, error) {
	return lode.NewDataset(
		lode.DatasetID(id),
		factory,
		lode.WithHiveLayout(partitionKeys...),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
}

// WriteBatch archives a resolved batch and returns its storage path along
// with the location of every sidecar file written. Sidecar files are
// written first so that a record never references a missing file.
func (a *Archive) WriteBatch(ctx context.Context, b types.Batch) (types.ArchivedBatch, error) {
	day := b.CreatedAt.UTC().Format("2006-01-02")
	key := partitionKey{session: a.config.SessionID, day: day, batchID: b.BatchID}

	var files map[string]string
	records := make([]any, 0, len(b.Jobs)+1)
	records = append(records, toBatchRecordMap(b, key))
	for _, j := range b.Jobs {
		var file string
		if !a.config.SkipFiles && j.Artifact.HasData() {
			name := artifactFilename(j.JobID, j.Artifact.ContentType)
			path, err := a.putFile(ctx, key, name, j.Artifact.Data)
			if err != nil {
				return types.ArchivedBatch{}, err
			}
			file = path
			if files == nil {
				files = make(map[string]string)
			}
			files[j.JobID] = a.location + "/" + path
		}
		records = append(records, toJobRecordMap(j, key, file))
	}

	a.mu.Lock()
	_, err := a.dataset.Write(ctx, records, lode.Metadata{})
	a.mu.Unlock()
	if err != nil {
		return types.ArchivedBatch{}, WrapWriteError(err, a.batchPath(key))
	}
	return types.ArchivedBatch{
		Path:         a.location + "/" + a.batchPath(key),
		ArtifactURLs: files,
	}, nil
}

// ReadBatches reads every archived batch, oldest first. Artifacts carry
// references (URL or sidecar location) but no bytes. An empty sessionID
// reads all sessions.
func (a *Archive) ReadBatches(ctx context.Context, sessionID string) ([]types.Batch, error) {
	snapshots, err := a.dataset.Snapshots(ctx)
	if err != nil {
		return nil, WrapReadError(err, a.config.Dataset+"/snapshots")
	}

	asm := newAssembler(a.location)
	for _, snap := range snapshots {
		if !snapshotMatchesFilter(snap, "session", sessionID) {
			continue
		}
		data, err := a.dataset.Read(ctx, snap.ID)
		if err != nil {
			return nil, WrapReadError(err, fmt.Sprintf("%s/snapshot/%s", a.config.Dataset, snap.ID))
		}
		for _, item := range data {
			record, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if sessionID != "" && toString(record["session"]) != sessionID {
				continue
			}
			asm.add(record)
		}
	}

	batches := asm.batches()
	sort.SliceStable(batches, func(i, j int) bool {
		return batches[i].CreatedAt.Before(batches[j].CreatedAt)
	})
	return batches, nil
}

// ReadFile returns the bytes of a sidecar file by its store path.
func (a *Archive) ReadFile(ctx context.Context, path string) ([]byte, error) {
	store, err := a.getOrCreateStore()
	if err != nil {
		return nil, WrapInitError(err, a.config.Dataset)
	}
	rc, err := store.Get(ctx, path)
	if err != nil {
		return nil, WrapReadError(err, path)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, WrapReadError(err, path)
	}
	return data, nil
}

// Location returns the storage location prefix.
func (a *Archive) Location() string {
	return a.location
}

// ReadArtifact returns the bytes behind an artifact URL written by
// WriteBatch. ok is false for URLs outside this archive.
func (a *Archive) ReadArtifact(ctx context.Context, url string) (data []byte, ok bool, err error) {
	path, found := strings.CutPrefix(url, a.location+"/")
	if !found || path == "" {
		return nil, false, nil
	}
	data, err = a.ReadFile(ctx, path)
	return data, true, err
}

// Close releases archive resources.
func (a *Archive) Close() error {
	return nil
}

type partitionKey struct {
	session string
	day     string
	batchID string
}

// batchPath is the Hive partition prefix of a batch.
func (a *Archive) batchPath(k partitionKey) string {
	return fmt.Sprintf("datasets/%s/partitions/session=%s/day=%s/batch_id=%s",
		a.config.Dataset, k.session, k.day, k.batchID)
}

func (a *Archive) putFile(ctx context.Context, k partitionKey, name string, data []byte) (string, error) {
	store, err := a.getOrCreateStore()
	if err != nil {
		return "", WrapInitError(err, a.config.Dataset)
	}
	path := a.batchPath(k) + "/files/" + name
	// Sidecars are write-once; a rewrite of the same batch reuses them.
	if ok, err := store.Exists(ctx, path); err == nil && ok {
		return path, nil
	}
	if err := store.Put(ctx, path, bytes.NewReader(data)); err != nil {
		return "", WrapWriteError(err, path)
	}
	return path, nil
}

func (a *Archive) getOrCreateStore() (lode.Store, error) {
	a.storeOnce.Do(func() {
		a.store, a.storeErr = a.storeFactory()
	})
	return a.store, a.storeErr
}

// artifactFilename derives a path-safe sidecar name from the job id and
// content type.
func artifactFilename(jobID, contentType string) string {
	safe := []byte(jobID)
	for i, c := range safe {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			safe[i] = '_'
		}
	}
	ext := ".bin"
	if m := mimetype.Lookup(contentType); m != nil && m.Extension() != "" {
		ext = m.Extension()
	}
	return string(safe) + ext
}

// snapshotMatchesFilter checks if a snapshot's file paths match the given
// partition key=value filter. An empty value matches everything.
func snapshotMatchesFilter(snap *lode.DatasetSnapshot, key, value string) bool {
	if value == "" {
		return true
	}
	for _, f := range snap.Manifest.Files {
		if matchesPartitionValue(f.Path, key, value) {
			return true
		}
	}
	return false
}

// matchesPartitionValue checks for an exact key=value path segment, so
// batch_id=b-1 does not match batch_id=b-10.
func matchesPartitionValue(path, key, value string) bool {
	segment := key + "=" + value
	for _, part := range strings.Split(path, "/") {
		if part == segment {
			return true
		}
	}
	return false
}
