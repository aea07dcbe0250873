// Package statefile persists the session's batch history between runs.
//
// The file holds a msgpack-encoded envelope with the history read model:
// artifact references (URL, content type, size) are kept, artifact bytes
// are not. Writes go to a temp file in the same directory followed by a
// rename, so a reader never observes a partial file.
package statefile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/genstream/types"
)

// FormatVersion is the envelope version written by Save.
const FormatVersion = 1

// ErrUnsupportedVersion is returned by Load for files written by a newer format.
var ErrUnsupportedVersion = errors.New("unsupported state file version")

// envelope is the on-disk shape.
type envelope struct {
	Version   int           `msgpack:"version"`
	SessionID string        `msgpack:"session_id"`
	SavedAt   time.Time     `msgpack:"saved_at"`
	Batches   []types.Batch `msgpack:"batches"`
}

// File is a state file bound to a path and session.
// Safe for concurrent use.
type File struct {
	path      string
	sessionID string
	mu        sync.Mutex
}

// New returns a state file at path. Nothing is touched until Save or Load.
func New(path, sessionID string) *File {
	return &File{path: path, sessionID: sessionID}
}

// Path returns the file path.
func (f *File) Path() string {
	return f.path
}

// Save replaces the file contents with batches, bytes stripped.
func (f *File) Save(batches []types.Batch) error {
	return f.SaveFrom(func() []types.Batch { return batches })
}

// SaveFrom calls snapshot under the file lock and writes its result, so
// concurrent callers never replace a newer snapshot with an older one.
func (f *File) SaveFrom(snapshot func() []types.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	env := envelope{
		Version:   FormatVersion,
		SessionID: f.sessionID,
		SavedAt:   time.Now().UTC(),
		Batches:   stripData(snapshot()),
	}
	data, err := msgpack.Marshal(&env)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// Load reads the persisted history. A missing file yields no batches and
// no error. Every returned batch is frozen.
func (f *File) Load() ([]types.Batch, error) {
	f.mu.Lock()
	data, err := os.ReadFile(f.path)
	f.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", f.path, err)
	}
	if env.Version > FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}
	for i := range env.Batches {
		env.Batches[i].Frozen = true
	}
	return env.Batches, nil
}

func stripData(batches []types.Batch) []types.Batch {
	out := make([]types.Batch, len(batches))
	for i, b := range batches {
		c := b.Clone()
		for j := range c.Jobs {
			c.Jobs[j].Artifact = c.Jobs[j].Artifact.WithoutData()
		}
		out[i] = c
	}
	return out
}
