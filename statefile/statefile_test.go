package statefile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/genstream/types"
)

func historyBatch(id string) types.Batch {
	created := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	return types.Batch{
		BatchID:   id,
		Prompt:    "p",
		Kind:      types.MediaImage,
		CreatedAt: created,
		Frozen:    true,
		Jobs: []types.Job{
			{
				JobID:  "j1",
				Status: types.JobCompleted,
				Artifact: &types.Artifact{
					ContentType: "image/png",
					Data:        []byte("png-bytes"),
					URL:         "https://cdn.example.com/j1.png",
					SizeBytes:   9,
					Source:      types.ArtifactSourceStream,
				},
			},
			{JobID: "j2", Index: 1, Status: types.JobFailed, Message: "nsfw"},
		},
	}
}

func TestSaveLoad_RoundTripStripsBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.msgpack")
	f := New(path, "sess-1")
	in := []types.Batch{historyBatch("b-1"), historyBatch("b-2")}

	if err := f.Save(in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !in[0].Jobs[0].Artifact.HasData() {
		t.Fatal("Save mutated the caller's artifact")
	}

	got, err := f.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(batches) = %d, want 2", len(got))
	}
	a := got[0].Jobs[0].Artifact
	if a == nil {
		t.Fatal("artifact reference lost")
	}
	if a.HasData() {
		t.Error("artifact bytes persisted, want stripped")
	}
	if a.URL != "https://cdn.example.com/j1.png" || a.ContentType != "image/png" || a.SizeBytes != 9 {
		t.Errorf("artifact = %+v, want reference fields kept", a)
	}
	if !got[1].CreatedAt.Equal(in[1].CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got[1].CreatedAt, in[1].CreatedAt)
	}
	if got[0].Jobs[1].Message != "nsfw" {
		t.Errorf("Message = %q, want nsfw", got[0].Jobs[1].Message)
	}
}

func TestSaveFrom_ConcurrentKeepsNewest(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "state.msgpack"), "sess-1")

	const writers = 16
	var (
		mu      sync.Mutex
		history []types.Batch
		wg      sync.WaitGroup
	)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.SaveFrom(func() []types.Batch {
				mu.Lock()
				defer mu.Unlock()
				history = append(history, historyBatch(fmt.Sprintf("b-%d", i)))
				return append([]types.Batch(nil), history...)
			})
			if err != nil {
				t.Errorf("SaveFrom: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := f.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != writers {
		t.Errorf("len(batches) = %d, want %d", len(got), writers)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "absent"), "s")
	got, err := f.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != nil {
		t.Errorf("Load = %v, want nil", got)
	}
}

func TestLoad_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	if err := os.WriteFile(path, []byte("not msgpack at all"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path, "s").Load(); err == nil {
		t.Error("Load of corrupt file = nil error")
	}
}

func TestLoad_NewerVersionRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	data, err := msgpack.Marshal(&envelope{Version: FormatVersion + 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	_, err = New(path, "s").Load()
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("Load err = %v, want ErrUnsupportedVersion", err)
	}
}

func TestLoad_MarksFrozen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	b := historyBatch("b-1")
	b.Frozen = false
	f := New(path, "s")
	if err := f.Save([]types.Batch{b}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := f.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !got[0].Frozen {
		t.Error("loaded batch not frozen")
	}
}

func TestSave_OverwritesWithoutLeftovers(t *testing.T) {
	dir := t.TempDir()
	f := New(filepath.Join(dir, "state"), "s")
	for _, id := range []string{"b-1", "b-2"} {
		if err := f.Save([]types.Batch{historyBatch(id)}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want 1 (temp files left behind)", len(entries))
	}
	got, _ := f.Load()
	if len(got) != 1 || got[0].BatchID != "b-2" {
		t.Errorf("Load = %+v, want only b-2", got)
	}
}
