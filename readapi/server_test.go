package readapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pithecene-io/genstream/metrics"
	"github.com/pithecene-io/genstream/runtime"
	"github.com/pithecene-io/genstream/types"
)

type fakeSource struct {
	snap runtime.Snapshot
}

func (f *fakeSource) Snapshot() runtime.Snapshot { return f.snap }

func (f *fakeSource) LatestBatch() (types.Batch, bool) {
	if f.snap.Current != nil {
		return *f.snap.Current, true
	}
	if n := len(f.snap.History); n > 0 {
		return f.snap.History[n-1], true
	}
	return types.Batch{}, false
}

func (f *fakeSource) Job(jobID string) (types.Job, bool) {
	batches := f.snap.History
	if f.snap.Current != nil {
		batches = append([]types.Batch{*f.snap.Current}, batches...)
	}
	for _, b := range batches {
		for _, j := range b.Jobs {
			if j.JobID == jobID {
				return j, true
			}
		}
	}
	return types.Job{}, false
}

func testSource() *fakeSource {
	current := types.Batch{
		BatchID: "b-2",
		Kind:    types.MediaImage,
		Jobs: []types.Job{
			{JobID: "j3", Status: types.JobCompleted, Artifact: &types.Artifact{ContentType: "image/png", Data: []byte("png")}},
			{JobID: "j4", Status: types.JobProcessing},
		},
	}
	return &fakeSource{snap: runtime.Snapshot{
		SessionID: "sess-1",
		Current:   &current,
		History: []types.Batch{{
			BatchID: "b-1",
			Frozen:  true,
			Jobs: []types.Job{
				{JobID: "j1", Status: types.JobCompleted, Artifact: &types.Artifact{URL: "https://cdn.example.com/j1.png"}},
				{JobID: "j2", Status: types.JobFailed},
			},
		}},
		Connection:      types.ConnectionState{Phase: types.PhaseConnected},
		FallbackPending: 1,
		Metrics:         metrics.Snapshot{FramesDecoded: 3},
	}}
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestRoutes_Status(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := New(testSource(), nil)

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/batch/current", http.StatusOK},
		{"/batch/b-1", http.StatusOK},
		{"/batch/b-2", http.StatusOK},
		{"/batch/nope", http.StatusNotFound},
		{"/history", http.StatusOK},
		{"/connection", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/jobs/j3/artifact", http.StatusOK},
		{"/jobs/j1/artifact", http.StatusFound},
		{"/jobs/j4/artifact", http.StatusNotFound},
		{"/jobs/missing/artifact", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if rec := get(t, s, tt.path); rec.Code != tt.want {
				t.Errorf("GET %s = %d, want %d (body %s)", tt.path, rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestCurrentBatch_View(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := New(testSource(), nil)

	v := decode[map[string]any](t, get(t, s, "/batch/current"))
	if v["batch_id"] != "b-2" {
		t.Errorf("batch_id = %v, want b-2", v["batch_id"])
	}
	if v["complete"] != false {
		t.Errorf("complete = %v, want false", v["complete"])
	}
	if _, ok := v["outcome"]; ok {
		t.Error("outcome present for an incomplete batch")
	}
}

func TestHistory_OutcomeAndNoBytes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	src := testSource()
	src.snap.History[0].Jobs[0].Artifact.Data = []byte("secret-bytes")
	s := New(src, nil)

	rec := get(t, s, "/history")
	views := decode[[]map[string]any](t, rec)
	if len(views) != 1 {
		t.Fatalf("len(history) = %d, want 1", len(views))
	}
	if views[0]["outcome"] != "partial_failure" {
		t.Errorf("outcome = %v, want partial_failure", views[0]["outcome"])
	}
	if body := rec.Body.String(); strings.Contains(body, "secret-bytes") || strings.Contains(body, "c2VjcmV0") {
		t.Error("artifact bytes leaked into JSON")
	}
}

func TestArtifact_ServesBytesAndRedirects(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := New(testSource(), nil)

	rec := get(t, s, "/jobs/j3/artifact")
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	if rec.Body.String() != "png" {
		t.Errorf("body = %q, want png", rec.Body.String())
	}

	rec = get(t, s, "/jobs/j1/artifact")
	if loc := rec.Header().Get("Location"); loc != "https://cdn.example.com/j1.png" {
		t.Errorf("Location = %q", loc)
	}
}

type fakeArtifacts struct {
	files map[string][]byte
}

func (f *fakeArtifacts) ReadArtifact(_ context.Context, url string) ([]byte, bool, error) {
	if !strings.HasPrefix(url, "file:///archive/") {
		return nil, false, nil
	}
	data, ok := f.files[url]
	if !ok {
		return nil, true, errors.New("not found")
	}
	return data, true, nil
}

func TestArtifact_ServesArchivedBytes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	src := testSource()
	src.snap.History[0].Jobs = append(src.snap.History[0].Jobs,
		types.Job{JobID: "j5", Status: types.JobCompleted, Artifact: &types.Artifact{ContentType: "image/png", URL: "file:///archive/j5.png"}},
		types.Job{JobID: "j6", Status: types.JobCompleted, Artifact: &types.Artifact{ContentType: "image/png", URL: "file:///archive/gone.png"}},
	)
	s := New(src, nil)
	s.SetArtifactReader(&fakeArtifacts{files: map[string][]byte{"file:///archive/j5.png": []byte("archived")}})

	tests := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{"/jobs/j5/artifact", http.StatusOK, "archived"},
		{"/jobs/j6/artifact", http.StatusBadGateway, ""},
		{"/jobs/j1/artifact", http.StatusFound, ""},
	}
	for _, tt := range tests {
		rec := get(t, s, tt.path)
		if rec.Code != tt.wantCode {
			t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.wantCode)
		}
		if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
			t.Errorf("GET %s body = %q, want %q", tt.path, rec.Body.String(), tt.wantBody)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := New(testSource(), nil)

	h := decode[map[string]any](t, get(t, s, "/healthz"))
	if h["session_id"] != "sess-1" || h["connection"] != "connected" {
		t.Errorf("healthz = %v", h)
	}

	m := decode[map[string]any](t, get(t, s, "/metrics"))
	if m["fallback_pending"] != float64(1) {
		t.Errorf("fallback_pending = %v, want 1", m["fallback_pending"])
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := New(testSource(), nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
