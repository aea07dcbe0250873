package status

import (
	"errors"
	"testing"

	"github.com/pithecene-io/genstream/types"
)

func TestRouter_Shapes(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		jobID   string
		status  types.JobStatus
		message string
	}{
		{"status completed", `{"jobId":"j2","status":"completed"}`, "j2", types.JobCompleted, ""},
		{"snake job id", `{"job_id":"j1","status":"queued"}`, "j1", types.JobQueued, ""},
		{"started", `{"job_id":"j1","status":"started"}`, "j1", types.JobProcessing, ""},
		{"stage processing", `{"jobId":"j1","stage":"processing"}`, "j1", types.JobProcessing, "processing"},
		{"stage completed", `{"jobId":"j1","stage":"completed"}`, "j1", types.JobCompleted, "completed"},
		{"unknown stage is progress label", `{"jobId":"j1","stage":"upscaling"}`, "j1", types.JobProcessing, "upscaling"},
		{"completed flag", `{"jobId":"j1","completed":true}`, "j1", types.JobCompleted, ""},
		{"error string", `{"jobId":"j1","error":"nsfw content"}`, "j1", types.JobFailed, "nsfw content"},
		{"error flag", `{"jobId":"j1","error":true}`, "j1", types.JobFailed, ""},
		{"status error", `{"jobId":"j1","status":"error","message":"boom"}`, "j1", types.JobFailed, "boom"},
		{"status_update envelope", `{"type":"status_update","job_id":"j9","status":"processing"}`, "j9", types.JobProcessing, ""},
		{"numeric job id", `{"job_id":42,"status":"completed"}`, "42", types.JobCompleted, ""},
		{"case insensitive", `{"jobId":"j1","status":"COMPLETED"}`, "j1", types.JobCompleted, ""},
	}

	r := NewRouter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := r.Route([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Route failed: %v", err)
			}
			if ev.JobID != tt.jobID {
				t.Errorf("JobID = %q, want %q", ev.JobID, tt.jobID)
			}
			if ev.Status != tt.status {
				t.Errorf("Status = %q, want %q", ev.Status, tt.status)
			}
			if ev.Message != tt.message {
				t.Errorf("Message = %q, want %q", ev.Message, tt.message)
			}
		})
	}
}

func TestRouter_Precedence(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want types.JobStatus
	}{
		{"completed beats processing stage", `{"jobId":"j1","stage":"processing","completed":true}`, types.JobCompleted},
		{"error beats completed", `{"jobId":"j1","status":"completed","error":"late failure"}`, types.JobFailed},
		{"processing beats queued", `{"jobId":"j1","status":"queued","stage":"started"}`, types.JobProcessing},
	}

	r := NewRouter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := r.Route([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Route failed: %v", err)
			}
			if ev.Status != tt.want {
				t.Errorf("Status = %q, want %q", ev.Status, tt.want)
			}
		})
	}
}

func TestRouter_Progress(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{`{"jobId":"j1","stage":"rendering","progress":42}`, 42},
		{`{"jobId":"j1","stage":"rendering","progress":0.5}`, 50},
		{`{"jobId":"j1","stage":"rendering","progress":"75%"}`, 75},
		{`{"jobId":"j1","stage":"rendering","progress":250}`, 100},
	}

	r := NewRouter()
	for _, tt := range tests {
		ev, err := r.Route([]byte(tt.raw))
		if err != nil {
			t.Fatalf("Route(%s) failed: %v", tt.raw, err)
		}
		if ev.Progress == nil {
			t.Fatalf("Route(%s) Progress = nil", tt.raw)
		}
		if *ev.Progress != tt.want {
			t.Errorf("Route(%s) Progress = %d, want %d", tt.raw, *ev.Progress, tt.want)
		}
	}
}

func TestRouter_Failures(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"not json", `not json at all`, ErrMalformed},
		{"array", `[1,2,3]`, ErrMalformed},
		{"null", `null`, ErrMalformed},
		{"no job id", `{"status":"completed"}`, ErrNoJobID},
		{"blank job id", `{"jobId":"  ","status":"completed"}`, ErrNoJobID},
		{"unknown status", `{"jobId":"j1","status":"teleported"}`, ErrUnknownStatus},
		{"no signal", `{"jobId":"j1","credits":3}`, ErrUnknownStatus},
		{"completed false", `{"jobId":"j1","completed":false}`, ErrUnknownStatus},
		{"ping", `{"type":"ping"}`, ErrIgnorable},
		{"heartbeat", `{"type":"Heartbeat","jobId":"j1"}`, ErrIgnorable},
	}

	r := NewRouter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := r.Route([]byte(tt.raw))
			if err == nil {
				t.Fatalf("Route succeeded with %+v, want error", ev)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestIsIgnorable(t *testing.T) {
	_, err := NewRouter().Route([]byte(`{"type":"pong"}`))
	if !IsIgnorable(err) {
		t.Errorf("IsIgnorable(%v) = false, want true", err)
	}
	if IsIgnorable(ErrNoJobID) {
		t.Error("IsIgnorable(ErrNoJobID) = true, want false")
	}
}
