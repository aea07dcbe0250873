// Package status normalizes textual status messages from the result stream
// into canonical status events.
//
// Accepted shapes (any combination, field names job_id / jobId / jobID):
//
//	{"job_id": "j1", "status": "completed"}
//	{"jobId": "j1", "stage": "processing"}
//	{"jobId": "j1", "completed": true}
//	{"job_id": "j1", "error": "out of credits"}
//
// When several signals are present the strongest wins:
// failed > completed > processing > queued.
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pithecene-io/genstream/types"
)

// Route errors. Callers log and drop the message.
var (
	// ErrMalformed indicates the message is not a JSON object.
	ErrMalformed = errors.New("malformed status message")
	// ErrNoJobID indicates the message carries no job id.
	ErrNoJobID = errors.New("status message has no job id")
	// ErrUnknownStatus indicates no recognizable status signal.
	ErrUnknownStatus = errors.New("status message has no recognizable status")
	// ErrIgnorable indicates a control message (ping, heartbeat, ...).
	ErrIgnorable = errors.New("ignorable control message")
)

// IsIgnorable returns true if err marks a control message that needs no logging.
func IsIgnorable(err error) bool {
	return errors.Is(err, ErrIgnorable)
}

var jobIDKeys = []string{"job_id", "jobId", "jobID"}

var ignorableTypes = map[string]bool{
	"ping":      true,
	"pong":      true,
	"heartbeat": true,
	"connected": true,
}

var vocabulary = map[string]types.JobStatus{
	"queued":      types.JobQueued,
	"pending":     types.JobQueued,
	"waiting":     types.JobQueued,
	"started":     types.JobProcessing,
	"processing":  types.JobProcessing,
	"running":     types.JobProcessing,
	"in_progress": types.JobProcessing,
	"generating":  types.JobProcessing,
	"completed":   types.JobCompleted,
	"complete":    types.JobCompleted,
	"done":        types.JobCompleted,
	"success":     types.JobCompleted,
	"succeeded":   types.JobCompleted,
	"failed":      types.JobFailed,
	"failure":     types.JobFailed,
	"error":       types.JobFailed,
}

// Router normalizes status messages. It is stateless and safe for concurrent use.
type Router struct{}

// NewRouter creates a new status router.
func NewRouter() *Router {
	return &Router{}
}

// Route parses one textual message into a canonical status event.
func (r *Router) Route(raw []byte) (*types.StatusEvent, error) {
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	if t, ok := msg["type"].(string); ok && ignorableTypes[strings.ToLower(t)] {
		return nil, fmt.Errorf("%w: %s", ErrIgnorable, t)
	}

	jobID := extractJobID(msg)
	if jobID == "" {
		return nil, ErrNoJobID
	}

	ev := &types.StatusEvent{JobID: jobID}
	best := -1
	consider := func(s types.JobStatus) {
		if w := weight(s); w > best {
			best = w
			ev.Status = s
		}
	}

	if s, ok := lookup(msg["status"]); ok {
		consider(s)
	}

	stage, _ := msg["stage"].(string)
	if stage != "" {
		if s, ok := lookup(stage); ok {
			consider(s)
		} else {
			// Unrecognized stages are progress labels.
			consider(types.JobProcessing)
		}
	}

	if done, ok := msg["completed"].(bool); ok && done {
		consider(types.JobCompleted)
	}

	errText, failed := extractError(msg["error"])
	if failed {
		consider(types.JobFailed)
	}

	if best < 0 {
		return nil, fmt.Errorf("%w: job %s", ErrUnknownStatus, jobID)
	}

	switch {
	case ev.Status == types.JobFailed && errText != "":
		ev.Message = errText
	case stringField(msg, "message") != "":
		ev.Message = stringField(msg, "message")
	case stage != "":
		ev.Message = stage
	}

	if p, ok := extractProgress(msg["progress"]); ok {
		ev.Progress = &p
	}

	return ev, nil
}

// weight orders canonical statuses by precedence.
func weight(s types.JobStatus) int {
	switch s {
	case types.JobQueued:
		return 0
	case types.JobProcessing:
		return 1
	case types.JobCompleted:
		return 2
	case types.JobFailed:
		return 3
	default:
		return -1
	}
}

func lookup(v any) (types.JobStatus, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	st, ok := vocabulary[strings.ToLower(strings.TrimSpace(s))]
	return st, ok
}

func extractJobID(msg map[string]any) string {
	for _, key := range jobIDKeys {
		switch v := msg[key].(type) {
		case string:
			if id := strings.TrimSpace(v); id != "" {
				return id
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// extractError reports whether the error field signals failure.
func extractError(v any) (string, bool) {
	switch e := v.(type) {
	case string:
		e = strings.TrimSpace(e)
		return e, e != ""
	case bool:
		return "", e
	case map[string]any:
		if m, ok := e["message"].(string); ok {
			return m, true
		}
		return "", true
	default:
		return "", false
	}
}

func extractProgress(v any) (int, bool) {
	var f float64
	switch p := v.(type) {
	case float64:
		f = p
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(p), "%"), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	// Fractions in [0,1] are treated as ratios.
	if f > 0 && f < 1 {
		f *= 100
	}
	return int(math.Round(math.Max(0, math.Min(100, f)))), true
}

func stringField(msg map[string]any, key string) string {
	s, _ := msg[key].(string)
	return strings.TrimSpace(s)
}
