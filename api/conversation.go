package api

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/pithecene-io/genstream/types"
)

// Message statuses that carry a delivered artifact.
var deliveredStatuses = map[string]bool{
	"uploaded":  true,
	"completed": true,
}

// Conversation is the reply of GET /conversations/{threadId}.
type Conversation struct {
	ThreadID           string              `json:"thread_id"`
	GenerationRequests []GenerationRequest `json:"generation_requests"`
}

// GenerationRequest is one submitted batch within a conversation.
type GenerationRequest struct {
	ID          string    `json:"id"`
	Prompt      string    `json:"prompt"`
	ModelUsed   string    `json:"model_used"`
	AspectRatio string    `json:"aspect_ratio"`
	CreatedAt   string    `json:"created_at"`
	Messages    []Message `json:"messages"`
}

// Message is one job's record within a generation request.
type Message struct {
	ID       string `json:"id"`
	JobID    string `json:"job_id"`
	ImageURL string `json:"image_url"`
	VideoURL string `json:"video_url"`
	Status   string `json:"status"`
	Error    string `json:"error"`
}

// GetConversation fetches a conversation by thread id.
func (c *Client) GetConversation(ctx context.Context, threadID string) (*Conversation, error) {
	if threadID == "" {
		return nil, errors.New("api: thread id is required")
	}
	var conv Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(threadID), nil, &conv); err != nil {
		return nil, err
	}
	if conv.ThreadID == "" {
		conv.ThreadID = threadID
	}
	return &conv, nil
}

// Batches converts the conversation into history batches, oldest first
// as listed. Messages still in flight are skipped; requests left without
// jobs are dropped.
func (c *Conversation) Batches() []types.Batch {
	out := make([]types.Batch, 0, len(c.GenerationRequests))
	for _, req := range c.GenerationRequests {
		if b, ok := req.batch(c.ThreadID); ok {
			out = append(out, b)
		}
	}
	return out
}

func (r GenerationRequest) batch(threadID string) (types.Batch, bool) {
	b := types.Batch{
		BatchID:     r.ID,
		Prompt:      r.Prompt,
		Model:       r.ModelUsed,
		ThreadID:    threadID,
		Kind:        types.MediaImage,
		AspectRatio: r.AspectRatio,
	}
	if t, err := time.Parse(time.RFC3339Nano, r.CreatedAt); err == nil {
		b.CreatedAt = t
	}

	for _, m := range r.Messages {
		if m.JobID == "" {
			continue
		}
		ref := m.ImageURL
		if m.VideoURL != "" {
			ref = m.VideoURL
			b.Kind = types.MediaVideo
		}
		job := types.Job{JobID: m.JobID, Index: len(b.Jobs)}
		switch {
		case ref != "" && deliveredStatuses[m.Status]:
			job.Status = types.JobCompleted
			job.Artifact = &types.Artifact{
				ContentType: contentTypeFor(ref, m.VideoURL != ""),
				URL:         ref,
				Source:      types.ArtifactSourceHistory,
			}
		case m.Status == "failed":
			job.Status = types.JobFailed
			job.Message = m.Error
		default:
			continue
		}
		b.Jobs = append(b.Jobs, job)
	}
	if b.BatchID == "" || len(b.Jobs) == 0 {
		return types.Batch{}, false
	}
	b.Frozen = true
	return b, true
}

func contentTypeFor(ref string, video bool) string {
	if u, err := url.Parse(ref); err == nil {
		if ct := mime.TypeByExtension(path.Ext(u.Path)); ct != "" {
			return ct
		}
	}
	if video {
		return "video/mp4"
	}
	return "image/png"
}
