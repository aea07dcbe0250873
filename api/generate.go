package api

import (
	"context"
	"errors"
	"net/http"
)

// GenerateParams are the per-kind generation options.
type GenerateParams struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
	TotalImages int    `json:"totalImages,omitempty"`
	TotalVideos int    `json:"totalVideos,omitempty"`
}

// GenerateRequest is the body of POST /generate/async.
type GenerateRequest struct {
	Prompt    string `json:"prompt"`
	ModelUsed string `json:"modelUsed"`
	// FirebaseID is the session id the result stream is keyed by.
	FirebaseID  string         `json:"firebaseId"`
	Params      GenerateParams `json:"params"`
	TotalImages int            `json:"totalImages,omitempty"`
	TotalVideos int            `json:"totalVideos,omitempty"`
	Page        string         `json:"page,omitempty"`
	ThreadID    string         `json:"threadId,omitempty"`
}

// GenerateResponse is the accepted-submission reply.
type GenerateResponse struct {
	JobID            string   `json:"jobId"`
	IndividualJobIDs []string `json:"individualJobIds"`
	ThreadID         string   `json:"threadId"`
	CreditsDeducted  float64  `json:"creditsDeducted"`
	CreditsRemaining float64  `json:"creditsRemaining"`
}

// JobIDs returns the per-artifact job ids. Single-job submissions may
// only carry JobID.
func (r *GenerateResponse) JobIDs() []string {
	if len(r.IndividualJobIDs) > 0 {
		return r.IndividualJobIDs
	}
	if r.JobID != "" {
		return []string{r.JobID}
	}
	return nil
}

// GenerateAsync submits a generation batch. Results arrive on the stream.
func (c *Client) GenerateAsync(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if req.Prompt == "" {
		return nil, errors.New("api: prompt is required")
	}
	var resp GenerateResponse
	if err := c.do(ctx, http.MethodPost, "/generate/async", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
