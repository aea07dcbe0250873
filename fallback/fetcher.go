// Package fallback retrieves artifacts over HTTP when live delivery stalls.
//
// A job whose Completed status arrives without an artifact gets a one-shot
// timer. When the timer fires and the artifact is still missing, the
// fetcher GETs the artifact endpoint. The endpoint answers with either the
// raw artifact bytes or a JSON body carrying a URL; in the latter case the
// URL is fetched best-effort to hydrate the bytes.
//
// A failed fetch never regresses the job: it stays Completed without an
// artifact and the timer is not re-armed.
package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pithecene-io/genstream/iox"
	"github.com/pithecene-io/genstream/ipc"
	"github.com/pithecene-io/genstream/log"
	"github.com/pithecene-io/genstream/metrics"
	"github.com/pithecene-io/genstream/types"
)

// Defaults.
const (
	DefaultPathTemplate = "/Image/%s"
	DefaultTimeout      = 30 * time.Second
	DefaultMaxBytes     = ipc.MaxFrameSize
)

// Target is the registry surface the fetcher reports into.
type Target interface {
	// ArtifactPending reports whether the job still waits for an artifact.
	ArtifactPending(jobID string) bool
	// ApplyFallback records a fetched artifact (first writer wins).
	ApplyFallback(jobID string, a *types.Artifact) (bool, error)
}

// Config configures the fetcher.
type Config struct {
	// BaseURL is the artifact service root (required).
	BaseURL string
	// PathTemplate is formatted with the escaped job id (default "/Image/%s").
	PathTemplate string
	// Headers are added to every fallback request (e.g. Authorization).
	Headers map[string]string
	// Timeout is the per-request timeout (default 30s).
	Timeout time.Duration
	// MaxBytes bounds artifact bodies (default 64 MiB).
	MaxBytes int64
	// SkipHydrate disables fetching the bytes behind a JSON url response.
	SkipHydrate bool
}

// FetchError is a failed fallback fetch. The job keeps its last state.
type FetchError struct {
	JobID string
	URL   string
	// StatusCode is the HTTP status, or 0 for transport failures.
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fallback fetch %s: unexpected status %d", e.JobID, e.StatusCode)
	}
	return fmt.Sprintf("fallback fetch %s: %v", e.JobID, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsFetchError returns true if err is a *FetchError.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// timerEntry identifies one armed timer so a stale fire can detect re-arming.
type timerEntry struct {
	timer *time.Timer
}

// Fetcher owns per-job fallback timers and performs the HTTP fetches.
type Fetcher struct {
	cfg       Config
	client    *http.Client
	logger    *log.Logger
	collector *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	target Target
	timers map[string]*timerEntry
	closed bool
}

// New creates a fetcher. logger and collector may be nil.
func New(cfg Config, logger *log.Logger, collector *metrics.Collector) (*Fetcher, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("fallback fetcher requires a base URL")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid fallback base URL: %w", err)
	}
	if cfg.PathTemplate == "" {
		cfg.PathTemplate = DefaultPathTemplate
	}
	if !strings.Contains(cfg.PathTemplate, "%s") {
		return nil, fmt.Errorf("fallback path template %q has no %%s verb", cfg.PathTemplate)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = log.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Fetcher{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		logger:    logger,
		collector: collector,
		ctx:       ctx,
		cancel:    cancel,
		timers:    make(map[string]*timerEntry),
	}, nil
}

// Bind sets the registry the fetcher reports into.
func (f *Fetcher) Bind(t Target) {
	f.mu.Lock()
	f.target = t
	f.mu.Unlock()
}

// Arm schedules a one-shot fallback check for jobID after grace.
// Re-arming an armed job restarts its timer.
func (f *Fetcher) Arm(jobID string, grace time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	if old, ok := f.timers[jobID]; ok {
		old.timer.Stop()
	}
	entry := &timerEntry{}
	entry.timer = time.AfterFunc(grace, func() { f.fire(jobID, entry) })
	f.timers[jobID] = entry

	f.logger.Debug("fallback armed", map[string]any{
		"job_id":   jobID,
		"grace_ms": grace.Milliseconds(),
	})
}

// Disarm cancels a pending timer for jobID. No-op if none is armed.
func (f *Fetcher) Disarm(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if entry, ok := f.timers[jobID]; ok {
		entry.timer.Stop()
		delete(f.timers, jobID)
	}
}

// Pending returns the number of armed timers.
func (f *Fetcher) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// Close cancels all timers and in-flight fetches and waits for them to finish.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	for id, entry := range f.timers {
		entry.timer.Stop()
		delete(f.timers, id)
	}
	f.mu.Unlock()

	f.cancel()
	f.wg.Wait()
	f.client.CloseIdleConnections()
	return nil
}

// fire runs on the timer goroutine. It never holds f.mu while calling the target.
func (f *Fetcher) fire(jobID string, entry *timerEntry) {
	f.mu.Lock()
	if f.closed || f.timers[jobID] != entry {
		f.mu.Unlock()
		return
	}
	delete(f.timers, jobID)
	target := f.target
	f.wg.Add(1)
	f.mu.Unlock()
	defer f.wg.Done()

	if target == nil || !target.ArtifactPending(jobID) {
		return
	}

	artifact, err := f.Fetch(f.ctx, jobID)
	if err != nil {
		f.collector.IncFallbackFailure()
		f.logger.Warn("fallback fetch failed", map[string]any{
			"job_id": jobID,
			"error":  err.Error(),
		})
		return
	}

	applied, err := target.ApplyFallback(jobID, artifact)
	if err != nil {
		f.logger.Warn("fallback result dropped", map[string]any{
			"job_id": jobID,
			"error":  err.Error(),
		})
		return
	}
	f.collector.IncFallbackSuccess()
	f.logger.Info("fallback artifact retrieved", map[string]any{
		"job_id":     jobID,
		"applied":    applied,
		"url":        artifact.URL,
		"size_bytes": artifact.SizeBytes,
	})
}

// endpoint builds the fallback URL for jobID.
func (f *Fetcher) endpoint(jobID string) string {
	return strings.TrimRight(f.cfg.BaseURL, "/") + fmt.Sprintf(f.cfg.PathTemplate, url.PathEscape(jobID))
}

// urlBody is the JSON shape of a fallback response that references the artifact.
type urlBody struct {
	URL      string `json:"url"`
	ImageURL string `json:"image_url"`
	VideoURL string `json:"video_url"`
}

func (b urlBody) ref() string {
	switch {
	case b.URL != "":
		return b.URL
	case b.ImageURL != "":
		return b.ImageURL
	default:
		return b.VideoURL
	}
}

// Fetch performs one fallback request for jobID and returns the artifact.
// All failures are *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, jobID string) (*types.Artifact, error) {
	endpoint := f.endpoint(jobID)
	resp, err := f.get(ctx, endpoint)
	if err != nil {
		return nil, &FetchError{JobID: jobID, URL: endpoint, Err: err}
	}
	defer iox.DrainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{JobID: jobID, URL: endpoint, StatusCode: resp.StatusCode}
	}

	body, err := iox.ReadAllLimit(resp.Body, f.cfg.MaxBytes)
	if err != nil {
		return nil, &FetchError{JobID: jobID, URL: endpoint, Err: fmt.Errorf("read body: %w", err)}
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/json") {
		var ub urlBody
		if err := json.Unmarshal(body, &ub); err != nil {
			return nil, &FetchError{JobID: jobID, URL: endpoint, Err: fmt.Errorf("decode json body: %w", err)}
		}
		ref := ub.ref()
		if ref == "" {
			return nil, &FetchError{JobID: jobID, URL: endpoint, Err: errors.New("json body has no url")}
		}
		return f.hydrate(ctx, jobID, ref), nil
	}

	if len(body) == 0 {
		return nil, &FetchError{JobID: jobID, URL: endpoint, Err: errors.New("empty body")}
	}
	return &types.Artifact{
		ContentType: resolveContentType(contentType, body),
		Data:        body,
		SizeBytes:   int64(len(body)),
		Source:      types.ArtifactSourceFallback,
	}, nil
}

// hydrate builds a URL artifact and fetches its bytes best-effort.
// Hydration failure keeps the URL-only reference.
func (f *Fetcher) hydrate(ctx context.Context, jobID, ref string) *types.Artifact {
	a := &types.Artifact{
		ContentType: contentTypeFromURL(ref),
		URL:         ref,
		Source:      types.ArtifactSourceFallback,
	}
	if f.cfg.SkipHydrate {
		return a
	}

	data, contentType, err := f.download(ctx, ref)
	if err != nil {
		f.logger.Warn("artifact hydration failed, keeping url reference", map[string]any{
			"job_id": jobID,
			"url":    ref,
			"error":  err.Error(),
		})
		return a
	}
	a.Data = data
	a.SizeBytes = int64(len(data))
	a.ContentType = resolveContentType(contentType, data)
	return a
}

func (f *Fetcher) download(ctx context.Context, ref string) ([]byte, string, error) {
	resp, err := f.get(ctx, ref)
	if err != nil {
		return nil, "", err
	}
	defer iox.DrainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := iox.ReadAllLimit(resp.Body, f.cfg.MaxBytes)
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", errors.New("empty body")
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (f *Fetcher) get(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range f.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// resolveContentType prefers a specific header value and sniffs otherwise.
func resolveContentType(header string, data []byte) string {
	if header != "" {
		if mt, _, err := mime.ParseMediaType(header); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	return ipc.Sniff(data)
}

func contentTypeFromURL(ref string) string {
	u, err := url.Parse(ref)
	if err == nil {
		if ct := mime.TypeByExtension(path.Ext(u.Path)); ct != "" {
			return ct
		}
	}
	return "application/octet-stream"
}
