package lode

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/pithecene-io/genstream/types"
)

// RecordKind discriminator values.
const (
	RecordKindBatch = "batch"
	RecordKindJob   = "job"
)

// toBatchRecordMap builds the batch header record. Partition keys are
// carried as fields for the Hive layout.
func toBatchRecordMap(b types.Batch, k partitionKey) map[string]any {
	counts := b.Counts()
	m := map[string]any{
		"record_kind":      RecordKindBatch,
		"contract_version": types.ContractVersion,
		"session":          k.session,
		"day":              k.day,
		"batch_id":         b.BatchID,
		"prompt":           b.Prompt,
		"model":            b.Model,
		"thread_id":        b.ThreadID,
		"kind":             string(b.Kind),
		"aspect_ratio":     b.AspectRatio,
		"created_at":       b.CreatedAt.UTC().Format(time.RFC3339Nano),
		"outcome":          counts.Outcome(),
		"total_jobs":       counts.Total,
		"delivered":        counts.Delivered,
		"failed":           counts.Failed,
		"degraded":         counts.Degraded,
	}
	if b.ResolvedAt != nil {
		m["resolved_at"] = b.ResolvedAt.UTC().Format(time.RFC3339Nano)
	}
	return m
}

// toJobRecordMap builds one job record. file is the sidecar store path,
// or empty when no bytes were archived.
func toJobRecordMap(j types.Job, k partitionKey, file string) map[string]any {
	m := map[string]any{
		"record_kind": RecordKindJob,
		"session":     k.session,
		"day":         k.day,
		"batch_id":    k.batchID,
		"job_id":      j.JobID,
		"index":       j.Index,
		"status":      string(j.Status),
	}
	if j.Message != "" {
		m["message"] = j.Message
	}
	if !j.ReceivedAt.IsZero() {
		m["received_at"] = j.ReceivedAt.UTC().Format(time.RFC3339Nano)
	}
	if a := j.Artifact; a != nil {
		m["content_type"] = a.ContentType
		m["size_bytes"] = a.SizeBytes
		m["source"] = string(a.Source)
		if a.URL != "" {
			m["url"] = a.URL
		}
	}
	if file != "" {
		m["file"] = file
	}
	return m
}

// assembler rebuilds batches from decoded records. Records may repeat
// across snapshots; the last one seen wins.
type assembler struct {
	location string
	order    []string
	headers  map[string]*types.Batch
	jobs     map[string]map[string]types.Job
}

func newAssembler(location string) *assembler {
	return &assembler{
		location: location,
		headers:  make(map[string]*types.Batch),
		jobs:     make(map[string]map[string]types.Job),
	}
}

func (a *assembler) add(record map[string]any) {
	batchID := toString(record["batch_id"])
	if batchID == "" {
		return
	}
	if _, seen := a.headers[batchID]; !seen {
		if _, seen := a.jobs[batchID]; !seen {
			a.order = append(a.order, batchID)
		}
	}

	switch toString(record["record_kind"]) {
	case RecordKindBatch:
		a.headers[batchID] = batchFromRecord(record)
	case RecordKindJob:
		if a.jobs[batchID] == nil {
			a.jobs[batchID] = make(map[string]types.Job)
		}
		j := a.jobFromRecord(record)
		a.jobs[batchID][j.JobID] = j
	}
}

// batches returns complete batches (header plus jobs) in discovery order.
func (a *assembler) batches() []types.Batch {
	out := make([]types.Batch, 0, len(a.order))
	for _, id := range a.order {
		header, ok := a.headers[id]
		if !ok || len(a.jobs[id]) == 0 {
			continue
		}
		b := *header
		b.Frozen = true
		for _, j := range a.jobs[id] {
			b.Jobs = append(b.Jobs, j)
		}
		sort.Slice(b.Jobs, func(i, j int) bool { return b.Jobs[i].Index < b.Jobs[j].Index })
		out = append(out, b)
	}
	return out
}

func batchFromRecord(r map[string]any) *types.Batch {
	b := &types.Batch{
		BatchID:     toString(r["batch_id"]),
		Prompt:      toString(r["prompt"]),
		Model:       toString(r["model"]),
		ThreadID:    toString(r["thread_id"]),
		Kind:        types.MediaKind(toString(r["kind"])),
		AspectRatio: toString(r["aspect_ratio"]),
		CreatedAt:   toTime(r["created_at"]),
	}
	if t := toTime(r["resolved_at"]); !t.IsZero() {
		b.ResolvedAt = &t
	}
	return b
}

func (a *assembler) jobFromRecord(r map[string]any) types.Job {
	j := types.Job{
		JobID:      toString(r["job_id"]),
		Index:      int(toInt64(r["index"])),
		Status:     types.JobStatus(toString(r["status"])),
		Message:    toString(r["message"]),
		ReceivedAt: toTime(r["received_at"]),
	}
	ref := toString(r["url"])
	if ref == "" {
		if file := toString(r["file"]); file != "" {
			ref = a.location + "/" + file
		}
	}
	ct := toString(r["content_type"])
	if ref != "" || ct != "" {
		j.Artifact = &types.Artifact{
			ContentType: ct,
			URL:         ref,
			SizeBytes:   toInt64(r["size_bytes"]),
			Source:      types.ArtifactSourceHistory,
		}
	}
	return j
}

// toString converts a value to string, returning empty string for nil/non-string.
func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// toInt64 accepts the numeric shapes a JSON decoder produces.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}

func toTime(v any) time.Time {
	t, err := time.Parse(time.RFC3339Nano, toString(v))
	if err != nil {
		return time.Time{}
	}
	return t
}
