// Package render provides output rendering for the genstream CLI.
//
// Format selection:
//   - If output is a TTY, default to table
//   - If output is not a TTY, default to json
//   - --format always overrides the default
//
// --no-color affects table output only.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/genstream/types"
)

// Format represents an output format.
type Format string

// Supported formats.
const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))

// ParseFormat parses a format string, returning an error for invalid formats.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "table":
		return FormatTable, nil
	case "yaml":
		return FormatYAML, nil
	case "":
		return "", nil
	default:
		return "", fmt.Errorf("invalid format: %q (must be json, table, or yaml)", s)
	}
}

// Renderer handles output formatting.
type Renderer struct {
	format  Format
	noColor bool
	out     io.Writer
}

// NewRenderer creates a renderer from the --format and --no-color flags.
func NewRenderer(c *cli.Context) (*Renderer, error) {
	format, err := ParseFormat(c.String("format"))
	if err != nil {
		return nil, err
	}
	if format == "" {
		if isTTY(os.Stdout) {
			format = FormatTable
		} else {
			format = FormatJSON
		}
	}
	return &Renderer{
		format:  format,
		noColor: c.Bool("no-color") || !isTTY(os.Stdout),
		out:     os.Stdout,
	}, nil
}

// NewRendererWithWriter creates a renderer with a custom writer (for testing).
func NewRendererWithWriter(format Format, noColor bool, out io.Writer) *Renderer {
	return &Renderer{format: format, noColor: noColor, out: out}
}

// Format returns the selected format.
func (r *Renderer) Format() Format {
	return r.format
}

// Render outputs the data in the configured format.
func (r *Renderer) Render(data any) error {
	switch r.format {
	case FormatJSON:
		return r.renderJSON(data)
	case FormatTable:
		return r.renderTable(data)
	case FormatYAML:
		return r.renderYAML(data)
	default:
		return fmt.Errorf("unknown format: %s", r.format)
	}
}

// BatchRow is the one-line table view of a batch.
type BatchRow struct {
	BatchID   string `json:"batch_id" yaml:"batch_id"`
	Kind      string `json:"kind" yaml:"kind"`
	Prompt    string `json:"prompt" yaml:"prompt"`
	Jobs      int    `json:"jobs" yaml:"jobs"`
	Delivered int    `json:"delivered" yaml:"delivered"`
	Failed    int    `json:"failed" yaml:"failed"`
	Degraded  int    `json:"degraded" yaml:"degraded"`
	Outcome   string `json:"outcome" yaml:"outcome"`
	CreatedAt string `json:"created_at" yaml:"created_at"`
}

// JobRow is the table view of a job.
type JobRow struct {
	Index       int    `json:"index" yaml:"index"`
	JobID       string `json:"job_id" yaml:"job_id"`
	Status      string `json:"status" yaml:"status"`
	Source      string `json:"source" yaml:"source"`
	ContentType string `json:"content_type" yaml:"content_type"`
	Size        int64  `json:"size_bytes" yaml:"size_bytes"`
	Ref         string `json:"ref" yaml:"ref"`
}

// BatchRows flattens batches for table output.
func BatchRows(batches []types.Batch) []BatchRow {
	rows := make([]BatchRow, len(batches))
	for i := range batches {
		b := &batches[i]
		c := b.Counts()
		outcome := "pending"
		if b.IsComplete() {
			outcome = c.Outcome()
		}
		rows[i] = BatchRow{
			BatchID:   b.BatchID,
			Kind:      string(b.Kind),
			Prompt:    truncate(b.Prompt, 40),
			Jobs:      c.Total,
			Delivered: c.Delivered,
			Failed:    c.Failed,
			Degraded:  c.Degraded,
			Outcome:   outcome,
			CreatedAt: formatTime(b.CreatedAt),
		}
	}
	return rows
}

// JobRows flattens a batch's jobs for table output.
func JobRows(b types.Batch) []JobRow {
	rows := make([]JobRow, len(b.Jobs))
	for i, j := range b.Jobs {
		row := JobRow{Index: j.Index, JobID: j.JobID, Status: string(j.Status)}
		if a := j.Artifact; a != nil {
			row.Source = string(a.Source)
			row.ContentType = a.ContentType
			row.Size = a.SizeBytes
			row.Ref = a.URL
		}
		rows[i] = row
	}
	return rows
}

// RenderBatch renders a batch. Tables get a summary line and a job table;
// json and yaml get the batch itself.
func (r *Renderer) RenderBatch(b types.Batch) error {
	if r.format != FormatTable {
		return r.Render(b)
	}
	row := BatchRows([]types.Batch{b})[0]
	fmt.Fprintf(r.out, "%s %s (%s, %d/%d delivered)\n",
		r.header("batch"), row.BatchID, row.Outcome, row.Delivered, row.Jobs)
	return r.Render(JobRows(b))
}

func (r *Renderer) renderJSON(data any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func (r *Renderer) renderYAML(data any) error {
	enc := yaml.NewEncoder(r.out)
	enc.SetIndent(2)
	return enc.Encode(data)
}

func (r *Renderer) header(s string) string {
	if r.noColor {
		return s
	}
	return headerStyle.Render(s)
}

func (r *Renderer) renderTable(data any) error {
	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Slice {
		return r.renderSliceTable(v)
	}
	return r.renderStructTable(data)
}

func (r *Renderer) renderSliceTable(v reflect.Value) error {
	if v.Len() == 0 {
		fmt.Fprintln(r.out, "(no results)")
		return nil
	}

	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	headers := r.getHeaders(v.Index(0))
	styled := make([]string, len(headers))
	for i, h := range headers {
		styled[i] = r.header(h)
	}
	fmt.Fprintln(w, strings.Join(styled, "\t"))

	for i := 0; i < v.Len(); i++ {
		fmt.Fprintln(w, strings.Join(r.getRowValues(v.Index(i), headers), "\t"))
	}
	return nil
}

func (r *Renderer) renderStructTable(data any) error {
	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			fmt.Fprintf(w, "%s:\t%s\n", r.getFieldName(t.Field(i)), r.formatValue(v.Field(i)))
		}
	case reflect.Map:
		for _, key := range sortedKeys(v) {
			fmt.Fprintf(w, "%s:\t%s\n", key, r.formatValue(v.MapIndex(reflect.ValueOf(key))))
		}
	default:
		fmt.Fprintf(w, "%v\n", data)
	}
	return nil
}

func (r *Renderer) getHeaders(v reflect.Value) []string {
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	var headers []string
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if t.Field(i).IsExported() {
				headers = append(headers, r.getFieldName(t.Field(i)))
			}
		}
	case reflect.Map:
		headers = sortedKeys(v)
	}
	return headers
}

func (r *Renderer) getRowValues(v reflect.Value, headers []string) []string {
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	var values []string
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if t.Field(i).IsExported() {
				values = append(values, r.formatValue(v.Field(i)))
			}
		}
	case reflect.Map:
		for _, h := range headers {
			val := v.MapIndex(reflect.ValueOf(h))
			if val.IsValid() {
				values = append(values, r.formatValue(val))
			} else {
				values = append(values, "")
			}
		}
	}
	return values
}

func (r *Renderer) getFieldName(f reflect.StructField) string {
	if tag := f.Tag.Get("json"); tag != "" {
		name, _, _ := strings.Cut(tag, ",")
		if name != "" && name != "-" {
			return name
		}
	}
	return strings.ToLower(f.Name)
}

func (r *Renderer) formatValue(v reflect.Value) string {
	if !v.IsValid() {
		return ""
	}
	if v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return ""
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			return "[]"
		}
		return fmt.Sprintf("[%d items]", v.Len())
	case reflect.Map:
		if v.Len() == 0 {
			return "{}"
		}
		return fmt.Sprintf("{%d keys}", v.Len())
	case reflect.Struct:
		if t, ok := v.Interface().(time.Time); ok {
			return formatTime(t)
		}
		return "{...}"
	default:
		return fmt.Sprintf("%v", v.Interface())
	}
}

// sortedKeys returns a map's keys as sorted strings. Only string-keyed
// maps are rendered by key lookup.
func sortedKeys(v reflect.Value) []string {
	keys := make([]string, 0, v.Len())
	for _, k := range v.MapKeys() {
		if k.Kind() == reflect.String {
			keys = append(keys, k.String())
		}
	}
	sort.Strings(keys)
	return keys
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// isTTY returns true if the file is a terminal.
func isTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
