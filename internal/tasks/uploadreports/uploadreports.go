// Package uploadreports implements the "upload_reports" task: scanning a
// fuzzing session's local reports directory for the blackbox fuzzer's
// stats-*.stats JSON payloads (spec.md §4.8 step 6), validating each
// against a fixed schema before it is trusted, and writing the well-formed
// ones to the stats sink as TestcaseRun records.
package uploadreports

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/xeipuuv/gojsonschema"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/pingubot/pingubot/internal/stats"
)

// statsPayloadSchema is the fixed shape a stats-*.stats file must satisfy
// before its contents are trusted and uploaded.
const statsPayloadSchema = `{
  "type": "object",
  "required": ["job_id", "fuzzer_name", "command", "return_code"],
  "properties": {
    "job_id":      {"type": "string", "minLength": 1},
    "fuzzer_name": {"type": "string", "minLength": 1},
    "command":     {"type": "string"},
    "return_code": {"type": "integer"},
    "timestamp":   {"type": "string"},
    "log_time":    {"type": "string"}
  }
}`

// Handler runs the upload_reports task for one job's local reports
// directory.
type Handler struct {
	Stats      *stats.Sink
	ReportsDir string
	Logger     *slog.Logger
}

type statsPayload struct {
	JobID      string `json:"job_id"`
	FuzzerName string `json:"fuzzer_name"`
	Command    string `json:"command"`
	ReturnCode int    `json:"return_code"`
	Timestamp  string `json:"timestamp"`
	LogTime    string `json:"log_time"`
}

// Run validates and uploads every stats-*.stats file under h.ReportsDir,
// removing each one as it is consumed. A malformed file does not stop the
// rest from being processed; every per-file failure is collected and
// returned together once the directory has been fully walked.
func (h *Handler) Run(ctx context.Context, job *api.Job) error {
	schemaLoader := gojsonschema.NewStringLoader(statsPayloadSchema)

	entries, err := os.ReadDir(h.ReportsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("list reports dir %q: %w", h.ReportsDir, err)
	}

	var result *multierror.Error
	uploaded := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "stats-") || !strings.HasSuffix(name, ".stats") {
			continue
		}
		path := filepath.Join(h.ReportsDir, name)
		if err := h.processOne(ctx, schemaLoader, path); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
			continue
		}
		uploaded++
	}

	h.Logger.Info("upload_reports complete", "job", job.ID, "uploaded", uploaded)
	return result.ErrorOrNil()
}

func (h *Handler) processOne(ctx context.Context, schemaLoader gojsonschema.JSONLoader, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	res, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("validate schema: %w", err)
	}
	if !res.Valid() {
		var msgs []string
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("schema violations: %s", strings.Join(msgs, "; "))
	}

	var p statsPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	tr := &api.TestcaseRun{
		JobID:      p.JobID,
		FuzzerName: p.FuzzerName,
		Command:    p.Command,
		ReturnCode: p.ReturnCode,
		Timestamp:  parseOrNow(p.Timestamp),
		LogTime:    parseOrNow(p.LogTime),
	}
	if err := h.Stats.WriteTestcaseRun(ctx, tr); err != nil {
		return fmt.Errorf("write testcase run: %w", err)
	}

	return os.Remove(path)
}

func parseOrNow(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now()
	}
	return t
}
