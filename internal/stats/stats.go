// Package stats writes JobRun/TestcaseRun stats records to object storage
// in the line-delimited JSON layout spec.md §6 describes:
// "/{stats_bucket}/{fuzzer_or_engine}/{job_id}/{kind}/{YYYY-MM-DD}/{random_hex}.json".
package stats

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/pingubot/pingubot/internal/storage"
)

// Kind names the stats record shape being written.
type Kind string

const (
	KindJobRun      Kind = "JobRun"
	KindTestcaseRun Kind = "TestcaseRun"
)

// Sink writes stats records into the stats bucket.
type Sink struct {
	store  storage.Store
	bucket string
}

// NewSink constructs a Sink writing into bucket.
func NewSink(store storage.Store, bucket string) *Sink {
	return &Sink{store: store, bucket: bucket}
}

func randomHex() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random stats suffix: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (s *Sink) path(fuzzerOrEngine, jobID string, kind Kind, ts time.Time) (string, error) {
	suffix, err := randomHex()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/%s/%s/%s.json", fuzzerOrEngine, jobID, kind,
		ts.UTC().Format("2006-01-02"), suffix), nil
}

// WriteJobRun appends one JobRun record.
func (s *Sink) WriteJobRun(ctx context.Context, jr *api.JobRun) error {
	path, err := s.path(jr.FuzzerName, jr.JobID, KindJobRun, jr.Timestamp)
	if err != nil {
		return err
	}
	return s.writeRecord(ctx, path, KindJobRun, jr)
}

// WriteTestcaseRun appends one TestcaseRun record.
func (s *Sink) WriteTestcaseRun(ctx context.Context, tr *api.TestcaseRun) error {
	path, err := s.path(tr.FuzzerName, tr.JobID, KindTestcaseRun, tr.Timestamp)
	if err != nil {
		return err
	}
	return s.writeRecord(ctx, path, KindTestcaseRun, tr)
}

func (s *Sink) writeRecord(ctx context.Context, path string, kind Kind, record any) error {
	envelope := struct {
		Kind Kind `json:"kind"`
		Data any  `json:"data"`
	}{Kind: kind, Data: record}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal %s stats record: %w", kind, err)
	}
	data = append(data, '\n')

	if err := s.store.WriteData(ctx, data, s.bucket, path); err != nil {
		return fmt.Errorf("upload %s stats record: %w", kind, err)
	}
	return nil
}
