// Package testcase implements testcase materialisation (spec.md §4.14):
// resolving a Testcase row's stored blob onto local disk so a task handler
// can hand it to an engine or reproduce it directly.
package testcase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/pingubot/pingubot/internal/corpus"
	"github.com/pingubot/pingubot/internal/env"
	"github.com/pingubot/pingubot/internal/storage"
)

// Materialized is the on-disk result of setting up a testcase.
type Materialized struct {
	Path string
}

// Materializer resolves a Testcase's stored blob onto disk under inputsDir.
type Materializer struct {
	store     storage.Store
	inputsDir string
}

// New constructs a Materializer writing testcases under inputsDir.
func New(store storage.Store, inputsDir string) *Materializer {
	return &Materializer{store: store, inputsDir: inputsDir}
}

// Setup implements spec.md §4.14's setup_testcase: it chooses the
// minimized key when present and archived-minimized, else the fuzzed key;
// downloads the blob; unpacks it if archived; and sets the
// testcase-derived environment variables on e. isVariant appends to
// APP_ARGS instead of replacing it, matching the variant-task exception
// spec.md §4.14 step 6 calls out.
func (m *Materializer) Setup(ctx context.Context, e *env.Environment, tc *api.Testcase, isVariant bool) (*Materialized, error) {
	key := tc.FuzzedKeys
	archived := tc.ArchiveState&api.ArchiveStateFuzzed != 0
	if tc.MinimizedKeys != "" && tc.ArchiveState&api.ArchiveStateMinimized != 0 {
		key = tc.MinimizedKeys
		archived = true
	}
	if key == "" {
		return nil, fmt.Errorf("testcase %s: no stored key to materialize from", tc.ID)
	}

	data, err := m.store.ReadData(ctx, "blobs", key)
	if err != nil {
		return nil, fmt.Errorf("download testcase blob %q: %w", key, err)
	}
	if data == nil {
		return nil, fmt.Errorf("testcase %s: blob %q not found", tc.ID, key)
	}

	destDir := filepath.Join(m.inputsDir, tc.ID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create testcase dir: %w", err)
	}

	var finalPath string
	if archived {
		if err := corpus.UnzipTo(data, destDir); err != nil {
			return nil, fmt.Errorf("unpack testcase archive: %w", err)
		}
		finalPath = filepath.Join(destDir, filepath.Base(tc.AbsolutePath))
		if _, err := os.Stat(finalPath); err != nil {
			return nil, fmt.Errorf("testcase %s: expected file %q missing after unpack", tc.ID, finalPath)
		}
	} else {
		finalPath = filepath.Join(destDir, "testcase")
		if err := os.WriteFile(finalPath, data, 0o644); err != nil {
			return nil, fmt.Errorf("write testcase file: %w", err)
		}
	}

	timeout := e.GetInt("TEST_TIMEOUT", 0)
	if tc.TimeoutMultiplier > 0 {
		timeout = int(float64(timeout) * tc.TimeoutMultiplier)
	}
	e.Set("TEST_TIMEOUT", strconv.Itoa(timeout))

	if fuzzerBinary, ok := tc.AdditionalMetadata["fuzzer_binary_name"].(string); ok {
		e.Set("FUZZ_TARGET", fuzzerBinary)
	}

	if isVariant {
		existing := e.GetOrDefault("APP_ARGS", "")
		if existing != "" {
			e.Set("APP_ARGS", existing+" "+tc.MinimizedArguments)
		} else {
			e.Set("APP_ARGS", tc.MinimizedArguments)
		}
	} else {
		e.Set("APP_ARGS", tc.MinimizedArguments)
	}

	return &Materialized{Path: finalPath}, nil
}
