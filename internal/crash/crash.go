// Package crash implements crash validity filtering, grouping, and the
// deferred archive-and-determine-main-crash pipeline spec.md §4.10
// describes.
package crash

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/pingubot/pingubot/internal/storage"
)

// additionalMetadataSchema is the fixed shape a testcase's additional_metadata
// blob must satisfy: the bookkeeping keys the task handlers themselves write
// (retry flags, the fuzzer binary name, impact results), nothing else.
const additionalMetadataSchema = `{
  "type": "object",
  "properties": {
    "fuzzer_binary_name":          {"type": "string"},
    "from_corpus_pruning":         {"type": "boolean"},
    "analyze_build_setup_retried": {"type": "boolean"},
    "bisect_bounds_retried":       {"type": "boolean"},
    "bisect_flaky":                {"type": "boolean"},
    "bisect_low_confidence":       {"type": "boolean"},
    "impact_extends_to_head":      {"type": "boolean"},
    "impact_head_revision":        {"type": "integer"}
  },
  "additionalProperties": false
}`

var additionalMetadataSchemaLoader = gojsonschema.NewStringLoader(additionalMetadataSchema)

// ValidateAdditionalMetadata rejects a testcase's additional_metadata blob
// if it carries a key or value type outside the fixed schema task handlers
// are allowed to write, before the blob is trusted and persisted.
func ValidateAdditionalMetadata(meta map[string]any) error {
	if meta == nil {
		return nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal additional_metadata: %w", err)
	}
	res, err := gojsonschema.Validate(additionalMetadataSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("validate additional_metadata schema: %w", err)
	}
	if !res.Valid() {
		var msgs []string
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("additional_metadata schema violations: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// Key is the deduplication key: crash_type, crash_state, and
// security_flag, compared after stack normalization.
type Key struct {
	CrashType    string
	CrashState   string
	SecurityFlag bool
}

// IsValid reports whether a crash is a candidate for grouping, applying
// spec.md §4.10's exclusion rules: stack-blacklist regex match, functional
// bugs filtered out when only security bugs are wanted, or an empty
// crash_state/crash_type.
func IsValid(c *api.Crash, stackBlacklist []*regexp.Regexp, filterFunctionalBugs bool) bool {
	if c.CrashState == "" || c.CrashType == "" {
		return false
	}
	for _, re := range stackBlacklist {
		if re.MatchString(c.UnsymbolizedStacktrace) {
			return false
		}
	}
	if filterFunctionalBugs && !c.SecurityFlag {
		return false
	}
	return true
}

// KeyOf returns c's grouping key.
func KeyOf(c *api.Crash) Key {
	return Key{CrashType: c.CrashType, CrashState: c.CrashState, SecurityFlag: c.SecurityFlag}
}

// Group is every crash sharing a Key, in discovery order.
type Group struct {
	Key     Key
	Crashes []*api.Crash
}

// GroupCrashes sorts and groups crashes by Key, preserving relative
// discovery order within each group (spec.md §4.10: "sort crashes by key
// ... group equal keys").
func GroupCrashes(crashes []*api.Crash) []Group {
	index := make(map[Key]int)
	var groups []Group
	for _, c := range crashes {
		k := KeyOf(c)
		if i, ok := index[k]; ok {
			groups[i].Crashes = append(groups[i].Crashes, c)
			continue
		}
		index[k] = len(groups)
		groups = append(groups, Group{Key: k, Crashes: []*api.Crash{c}})
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Key.CrashType != groups[j].Key.CrashType {
			return groups[i].Key.CrashType < groups[j].Key.CrashType
		}
		return groups[i].Key.CrashState < groups[j].Key.CrashState
	})
	return groups
}

// Reproducer re-runs a testcase to test reproducibility; callers supply a
// concrete implementation driving an engine or blackbox fuzzer.
type Reproducer interface {
	TestForReproducibility(ctx context.Context, c *api.Crash, attempts int) (bool, error)
}

// Archiver archives a crash's testcase (and resource dependencies) into
// blob storage, deferred until the crash is a main-crash candidate per
// spec.md §4.10's "archive step is expensive and deferred."
type Archiver struct {
	store storage.Store
}

// NewArchiver constructs an Archiver writing into store.
func NewArchiver(store storage.Store) *Archiver {
	return &Archiver{store: store}
}

// ArchiveCrash zips the crash's file plus its declared resource
// dependencies, given as files keyed by archive entry name, into a single
// blob stored under key in bucket.
func (a *Archiver) ArchiveCrash(ctx context.Context, bucket string, key string, files map[string][]byte) error {
	zipped, err := zipBytesMap(files)
	if err != nil {
		return fmt.Errorf("archive crash testcase: %w", err)
	}
	if err := a.store.WriteData(ctx, zipped, bucket, key); err != nil {
		return fmt.Errorf("upload crash archive: %w", err)
	}
	return nil
}

// MainCrashResult is the outcome of finding the main crash for a Group.
type MainCrashResult struct {
	Main               *api.Crash
	OneTimeCrasherFlag bool
	Abandoned          bool
}

// FindMainCrash iterates g's crashes in order, testing each valid crash's
// reproducibility (bounded retries); it does not archive any crash itself.
// The first reproducible crash becomes
// main with OneTimeCrasherFlag=false; if none reproduce, the first valid
// crash becomes main with OneTimeCrasherFlag=true; if none are valid, the
// group is abandoned (spec.md §4.10 step 1).
func FindMainCrash(ctx context.Context, g Group, reproducer Reproducer, attempts int,
	stackBlacklist []*regexp.Regexp, filterFunctionalBugs bool) (MainCrashResult, error) {

	var firstValid *api.Crash
	for _, c := range g.Crashes {
		if !IsValid(c, stackBlacklist, filterFunctionalBugs) {
			continue
		}
		if firstValid == nil {
			firstValid = c
		}

		reproducible, err := reproducer.TestForReproducibility(ctx, c, attempts)
		if err != nil {
			return MainCrashResult{}, fmt.Errorf("test reproducibility: %w", err)
		}
		if reproducible {
			return MainCrashResult{Main: c, OneTimeCrasherFlag: false}, nil
		}
	}

	if firstValid == nil {
		return MainCrashResult{Abandoned: true}, nil
	}
	return MainCrashResult{Main: firstValid, OneTimeCrasherFlag: true}, nil
}

// DedupDecision is what to do with a new crash group against the API's
// existing testcase for the same Key, per spec.md §4.10 step 2.
type DedupDecision int

const (
	DecisionCreate DedupDecision = iota
	DecisionUpdateVariant
	DecisionSkip
)

// Decide implements spec.md §4.10 step 2's existing/new-testcase matrix.
func Decide(existing *api.Testcase, currentReproducible bool) DedupDecision {
	if existing == nil {
		return DecisionCreate
	}
	existingReproducible := !existing.OneTimeCrasherFlag
	switch {
	case existingReproducible:
		return DecisionUpdateVariant
	case !existingReproducible && currentReproducible:
		return DecisionCreate
	default:
		return DecisionSkip
	}
}

// GroupSmoothingDelay is the sleep spec.md §4.10 step 4 inserts between
// groups to bound API request rate.
const GroupSmoothingDelay = time.Second
