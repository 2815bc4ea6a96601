// Package stackanalyzer turns a raw, unsymbolized crash log into the
// (crash_type, crash_address, crash_state, frames) tuple spec.md §4.10
// requires, recognizing AddressSanitizer reports, Go panics, and goroutine
// stack-overflow output — the set of crash shapes this module's test
// scenarios (spec.md §8) actually exercise.
package stackanalyzer

import (
	"regexp"
	"strings"
)

// Result is the structured form a stack analyzer reduces raw output to.
type Result struct {
	CrashType            string
	CrashAddress         string
	CrashState           string
	Frames               []string
	SymbolizedStacktrace string
}

// Analyzer recognizes one crash-report format.
type Analyzer interface {
	// Matches reports whether this analyzer can parse output.
	Matches(output string) bool
	// Analyze reduces output to a Result.
	Analyze(output string) Result
}

var (
	asanHeaderRe  = regexp.MustCompile(`ERROR: AddressSanitizer: (\S+) on address (0x[0-9a-fA-F]+)`)
	asanFrameRe   = regexp.MustCompile(`(?m)^\s*#\d+\s+0x[0-9a-fA-F]+\s+in\s+(\S+)`)
	goPanicRe     = regexp.MustCompile(`(?m)^panic:\s*(.+)$`)
	goFrameRe     = regexp.MustCompile(`(?m)^([\w./]+\.[\w.]+)\(`)
	stackOverflowRe = regexp.MustCompile(`runtime: goroutine stack exceeds (\d+)-byte limit`)
)

// ASanAnalyzer recognizes AddressSanitizer crash reports.
type ASanAnalyzer struct{}

func (ASanAnalyzer) Matches(output string) bool {
	return strings.Contains(output, "AddressSanitizer")
}

func (ASanAnalyzer) Analyze(output string) Result {
	res := Result{SymbolizedStacktrace: output}
	if m := asanHeaderRe.FindStringSubmatch(output); len(m) == 3 {
		res.CrashType = m[1]
		res.CrashAddress = m[2]
	}
	for _, m := range asanFrameRe.FindAllStringSubmatch(output, -1) {
		res.Frames = append(res.Frames, m[1])
	}
	res.CrashState = normalizeState(res.Frames)
	return res
}

// GoPanicAnalyzer recognizes a standard Go panic with a goroutine stack
// trace.
type GoPanicAnalyzer struct{}

func (GoPanicAnalyzer) Matches(output string) bool {
	return goPanicRe.MatchString(output)
}

func (GoPanicAnalyzer) Analyze(output string) Result {
	res := Result{CrashType: "panic", SymbolizedStacktrace: output}
	if m := goPanicRe.FindStringSubmatch(output); len(m) == 2 {
		res.CrashAddress = m[1]
	}
	for _, m := range goFrameRe.FindAllStringSubmatch(output, -1) {
		res.Frames = append(res.Frames, m[1])
	}
	res.CrashState = normalizeState(res.Frames)
	return res
}

// StackOverflowAnalyzer recognizes a Go goroutine stack-exceeds-limit
// crash.
type StackOverflowAnalyzer struct{}

func (StackOverflowAnalyzer) Matches(output string) bool {
	return stackOverflowRe.MatchString(output)
}

func (StackOverflowAnalyzer) Analyze(output string) Result {
	res := Result{CrashType: "stack overflow", SymbolizedStacktrace: output}
	for _, m := range goFrameRe.FindAllStringSubmatch(output, -1) {
		res.Frames = append(res.Frames, m[1])
	}
	res.CrashState = normalizeState(res.Frames)
	return res
}

// normalizeState collapses the top few frames into the crash_state value
// used for deduplication, matching spec.md §4.10's "crash_state is compared
// after stack normalization."
func normalizeState(frames []string) string {
	const maxFrames = 3
	if len(frames) > maxFrames {
		frames = frames[:maxFrames]
	}
	return strings.Join(frames, "\n")
}

// Analyzers is the ordered list of analyzers tried against a crash report;
// the first Matches wins.
var Analyzers = []Analyzer{
	ASanAnalyzer{},
	StackOverflowAnalyzer{},
	GoPanicAnalyzer{},
}

// Analyze runs output through Analyzers in order and returns the first
// match, or a zero Result with CrashState empty if nothing recognizes it
// (an empty crash_state/crash_type makes the crash invalid per spec.md
// §4.10).
func Analyze(output string) Result {
	for _, a := range Analyzers {
		if a.Matches(output) {
			return a.Analyze(output)
		}
	}
	return Result{SymbolizedStacktrace: output}
}
