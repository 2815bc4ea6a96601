// Package gesture implements replayable UI interactions a fuzzing session
// can attach to a testcase so a crash that only reproduces after a window
// resize or a sequence of clicks can still be replayed deterministically.
package gesture

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind names the action a Gesture performs.
type Kind string

const (
	KindClick      Kind = "click"
	KindType       Kind = "type"
	KindKeyPress   Kind = "key_press"
	KindWindowSize Kind = "window_size"
)

// Gesture is one parametrized UI action.
type Gesture struct {
	Kind   Kind
	Args   []string
}

// String renders a Gesture in the replayable "kind(arg1,arg2)" form a
// Testcase's Gestures field stores.
func (g Gesture) String() string {
	return fmt.Sprintf("%s(%s)", g.Kind, strings.Join(g.Args, ","))
}

// Parse parses one gesture string produced by String.
func Parse(s string) (Gesture, error) {
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return Gesture{}, fmt.Errorf("gesture: malformed gesture %q", s)
	}
	kind := Kind(s[:open])
	argsPart := s[open+1 : len(s)-1]
	var args []string
	if argsPart != "" {
		args = strings.Split(argsPart, ",")
	}
	return Gesture{Kind: kind, Args: args}, nil
}

// Set is an ordered collection of gestures a testcase replays before (or
// during) execution.
type Set []Gesture

// Apply renders the set into the stringified form stored on a Testcase row.
func (s Set) Apply() []string {
	out := make([]string, len(s))
	for i, g := range s {
		out[i] = g.String()
	}
	return out
}

// ParseSet parses a stringified gesture list back into a Set, skipping any
// entries that fail to parse rather than aborting the whole replay.
func ParseSet(raw []string) Set {
	var out Set
	for _, r := range raw {
		if g, err := Parse(r); err == nil {
			out = append(out, g)
		}
	}
	return out
}

// WindowSizeTemplate renders the $WIDTH,$HEIGHT,$LEFT,$TOP,$RANDOM_SEED
// placeholder template spec.md §4.8 describes for window_argument.
func WindowSizeTemplate(template string, width, height, left, top int, randomSeed int64) string {
	replacer := strings.NewReplacer(
		"$WIDTH", strconv.Itoa(width),
		"$HEIGHT", strconv.Itoa(height),
		"$LEFT", strconv.Itoa(left),
		"$TOP", strconv.Itoa(top),
		"$RANDOM_SEED", strconv.FormatInt(randomSeed, 10),
	)
	return replacer.Replace(template)
}
