// Package revisions holds the ordered revision list a bisection task walks,
// plus the index/bounds arithmetic the regression/progression algorithms
// share (spec.md §4.13).
package revisions

import (
	"fmt"
	"sort"
)

// Revision is one entry in a project's release-build revision list, ordered
// oldest to newest.
type Revision struct {
	Number int
	Label  string
}

// List is an ordered (ascending Number) revision list for one project's
// release build type.
type List struct {
	revisions []Revision
}

// NewList builds a List from revs, sorting them ascending by Number.
func NewList(revs []Revision) *List {
	cp := make([]Revision, len(revs))
	copy(cp, revs)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Number < cp[j].Number })
	return &List{revisions: cp}
}

// Len returns how many revisions remain in the list.
func (l *List) Len() int { return len(l.revisions) }

// At returns the revision at index i.
func (l *List) At(i int) Revision { return l.revisions[i] }

// IndexOf returns the index of the revision with the given Number, or -1.
func (l *List) IndexOf(number int) int {
	for i, r := range l.revisions {
		if r.Number == number {
			return i
		}
	}
	return -1
}

// Nearest returns the index of the revision whose Number is closest to
// target without exceeding it (the "nearest ≤ requested revision" rule
// spec.md §4.12 step 3 uses), or -1 if every revision exceeds target.
func (l *List) Nearest(target int) int {
	best := -1
	for i, r := range l.revisions {
		if r.Number <= target {
			best = i
		} else {
			break
		}
	}
	return best
}

// Remove drops the revision at index i, e.g. when it turns out to be a bad
// build during bisection (spec.md §4.13 step 5).
func (l *List) Remove(i int) error {
	if i < 0 || i >= len(l.revisions) {
		return fmt.Errorf("revisions: index %d out of range", i)
	}
	l.revisions = append(l.revisions[:i], l.revisions[i+1:]...)
	return nil
}

// NearestIndices returns up to n indices nearest to around (excluding
// around itself), used by the regression task's extreme-revisions pass
// (spec.md §4.13 step 4).
func (l *List) NearestIndices(around, n int) []int {
	var out []int
	for offset := 1; len(out) < n && (around-offset >= 0 || around+offset < len(l.revisions)); offset++ {
		if around-offset >= 0 {
			out = append(out, around-offset)
		}
		if len(out) >= n {
			break
		}
		if around+offset < len(l.revisions) {
			out = append(out, around+offset)
		}
	}
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Checkpoint is the resumable bisection state persisted on a testcase row
// between task-loop iterations (last_regression_{min,max} /
// last_progression_{min,max} in spec.md §4.13 step 2).
type Checkpoint struct {
	MinIndex int
	MaxIndex int
	Valid    bool
}

// Midpoint returns the index halfway between min and max.
func Midpoint(minIndex, maxIndex int) int {
	return (minIndex + maxIndex) / 2
}
