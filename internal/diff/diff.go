// Package diff computes line-oriented differences between two text snapshots.
package diff

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

type Op int

const (
	Equal Op = iota
	Added
	Removed
)

func (o Op) String() string {
	switch o {
	case Added:
		return "added"
	case Removed:
		return "removed"
	default:
		return "equal"
	}
}

// Hunk is a run of consecutive lines sharing one Op. Text keeps the line
// terminators exactly as they appear in the source snapshot.
type Hunk struct {
	Op    Op
	Text  string
	Lines []string
}

type Line struct {
	Line  string `json:"line"`
	Index int    `json:"index"`
}

type Changes struct {
	AddedLines    []Line `json:"addedLines"`
	RemovedLines  []Line `json:"removedLines"`
	ModifiedLines []Line `json:"modifiedLines"`
}

type Stats struct {
	Added    int `json:"added"`
	Removed  int `json:"removed"`
	Modified int `json:"modified"`
}

func (c Changes) Stats() Stats {
	return Stats{
		Added:    len(c.AddedLines),
		Removed:  len(c.RemovedLines),
		Modified: len(c.ModifiedLines),
	}
}

func (c Changes) Empty() bool {
	return len(c.AddedLines) == 0 && len(c.RemovedLines) == 0 && len(c.ModifiedLines) == 0
}

// Normalize replaces nil slices with empty ones so the JSON form is stable.
func (c Changes) Normalize() Changes {
	if c.AddedLines == nil {
		c.AddedLines = []Line{}
	}
	if c.RemovedLines == nil {
		c.RemovedLines = []Line{}
	}
	if c.ModifiedLines == nil {
		c.ModifiedLines = []Line{}
	}
	return c
}

// Hunks returns the ordered equal/added/removed blocks that turn a into b.
func Hunks(a, b string) []Hunk {
	if a == b {
		if a == "" {
			return nil
		}
		return []Hunk{{Op: Equal, Text: a, Lines: SplitLines(a)}}
	}

	dmp := diffmatchpatch.New()
	charsA, charsB, lineArray := dmp.DiffLinesToChars(a, b)
	diffs := dmp.DiffMain(charsA, charsB, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	hunks := make([]Hunk, 0, len(diffs))
	for _, d := range diffs {
		if d.Text == "" {
			continue
		}
		op := Equal
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			op = Added
		case diffmatchpatch.DiffDelete:
			op = Removed
		}
		if n := len(hunks); n > 0 && hunks[n-1].Op == op {
			hunks[n-1].Text += d.Text
			hunks[n-1].Lines = SplitLines(hunks[n-1].Text)
			continue
		}
		hunks = append(hunks, Hunk{Op: op, Text: d.Text, Lines: SplitLines(d.Text)})
	}
	return hunks
}

// ComputeLineChanges reports the lines added and removed between original and
// modified. Added lines carry their position in modified; removed lines carry
// the position in modified at which they were dropped.
func ComputeLineChanges(original, modified string) Changes {
	changes := Changes{}.Normalize()
	index := 0
	for _, hunk := range Hunks(original, modified) {
		switch hunk.Op {
		case Added:
			for _, line := range hunk.Lines {
				changes.AddedLines = append(changes.AddedLines, Line{Line: line, Index: index})
				index++
			}
		case Removed:
			for _, line := range hunk.Lines {
				changes.RemovedLines = append(changes.RemovedLines, Line{Line: line, Index: index})
			}
		default:
			index += len(hunk.Lines)
		}
	}
	return changes
}

// SplitLines splits text on "\n". A single trailing terminator does not
// produce an empty final line.
func SplitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}
