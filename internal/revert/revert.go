// Package revert removes a rejected contributor's edits from a file that may
// have been edited further by others since the proposal was made.
//
// The reconciliation is best effort. Blocks that cannot be located are left
// alone and reported as misses; Apply never fails.
package revert

import (
	"regexp"
	"strings"

	"coedit/api/internal/diff"
)

const (
	MissAdded   = "added"
	MissRemoved = "removed"
)

type Miss struct {
	Kind   string   `json:"kind"`
	Lines  []string `json:"lines"`
	Reason string   `json:"reason"`
}

type Report struct {
	Content  string `json:"content"`
	FastPath bool   `json:"fastPath"`
	Misses   []Miss `json:"misses"`
}

var excessBlankLines = regexp.MustCompile(`\n{4,}`)

// Revert returns current with the changes that turned base into theirs undone.
func Revert(current, base, theirs string) string {
	return Apply(current, base, theirs).Content
}

func Apply(current, base, theirs string) Report {
	if current == base {
		return Report{Content: base, FastPath: true, Misses: []Miss{}}
	}

	hunks := diff.Hunks(base, theirs)
	working := current
	misses := []Miss{}

	for i := len(hunks) - 1; i >= 0; i-- {
		hunk := hunks[i]
		switch hunk.Op {
		case diff.Added:
			next, ok := removeAdded(working, hunk, precedingEqual(hunks, i))
			if !ok {
				misses = append(misses, Miss{Kind: MissAdded, Lines: hunk.Lines, Reason: "block not found in current text"})
				continue
			}
			working = next
		case diff.Removed:
			next, anchored := restoreRemoved(working, hunk, precedingEqual(hunks, i), followingEqual(hunks, i))
			if !anchored {
				misses = append(misses, Miss{Kind: MissRemoved, Lines: hunk.Lines, Reason: "no anchor found, appended at end"})
			}
			working = next
		}
	}

	return Report{Content: collapseBlankLines(working), Misses: misses}
}

func removeAdded(working string, hunk diff.Hunk, prev *diff.Hunk) (string, bool) {
	block := hunk.Text
	if prev != nil {
		if idx := firstAlignedIndex(working, prev.Text); idx >= 0 {
			pos := idx + len(prev.Text)
			if blockAt(working, pos, block) {
				return deleteAt(working, pos, block), true
			}
		}
	}
	if idx := lastAlignedIndex(working, block); idx >= 0 {
		return deleteAt(working, idx, block), true
	}
	return removeLineSequence(working, hunk.Lines)
}

// restoreRemoved reinserts a deleted block next to its nearest surviving
// neighbour. The boolean is false when no anchor existed and the block had to
// be appended.
func restoreRemoved(working string, hunk diff.Hunk, prev, next *diff.Hunk) (string, bool) {
	block := hunk.Text
	if prev != nil {
		if idx := firstAlignedIndex(working, prev.Text); idx >= 0 {
			pos := idx + len(prev.Text)
			if blockAt(working, pos, block) {
				return working, true
			}
			return insertAt(working, pos, block), true
		}
	}
	if next != nil {
		if idx := firstAlignedIndex(working, next.Text); idx >= 0 {
			if start := idx - len(block); start >= 0 && blockAt(working, start, block) {
				return working, true
			}
			return insertAt(working, idx, block), true
		}
	}
	if lastAlignedIndex(working, block) >= 0 {
		return working, true
	}
	return appendBlock(working, block), false
}

func precedingEqual(hunks []diff.Hunk, i int) *diff.Hunk {
	for j := i - 1; j >= 0; j-- {
		if hunks[j].Op == diff.Equal {
			return &hunks[j]
		}
	}
	return nil
}

func followingEqual(hunks []diff.Hunk, i int) *diff.Hunk {
	for j := i + 1; j < len(hunks); j++ {
		if hunks[j].Op == diff.Equal {
			return &hunks[j]
		}
	}
	return nil
}

// blockAt reports whether block occurs at pos and covers whole lines.
func blockAt(s string, pos int, block string) bool {
	if pos < 0 || pos > len(s) || !strings.HasPrefix(s[pos:], block) {
		return false
	}
	return aligned(s, pos, block)
}

func aligned(s string, idx int, block string) bool {
	if idx > 0 && s[idx-1] != '\n' {
		return false
	}
	end := idx + len(block)
	return strings.HasSuffix(block, "\n") || end == len(s) || s[end] == '\n'
}

func firstAlignedIndex(s, block string) int {
	if block == "" {
		return -1
	}
	offset := 0
	for offset <= len(s) {
		idx := strings.Index(s[offset:], block)
		if idx < 0 {
			return -1
		}
		idx += offset
		if aligned(s, idx, block) {
			return idx
		}
		offset = idx + 1
	}
	return -1
}

func lastAlignedIndex(s, block string) int {
	if block == "" {
		return -1
	}
	end := len(s)
	for end >= 0 {
		idx := strings.LastIndex(s[:end], block)
		if idx < 0 {
			return -1
		}
		if aligned(s, idx, block) {
			return idx
		}
		end = idx + len(block) - 1
	}
	return -1
}

func removeLineSequence(working string, lines []string) (string, bool) {
	if len(lines) == 0 {
		return working, false
	}
	workingLines := strings.Split(working, "\n")
	for i := len(workingLines) - len(lines); i >= 0; i-- {
		if workingLines[i] != lines[0] {
			continue
		}
		match := true
		for j := 1; j < len(lines); j++ {
			if workingLines[i+j] != lines[j] {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		kept := make([]string, 0, len(workingLines)-len(lines))
		kept = append(kept, workingLines[:i]...)
		kept = append(kept, workingLines[i+len(lines):]...)
		return strings.Join(kept, "\n"), true
	}
	return working, false
}

// deleteAt removes block at idx together with the line break that followed it
// when the block itself carried none.
func deleteAt(working string, idx int, block string) string {
	end := idx + len(block)
	if !strings.HasSuffix(block, "\n") && end < len(working) && working[end] == '\n' {
		end++
	}
	return working[:idx] + working[end:]
}

func insertAt(working string, pos int, block string) string {
	if pos > 0 && working[pos-1] != '\n' {
		block = "\n" + block
	}
	if pos < len(working) && !strings.HasSuffix(block, "\n") {
		block += "\n"
	}
	return working[:pos] + block + working[pos:]
}

func appendBlock(working, block string) string {
	if working != "" && !strings.HasSuffix(working, "\n") {
		working += "\n"
	}
	return working + block
}

func collapseBlankLines(text string) string {
	return excessBlankLines.ReplaceAllString(text, "\n\n\n")
}
