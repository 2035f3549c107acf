package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lineTexts(lines []Line) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.Line)
	}
	return out
}

func TestComputeLineChangesIdentical(t *testing.T) {
	for _, text := range []string{"", "a", "a\nb\nc", "a\n\n\nb\n"} {
		changes := ComputeLineChanges(text, text)
		assert.Empty(t, changes.AddedLines, "text %q", text)
		assert.Empty(t, changes.RemovedLines, "text %q", text)
		assert.Empty(t, changes.ModifiedLines, "text %q", text)
	}
}

func TestComputeLineChangesReplacedLine(t *testing.T) {
	changes := ComputeLineChanges("a\nb\nc", "a\nx\nc")

	assert.Equal(t, []string{"x"}, lineTexts(changes.AddedLines))
	assert.Equal(t, []string{"b"}, lineTexts(changes.RemovedLines))
	assert.Equal(t, 1, changes.AddedLines[0].Index)
	assert.Equal(t, 1, changes.RemovedLines[0].Index)
	assert.Empty(t, changes.ModifiedLines)
}

func TestComputeLineChangesIndexAdvancesOnAddedAndEqual(t *testing.T) {
	changes := ComputeLineChanges("one\ntwo\nthree\n", "zero\none\nthree\nfour\n")

	require.Len(t, changes.AddedLines, 2)
	assert.Equal(t, Line{Line: "zero", Index: 0}, changes.AddedLines[0])
	assert.Equal(t, Line{Line: "four", Index: 3}, changes.AddedLines[1])

	require.Len(t, changes.RemovedLines, 1)
	assert.Equal(t, Line{Line: "two", Index: 2}, changes.RemovedLines[0])
}

func TestComputeLineChangesFromEmpty(t *testing.T) {
	changes := ComputeLineChanges("", "print(1)\nprint(2)")

	assert.Equal(t, []string{"print(1)", "print(2)"}, lineTexts(changes.AddedLines))
	assert.Empty(t, changes.RemovedLines)
	assert.Equal(t, Stats{Added: 2}, changes.Stats())
}

func TestHunksPreserveText(t *testing.T) {
	a := "keep\nold\ntail"
	b := "keep\nnew\nextra\ntail"

	var rebuiltA, rebuiltB string
	for _, h := range Hunks(a, b) {
		switch h.Op {
		case Equal:
			rebuiltA += h.Text
			rebuiltB += h.Text
		case Added:
			rebuiltB += h.Text
		case Removed:
			rebuiltA += h.Text
		}
	}
	assert.Equal(t, a, rebuiltA)
	assert.Equal(t, b, rebuiltB)
}

func TestHunksMergesAdjacentSameOp(t *testing.T) {
	hunks := Hunks("a\nb\n", "c\nd\n")
	ops := make([]Op, 0, len(hunks))
	for _, h := range hunks {
		ops = append(ops, h.Op)
	}
	for i := 1; i < len(ops); i++ {
		assert.NotEqual(t, ops[i-1], ops[i], "adjacent hunks share op %s", ops[i])
	}
}

func TestSplitLines(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty", in: "", want: nil},
		{name: "single", in: "a", want: []string{"a"}},
		{name: "trailing newline", in: "a\nb\n", want: []string{"a", "b"}},
		{name: "blank lines", in: "a\n\nb", want: []string{"a", "", "b"}},
		{name: "only newline", in: "\n", want: []string{""}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SplitLines(tc.in))
		})
	}
}
