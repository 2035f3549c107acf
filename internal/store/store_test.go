package store

import (
	"testing"

	"coedit/api/internal/diff"
)

func TestSearchText(t *testing.T) {
	got := SearchText(diff.Changes{
		AddedLines:   []diff.Line{{Line: "alpha", Index: 0}, {Line: "beta", Index: 1}},
		RemovedLines: []diff.Line{{Line: "gamma", Index: 2}},
	})
	if got != "alpha\nbeta\ngamma" {
		t.Fatalf("SearchText() = %q", got)
	}
	if SearchText(diff.Changes{}) != "" {
		t.Fatal("expected empty search text for empty changes")
	}
}
