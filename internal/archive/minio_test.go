package archive

import (
	"testing"
	"time"
)

func TestObjectKeyRoundTrip(t *testing.T) {
	at := time.Unix(1700000000, 123456789).UTC()
	key := ObjectKey("file-1", ReasonRevert, at)
	if key != "files/file-1/1700000000123456789-revert.txt" {
		t.Fatalf("ObjectKey() = %q", key)
	}

	reason, parsed, ok := parseObjectKey(key)
	if !ok {
		t.Fatal("parseObjectKey() failed")
	}
	if reason != ReasonRevert || !parsed.Equal(at) {
		t.Fatalf("parseObjectKey() = %q, %v", reason, parsed)
	}
}

func TestParseObjectKeyRejectsForeignKeys(t *testing.T) {
	for _, key := range []string{"files/file-1/readme.txt", "files/file-1/abc-approve.txt"} {
		if _, _, ok := parseObjectKey(key); ok {
			t.Fatalf("expected %q to be rejected", key)
		}
	}
}
