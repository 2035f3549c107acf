package search

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

type fakeEngine struct {
	mu        sync.Mutex
	healthy   bool
	results   []Result
	err       error
	indexed   []VersionRecord
	searchHit int
}

func (f *fakeEngine) Healthy() bool { return f.healthy }

func (f *fakeEngine) Search(_ context.Context, _ Query) ([]Result, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchHit++
	return f.results, len(f.results), f.err
}

func (f *fakeEngine) IndexVersions(records []VersionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, records...)
	return nil
}

func (f *fakeEngine) indexedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.indexed)
}

type fakeLoader struct {
	records []VersionRecord
}

func (f fakeLoader) LoadAllRecords(context.Context) ([]VersionRecord, error) {
	return f.records, nil
}

func TestSearchPrefersHealthyPrimary(t *testing.T) {
	primary := &fakeEngine{healthy: true, results: []Result{{VersionID: "ver_1"}}}
	fallback := &fakeEngine{healthy: true, results: []Result{{VersionID: "ver_pg"}}}
	svc := &Service{primary: primary, fallback: fallback, logger: nopLogger()}

	resp := svc.Search(context.Background(), Query{ProjectID: "p", Text: "print"})
	if resp.Engine != EngineMeili || len(resp.Results) != 1 || resp.Results[0].VersionID != "ver_1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if fallback.searchHit != 0 {
		t.Fatal("expected fallback to be unused")
	}
}

func TestSearchFallsBackOnPrimaryError(t *testing.T) {
	primary := &fakeEngine{healthy: true, err: errors.New("down")}
	fallback := &fakeEngine{healthy: true, results: []Result{{VersionID: "ver_pg"}}}
	svc := &Service{primary: primary, fallback: fallback, logger: nopLogger()}

	resp := svc.Search(context.Background(), Query{ProjectID: "p", Text: "print"})
	if resp.Engine != EnginePgFTS || len(resp.Results) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSearchSkipsUnhealthyPrimary(t *testing.T) {
	primary := &fakeEngine{healthy: false}
	fallback := &fakeEngine{healthy: true}
	svc := &Service{primary: primary, fallback: fallback, logger: nopLogger()}

	resp := svc.Search(context.Background(), Query{ProjectID: "p", Text: "print"})
	if primary.searchHit != 0 {
		t.Fatal("expected unhealthy primary to be skipped")
	}
	if resp.Results == nil {
		t.Fatal("expected non-nil results")
	}
}

func TestNewServiceWithoutMeili(t *testing.T) {
	svc := NewService(nil, nil, nil)
	resp := svc.Search(context.Background(), Query{ProjectID: "p", Text: "x"})
	if len(resp.Results) != 0 {
		t.Fatalf("unexpected results: %+v", resp)
	}
	svc.IndexVersion(VersionRecord{ID: "ver_1"})
}

func TestIndexVersionAndReindex(t *testing.T) {
	primary := &fakeEngine{healthy: true}
	svc := &Service{
		primary: primary,
		loader:  fakeLoader{records: []VersionRecord{{ID: "a"}, {ID: "b"}}},
		logger:  nopLogger(),
	}

	svc.IndexVersion(VersionRecord{ID: "ver_1"})
	deadline := time.Now().Add(time.Second)
	for primary.indexedCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if primary.indexedCount() != 1 {
		t.Fatalf("expected async index, got %d", primary.indexedCount())
	}

	svc.ReindexAllFromPG(context.Background())
	if primary.indexedCount() != 3 {
		t.Fatalf("expected reindex of 2 more records, got %d total", primary.indexedCount())
	}
}

func TestHitToResultPrefersFormattedSnippet(t *testing.T) {
	hit := meili.Hit{
		"id":         json.RawMessage(`"ver_1"`),
		"projectId":  json.RawMessage(`"p"`),
		"fileId":     json.RawMessage(`"f"`),
		"text":       json.RawMessage(`"print(2)"`),
		"createdAt":  json.RawMessage(`1700000000`),
		"_formatted": json.RawMessage(`{"text":"<mark>print</mark>(2)","createdAt":"1700000000"}`),
	}
	r := hitToResult(hit)
	if r.VersionID != "ver_1" || r.FileID != "f" || r.CreatedAt != 1700000000 {
		t.Fatalf("unexpected result: %+v", r)
	}
	if r.Snippet != "<mark>print</mark>(2)" {
		t.Fatalf("unexpected snippet: %q", r.Snippet)
	}
}

func nopLogger() *zap.Logger { return zap.NewNop() }
