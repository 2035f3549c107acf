// Package search indexes version records for full-text lookup over the
// lines each approved change added or removed.
package search

import "context"

// Result is a single search hit returned to the caller.
type Result struct {
	VersionID      string `json:"versionId"`
	ProjectID      string `json:"projectId"`
	FileID         string `json:"fileId"`
	CollaboratorID string `json:"collaboratorId"`
	ProposalID     string `json:"proposalId,omitempty"`
	Snippet        string `json:"snippet"`
	CreatedAt      int64  `json:"createdAt"`
}

// Query describes a search request.
type Query struct {
	ProjectID string
	FileID    string
	Text      string
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push version records into a search index.
type Indexer interface {
	IndexVersions(records []VersionRecord) error
}

// VersionRecord is the data we index for a version.
type VersionRecord struct {
	ID             string `json:"id"`
	ProjectID      string `json:"projectId"`
	FileID         string `json:"fileId"`
	CollaboratorID string `json:"collaboratorId"`
	ProposalID     string `json:"proposalId"`
	Text           string `json:"text"`
	Added          int    `json:"added"`
	Removed        int    `json:"removed"`
	CreatedAt      int64  `json:"createdAt"`
}
