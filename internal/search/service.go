package search

import (
	"context"

	"go.uber.org/zap"
)

const (
	EngineMeili = "meilisearch"
	EnginePgFTS = "postgres"
)

type primaryEngine interface {
	Searcher
	Indexer
}

type recordLoader interface {
	LoadAllRecords(ctx context.Context) ([]VersionRecord, error)
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary  primaryEngine
	fallback Searcher
	loader   recordLoader
	logger   *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(m *Meili, pgfts *PgFTS, logger *zap.Logger) *Service {
	s := &Service{logger: logger}
	if m != nil {
		s.primary = m
	}
	if pgfts != nil {
		s.fallback = pgfts
		s.loader = pgfts
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: EngineMeili}
		}
		s.logger.Warn("meilisearch error, falling back to pgfts", zap.Error(err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Engine: EnginePgFTS}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("pgfts search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Engine: EnginePgFTS}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: EnginePgFTS}
}

// IndexVersion indexes a version record (fire-and-forget to Meilisearch).
func (s *Service) IndexVersion(record VersionRecord) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	go func() {
		if err := s.primary.IndexVersions([]VersionRecord{record}); err != nil {
			s.logger.Warn("index version failed", zap.String("version_id", record.ID), zap.Error(err))
		}
	}()
}

// ReindexAllFromPG pushes every stored version into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.primary == nil || !s.primary.Healthy() || s.loader == nil {
		return
	}
	records, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Warn("reindex load failed", zap.Error(err))
		return
	}
	if err := s.primary.IndexVersions(records); err != nil {
		s.logger.Warn("reindex versions failed", zap.Int("count", len(records)), zap.Error(err))
		return
	}
	s.logger.Info("search reindex complete", zap.Int("count", len(records)))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
