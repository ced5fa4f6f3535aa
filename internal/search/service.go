package search

import (
	"context"

	"go.uber.org/zap"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili    *Meili
	fallback Searcher
	logger   *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback Searcher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{meili: meili, fallback: fallback, logger: logger}
}

func (s *Service) indexing() bool {
	return s.meili != nil && s.meili.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.indexing() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to postgres", zap.Error(err))
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("postgres search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexContract indexes a contract (fire-and-forget to Meilisearch).
func (s *Service) IndexContract(c ContractRecord) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := s.meili.IndexContract(c); err != nil {
			s.logger.Warn("index contract", zap.String("contract_id", c.ID), zap.Error(err))
		}
	}()
}

// IndexComment indexes a comment (fire-and-forget to Meilisearch).
func (s *Service) IndexComment(c CommentRecord) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := s.meili.IndexComment(c); err != nil {
			s.logger.Warn("index comment", zap.String("comment_id", c.ID), zap.Error(err))
		}
	}()
}

// DeleteComment removes a comment from the search index (fire-and-forget).
func (s *Service) DeleteComment(id string) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := s.meili.DeleteComment(id); err != nil {
			s.logger.Warn("delete comment from index", zap.String("comment_id", id), zap.Error(err))
		}
	}()
}

// ReindexAllFromPG pushes every contract and comment from PostgreSQL into
// Meilisearch. Called during Bootstrap.
func (s *Service) ReindexAllFromPG(ctx context.Context, pg *PgFTS) {
	if !s.indexing() || pg == nil {
		return
	}
	contracts, comments, err := pg.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Warn("reindex load failed", zap.Error(err))
		return
	}
	if err := s.meili.IndexContracts(contracts); err != nil {
		s.logger.Warn("reindex contracts", zap.Error(err))
	}
	if err := s.meili.IndexComments(comments); err != nil {
		s.logger.Warn("reindex comments", zap.Error(err))
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
