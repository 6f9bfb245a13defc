package search

import (
	"context"

	"go.uber.org/zap"
)

// Service is the facade that tries the search engine first and falls back to
// searching the primary store in place.
type Service struct {
	engine   Engine
	fallback Source
	log      *zap.Logger
}

// NewService creates a search service. engine may be nil when no search
// engine is configured; fallback may be nil when no relational store backs
// the process.
func NewService(engine Engine, fallback Source, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{engine: engine, fallback: fallback, log: log.Named("search")}
}

func (s *Service) engineReady() bool {
	return s.engine != nil && s.engine.Healthy()
}

// Search tries the engine if healthy, otherwise the fallback.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.engineReady() {
		results, total, err := s.engine.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("search engine failed, falling back to postgres", zap.Error(err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error("fallback search failed", zap.Error(err))
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexItem indexes an item (fire-and-forget).
func (s *Service) IndexItem(r ItemRecord) {
	s.async("index item", r.ID, func(e Engine) error { return e.IndexItems([]ItemRecord{r}) })
}

// IndexPost indexes a post (fire-and-forget).
func (s *Service) IndexPost(r PostRecord) {
	s.async("index post", r.ID, func(e Engine) error { return e.IndexPosts([]PostRecord{r}) })
}

func (s *Service) DeleteItem(id string) {
	s.async("delete item", id, func(e Engine) error { return e.DeleteItem(id) })
}

func (s *Service) DeletePost(id string) {
	s.async("delete post", id, func(e Engine) error { return e.DeletePost(id) })
}

func (s *Service) async(op, id string, fn func(Engine) error) {
	if !s.engineReady() {
		return
	}
	engine := s.engine
	go func() {
		if err := fn(engine); err != nil {
			s.log.Warn(op, zap.String("id", id), zap.Error(err))
		}
	}()
}

// ReindexAll reads every item and post from the fallback store and pushes
// them to the engine. Called at startup when the engine is healthy.
func (s *Service) ReindexAll(ctx context.Context) {
	if !s.engineReady() || s.fallback == nil {
		return
	}
	items, posts, err := s.fallback.LoadAllRecords(ctx)
	if err != nil {
		s.log.Warn("reindex load failed", zap.Error(err))
		return
	}
	if err := s.engine.IndexItems(items); err != nil {
		s.log.Warn("reindex items", zap.Error(err))
	}
	if err := s.engine.IndexPosts(posts); err != nil {
		s.log.Warn("reindex posts", zap.Error(err))
	}
	s.log.Info("search index rebuilt", zap.Int("items", len(items)), zap.Int("posts", len(posts)))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
