package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to
// the Postgres substring backend.
type Service struct {
	meili *Meili
	pgsub *PgSub
}

// NewService creates a search service. meili may be nil if Meilisearch
// is not configured.
func NewService(meili *Meili, pgsub *PgSub) *Service {
	return &Service{meili: meili, pgsub: pgsub}
}

// Search tries Meilisearch if healthy, otherwise falls back to Postgres.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}

	results, total, err := s.pgsub.Search(q)
	if err != nil {
		log.Printf("search: postgres fallback error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexNote indexes a note (fire-and-forget to Meilisearch).
func (s *Service) IndexNote(rec NoteRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexNote(rec); err != nil {
			log.Printf("search: index note %s: %v", rec.ID, err)
		}
	}()
}

// DeleteNote removes a note from the search index (fire-and-forget).
func (s *Service) DeleteNote(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteNote(id); err != nil {
			log.Printf("search: delete note %s: %v", id, err)
		}
	}()
}

// NoteLoader supplies the full corpus for reindexing.
type NoteLoader interface {
	LoadAllNoteRecords(ctx context.Context) ([]NoteRecord, error)
}

// ReindexAll reads every note from the source of truth and pushes it
// to Meilisearch. Called at startup when the engine is healthy.
func (s *Service) ReindexAll(ctx context.Context, loader NoteLoader) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	records, err := loader.LoadAllNoteRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexNotes(records); err != nil {
		log.Printf("search: reindex notes: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
