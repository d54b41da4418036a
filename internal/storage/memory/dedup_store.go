package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
)

// DedupStore keeps dedup records in a map. It is not durable and exists for
// tests and throwaway runs.
type DedupStore struct {
	mu      sync.Mutex
	records map[string]crawler.DedupRecord
}

// NewDedupStore constructs an empty DedupStore.
func NewDedupStore() *DedupStore {
	return &DedupStore{records: make(map[string]crawler.DedupRecord)}
}

// InsertIfAbsent stores rec unless a live record for the hash exists.
func (s *DedupStore) InsertIfAbsent(_ context.Context, rec crawler.DedupRecord, expiredBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.Hash]; ok && !existing.FirstSeen.Before(expiredBefore) {
		return false, nil
	}
	s.records[rec.Hash] = rec
	return true, nil
}

// SetOutcome updates the outcome of an existing record.
func (s *DedupStore) SetOutcome(_ context.Context, hash string, outcome crawler.DedupOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[hash]
	if !ok {
		return fmt.Errorf("%w: dedup record %s", crawler.ErrNotFound, hash)
	}
	rec.Outcome = outcome
	s.records[hash] = rec
	return nil
}

// Get returns the record for hash.
func (s *DedupStore) Get(_ context.Context, hash string) (crawler.DedupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[hash]
	if !ok {
		return crawler.DedupRecord{}, fmt.Errorf("%w: dedup record %s", crawler.ErrNotFound, hash)
	}
	return rec, nil
}

// PurgeBefore deletes records first seen before cutoff.
func (s *DedupStore) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for hash, rec := range s.records {
		if rec.FirstSeen.Before(cutoff) {
			delete(s.records, hash)
			n++
		}
	}
	return n, nil
}

// Len reports how many records are held.
func (s *DedupStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
