package ledger

import (
	"context"
	"sort"
	"sync"

	id "custodia/pkg/domain"
)

// InMemoryStore keeps entries in append order. It participates in
// snapshot-based unit-of-work rollback alongside the records store.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Snapshot deep-copies the entries for unit-of-work rollback.
func (s *InMemoryStore) Snapshot() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = copyEntry(e)
	}
	return out
}

// Restore replaces the entries with a previously taken snapshot.
func (s *InMemoryStore) Restore(snapshot any) {
	entries, ok := snapshot.([]Entry)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = entries
}

func copyEntry(e Entry) Entry {
	c := e
	if e.PrincipalID != nil {
		pid := *e.PrincipalID
		c.PrincipalID = &pid
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

func (s *InMemoryStore) Append(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, copyEntry(*entry))
	return nil
}

func (s *InMemoryStore) Query(_ context.Context, filter Filter, page Page) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []Entry
	for _, e := range s.entries {
		if !matches(e, filter) {
			continue
		}
		matched = append(matched, copyEntry(e))
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].OccurredAt.After(matched[j].OccurredAt)
	})

	if page.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[page.Offset:]
	if limit := page.limit(); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func matches(e Entry, f Filter) bool {
	if f.SubjectID != nil && e.SubjectID != *f.SubjectID {
		return false
	}
	if f.PrincipalID != nil {
		if e.PrincipalID == nil || *e.PrincipalID != *f.PrincipalID {
			return false
		}
	}
	if f.Reason != "" && e.Reason != f.Reason {
		return false
	}
	if f.Since != nil && e.OccurredAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.OccurredAt.After(*f.Until) {
		return false
	}
	return true
}

func (s *InMemoryStore) ScrubPrincipal(_ context.Context, principalID id.PrincipalID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.entries {
		if s.entries[i].PrincipalID == nil || *s.entries[i].PrincipalID != principalID {
			continue
		}
		s.entries[i].PrincipalID = nil
		stripPII(s.entries[i].Metadata)
		n++
	}
	return n, nil
}

func (s *InMemoryStore) ScrubSubjectMetadata(_ context.Context, subjectID id.SubjectID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.entries {
		if s.entries[i].SubjectID != subjectID {
			continue
		}
		s.entries[i].PrincipalID = nil
		stripPII(s.entries[i].Metadata)
		n++
	}
	return n, nil
}

func (s *InMemoryStore) DeleteBySubject(_ context.Context, subjectID id.SubjectID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []Entry
	var n int64
	for _, e := range s.entries {
		if e.SubjectID == subjectID {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return n, nil
}

func stripPII(metadata map[string]string) {
	for _, key := range piiMetadataKeys {
		delete(metadata, key)
	}
}
