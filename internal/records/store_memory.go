package records

import (
	"context"
	"sort"
	"sync"
	"time"

	id "custodia/pkg/domain"
	"custodia/pkg/platform/sentinel"
)

// InMemoryStore backs unit tests and local development. It is safe for
// concurrent use and participates in snapshot-based unit-of-work rollback.
type InMemoryStore struct {
	mu       sync.RWMutex
	subjects map[id.SubjectID]*Subject
	sessions map[id.RecordID]*Session
	feedback map[id.RecordID]*Feedback
	events   map[id.RecordID]*Event
	notes    map[id.RecordID]*Note
	archives map[id.ArchiveID]*Archive
	tokens   map[id.SubjectID]*TokenRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		subjects: make(map[id.SubjectID]*Subject),
		sessions: make(map[id.RecordID]*Session),
		feedback: make(map[id.RecordID]*Feedback),
		events:   make(map[id.RecordID]*Event),
		notes:    make(map[id.RecordID]*Note),
		archives: make(map[id.ArchiveID]*Archive),
		tokens:   make(map[id.SubjectID]*TokenRecord),
	}
}

// memoryState is the snapshot payload for rollback.
type memoryState struct {
	subjects map[id.SubjectID]*Subject
	sessions map[id.RecordID]*Session
	feedback map[id.RecordID]*Feedback
	events   map[id.RecordID]*Event
	notes    map[id.RecordID]*Note
	archives map[id.ArchiveID]*Archive
	tokens   map[id.SubjectID]*TokenRecord
}

// Snapshot deep-copies the current state for unit-of-work rollback.
func (s *InMemoryStore) Snapshot() any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := memoryState{
		subjects: make(map[id.SubjectID]*Subject, len(s.subjects)),
		sessions: make(map[id.RecordID]*Session, len(s.sessions)),
		feedback: make(map[id.RecordID]*Feedback, len(s.feedback)),
		events:   make(map[id.RecordID]*Event, len(s.events)),
		notes:    make(map[id.RecordID]*Note, len(s.notes)),
		archives: make(map[id.ArchiveID]*Archive, len(s.archives)),
		tokens:   make(map[id.SubjectID]*TokenRecord, len(s.tokens)),
	}
	for k, v := range s.subjects {
		st.subjects[k] = copySubject(v)
	}
	for k, v := range s.sessions {
		c := *v
		st.sessions[k] = &c
	}
	for k, v := range s.feedback {
		c := *v
		st.feedback[k] = &c
	}
	for k, v := range s.events {
		c := *v
		st.events[k] = &c
	}
	for k, v := range s.notes {
		c := *v
		st.notes[k] = &c
	}
	for k, v := range s.archives {
		c := *v
		c.Payload = append([]byte(nil), v.Payload...)
		st.archives[k] = &c
	}
	for k, v := range s.tokens {
		c := *v
		st.tokens[k] = &c
	}
	return st
}

// Restore replaces the state with a previously taken snapshot.
func (s *InMemoryStore) Restore(snapshot any) {
	st, ok := snapshot.(memoryState)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects = st.subjects
	s.sessions = st.sessions
	s.feedback = st.feedback
	s.events = st.events
	s.notes = st.notes
	s.archives = st.archives
	s.tokens = st.tokens
}

func copySubject(v *Subject) *Subject {
	c := *v
	if v.ConsentGrantedAt != nil {
		t := *v.ConsentGrantedAt
		c.ConsentGrantedAt = &t
	}
	if v.AnonymizedAt != nil {
		t := *v.AnonymizedAt
		c.AnonymizedAt = &t
	}
	return &c
}

// -----------------------------------------------------------------------------
// Subjects
// -----------------------------------------------------------------------------

func (s *InMemoryStore) CreateSubject(_ context.Context, subject *Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subjects[subject.ID]; exists {
		return sentinel.ErrConflict
	}
	s.subjects[subject.ID] = copySubject(subject)
	return nil
}

func (s *InMemoryStore) FindSubject(_ context.Context, subjectID id.SubjectID) (*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subject, ok := s.subjects[subjectID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copySubject(subject), nil
}

func (s *InMemoryStore) ListSubjects(_ context.Context) ([]*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Subject, 0, len(s.subjects))
	for _, subject := range s.subjects {
		out = append(out, copySubject(subject))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) ListSubjectsLastActiveBefore(_ context.Context, cutoff time.Time) ([]*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Subject
	for _, subject := range s.subjects {
		if subject.LastActivityAt.Before(cutoff) {
			out = append(out, copySubject(subject))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.Before(out[j].LastActivityAt) })
	return out, nil
}

func (s *InMemoryStore) UpdateSubjectPII(_ context.Context, subject *Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.subjects[subject.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	existing.FullName = subject.FullName
	existing.Email = subject.Email
	existing.DateOfBirth = subject.DateOfBirth
	existing.ParentName = subject.ParentName
	existing.ParentContact = subject.ParentContact
	existing.ConsentOriginIP = subject.ConsentOriginIP
	if subject.AnonymizedAt != nil {
		t := *subject.AnonymizedAt
		existing.AnonymizedAt = &t
	}
	return nil
}

func (s *InMemoryStore) UpdateConsentFields(_ context.Context, subject *Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.subjects[subject.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	existing.Under13 = subject.Under13
	existing.ParentName = subject.ParentName
	existing.ParentContact = subject.ParentContact
	existing.ConsentStatus = subject.ConsentStatus
	existing.ConsentOriginIP = subject.ConsentOriginIP
	if subject.ConsentGrantedAt != nil {
		t := *subject.ConsentGrantedAt
		existing.ConsentGrantedAt = &t
	} else {
		existing.ConsentGrantedAt = nil
	}
	return nil
}

func (s *InMemoryStore) DeleteSubject(_ context.Context, subjectID id.SubjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subjects[subjectID]; !ok {
		return sentinel.ErrNotFound
	}
	delete(s.subjects, subjectID)
	return nil
}

func (s *InMemoryStore) ClaimLifecycle(_ context.Context, subjectID id.SubjectID, from, to LifecycleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	subject, ok := s.subjects[subjectID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if subject.Lifecycle != from {
		return sentinel.ErrConflict
	}
	subject.Lifecycle = to
	return nil
}

// -----------------------------------------------------------------------------
// Child records
// -----------------------------------------------------------------------------

func (s *InMemoryStore) CreateSession(_ context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subjects[session.SubjectID]; !ok {
		return sentinel.ErrNotFound
	}
	c := *session
	s.sessions[session.ID] = &c
	return nil
}

func (s *InMemoryStore) CreateFeedback(_ context.Context, f *Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subjects[f.SubjectID]; !ok {
		return sentinel.ErrNotFound
	}
	c := *f
	s.feedback[f.ID] = &c
	return nil
}

func (s *InMemoryStore) CreateEvent(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subjects[e.SubjectID]; !ok {
		return sentinel.ErrNotFound
	}
	c := *e
	s.events[e.ID] = &c
	return nil
}

func (s *InMemoryStore) CreateNote(_ context.Context, n *Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subjects[n.SubjectID]; !ok {
		return sentinel.ErrNotFound
	}
	c := *n
	s.notes[n.ID] = &c
	return nil
}

func (s *InMemoryStore) LoadGraph(_ context.Context, subjectID id.SubjectID) (*Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subject, ok := s.subjects[subjectID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	g := &Graph{Subject: copySubject(subject)}
	for _, v := range s.sessions {
		if v.SubjectID == subjectID {
			g.Sessions = append(g.Sessions, *v)
		}
	}
	for _, v := range s.feedback {
		if v.SubjectID == subjectID {
			g.Feedback = append(g.Feedback, *v)
		}
	}
	for _, v := range s.events {
		if v.SubjectID == subjectID {
			g.Events = append(g.Events, *v)
		}
	}
	for _, v := range s.notes {
		if v.SubjectID == subjectID {
			g.Notes = append(g.Notes, *v)
		}
	}
	sort.Slice(g.Sessions, func(i, j int) bool { return g.Sessions[i].StartedAt.Before(g.Sessions[j].StartedAt) })
	sort.Slice(g.Feedback, func(i, j int) bool { return g.Feedback[i].CreatedAt.Before(g.Feedback[j].CreatedAt) })
	sort.Slice(g.Events, func(i, j int) bool { return g.Events[i].OccurredAt.Before(g.Events[j].OccurredAt) })
	sort.Slice(g.Notes, func(i, j int) bool { return g.Notes[i].CreatedAt.Before(g.Notes[j].CreatedAt) })
	return g, nil
}

func (s *InMemoryStore) DeleteChildRecords(_ context.Context, subjectID id.SubjectID) (map[id.RecordType]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[id.RecordType]int64{}
	for k, v := range s.sessions {
		if v.SubjectID == subjectID {
			delete(s.sessions, k)
			counts[id.RecordTypeSession]++
		}
	}
	for k, v := range s.feedback {
		if v.SubjectID == subjectID {
			delete(s.feedback, k)
			counts[id.RecordTypeFeedback]++
		}
	}
	for k, v := range s.events {
		if v.SubjectID == subjectID {
			delete(s.events, k)
			counts[id.RecordTypeEvent]++
		}
	}
	for k, v := range s.notes {
		if v.SubjectID == subjectID {
			delete(s.notes, k)
			counts[id.RecordTypeNote]++
		}
	}
	return counts, nil
}

func (s *InMemoryStore) HasSessionWith(_ context.Context, tutorID id.PrincipalID, subjectID id.SubjectID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.sessions {
		if v.SubjectID == subjectID && v.TutorID == tutorID {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) UpdateSession(_ context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; !ok {
		return sentinel.ErrNotFound
	}
	c := *session
	s.sessions[session.ID] = &c
	return nil
}

func (s *InMemoryStore) UpdateFeedback(_ context.Context, f *Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.feedback[f.ID]; !ok {
		return sentinel.ErrNotFound
	}
	c := *f
	s.feedback[f.ID] = &c
	return nil
}

func (s *InMemoryStore) UpdateEvent(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID]; !ok {
		return sentinel.ErrNotFound
	}
	c := *e
	s.events[e.ID] = &c
	return nil
}

func (s *InMemoryStore) UpdateNote(_ context.Context, n *Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notes[n.ID]; !ok {
		return sentinel.ErrNotFound
	}
	c := *n
	s.notes[n.ID] = &c
	return nil
}

func (s *InMemoryStore) FindSession(_ context.Context, recordID id.RecordID) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.sessions[recordID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	c := *v
	return &c, nil
}

func (s *InMemoryStore) FindFeedback(_ context.Context, recordID id.RecordID) (*Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.feedback[recordID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	c := *v
	return &c, nil
}

func (s *InMemoryStore) FindEvent(_ context.Context, recordID id.RecordID) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.events[recordID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	c := *v
	return &c, nil
}

func (s *InMemoryStore) FindNote(_ context.Context, recordID id.RecordID) (*Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.notes[recordID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	c := *v
	return &c, nil
}

// -----------------------------------------------------------------------------
// Archives and tokens
// -----------------------------------------------------------------------------

func (s *InMemoryStore) SaveArchive(_ context.Context, a *Archive) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *a
	c.Payload = append([]byte(nil), a.Payload...)
	s.archives[a.ID] = &c
	return nil
}

func (s *InMemoryStore) FindArchive(_ context.Context, archiveID id.ArchiveID) (*Archive, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.archives[archiveID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	c := *a
	c.Payload = append([]byte(nil), a.Payload...)
	return &c, nil
}

func (s *InMemoryStore) SaveToken(_ context.Context, t *TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *t
	s.tokens[t.SubjectID] = &c
	return nil
}

func (s *InMemoryStore) FindToken(_ context.Context, subjectID id.SubjectID) (*TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[subjectID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (s *InMemoryStore) DeleteToken(_ context.Context, subjectID id.SubjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, subjectID)
	return nil
}
