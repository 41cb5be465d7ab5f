package records

import (
	"context"
	"time"

	id "custodia/pkg/domain"
)

// Store is the entity-store boundary. Implementations must return sentinel
// errors (pkg/platform/sentinel) for infrastructure facts and must honor an
// enclosing transaction carried in the context.
type Store interface {
	// Subjects.
	CreateSubject(ctx context.Context, s *Subject) error
	FindSubject(ctx context.Context, subjectID id.SubjectID) (*Subject, error)
	ListSubjects(ctx context.Context) ([]*Subject, error)
	ListSubjectsLastActiveBefore(ctx context.Context, cutoff time.Time) ([]*Subject, error)
	UpdateSubjectPII(ctx context.Context, s *Subject) error
	UpdateConsentFields(ctx context.Context, s *Subject) error
	DeleteSubject(ctx context.Context, subjectID id.SubjectID) error

	// ClaimLifecycle is the conditional claim update closing the race window
	// between a stale scan result and a mutating call. It transitions the
	// subject from one lifecycle state to another and returns
	// sentinel.ErrConflict when the subject is not in the expected state.
	ClaimLifecycle(ctx context.Context, subjectID id.SubjectID, from, to LifecycleState) error

	// Child records. Deletion cascades only through DeleteChildRecords as
	// part of a subject lifecycle operation.
	CreateSession(ctx context.Context, s *Session) error
	CreateFeedback(ctx context.Context, f *Feedback) error
	CreateEvent(ctx context.Context, e *Event) error
	CreateNote(ctx context.Context, n *Note) error
	LoadGraph(ctx context.Context, subjectID id.SubjectID) (*Graph, error)
	DeleteChildRecords(ctx context.Context, subjectID id.SubjectID) (map[id.RecordType]int64, error)
	HasSessionWith(ctx context.Context, tutorID id.PrincipalID, subjectID id.SubjectID) (bool, error)
	UpdateSession(ctx context.Context, s *Session) error
	UpdateFeedback(ctx context.Context, f *Feedback) error
	UpdateEvent(ctx context.Context, e *Event) error
	UpdateNote(ctx context.Context, n *Note) error
	FindSession(ctx context.Context, recordID id.RecordID) (*Session, error)
	FindFeedback(ctx context.Context, recordID id.RecordID) (*Feedback, error)
	FindEvent(ctx context.Context, recordID id.RecordID) (*Event, error)
	FindNote(ctx context.Context, recordID id.RecordID) (*Note, error)

	// Archives.
	SaveArchive(ctx context.Context, a *Archive) error
	FindArchive(ctx context.Context, archiveID id.ArchiveID) (*Archive, error)

	// Consent tokens; digests only, one live token per subject.
	SaveToken(ctx context.Context, t *TokenRecord) error
	FindToken(ctx context.Context, subjectID id.SubjectID) (*TokenRecord, error)
	DeleteToken(ctx context.Context, subjectID id.SubjectID) error
}

// UnitOfWork runs fn inside one atomic transaction spanning every store that
// honors the context transaction. Any error from fn rolls the whole
// transaction back; partial application is never observable.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}
