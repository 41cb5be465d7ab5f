package ledger

import (
	"context"

	"github.com/google/uuid"

	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/requestcontext"
)

// Service validates and commits ledger entries. Append is the single source
// of truth that a disclosure occurred; callers that cannot complete an append
// must treat their own operation as failed.
type Service struct {
	store   Store
	metrics *Metrics
}

func NewService(store Store, metrics *Metrics) *Service {
	return &Service{store: store, metrics: metrics}
}

// Append validates and durably commits an entry. A missing subject reference
// or record type is a validation failure; nothing is written.
func (s *Service) Append(ctx context.Context, entry *Entry) error {
	if entry.SubjectID.IsNil() {
		s.metrics.IncRejected()
		return dErrors.New(dErrors.CodeValidation, "ledger entry requires a subject reference")
	}
	if !entry.RecordType.IsValid() {
		s.metrics.IncRejected()
		return dErrors.New(dErrors.CodeValidation, "ledger entry requires a valid record type")
	}
	if entry.Outcome == "" {
		s.metrics.IncRejected()
		return dErrors.New(dErrors.CodeValidation, "ledger entry requires an outcome")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = requestcontext.Now(ctx)
	}

	if err := s.store.Append(ctx, entry); err != nil {
		return dErrors.Wrap(err, dErrors.CodeStorage, "ledger append failed")
	}
	s.metrics.IncAppended(string(entry.Outcome))
	return nil
}

// Query returns a page of entries, newest first.
func (s *Service) Query(ctx context.Context, filter Filter, page Page) ([]Entry, error) {
	entries, err := s.store.Query(ctx, filter, page)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "ledger query failed")
	}
	return entries, nil
}

// ScrubPrincipal nulls the principal reference on historical entries. Used
// exclusively by the erasure engine; rows are never deleted here.
func (s *Service) ScrubPrincipal(ctx context.Context, principalID id.PrincipalID) (int64, error) {
	n, err := s.store.ScrubPrincipal(ctx, principalID)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeStorage, "ledger scrub failed")
	}
	s.metrics.AddScrubbed(n)
	return n, nil
}

// ScrubSubject nulls the principal reference and strips PII metadata on every
// entry referencing the subject, keeping the evidentiary rows. Used
// exclusively by the erasure engine with retain_audit_logs enabled.
func (s *Service) ScrubSubject(ctx context.Context, subjectID id.SubjectID) (int64, error) {
	n, err := s.store.ScrubSubjectMetadata(ctx, subjectID)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeStorage, "ledger scrub failed")
	}
	s.metrics.AddScrubbed(n)
	return n, nil
}

// EraseSubjectRows hard-deletes every entry referencing the subject. This
// trades audit completeness for erasure completeness; only the erasure engine
// with retain_audit_logs explicitly disabled may call it.
func (s *Service) EraseSubjectRows(ctx context.Context, subjectID id.SubjectID) (int64, error) {
	n, err := s.store.DeleteBySubject(ctx, subjectID)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeStorage, "ledger erase failed")
	}
	return n, nil
}
