package ledger

import (
	"context"

	id "custodia/pkg/domain"
)

// Store is the durable ledger boundary. The storage shape is append-only:
// there is no update surface beyond the principal scrub and no delete surface
// beyond the subject-scoped hard delete the erasure engine uses when the
// caller explicitly declines audit retention.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	Query(ctx context.Context, filter Filter, page Page) ([]Entry, error)

	// ScrubPrincipal nulls the principal reference and strips PII-bearing
	// metadata keys on matching historical entries; it never deletes rows.
	ScrubPrincipal(ctx context.Context, principalID id.PrincipalID) (int64, error)

	// ScrubSubjectMetadata strips PII-bearing metadata keys from entries
	// referencing the subject, keeping the evidentiary row itself.
	ScrubSubjectMetadata(ctx context.Context, subjectID id.SubjectID) (int64, error)

	// DeleteBySubject hard-deletes every entry referencing the subject.
	// Exclusively for erase with retain_audit_logs=false.
	DeleteBySubject(ctx context.Context, subjectID id.SubjectID) (int64, error)
}
