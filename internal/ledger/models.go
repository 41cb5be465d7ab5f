// Package ledger is the append-only evidentiary trail of every access,
// disclosure and lifecycle action. It is the single source of truth that a
// disclosure occurred: entries are never mutated after commit except that a
// principal reference and PII-bearing metadata may be scrubbed when that
// principal is erased, and rows are deleted only by an explicit erasure with
// retain_audit_logs disabled.
package ledger

import (
	"time"

	"github.com/google/uuid"

	id "custodia/pkg/domain"
)

// Outcome records how the logged action resolved.
type Outcome string

const (
	OutcomeAllowed   Outcome = "allowed"
	OutcomeDenied    Outcome = "denied"
	OutcomeCompleted Outcome = "completed"
)

// Lifecycle reasons the engines stamp on their ledger entries. Disclosure
// entries carry the evaluator's decision reason instead.
const (
	ReasonConsentRequested = "consent_requested"
	ReasonConsentGranted   = "consent_granted"
	ReasonConsentDenied    = "consent_denied"
	ReasonConsentRevoked   = "consent_revoked"
	ReasonConsentExpired   = "consent_expired"
	ReasonDataArchived     = "data_archived"
	ReasonDataRestored     = "data_restored"
	ReasonDataAnonymized   = "data_anonymized"
	ReasonDataErased       = "data_erased"
)

// Entry is one immutable ledger row.
type Entry struct {
	ID          uuid.UUID
	OccurredAt  time.Time
	PrincipalID *id.PrincipalID
	SubjectID   id.SubjectID
	RecordType  id.RecordType
	AccessType  id.AccessType
	Reason      string
	Outcome     Outcome
	Metadata    map[string]string
}

// piiMetadataKeys are the metadata keys stripped when a principal is
// scrubbed. Everything else in metadata is treated as non-identifying.
var piiMetadataKeys = []string{
	"principal_name",
	"principal_email",
	"parent_contact",
	"origin_ip",
}

// Filter narrows a ledger query. Nil/zero fields match everything.
type Filter struct {
	SubjectID   *id.SubjectID
	PrincipalID *id.PrincipalID
	Reason      string
	Since       *time.Time
	Until       *time.Time
}

// Page bounds a query result. A zero Limit defaults to 100.
type Page struct {
	Limit  int
	Offset int
}

const defaultPageLimit = 100

func (p Page) limit() int {
	if p.Limit <= 0 {
		return defaultPageLimit
	}
	return p.Limit
}
