package records

import (
	"time"

	id "custodia/pkg/domain"
)

// This file is the single definition of which fields survive anonymization
// per entity type. Both the GDPR anonymization path and the COPPA redaction
// path apply these exact rules; keeping one table prevents the two regimes'
// field lists from drifting apart.

// FieldPolicy names, per entity type, the fields that are retained and the
// fields that are redacted. The lists are documentation of record; the Redact*
// functions below are the executable form and must stay in step.
type FieldPolicy struct {
	Retained []string
	Redacted []string
}

// RedactionPolicy maps each entity type to its field policy.
var RedactionPolicy = map[id.RecordType]FieldPolicy{
	id.RecordTypeSubject: {
		Retained: []string{"id", "kind", "under_13", "consent_status", "lifecycle_state", "last_activity_at", "created_at"},
		Redacted: []string{"full_name", "email", "date_of_birth", "parent_name", "parent_contact", "consent_origin_ip"},
	},
	id.RecordTypeSession: {
		Retained: []string{"id", "subject_id", "tutor_id", "started_at", "duration_minutes", "created_at"},
		Redacted: []string{"topic"},
	},
	id.RecordTypeFeedback: {
		Retained: []string{"id", "subject_id", "rating", "created_at"},
		Redacted: []string{"author_id", "body"},
	},
	id.RecordTypeEvent: {
		Retained: []string{"id", "subject_id", "name", "occurred_at", "created_at"},
		Redacted: []string{"payload"},
	},
	id.RecordTypeNote: {
		Retained: []string{"id", "subject_id", "created_at"},
		Redacted: []string{"author_id", "body"},
	},
}

// RedactedPlaceholder replaces redacted free-text fields so downstream
// consumers can distinguish "anonymized" from "empty".
const RedactedPlaceholder = "[redacted]"

// RedactSubject strips subject PII in place and stamps the anonymization
// instant. Identity, consent state and activity timestamps survive.
func RedactSubject(s *Subject, at time.Time) {
	s.FullName = RedactedPlaceholder
	s.Email = ""
	s.DateOfBirth = time.Time{}
	s.ParentName = ""
	s.ParentContact = ""
	s.ConsentOriginIP = ""
	t := at
	s.AnonymizedAt = &t
}

// RedactSession strips session PII in place.
func RedactSession(s *Session) {
	s.Topic = RedactedPlaceholder
}

// RedactFeedback strips feedback PII in place.
func RedactFeedback(f *Feedback) {
	f.AuthorID = id.PrincipalID{}
	f.Body = RedactedPlaceholder
}

// RedactEvent strips event PII in place.
func RedactEvent(e *Event) {
	e.Payload = RedactedPlaceholder
}

// RedactNote strips note PII in place.
func RedactNote(n *Note) {
	n.AuthorID = id.PrincipalID{}
	n.Body = RedactedPlaceholder
}
