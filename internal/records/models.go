// Package records is the entity store for subjects and the child records they
// own. Consent fields are mutated only by the consent lifecycle manager;
// lifecycle state and final destruction belong to the retention and erasure
// engines. Nothing here deletes a child record independently of its subject.
package records

import (
	"time"

	id "custodia/pkg/domain"
)

// SubjectKind distinguishes the two data-subject populations.
type SubjectKind string

const (
	SubjectStudent SubjectKind = "student"
	SubjectTutor   SubjectKind = "tutor"
)

// LifecycleState is the claim column for destructive operations. A subject is
// "active" until an engine claims it; "archiving" and "erasing" are transient
// claims that make archive and erase on the same subject mutually exclusive.
// Archived subjects leave the active store entirely.
type LifecycleState string

const (
	LifecycleActive    LifecycleState = "active"
	LifecycleArchiving LifecycleState = "archiving"
	LifecycleErasing   LifecycleState = "erasing"
)

// MajorityAge is the age at which a subject may access their own records
// without parental involvement.
const MajorityAge = 18

// Subject is a student or tutor whose records the system governs.
type Subject struct {
	ID            id.SubjectID
	Kind          SubjectKind
	FullName      string
	Email         string
	DateOfBirth   time.Time
	Under13       bool
	ParentName    string
	ParentContact string

	// Consent fields; empty ConsentStatus means no consent record exists.
	ConsentStatus    id.ConsentStatus
	ConsentGrantedAt *time.Time
	ConsentOriginIP  string

	Lifecycle      LifecycleState
	AnonymizedAt   *time.Time
	LastActivityAt time.Time
	CreatedAt      time.Time
}

// IsOfMajorityAge reports whether the subject has reached majority age as of
// the given instant. Subjects without a recorded date of birth fall back to
// the under-13 flag.
func (s *Subject) IsOfMajorityAge(now time.Time) bool {
	if s.DateOfBirth.IsZero() {
		return !s.Under13
	}
	age := now.Year() - s.DateOfBirth.Year()
	if now.YearDay() < s.DateOfBirth.YearDay() {
		age--
	}
	return age >= MajorityAge
}

// ConsentSatisfied reports whether parental consent either is not required or
// has been granted.
func (s *Subject) ConsentSatisfied() bool {
	if !s.Under13 {
		return true
	}
	return s.ConsentStatus == id.ConsentGranted
}

// Session is one recorded tutoring session.
type Session struct {
	ID              id.RecordID
	SubjectID       id.SubjectID
	TutorID         id.PrincipalID
	StartedAt       time.Time
	DurationMinutes int
	Topic           string
	CreatedAt       time.Time
}

// Feedback is a per-session or per-subject review.
type Feedback struct {
	ID        id.RecordID
	SubjectID id.SubjectID
	AuthorID  id.PrincipalID
	Body      string
	Rating    int
	CreatedAt time.Time
}

// Event is a lifecycle or activity event attached to a subject.
type Event struct {
	ID         id.RecordID
	SubjectID  id.SubjectID
	Name       string
	Payload    string
	OccurredAt time.Time
	CreatedAt  time.Time
}

// Note is free-form staff commentary about a subject.
type Note struct {
	ID        id.RecordID
	SubjectID id.SubjectID
	AuthorID  id.PrincipalID
	Body      string
	CreatedAt time.Time
}

// Graph is a subject's full child-record set, the unit serialized into an
// archival payload and cascaded during erasure.
type Graph struct {
	Subject  *Subject   `json:"subject"`
	Sessions []Session  `json:"sessions"`
	Feedback []Feedback `json:"feedback"`
	Events   []Event    `json:"events"`
	Notes    []Note     `json:"notes"`
}

// Archive is a serialized subject graph removed from the active store.
type Archive struct {
	ID         id.ArchiveID
	SubjectID  id.SubjectID
	Payload    []byte
	ArchivedAt time.Time
}

// TokenRecord is the persisted form of a consent token: digest and subject
// fragment only, never the plaintext token.
type TokenRecord struct {
	SubjectID       id.SubjectID
	Digest          string
	SubjectFragment string
	IssuedAt        time.Time
	ExpiresAt       time.Time
}
