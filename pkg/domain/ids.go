package domain

import (
	"github.com/google/uuid"

	dErrors "custodia/pkg/domain-errors"
)

// Typed IDs keep subject, principal and record identifiers from being mixed
// up across store and service boundaries. All are UUID-backed.
type (
	// SubjectID identifies a data subject (student or tutor).
	SubjectID uuid.UUID

	// PrincipalID identifies the actor whose access is being evaluated.
	PrincipalID uuid.UUID

	// RecordID identifies a single child record (session, feedback, event, note).
	RecordID uuid.UUID

	// ArchiveID identifies a serialized archival payload.
	ArchiveID uuid.UUID
)

func NewSubjectID() SubjectID     { return SubjectID(uuid.New()) }
func NewPrincipalID() PrincipalID { return PrincipalID(uuid.New()) }
func NewRecordID() RecordID       { return RecordID(uuid.New()) }
func NewArchiveID() ArchiveID     { return ArchiveID(uuid.New()) }

func (id SubjectID) String() string   { return uuid.UUID(id).String() }
func (id PrincipalID) String() string { return uuid.UUID(id).String() }
func (id RecordID) String() string    { return uuid.UUID(id).String() }
func (id ArchiveID) String() string   { return uuid.UUID(id).String() }

func (id SubjectID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }
func (id PrincipalID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id RecordID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id ArchiveID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }

// ParseSubjectID constructs a SubjectID from external input.
//
// Usage: call from adapters when parsing requests; direct casting bypasses
// validation.
func ParseSubjectID(s string) (SubjectID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return SubjectID{}, dErrors.New(dErrors.CodeValidation, "invalid subject id")
	}
	return SubjectID(u), nil
}

// ParsePrincipalID constructs a PrincipalID from external input.
func ParsePrincipalID(s string) (PrincipalID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return PrincipalID{}, dErrors.New(dErrors.CodeValidation, "invalid principal id")
	}
	return PrincipalID(u), nil
}

// ParseArchiveID constructs an ArchiveID from external input.
func ParseArchiveID(s string) (ArchiveID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ArchiveID{}, dErrors.New(dErrors.CodeValidation, "invalid archive id")
	}
	return ArchiveID(u), nil
}
