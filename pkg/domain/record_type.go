package domain

import dErrors "custodia/pkg/domain-errors"

// RecordType classifies what kind of data a disclosure or lifecycle action
// touches. Invariant: the value must be one of the supported record types.
//
// Usage: construct via ParseRecordType at trust boundaries to enforce the
// allowlist; direct casting bypasses validation.
type RecordType string

const (
	RecordTypeSubject  RecordType = "subject"
	RecordTypeSession  RecordType = "session"
	RecordTypeFeedback RecordType = "feedback"
	RecordTypeEvent    RecordType = "event"
	RecordTypeNote     RecordType = "note"
	// RecordTypeConsent covers the consent workflow itself. It is the only
	// record type reachable for an under-13 subject without granted consent.
	RecordTypeConsent RecordType = "consent"
)

// validRecordTypes is the single source of truth for valid record types.
var validRecordTypes = map[RecordType]bool{
	RecordTypeSubject:  true,
	RecordTypeSession:  true,
	RecordTypeFeedback: true,
	RecordTypeEvent:    true,
	RecordTypeNote:     true,
	RecordTypeConsent:  true,
}

// ChildRecordTypes lists the record types owned by a subject, in the order
// they are cascaded during archival and erasure.
var ChildRecordTypes = []RecordType{
	RecordTypeSession,
	RecordTypeFeedback,
	RecordTypeEvent,
	RecordTypeNote,
}

func ParseRecordType(s string) (RecordType, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeValidation, "record type cannot be empty")
	}
	t := RecordType(s)
	if !t.IsValid() {
		return "", dErrors.New(dErrors.CodeValidation, "invalid record type: "+s)
	}
	return t, nil
}

func (t RecordType) IsValid() bool {
	return validRecordTypes[t]
}

// AccessType labels how a record is being accessed.
type AccessType string

const (
	AccessTypeView      AccessType = "view"
	AccessTypeExport    AccessType = "export"
	AccessTypeLifecycle AccessType = "lifecycle"
)

var validAccessTypes = map[AccessType]bool{
	AccessTypeView:      true,
	AccessTypeExport:    true,
	AccessTypeLifecycle: true,
}

func ParseAccessType(s string) (AccessType, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeValidation, "access type cannot be empty")
	}
	t := AccessType(s)
	if !validAccessTypes[t] {
		return "", dErrors.New(dErrors.CodeValidation, "invalid access type: "+s)
	}
	return t, nil
}
