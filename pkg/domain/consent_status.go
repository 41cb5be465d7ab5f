package domain

import dErrors "custodia/pkg/domain-errors"

// ConsentStatus is the parental-consent state of an under-13 subject.
// Invariant: transitions are performed only by the consent lifecycle manager;
// "no record" is the implicit initial state until a subject is flagged.
type ConsentStatus string

const (
	ConsentPending ConsentStatus = "pending"
	ConsentGranted ConsentStatus = "granted"
	ConsentDenied  ConsentStatus = "denied"
	ConsentExpired ConsentStatus = "expired"
	ConsentRevoked ConsentStatus = "revoked"
)

var validConsentStatuses = map[ConsentStatus]bool{
	ConsentPending: true,
	ConsentGranted: true,
	ConsentDenied:  true,
	ConsentExpired: true,
	ConsentRevoked: true,
}

func ParseConsentStatus(s string) (ConsentStatus, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeValidation, "consent status cannot be empty")
	}
	cs := ConsentStatus(s)
	if !validConsentStatuses[cs] {
		return "", dErrors.New(dErrors.CodeValidation, "invalid consent status: "+s)
	}
	return cs, nil
}

// IsTerminalDenial reports whether the state represents a withdrawn or
// never-given consent that required redaction.
func (s ConsentStatus) IsTerminalDenial() bool {
	switch s {
	case ConsentDenied, ConsentExpired, ConsentRevoked:
		return true
	}
	return false
}
