// Package access decides whether a principal may see a subject's records and
// guards the boundary where protected data leaves the system. The evaluator
// itself is a pure function; the Discloser owns the contractual coupling
// between an ALLOW decision and its ledger evidence.
package access

import (
	"time"

	id "custodia/pkg/domain"

	"custodia/internal/records"
)

// Principal is the requesting actor as resolved by the caller: role set plus
// the verified relationship to the subject under evaluation. Relationship
// facts (self, parent, assigned tutor) must be established before evaluation;
// the evaluator never queries anything.
type Principal struct {
	ID           id.PrincipalID
	Roles        []id.Role
	Relationship id.Relationship
}

// HasRole reports whether the principal holds the given role.
func (p Principal) HasRole(role id.Role) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasInstitutionalRole reports whether any held role carries legitimate
// institutional interest.
func (p Principal) HasInstitutionalRole() bool {
	for _, r := range p.Roles {
		if r.IsInstitutional() {
			return true
		}
	}
	return false
}

// Decision is the evaluator's outcome. DENY is a normal value, never an
// error; Reason is recorded on the ledger entry for ALLOW and returned to
// the caller either way.
type Decision struct {
	Allow  bool
	Reason string
}

// Decision reasons, one per rule plus the deny cases.
const (
	ReasonSelfOfMajorityAge     = "self_of_majority_age"
	ReasonParentWithConsent     = "parental_access_with_consent"
	ReasonInstitutionalInterest = "legitimate_institutional_interest"
	ReasonTutorRecordedSession  = "tutor_with_recorded_session"

	ReasonConsentNotGranted    = "consent_not_granted"
	ReasonNoQualifyingRelation = "no_qualifying_relationship"
)

// Evaluator applies the access rules in first-match order.
type Evaluator struct{}

func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate decides access for one (principal, subject, record type) triple at
// the given instant. An under-13 subject without granted consent is closed to
// everyone for every record type except the consent workflow itself; the
// per-rule checks run only once that gate passes.
func (e *Evaluator) Evaluate(p Principal, subject *records.Subject, recordType id.RecordType, _ id.AccessType, now time.Time) Decision {
	if !subject.ConsentSatisfied() && recordType != id.RecordTypeConsent {
		return Decision{Allow: false, Reason: ReasonConsentNotGranted}
	}

	if p.Relationship == id.RelationshipSelf && subject.IsOfMajorityAge(now) {
		return Decision{Allow: true, Reason: ReasonSelfOfMajorityAge}
	}
	if p.Relationship == id.RelationshipParent && subject.ConsentSatisfied() {
		return Decision{Allow: true, Reason: ReasonParentWithConsent}
	}
	if p.HasInstitutionalRole() {
		return Decision{Allow: true, Reason: ReasonInstitutionalInterest}
	}
	if p.Relationship == id.RelationshipAssignedTutor && p.HasRole(id.RoleTutor) {
		return Decision{Allow: true, Reason: ReasonTutorRecordedSession}
	}

	return Decision{Allow: false, Reason: ReasonNoQualifyingRelation}
}
