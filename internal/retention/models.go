// Package retention drives the two regulatory lifecycle tracks over every
// subject: the FERPA archival track and the GDPR anonymization track. The
// tracks are evaluated independently from the same activity clock; the GDPR
// horizon is always reached no later than the FERPA one.
package retention

import (
	"time"

	id "custodia/pkg/domain"

	"custodia/internal/records"
)

// Retention horizons, in days past last activity.
const (
	// FerpaRetentionDays is the FERPA educational-records horizon (seven
	// years) after which a subject becomes eligible for archival.
	FerpaRetentionDays = 2555
	// GdprAnonymizationDays is the GDPR horizon (three years) after which a
	// subject becomes eligible for anonymization.
	GdprAnonymizationDays = 1095
)

// Eligibility is one subject's position on both tracks as of a scan instant.
type Eligibility struct {
	SubjectID                id.SubjectID
	Kind                     records.SubjectKind
	LastActivityAt           time.Time
	DaysSinceActivity        int
	EligibleForArchival      bool
	EligibleForAnonymization bool
}

// Report is the read-only output of a scan.
type Report struct {
	AsOf     time.Time
	DryRun   bool
	Scanned  int
	Subjects []Eligibility
}

// ArchivalEligible returns the subjects past the FERPA horizon.
func (r *Report) ArchivalEligible() []Eligibility {
	var out []Eligibility
	for _, e := range r.Subjects {
		if e.EligibleForArchival {
			out = append(out, e)
		}
	}
	return out
}

// AnonymizationEligible returns the subjects past the GDPR horizon that are
// not also past the FERPA horizon. Archival removes the subject entirely, so
// when both tracks fire the archival track wins.
func (r *Report) AnonymizationEligible() []Eligibility {
	var out []Eligibility
	for _, e := range r.Subjects {
		if e.EligibleForAnonymization && !e.EligibleForArchival {
			out = append(out, e)
		}
	}
	return out
}

// SubjectError captures one subject's failure during a scheduled run.
type SubjectError struct {
	SubjectID id.SubjectID
	Op        string
	Err       error
}

// Summary is the outcome of one scheduled run. AlreadyRan is set when the
// period's run lock was held, meaning another process completed or is
// completing this period.
type Summary struct {
	Period     string
	AsOf       time.Time
	AlreadyRan bool
	Performed  bool
	Scanned    int
	Archived   int
	Anonymized int
	Errors     []SubjectError
}

// WindowReport aggregates lifecycle actions committed to the ledger inside a
// time window. It is derived entirely from ledger evidence, so it reflects
// what provably happened rather than what was scheduled.
type WindowReport struct {
	Start      time.Time
	End        time.Time
	Archived   int
	Anonymized int
	Restored   int
	Erased     int
}
