// Package erasure performs on-request full erasure of a subject: child
// records first, then the subject row, then the ledger treatment the caller
// explicitly chose. The whole cascade is one transaction; a partial erasure
// would assert compliance that does not exist, so any failure rolls back
// everything.
package erasure

import (
	"context"
	"errors"
	"strconv"
	"time"

	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/platform/sentinel"
	"custodia/pkg/requestcontext"

	"custodia/internal/ledger"
	"custodia/internal/records"
)

// Summary reports what one erasure removed.
type Summary struct {
	SubjectID       id.SubjectID
	Reason          string
	RetainAuditLogs bool
	ErasedAt        time.Time

	// RemovedByTable counts active rows deleted per child-record type; the
	// subject row itself is counted under the subject record type.
	RemovedByTable map[id.RecordType]int64

	// LedgerScrubbed counts ledger rows whose principal reference and PII
	// metadata were stripped (retain_audit_logs=true); LedgerDeleted counts
	// rows hard-deleted (retain_audit_logs=false). At most one is nonzero.
	LedgerScrubbed int64
	LedgerDeleted  int64
}

// Engine executes erasure requests.
type Engine struct {
	store   records.Store
	uow     records.UnitOfWork
	ledger  *ledger.Service
	metrics *Metrics
}

func NewEngine(store records.Store, uow records.UnitOfWork, ledgerSvc *ledger.Service, metrics *Metrics) *Engine {
	return &Engine{
		store:   store,
		uow:     uow,
		ledger:  ledgerSvc,
		metrics: metrics,
	}
}

// Erase removes the subject and every child record in one transaction.
// retainAuditLogs chooses the ledger treatment: true scrubs principal
// references and PII metadata from matching rows but keeps them as evidence;
// false hard-deletes them. Neither is a default; the caller must choose.
// The lifecycle claim inside the transaction makes erase and archive on the
// same subject mutually exclusive.
func (e *Engine) Erase(ctx context.Context, subjectID id.SubjectID, reason string, retainAuditLogs bool) (*Summary, error) {
	if reason == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "erasure requires a reason")
	}

	now := requestcontext.Now(ctx)
	summary := &Summary{
		SubjectID:       subjectID,
		Reason:          reason,
		RetainAuditLogs: retainAuditLogs,
		ErasedAt:        now,
	}

	err := e.uow.RunInTx(ctx, func(ctx context.Context) error {
		if err := e.store.ClaimLifecycle(ctx, subjectID, records.LifecycleActive, records.LifecycleErasing); err != nil {
			switch {
			case errors.Is(err, sentinel.ErrNotFound):
				return dErrors.New(dErrors.CodeNotFound, "subject not found")
			case errors.Is(err, sentinel.ErrConflict):
				return dErrors.New(dErrors.CodeConflict, "subject claimed by a concurrent lifecycle operation")
			}
			return dErrors.Wrap(err, dErrors.CodeStorage, "claim subject for erasure")
		}

		subject, err := e.store.FindSubject(ctx, subjectID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeStorage, "load subject")
		}

		counts, err := e.store.DeleteChildRecords(ctx, subjectID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeStorage, "delete child records")
		}
		if err := e.store.DeleteToken(ctx, subjectID); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.Wrap(err, dErrors.CodeStorage, "delete consent token")
		}
		if err := e.store.DeleteSubject(ctx, subjectID); err != nil {
			return dErrors.Wrap(err, dErrors.CodeStorage, "delete subject")
		}
		counts[id.RecordTypeSubject] = 1
		summary.RemovedByTable = counts

		if retainAuditLogs {
			scrubbed, err := e.ledger.ScrubSubject(ctx, subjectID)
			if err != nil {
				return err
			}
			summary.LedgerScrubbed = scrubbed
			// A tutor subject also appears as a principal on sessions and
			// ledger rows of other subjects; those references go too.
			if subject.Kind == records.SubjectTutor {
				n, err := e.ledger.ScrubPrincipal(ctx, id.PrincipalID(subjectID))
				if err != nil {
					return err
				}
				summary.LedgerScrubbed += n
			}
		} else {
			deleted, err := e.ledger.EraseSubjectRows(ctx, subjectID)
			if err != nil {
				return err
			}
			summary.LedgerDeleted = deleted
		}

		// The erasure evidence row itself is written after the treatment so
		// it survives either path. It carries no subject PII.
		return e.appendEvidence(ctx, subjectID, map[string]string{
			"erasure_reason":    reason,
			"retain_audit_logs": strconv.FormatBool(retainAuditLogs),
		})
	})
	if err != nil {
		return nil, err
	}
	e.metrics.IncErased(retainAuditLogs)
	return summary, nil
}

// appendEvidence writes the data_erased row. It carries no principal
// reference: after an erasure every surviving row for the subject must be
// principal-free, including this one.
func (e *Engine) appendEvidence(ctx context.Context, subjectID id.SubjectID, metadata map[string]string) error {
	return e.ledger.Append(ctx, &ledger.Entry{
		SubjectID:  subjectID,
		RecordType: id.RecordTypeSubject,
		AccessType: id.AccessTypeLifecycle,
		Reason:     ledger.ReasonDataErased,
		Outcome:    ledger.OutcomeCompleted,
		Metadata:   metadata,
	})
}
