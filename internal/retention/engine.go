package retention

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/platform/sentinel"
	"custodia/pkg/requestcontext"

	"custodia/internal/ledger"
	"custodia/internal/records"
)

// Engine owns the retention lifecycle of every subject. Scan is read-only;
// Archive, Restore and the anonymize operations are each one atomic
// transaction. Retention fields are mutated here and nowhere else.
type Engine struct {
	store   records.Store
	uow     records.UnitOfWork
	ledger  *ledger.Service
	lock    RunLock
	metrics *Metrics
	workers int
}

func NewEngine(store records.Store, uow records.UnitOfWork, ledgerSvc *ledger.Service, lock RunLock, metrics *Metrics, workers int) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		store:   store,
		uow:     uow,
		ledger:  ledgerSvc,
		lock:    lock,
		metrics: metrics,
		workers: workers,
	}
}

// Scan computes both tracks' eligibility for every active subject as of the
// given instant. It never mutates anything; the same computation backs manual
// dry-run review and the precondition re-check inside Archive.
func (e *Engine) Scan(ctx context.Context, asOf time.Time, dryRun bool) (*Report, error) {
	subjects, err := e.store.ListSubjects(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "list subjects")
	}

	report := &Report{AsOf: asOf, DryRun: dryRun, Scanned: len(subjects)}
	for _, s := range subjects {
		if s.Lifecycle != records.LifecycleActive {
			continue
		}
		report.Subjects = append(report.Subjects, eligibilityOf(s, asOf))
	}
	sort.Slice(report.Subjects, func(i, j int) bool {
		return report.Subjects[i].DaysSinceActivity > report.Subjects[j].DaysSinceActivity
	})
	e.metrics.ObserveScan(len(report.Subjects))
	return report, nil
}

func eligibilityOf(s *records.Subject, asOf time.Time) Eligibility {
	days := int(asOf.Sub(s.LastActivityAt).Hours() / 24)
	return Eligibility{
		SubjectID:                s.ID,
		Kind:                     s.Kind,
		LastActivityAt:           s.LastActivityAt,
		DaysSinceActivity:        days,
		EligibleForArchival:      days >= FerpaRetentionDays,
		EligibleForAnonymization: days >= GdprAnonymizationDays && s.AnonymizedAt == nil,
	}
}

// Archive serializes the subject's full record graph into an archival payload
// and removes the active rows, all in one transaction. The lifecycle claim
// and the eligibility re-check both happen inside that transaction, so a
// stale scan result or a concurrent erase loses cleanly with CodeConflict.
func (e *Engine) Archive(ctx context.Context, subjectID id.SubjectID) (*records.Archive, error) {
	now := requestcontext.Now(ctx)

	var archive *records.Archive
	err := e.uow.RunInTx(ctx, func(ctx context.Context) error {
		if err := e.store.ClaimLifecycle(ctx, subjectID, records.LifecycleActive, records.LifecycleArchiving); err != nil {
			switch {
			case errors.Is(err, sentinel.ErrNotFound):
				return dErrors.New(dErrors.CodeNotFound, "subject not found")
			case errors.Is(err, sentinel.ErrConflict):
				return dErrors.New(dErrors.CodeConflict, "subject claimed by a concurrent lifecycle operation")
			}
			return dErrors.Wrap(err, dErrors.CodeStorage, "claim subject for archival")
		}

		subject, err := e.store.FindSubject(ctx, subjectID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeStorage, "load subject")
		}
		if el := eligibilityOf(subject, now); !el.EligibleForArchival {
			return dErrors.New(dErrors.CodeNotEligible, "subject has not reached the archival horizon")
		}

		graph, err := e.store.LoadGraph(ctx, subjectID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeStorage, "load record graph")
		}
		payload, err := json.Marshal(graph)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "serialize record graph")
		}

		archive = &records.Archive{
			ID:         id.NewArchiveID(),
			SubjectID:  subjectID,
			Payload:    payload,
			ArchivedAt: now,
		}
		if err := e.store.SaveArchive(ctx, archive); err != nil {
			return dErrors.Wrap(err, dErrors.CodeStorage, "save archive")
		}

		counts, err := e.store.DeleteChildRecords(ctx, subjectID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeStorage, "delete child records")
		}
		if err := e.store.DeleteSubject(ctx, subjectID); err != nil {
			return dErrors.Wrap(err, dErrors.CodeStorage, "delete subject")
		}

		metadata := map[string]string{"archive_id": archive.ID.String()}
		for rt, n := range counts {
			metadata["removed_"+string(rt)] = strconv.FormatInt(n, 10)
		}
		return e.appendEvidence(ctx, subjectID, ledger.ReasonDataArchived, metadata)
	})
	if err != nil {
		return nil, err
	}
	e.metrics.IncArchived()
	return archive, nil
}

// Restore re-inserts an archived subject graph into the active store. The
// subject returns in the active lifecycle state with its original record ids.
func (e *Engine) Restore(ctx context.Context, archiveID id.ArchiveID) error {
	archive, err := e.store.FindArchive(ctx, archiveID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "archive not found")
		}
		return dErrors.Wrap(err, dErrors.CodeStorage, "load archive")
	}

	var graph records.Graph
	if err := json.Unmarshal(archive.Payload, &graph); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "decode archive payload")
	}
	if graph.Subject == nil {
		return dErrors.New(dErrors.CodeInternal, "archive payload has no subject")
	}

	err = e.uow.RunInTx(ctx, func(ctx context.Context) error {
		graph.Subject.Lifecycle = records.LifecycleActive
		if err := e.store.CreateSubject(ctx, graph.Subject); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.New(dErrors.CodeConflict, "subject already exists in the active store")
			}
			return dErrors.Wrap(err, dErrors.CodeStorage, "restore subject")
		}
		for i := range graph.Sessions {
			if err := e.store.CreateSession(ctx, &graph.Sessions[i]); err != nil {
				return dErrors.Wrap(err, dErrors.CodeStorage, "restore session")
			}
		}
		for i := range graph.Feedback {
			if err := e.store.CreateFeedback(ctx, &graph.Feedback[i]); err != nil {
				return dErrors.Wrap(err, dErrors.CodeStorage, "restore feedback")
			}
		}
		for i := range graph.Events {
			if err := e.store.CreateEvent(ctx, &graph.Events[i]); err != nil {
				return dErrors.Wrap(err, dErrors.CodeStorage, "restore event")
			}
		}
		for i := range graph.Notes {
			if err := e.store.CreateNote(ctx, &graph.Notes[i]); err != nil {
				return dErrors.Wrap(err, dErrors.CodeStorage, "restore note")
			}
		}
		return e.appendEvidence(ctx, archive.SubjectID, ledger.ReasonDataRestored, map[string]string{
			"archive_id": archiveID.String(),
		})
	})
	if err != nil {
		return err
	}
	e.metrics.IncRestored()
	return nil
}

// AnonymizeSubject applies the central redaction policy to a subject and its
// entire child-record graph in one transaction, with one ledger entry. This
// is the GDPR track's action for subjects past the anonymization horizon.
func (e *Engine) AnonymizeSubject(ctx context.Context, subjectID id.SubjectID) error {
	now := requestcontext.Now(ctx)

	err := e.uow.RunInTx(ctx, func(ctx context.Context) error {
		subject, err := e.store.FindSubject(ctx, subjectID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.New(dErrors.CodeNotFound, "subject not found")
			}
			return dErrors.Wrap(err, dErrors.CodeStorage, "load subject")
		}
		if subject.AnonymizedAt != nil {
			return dErrors.New(dErrors.CodeNotEligible, "subject is already anonymized")
		}

		records.RedactSubject(subject, now)
		if err := e.store.UpdateSubjectPII(ctx, subject); err != nil {
			return dErrors.Wrap(err, dErrors.CodeStorage, "anonymize subject")
		}

		graph, err := e.store.LoadGraph(ctx, subjectID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeStorage, "load record graph")
		}
		for i := range graph.Sessions {
			records.RedactSession(&graph.Sessions[i])
			if err := e.store.UpdateSession(ctx, &graph.Sessions[i]); err != nil {
				return dErrors.Wrap(err, dErrors.CodeStorage, "anonymize session")
			}
		}
		for i := range graph.Feedback {
			records.RedactFeedback(&graph.Feedback[i])
			if err := e.store.UpdateFeedback(ctx, &graph.Feedback[i]); err != nil {
				return dErrors.Wrap(err, dErrors.CodeStorage, "anonymize feedback")
			}
		}
		for i := range graph.Events {
			records.RedactEvent(&graph.Events[i])
			if err := e.store.UpdateEvent(ctx, &graph.Events[i]); err != nil {
				return dErrors.Wrap(err, dErrors.CodeStorage, "anonymize event")
			}
		}
		for i := range graph.Notes {
			records.RedactNote(&graph.Notes[i])
			if err := e.store.UpdateNote(ctx, &graph.Notes[i]); err != nil {
				return dErrors.Wrap(err, dErrors.CodeStorage, "anonymize note")
			}
		}

		return e.appendEvidence(ctx, subjectID, ledger.ReasonDataAnonymized, map[string]string{
			"entity_type": string(id.RecordTypeSubject),
		})
	})
	if err != nil {
		return err
	}
	e.metrics.IncAnonymized()
	return nil
}

// AnonymizeRecord applies the redaction policy to a single child record.
// Subject-level anonymization goes through AnonymizeSubject so the whole
// graph moves together.
func (e *Engine) AnonymizeRecord(ctx context.Context, recordType id.RecordType, recordID id.RecordID) error {
	err := e.uow.RunInTx(ctx, func(ctx context.Context) error {
		subjectID, err := e.redactOne(ctx, recordType, recordID)
		if err != nil {
			return err
		}
		return e.appendEvidence(ctx, subjectID, ledger.ReasonDataAnonymized, map[string]string{
			"entity_type": string(recordType),
			"entity_id":   recordID.String(),
		})
	})
	if err != nil {
		return err
	}
	e.metrics.IncAnonymized()
	return nil
}

func (e *Engine) redactOne(ctx context.Context, recordType id.RecordType, recordID id.RecordID) (id.SubjectID, error) {
	var zero id.SubjectID
	switch recordType {
	case id.RecordTypeSession:
		s, err := e.store.FindSession(ctx, recordID)
		if err != nil {
			return zero, e.recordErr(err, "session")
		}
		records.RedactSession(s)
		if err := e.store.UpdateSession(ctx, s); err != nil {
			return zero, dErrors.Wrap(err, dErrors.CodeStorage, "anonymize session")
		}
		return s.SubjectID, nil
	case id.RecordTypeFeedback:
		f, err := e.store.FindFeedback(ctx, recordID)
		if err != nil {
			return zero, e.recordErr(err, "feedback")
		}
		records.RedactFeedback(f)
		if err := e.store.UpdateFeedback(ctx, f); err != nil {
			return zero, dErrors.Wrap(err, dErrors.CodeStorage, "anonymize feedback")
		}
		return f.SubjectID, nil
	case id.RecordTypeEvent:
		ev, err := e.store.FindEvent(ctx, recordID)
		if err != nil {
			return zero, e.recordErr(err, "event")
		}
		records.RedactEvent(ev)
		if err := e.store.UpdateEvent(ctx, ev); err != nil {
			return zero, dErrors.Wrap(err, dErrors.CodeStorage, "anonymize event")
		}
		return ev.SubjectID, nil
	case id.RecordTypeNote:
		n, err := e.store.FindNote(ctx, recordID)
		if err != nil {
			return zero, e.recordErr(err, "note")
		}
		records.RedactNote(n)
		if err := e.store.UpdateNote(ctx, n); err != nil {
			return zero, dErrors.Wrap(err, dErrors.CodeStorage, "anonymize note")
		}
		return n.SubjectID, nil
	}
	return zero, dErrors.New(dErrors.CodeValidation, "record type "+string(recordType)+" cannot be anonymized individually")
}

func (e *Engine) recordErr(err error, kind string) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, kind+" not found")
	}
	return dErrors.Wrap(err, dErrors.CodeStorage, "load "+kind)
}

// ScheduleRun performs one scheduled pass over all eligible subjects. The
// run-lock claim makes the entry point idempotent per UTC day; eligible
// subjects are partitioned across workers; one subject's failure is recorded
// and the run continues. Each per-subject action is independently
// transactional, so cancelling a run mid-way loses nothing already done.
func (e *Engine) ScheduleRun(ctx context.Context, asOf time.Time, performActions bool) (*Summary, error) {
	period := asOf.UTC().Format("2006-01-02")
	summary := &Summary{Period: period, AsOf: asOf, Performed: performActions}

	if performActions {
		claimed, err := e.lock.Claim(ctx, period)
		if err != nil {
			return nil, err
		}
		if !claimed {
			summary.AlreadyRan = true
			return summary, nil
		}
	}

	report, err := e.Scan(ctx, asOf, !performActions)
	if err != nil {
		return nil, err
	}
	summary.Scanned = report.Scanned
	if !performActions {
		return summary, nil
	}

	type action struct {
		subjectID id.SubjectID
		op        string
	}
	jobs := make(chan action)

	var (
		mu         sync.Mutex
		archived   int
		anonymized int
		subjErrs   []SubjectError
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.workers; i++ {
		g.Go(func() error {
			for job := range jobs {
				var err error
				switch job.op {
				case "archive":
					_, err = e.Archive(gctx, job.subjectID)
				case "anonymize":
					err = e.AnonymizeSubject(gctx, job.subjectID)
				}
				mu.Lock()
				if err != nil {
					subjErrs = append(subjErrs, SubjectError{SubjectID: job.subjectID, Op: job.op, Err: err})
				} else if job.op == "archive" {
					archived++
				} else {
					anonymized++
				}
				mu.Unlock()
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(jobs)
		for _, el := range report.ArchivalEligible() {
			select {
			case jobs <- action{subjectID: el.SubjectID, op: "archive"}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		for _, el := range report.AnonymizationEligible() {
			select {
			case jobs <- action{subjectID: el.SubjectID, op: "anonymize"}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "scheduled run cancelled")
	}

	summary.Archived = archived
	summary.Anonymized = anonymized
	summary.Errors = subjErrs
	e.metrics.AddRunFailures(len(subjErrs))
	return summary, nil
}

// GetReport aggregates committed lifecycle actions inside the window from
// ledger evidence. Read-only; this and the ledger query are the only surfaces
// exposed to reporting.
func (e *Engine) GetReport(ctx context.Context, start, end time.Time) (*WindowReport, error) {
	report := &WindowReport{Start: start, End: end}
	counts := []struct {
		reason string
		out    *int
	}{
		{ledger.ReasonDataArchived, &report.Archived},
		{ledger.ReasonDataAnonymized, &report.Anonymized},
		{ledger.ReasonDataRestored, &report.Restored},
		{ledger.ReasonDataErased, &report.Erased},
	}
	for _, c := range counts {
		n, err := e.countReason(ctx, c.reason, start, end)
		if err != nil {
			return nil, err
		}
		*c.out = n
	}
	return report, nil
}

func (e *Engine) countReason(ctx context.Context, reason string, start, end time.Time) (int, error) {
	const pageSize = 500
	filter := ledger.Filter{Reason: reason, Since: &start, Until: &end}

	total := 0
	for offset := 0; ; offset += pageSize {
		entries, err := e.ledger.Query(ctx, filter, ledger.Page{Limit: pageSize, Offset: offset})
		if err != nil {
			return 0, err
		}
		total += len(entries)
		if len(entries) < pageSize {
			return total, nil
		}
	}
}

func (e *Engine) appendEvidence(ctx context.Context, subjectID id.SubjectID, reason string, metadata map[string]string) error {
	entry := &ledger.Entry{
		SubjectID:  subjectID,
		RecordType: id.RecordTypeSubject,
		AccessType: id.AccessTypeLifecycle,
		Reason:     reason,
		Outcome:    ledger.OutcomeCompleted,
		Metadata:   metadata,
	}
	if pid := requestcontext.PrincipalID(ctx); !pid.IsNil() {
		entry.PrincipalID = &pid
	}
	return e.ledger.Append(ctx, entry)
}
