package access

import (
	"context"
	"errors"

	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/platform/sentinel"
	"custodia/pkg/requestcontext"

	"custodia/internal/ledger"
	"custodia/internal/records"
)

// reasonEvidenceUnavailable marks the fail-closed path: the decision was
// ALLOW but the ledger entry could not be committed before the deadline, so
// no data is released.
const reasonEvidenceUnavailable = "disclosure_evidence_unavailable"

// Discloser is the boundary through which protected data leaves the system.
// Every released payload has a matching ledger row committed in the same
// transaction; if the ledger append cannot complete, the disclosure fails
// closed and nothing is returned.
type Discloser struct {
	store   records.Store
	uow     records.UnitOfWork
	ledger  *ledger.Service
	eval    *Evaluator
	metrics *Metrics
}

func NewDiscloser(store records.Store, uow records.UnitOfWork, ledgerSvc *ledger.Service, metrics *Metrics) *Discloser {
	return &Discloser{
		store:   store,
		uow:     uow,
		ledger:  ledgerSvc,
		eval:    NewEvaluator(),
		metrics: metrics,
	}
}

// Evaluate resolves the principal's relationship facts and runs the decision
// rules without touching any protected payload. No ledger entry is written;
// use Disclose to actually release data.
func (d *Discloser) Evaluate(ctx context.Context, p Principal, subjectID id.SubjectID, recordType id.RecordType, accessType id.AccessType) (Decision, error) {
	subject, err := d.findSubject(ctx, subjectID)
	if err != nil {
		return Decision{}, err
	}
	p, err = d.resolveRelationship(ctx, p, subject)
	if err != nil {
		return Decision{}, err
	}
	return d.eval.Evaluate(p, subject, recordType, accessType, requestcontext.Now(ctx)), nil
}

// Disclose evaluates access and, on ALLOW, loads the requested slice of the
// subject's records and commits the disclosure ledger entry in the same
// transaction as the read. A DENY returns a nil payload and the decision; it
// is not an error.
func (d *Discloser) Disclose(ctx context.Context, p Principal, subjectID id.SubjectID, recordType id.RecordType, accessType id.AccessType) (*records.Graph, Decision, error) {
	subject, err := d.findSubject(ctx, subjectID)
	if err != nil {
		return nil, Decision{}, err
	}
	p, err = d.resolveRelationship(ctx, p, subject)
	if err != nil {
		return nil, Decision{}, err
	}

	decision := d.eval.Evaluate(p, subject, recordType, accessType, requestcontext.Now(ctx))
	if !decision.Allow {
		d.metrics.IncDecision(string(ledger.OutcomeDenied), decision.Reason)
		if err := d.appendEntry(ctx, p, subjectID, recordType, accessType, decision.Reason, ledger.OutcomeDenied); err != nil {
			return nil, decision, err
		}
		return nil, decision, nil
	}

	var payload *records.Graph
	err = d.uow.RunInTx(ctx, func(ctx context.Context) error {
		graph, err := d.store.LoadGraph(ctx, subjectID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeStorage, "load subject records")
		}
		payload = filterGraph(graph, recordType)
		return d.appendEntry(ctx, p, subjectID, recordType, accessType, decision.Reason, ledger.OutcomeAllowed)
	})
	if err != nil {
		// Fail closed. The decision was ALLOW but without committed
		// evidence no data may leave.
		d.metrics.IncFailedClosed()
		return nil, Decision{Allow: false, Reason: reasonEvidenceUnavailable}, err
	}

	d.metrics.IncDecision(string(ledger.OutcomeAllowed), decision.Reason)
	return payload, decision, nil
}

func (d *Discloser) findSubject(ctx context.Context, subjectID id.SubjectID) (*records.Subject, error) {
	subject, err := d.store.FindSubject(ctx, subjectID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "subject not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "find subject")
	}
	return subject, nil
}

// resolveRelationship verifies the relationship facts the rules depend on.
// A claimed tutor assignment counts only when at least one recorded session
// links the tutor to the subject.
func (d *Discloser) resolveRelationship(ctx context.Context, p Principal, subject *records.Subject) (Principal, error) {
	if p.Relationship != id.RelationshipAssignedTutor {
		return p, nil
	}
	linked, err := d.store.HasSessionWith(ctx, p.ID, subject.ID)
	if err != nil {
		return p, dErrors.Wrap(err, dErrors.CodeStorage, "verify tutor session link")
	}
	if !linked {
		p.Relationship = id.RelationshipNone
	}
	return p, nil
}

func (d *Discloser) appendEntry(ctx context.Context, p Principal, subjectID id.SubjectID, recordType id.RecordType, accessType id.AccessType, reason string, outcome ledger.Outcome) error {
	principalID := p.ID
	return d.ledger.Append(ctx, &ledger.Entry{
		PrincipalID: &principalID,
		SubjectID:   subjectID,
		RecordType:  recordType,
		AccessType:  accessType,
		Reason:      reason,
		Outcome:     outcome,
	})
}

// filterGraph narrows the loaded graph to the requested record type so a
// disclosure never carries more than was evaluated.
func filterGraph(g *records.Graph, recordType id.RecordType) *records.Graph {
	out := &records.Graph{}
	switch recordType {
	case id.RecordTypeSubject:
		out.Subject = g.Subject
	case id.RecordTypeSession:
		out.Sessions = g.Sessions
	case id.RecordTypeFeedback:
		out.Feedback = g.Feedback
	case id.RecordTypeEvent:
		out.Events = g.Events
	case id.RecordTypeNote:
		out.Notes = g.Notes
	default:
		out.Subject = g.Subject
		out.Sessions = g.Sessions
		out.Feedback = g.Feedback
		out.Events = g.Events
		out.Notes = g.Notes
	}
	return out
}
