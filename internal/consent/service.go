// Package consent manages the parental-consent lifecycle for under-13
// subjects: PENDING, GRANTED, DENIED, EXPIRED, REVOKED. A subject has no
// consent record at all until flagged. Every transition commits with its
// ledger evidence in one unit of work, and the transitions that withdraw
// consent couple the PII redaction into the same transaction so the system
// can never assert "no consent" while the data still exists.
package consent

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/platform/sentinel"
	"custodia/pkg/requestcontext"

	"custodia/internal/ledger"
	"custodia/internal/notify"
	"custodia/internal/records"
)

type Service struct {
	store    records.Store
	uow      records.UnitOfWork
	ledger   *ledger.Service
	issuer   *Issuer
	sender   notify.Sender
	grantURL string
	validate *validator.Validate
	log      *zap.Logger
}

func NewService(store records.Store, uow records.UnitOfWork, ledgerSvc *ledger.Service, issuer *Issuer, sender notify.Sender, grantURL string, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:    store,
		uow:      uow,
		ledger:   ledgerSvc,
		issuer:   issuer,
		sender:   sender,
		grantURL: grantURL,
		validate: validator.New(),
		log:      log,
	}
}

// FlagUnder13 transitions a subject with no consent record to PENDING,
// issues a subject-bound token and hands the consent-request message to the
// notification collaborator. The service builds the token and URL; delivery
// belongs to the collaborator and a delivery failure never unwinds the
// committed state change.
func (s *Service) FlagUnder13(ctx context.Context, subjectID id.SubjectID, parentName, parentContact string) (*notify.Message, error) {
	if err := s.validate.Var(parentContact, "required,email"); err != nil {
		return nil, dErrors.New(dErrors.CodeValidation, "parent contact must be a valid email address")
	}

	now := requestcontext.Now(ctx)

	var issued *IssuedToken
	err := s.uow.RunInTx(ctx, func(ctx context.Context) error {
		subject, err := s.findSubject(ctx, subjectID)
		if err != nil {
			return err
		}
		if subject.ConsentStatus != "" {
			return dErrors.New(dErrors.CodeNotEligible, "subject already has a consent record in state "+string(subject.ConsentStatus))
		}

		issued, err = s.issuer.Issue(subjectID, now)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "issue consent token")
		}

		subject.Under13 = true
		subject.ParentName = parentName
		subject.ParentContact = parentContact
		subject.ConsentStatus = id.ConsentPending
		subject.ConsentGrantedAt = nil
		subject.ConsentOriginIP = requestcontext.OriginIP(ctx)
		if err := s.store.UpdateConsentFields(ctx, subject); err != nil {
			return dErrors.Wrap(err, dErrors.CodeStorage, "update consent fields")
		}
		if err := s.store.SaveToken(ctx, &issued.Record); err != nil {
			return dErrors.Wrap(err, dErrors.CodeStorage, "save consent token")
		}

		return s.appendEvidence(ctx, subjectID, ledger.ReasonConsentRequested, map[string]string{
			"parent_contact": parentContact,
		})
	})
	if err != nil {
		return nil, err
	}

	msg := &notify.Message{
		Contact:    parentContact,
		TemplateID: notify.TemplateConsentRequest,
		Params: map[string]string{
			"parent_name": parentName,
			"grant_url":   s.buildGrantURL(subjectID, issued.Token),
			"expires_at":  issued.Record.ExpiresAt.Format("2006-01-02"),
		},
	}
	if s.sender != nil {
		if err := s.sender.Send(ctx, msg); err != nil {
			s.log.Warn("consent request notification failed",
				zap.String("subject_id", subjectID.String()),
				zap.Error(err),
			)
		}
	}
	return msg, nil
}

// Grant transitions PENDING to GRANTED when the token verifies against the
// exact subject binding and the contact matches the contact on file.
func (s *Service) Grant(ctx context.Context, subjectID id.SubjectID, contact, token string) error {
	now := requestcontext.Now(ctx)

	return s.uow.RunInTx(ctx, func(ctx context.Context) error {
		subject, err := s.findSubject(ctx, subjectID)
		if err != nil {
			return err
		}
		if subject.ConsentStatus != id.ConsentPending {
			return dErrors.New(dErrors.CodeNotEligible, "consent is not pending for this subject")
		}
		if !strings.EqualFold(contact, subject.ParentContact) {
			return dErrors.New(dErrors.CodeContactMismatch, "contact does not match the contact on file")
		}

		rec, err := s.store.FindToken(ctx, subjectID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.New(dErrors.CodeInvalidToken, "no consent token on file")
			}
			return dErrors.Wrap(err, dErrors.CodeStorage, "load consent token")
		}
		if err := s.issuer.Verify(subjectID, token, rec, now); err != nil {
			return err
		}

		grantedAt := now
		subject.ConsentStatus = id.ConsentGranted
		subject.ConsentGrantedAt = &grantedAt
		subject.ConsentOriginIP = requestcontext.OriginIP(ctx)
		if err := s.store.UpdateConsentFields(ctx, subject); err != nil {
			return dErrors.Wrap(err, dErrors.CodeStorage, "update consent fields")
		}
		if err := s.store.DeleteToken(ctx, subjectID); err != nil {
			return dErrors.Wrap(err, dErrors.CodeStorage, "consume consent token")
		}

		return s.appendEvidence(ctx, subjectID, ledger.ReasonConsentGranted, map[string]string{
			"parent_contact": subject.ParentContact,
			"origin_ip":      subject.ConsentOriginIP,
		})
	})
}

// DenyOrRevoke transitions PENDING to DENIED or GRANTED to REVOKED. With
// deleteData set, the subject's PII redaction commits in the same
// transaction as the state change.
func (s *Service) DenyOrRevoke(ctx context.Context, subjectID id.SubjectID, contact string, deleteData bool) error {
	now := requestcontext.Now(ctx)

	return s.uow.RunInTx(ctx, func(ctx context.Context) error {
		subject, err := s.findSubject(ctx, subjectID)
		if err != nil {
			return err
		}

		var (
			next   id.ConsentStatus
			reason string
		)
		switch subject.ConsentStatus {
		case id.ConsentPending:
			next, reason = id.ConsentDenied, ledger.ReasonConsentDenied
		case id.ConsentGranted:
			next, reason = id.ConsentRevoked, ledger.ReasonConsentRevoked
		default:
			return dErrors.New(dErrors.CodeNotEligible, "consent cannot be withdrawn from state "+string(subject.ConsentStatus))
		}
		if !strings.EqualFold(contact, subject.ParentContact) {
			return dErrors.New(dErrors.CodeContactMismatch, "contact does not match the contact on file")
		}

		subject.ConsentStatus = next
		subject.ConsentGrantedAt = nil
		if err := s.store.UpdateConsentFields(ctx, subject); err != nil {
			return dErrors.Wrap(err, dErrors.CodeStorage, "update consent fields")
		}
		if deleteData {
			records.RedactSubject(subject, now)
			if err := s.store.UpdateSubjectPII(ctx, subject); err != nil {
				return dErrors.Wrap(err, dErrors.CodeStorage, "redact subject")
			}
		}
		if err := s.store.DeleteToken(ctx, subjectID); err != nil {
			return dErrors.Wrap(err, dErrors.CodeStorage, "discard consent token")
		}

		return s.appendEvidence(ctx, subjectID, reason, map[string]string{
			"data_deleted": boolString(deleteData),
		})
	})
}

// ExpireSweep moves PENDING subjects whose token has aged past its TTL to
// EXPIRED, redacting the parent contact in the same transaction as each
// state change. A failure on one subject does not stop the sweep; the first
// error is reported alongside the count of completed expirations.
func (s *Service) ExpireSweep(ctx context.Context, asOf time.Time) (int, error) {
	subjects, err := s.store.ListSubjects(ctx)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeStorage, "list subjects")
	}

	var (
		expired  int
		firstErr error
	)
	for _, candidate := range subjects {
		if candidate.ConsentStatus != id.ConsentPending {
			continue
		}
		rec, err := s.store.FindToken(ctx, candidate.ID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				continue
			}
			if firstErr == nil {
				firstErr = dErrors.Wrap(err, dErrors.CodeStorage, "load consent token")
			}
			continue
		}
		if !asOf.After(rec.ExpiresAt) {
			continue
		}

		err = s.uow.RunInTx(ctx, func(ctx context.Context) error {
			subject, err := s.findSubject(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if subject.ConsentStatus != id.ConsentPending {
				return nil
			}
			subject.ConsentStatus = id.ConsentExpired
			subject.ConsentGrantedAt = nil
			subject.ParentName = ""
			subject.ParentContact = ""
			if err := s.store.UpdateConsentFields(ctx, subject); err != nil {
				return dErrors.Wrap(err, dErrors.CodeStorage, "update consent fields")
			}
			if err := s.store.DeleteToken(ctx, subject.ID); err != nil {
				return dErrors.Wrap(err, dErrors.CodeStorage, "discard consent token")
			}
			return s.appendEvidence(ctx, subject.ID, ledger.ReasonConsentExpired, map[string]string{
				"token_issued_at": rec.IssuedAt.Format(time.RFC3339),
			})
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		expired++
	}
	return expired, firstErr
}

func (s *Service) findSubject(ctx context.Context, subjectID id.SubjectID) (*records.Subject, error) {
	subject, err := s.store.FindSubject(ctx, subjectID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "subject not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "load subject")
	}
	return subject, nil
}

func (s *Service) appendEvidence(ctx context.Context, subjectID id.SubjectID, reason string, metadata map[string]string) error {
	entry := &ledger.Entry{
		SubjectID:  subjectID,
		RecordType: id.RecordTypeConsent,
		AccessType: id.AccessTypeLifecycle,
		Reason:     reason,
		Outcome:    ledger.OutcomeCompleted,
		Metadata:   metadata,
	}
	if pid := requestcontext.PrincipalID(ctx); !pid.IsNil() {
		entry.PrincipalID = &pid
	}
	return s.ledger.Append(ctx, entry)
}

func (s *Service) buildGrantURL(subjectID id.SubjectID, token string) string {
	q := url.Values{}
	q.Set("subject", subjectID.String())
	q.Set("token", token)
	return s.grantURL + "?" + q.Encode()
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
