package consent

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/testutil"

	"custodia/internal/ledger"
	"custodia/internal/notify"
	"custodia/internal/records"
)

type ConsentServiceSuite struct {
	suite.Suite
	store     *records.InMemoryStore
	ledgerSt  *ledger.InMemoryStore
	ledgerSvc *ledger.Service
	sender    *notify.Recorder
	svc       *Service
	now       time.Time
	subject   *records.Subject
}

func (s *ConsentServiceSuite) SetupTest() {
	s.store = records.NewInMemoryStore()
	s.ledgerSt = ledger.NewInMemoryStore()
	s.ledgerSvc = ledger.NewService(s.ledgerSt, nil)
	s.sender = &notify.Recorder{}
	uow := records.NewMemoryUnitOfWork(s.store, s.ledgerSt)
	issuer := NewIssuer("test-consent-key", DefaultTTL)
	s.svc = NewService(s.store, uow, s.ledgerSvc, issuer, s.sender, "https://consent.example.com/grant", nil)

	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.subject = &records.Subject{
		ID:             id.NewSubjectID(),
		Kind:           records.SubjectStudent,
		FullName:       "Jamie Doe",
		Email:          "jamie@example.com",
		DateOfBirth:    time.Date(2016, 5, 10, 0, 0, 0, 0, time.UTC),
		Lifecycle:      records.LifecycleActive,
		LastActivityAt: s.now,
		CreatedAt:      s.now,
	}
	s.Require().NoError(s.store.CreateSubject(testutil.CtxAt(s.now), s.subject))
}

func TestConsentServiceSuite(t *testing.T) {
	suite.Run(t, new(ConsentServiceSuite))
}

func (s *ConsentServiceSuite) entries(reason string) []ledger.Entry {
	entries, err := s.ledgerSvc.Query(testutil.CtxAt(s.now), ledger.Filter{
		SubjectID: &s.subject.ID,
		Reason:    reason,
	}, ledger.Page{})
	s.Require().NoError(err)
	return entries
}

func (s *ConsentServiceSuite) flag() *notify.Message {
	msg, err := s.svc.FlagUnder13(testutil.CtxAt(s.now), s.subject.ID, "Pat Doe", "pat@example.com")
	s.Require().NoError(err)
	return msg
}

func (s *ConsentServiceSuite) TestFlagUnder13() {
	s.Run("moves a subject with no consent record to pending", func() {
		msg := s.flag()

		subject, err := s.store.FindSubject(testutil.CtxAt(s.now), s.subject.ID)
		s.Require().NoError(err)
		s.Equal(id.ConsentPending, subject.ConsentStatus)
		s.True(subject.Under13)
		s.Equal("pat@example.com", subject.ParentContact)

		rec, err := s.store.FindToken(testutil.CtxAt(s.now), s.subject.ID)
		s.Require().NoError(err)
		s.Equal(s.now.Add(DefaultTTL), rec.ExpiresAt)

		s.Require().NotNil(msg)
		s.Equal("pat@example.com", msg.Contact)
		s.Equal(notify.TemplateConsentRequest, msg.TemplateID)
		s.Contains(msg.Params["grant_url"], "https://consent.example.com/grant?")
		s.Contains(msg.Params["grant_url"], "subject="+s.subject.ID.String())

		s.Len(s.entries(ledger.ReasonConsentRequested), 1)
		s.Require().NotNil(s.sender.Last())
		s.Equal("pat@example.com", s.sender.Last().Contact)
	})

	s.Run("rejects an invalid parent contact", func() {
		_, err := s.svc.FlagUnder13(testutil.CtxAt(s.now), s.subject.ID, "Pat Doe", "not-an-email")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("rejects a subject that already has a consent record", func() {
		_, err := s.svc.FlagUnder13(testutil.CtxAt(s.now), s.subject.ID, "Pat Doe", "pat@example.com")
		s.True(dErrors.HasCode(err, dErrors.CodeNotEligible))
	})
}

func (s *ConsentServiceSuite) TestGrant() {
	msg := s.flag()
	token := tokenFromGrantURL(s.T(), msg.Params["grant_url"])

	s.Run("rejects a mismatched contact", func() {
		err := s.svc.Grant(testutil.CtxAt(s.now), s.subject.ID, "stranger@example.com", token)
		s.True(dErrors.HasCode(err, dErrors.CodeContactMismatch))
	})

	s.Run("rejects a token bound to another subject", func() {
		issuer := NewIssuer("test-consent-key", DefaultTTL)
		other, err := issuer.Issue(id.NewSubjectID(), s.now)
		s.Require().NoError(err)

		err = s.svc.Grant(testutil.CtxAt(s.now), s.subject.ID, "pat@example.com", other.Token)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidToken))
	})

	s.Run("fails with an expiry error thirty-one days on", func() {
		late := testutil.CtxAt(s.now.Add(testutil.Days(31)))
		err := s.svc.Grant(late, s.subject.ID, "pat@example.com", token)
		s.True(dErrors.HasCode(err, dErrors.CodeTokenExpired))
	})

	s.Run("grants with the issued token and matching contact", func() {
		ctx := testutil.CtxAt(s.now.Add(time.Hour))
		s.Require().NoError(s.svc.Grant(ctx, s.subject.ID, "PAT@example.com", token))

		subject, err := s.store.FindSubject(ctx, s.subject.ID)
		s.Require().NoError(err)
		s.Equal(id.ConsentGranted, subject.ConsentStatus)
		s.Require().NotNil(subject.ConsentGrantedAt)
		s.Equal(s.now.Add(time.Hour), *subject.ConsentGrantedAt)
		s.True(subject.ConsentSatisfied())

		_, err = s.store.FindToken(ctx, s.subject.ID)
		s.Error(err, "token is single use")

		s.Len(s.entries(ledger.ReasonConsentGranted), 1)
	})

	s.Run("rejects a second grant attempt", func() {
		err := s.svc.Grant(testutil.CtxAt(s.now), s.subject.ID, "pat@example.com", token)
		s.True(dErrors.HasCode(err, dErrors.CodeNotEligible))
	})
}

func (s *ConsentServiceSuite) TestDenyOrRevoke() {
	s.Run("denies a pending subject and redacts on request", func() {
		s.flag()
		ctx := testutil.CtxAt(s.now.Add(time.Hour))
		s.Require().NoError(s.svc.DenyOrRevoke(ctx, s.subject.ID, "pat@example.com", true))

		subject, err := s.store.FindSubject(ctx, s.subject.ID)
		s.Require().NoError(err)
		s.Equal(id.ConsentDenied, subject.ConsentStatus)
		s.Equal(records.RedactedPlaceholder, subject.FullName)
		s.Empty(subject.Email)
		s.Require().NotNil(subject.AnonymizedAt)

		s.Len(s.entries(ledger.ReasonConsentDenied), 1)
	})

	s.Run("revokes a granted subject", func() {
		s.SetupTest()
		msg := s.flag()
		token := tokenFromGrantURL(s.T(), msg.Params["grant_url"])
		ctx := testutil.CtxAt(s.now.Add(time.Hour))
		s.Require().NoError(s.svc.Grant(ctx, s.subject.ID, "pat@example.com", token))

		s.Require().NoError(s.svc.DenyOrRevoke(ctx, s.subject.ID, "pat@example.com", false))

		subject, err := s.store.FindSubject(ctx, s.subject.ID)
		s.Require().NoError(err)
		s.Equal(id.ConsentRevoked, subject.ConsentStatus)
		s.Nil(subject.ConsentGrantedAt)
		s.NotEqual(records.RedactedPlaceholder, subject.FullName, "no redaction without delete_data")

		s.Len(s.entries(ledger.ReasonConsentRevoked), 1)
	})

	s.Run("rejects withdrawal from a terminal state", func() {
		s.SetupTest()
		s.flag()
		ctx := testutil.CtxAt(s.now)
		s.Require().NoError(s.svc.DenyOrRevoke(ctx, s.subject.ID, "pat@example.com", false))

		err := s.svc.DenyOrRevoke(ctx, s.subject.ID, "pat@example.com", false)
		s.True(dErrors.HasCode(err, dErrors.CodeNotEligible))
	})
}

func (s *ConsentServiceSuite) TestExpireSweep() {
	s.flag()

	s.Run("leaves pending subjects inside the TTL alone", func() {
		n, err := s.svc.ExpireSweep(testutil.CtxAt(s.now.Add(testutil.Days(29))), s.now.Add(testutil.Days(29)))
		s.Require().NoError(err)
		s.Zero(n)

		subject, err := s.store.FindSubject(testutil.CtxAt(s.now), s.subject.ID)
		s.Require().NoError(err)
		s.Equal(id.ConsentPending, subject.ConsentStatus)
	})

	s.Run("expires pending subjects past the TTL and redacts the parent contact", func() {
		asOf := s.now.Add(testutil.Days(31))
		n, err := s.svc.ExpireSweep(testutil.CtxAt(asOf), asOf)
		s.Require().NoError(err)
		s.Equal(1, n)

		subject, err := s.store.FindSubject(testutil.CtxAt(asOf), s.subject.ID)
		s.Require().NoError(err)
		s.Equal(id.ConsentExpired, subject.ConsentStatus)
		s.Empty(subject.ParentName)
		s.Empty(subject.ParentContact)

		_, err = s.store.FindToken(testutil.CtxAt(asOf), s.subject.ID)
		s.Error(err)

		s.Len(s.entries(ledger.ReasonConsentExpired), 1)
	})

	s.Run("is idempotent once expired", func() {
		asOf := s.now.Add(testutil.Days(32))
		n, err := s.svc.ExpireSweep(testutil.CtxAt(asOf), asOf)
		s.Require().NoError(err)
		s.Zero(n)
	})
}

func tokenFromGrantURL(t *testing.T, grantURL string) string {
	t.Helper()
	u, err := url.Parse(grantURL)
	if err != nil {
		t.Fatalf("parse grant url: %v", err)
	}
	token := u.Query().Get("token")
	if token == "" {
		t.Fatal("grant url has no token parameter")
	}
	return token
}
