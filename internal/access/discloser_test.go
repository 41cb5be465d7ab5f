package access

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	id "custodia/pkg/domain"
	"custodia/pkg/testutil"

	"custodia/internal/ledger"
	"custodia/internal/records"
)

type DiscloserSuite struct {
	suite.Suite
	store     *records.InMemoryStore
	ledgerSt  *ledger.InMemoryStore
	ledgerSvc *ledger.Service
	discloser *Discloser
	now       time.Time
	subject   *records.Subject
	tutorID   id.PrincipalID
}

func (s *DiscloserSuite) SetupTest() {
	s.store = records.NewInMemoryStore()
	s.ledgerSt = ledger.NewInMemoryStore()
	s.ledgerSvc = ledger.NewService(s.ledgerSt, nil)
	uow := records.NewMemoryUnitOfWork(s.store, s.ledgerSt)
	s.discloser = NewDiscloser(s.store, uow, s.ledgerSvc, nil)

	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.tutorID = id.NewPrincipalID()
	s.subject = &records.Subject{
		ID:             id.NewSubjectID(),
		Kind:           records.SubjectStudent,
		FullName:       "Jamie Doe",
		DateOfBirth:    time.Date(2012, 1, 1, 0, 0, 0, 0, time.UTC),
		Lifecycle:      records.LifecycleActive,
		LastActivityAt: s.now,
		CreatedAt:      s.now,
	}
	ctx := testutil.CtxAt(s.now)
	s.Require().NoError(s.store.CreateSubject(ctx, s.subject))
	s.Require().NoError(s.store.CreateSession(ctx, &records.Session{
		ID:        id.NewRecordID(),
		SubjectID: s.subject.ID,
		TutorID:   s.tutorID,
		StartedAt: s.now.Add(-time.Hour),
		Topic:     "fractions",
		CreatedAt: s.now,
	}))
}

func TestDiscloserSuite(t *testing.T) {
	suite.Run(t, new(DiscloserSuite))
}

func (s *DiscloserSuite) TestAllowWritesMatchingEvidence() {
	ctx := testutil.Ctx(s.now, s.tutorID)
	p := Principal{ID: s.tutorID, Roles: []id.Role{id.RoleTutor}, Relationship: id.RelationshipAssignedTutor}

	graph, dec, err := s.discloser.Disclose(ctx, p, s.subject.ID, id.RecordTypeSession, id.AccessTypeView)
	s.Require().NoError(err)
	s.True(dec.Allow)
	s.Require().NotNil(graph)
	s.Len(graph.Sessions, 1)
	s.Nil(graph.Subject, "payload narrowed to the requested record type")

	entries, err := s.ledgerSvc.Query(ctx, ledger.Filter{SubjectID: &s.subject.ID}, ledger.Page{})
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(ledger.OutcomeAllowed, entries[0].Outcome)
	s.Equal(id.RecordTypeSession, entries[0].RecordType)
	s.Equal(s.subject.ID, entries[0].SubjectID)
	s.Require().NotNil(entries[0].PrincipalID)
	s.Equal(s.tutorID, *entries[0].PrincipalID)
	s.Equal(s.now, entries[0].OccurredAt)
}

func (s *DiscloserSuite) TestDenyReturnsNoPayload() {
	ctx := testutil.CtxAt(s.now)
	stranger := Principal{ID: id.NewPrincipalID(), Roles: []id.Role{id.RoleStudent}}

	graph, dec, err := s.discloser.Disclose(ctx, stranger, s.subject.ID, id.RecordTypeSession, id.AccessTypeView)
	s.Require().NoError(err)
	s.False(dec.Allow)
	s.Nil(graph)

	entries, err := s.ledgerSvc.Query(ctx, ledger.Filter{SubjectID: &s.subject.ID}, ledger.Page{})
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(ledger.OutcomeDenied, entries[0].Outcome)
}

func (s *DiscloserSuite) TestTutorClaimVerifiedAgainstSessions() {
	ctx := testutil.CtxAt(s.now)
	impostor := Principal{ID: id.NewPrincipalID(), Roles: []id.Role{id.RoleTutor}, Relationship: id.RelationshipAssignedTutor}

	graph, dec, err := s.discloser.Disclose(ctx, impostor, s.subject.ID, id.RecordTypeSession, id.AccessTypeView)
	s.Require().NoError(err)
	s.False(dec.Allow)
	s.Equal(ReasonNoQualifyingRelation, dec.Reason)
	s.Nil(graph)
}

func (s *DiscloserSuite) TestFailsClosedWithoutEvidence() {
	failing := &failingLedgerStore{}
	uow := records.NewMemoryUnitOfWork(s.store)
	discloser := NewDiscloser(s.store, uow, ledger.NewService(failing, nil), nil)

	ctx := testutil.Ctx(s.now, s.tutorID)
	p := Principal{ID: s.tutorID, Roles: []id.Role{id.RoleTutor}, Relationship: id.RelationshipAssignedTutor}

	graph, dec, err := discloser.Disclose(ctx, p, s.subject.ID, id.RecordTypeSession, id.AccessTypeView)
	s.Error(err)
	s.False(dec.Allow, "allowed decision degrades to deny without evidence")
	s.Equal(reasonEvidenceUnavailable, dec.Reason)
	s.Nil(graph, "no data released without a committed ledger row")
}

func (s *DiscloserSuite) TestUnknownSubject() {
	ctx := testutil.CtxAt(s.now)
	p := Principal{ID: id.NewPrincipalID(), Roles: []id.Role{id.RoleAdministrator}}

	_, _, err := s.discloser.Disclose(ctx, p, id.NewSubjectID(), id.RecordTypeSubject, id.AccessTypeView)
	s.Error(err)
}

// failingLedgerStore simulates an unavailable ledger so the fail-closed path
// can be exercised.
type failingLedgerStore struct{}

func (f *failingLedgerStore) Append(context.Context, *ledger.Entry) error {
	return context.DeadlineExceeded
}

func (f *failingLedgerStore) Query(context.Context, ledger.Filter, ledger.Page) ([]ledger.Entry, error) {
	return nil, context.DeadlineExceeded
}

func (f *failingLedgerStore) ScrubPrincipal(context.Context, id.PrincipalID) (int64, error) {
	return 0, context.DeadlineExceeded
}

func (f *failingLedgerStore) ScrubSubjectMetadata(context.Context, id.SubjectID) (int64, error) {
	return 0, context.DeadlineExceeded
}

func (f *failingLedgerStore) DeleteBySubject(context.Context, id.SubjectID) (int64, error) {
	return 0, context.DeadlineExceeded
}
