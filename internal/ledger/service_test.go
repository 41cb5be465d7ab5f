package ledger

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/testutil"
)

type LedgerServiceSuite struct {
	suite.Suite
	store *InMemoryStore
	svc   *Service
	now   time.Time
}

func (s *LedgerServiceSuite) SetupTest() {
	s.store = NewInMemoryStore()
	s.svc = NewService(s.store, nil)
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestLedgerServiceSuite(t *testing.T) {
	suite.Run(t, new(LedgerServiceSuite))
}

func (s *LedgerServiceSuite) append(subjectID id.SubjectID, at time.Time, reason string) {
	s.Require().NoError(s.svc.Append(testutil.CtxAt(at), &Entry{
		SubjectID:  subjectID,
		RecordType: id.RecordTypeSession,
		AccessType: id.AccessTypeView,
		Reason:     reason,
		Outcome:    OutcomeAllowed,
	}))
}

func (s *LedgerServiceSuite) TestAppendValidation() {
	ctx := testutil.CtxAt(s.now)

	err := s.svc.Append(ctx, &Entry{RecordType: id.RecordTypeSession, Outcome: OutcomeAllowed})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation), "subject reference required")

	err = s.svc.Append(ctx, &Entry{SubjectID: id.NewSubjectID(), RecordType: "bogus", Outcome: OutcomeAllowed})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation), "valid record type required")

	err = s.svc.Append(ctx, &Entry{SubjectID: id.NewSubjectID(), RecordType: id.RecordTypeSession})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation), "outcome required")

	entries, err := s.svc.Query(ctx, Filter{}, Page{})
	s.Require().NoError(err)
	s.Empty(entries, "nothing written on validation failure")
}

func (s *LedgerServiceSuite) TestAppendFillsIDAndTimestamp() {
	subjectID := id.NewSubjectID()
	s.append(subjectID, s.now, "r")

	entries, err := s.svc.Query(testutil.CtxAt(s.now), Filter{}, Page{})
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.NotEqual(uuid.Nil, entries[0].ID)
	s.Equal(s.now, entries[0].OccurredAt, "timestamp from the request clock")
}

func (s *LedgerServiceSuite) TestQueryOrderingAndPaging() {
	subjectID := id.NewSubjectID()
	for i := 0; i < 5; i++ {
		s.append(subjectID, s.now.Add(time.Duration(i)*time.Minute), "r")
	}

	ctx := testutil.CtxAt(s.now)
	entries, err := s.svc.Query(ctx, Filter{SubjectID: &subjectID}, Page{Limit: 2})
	s.Require().NoError(err)
	s.Require().Len(entries, 2)
	s.True(entries[0].OccurredAt.After(entries[1].OccurredAt), "newest first")
	s.Equal(s.now.Add(4*time.Minute), entries[0].OccurredAt)

	next, err := s.svc.Query(ctx, Filter{SubjectID: &subjectID}, Page{Limit: 2, Offset: 2})
	s.Require().NoError(err)
	s.Require().Len(next, 2)
	s.Equal(s.now.Add(2*time.Minute), next[0].OccurredAt)

	tail, err := s.svc.Query(ctx, Filter{SubjectID: &subjectID}, Page{Limit: 2, Offset: 4})
	s.Require().NoError(err)
	s.Len(tail, 1)
}

func (s *LedgerServiceSuite) TestQueryFilters() {
	a, b := id.NewSubjectID(), id.NewSubjectID()
	s.append(a, s.now, "reason_a")
	s.append(b, s.now.Add(time.Minute), "reason_b")

	ctx := testutil.CtxAt(s.now)

	entries, err := s.svc.Query(ctx, Filter{SubjectID: &a}, Page{})
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(a, entries[0].SubjectID)

	entries, err = s.svc.Query(ctx, Filter{Reason: "reason_b"}, Page{})
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(b, entries[0].SubjectID)

	since := s.now.Add(30 * time.Second)
	entries, err = s.svc.Query(ctx, Filter{Since: &since}, Page{})
	s.Require().NoError(err)
	s.Len(entries, 1)
}

func (s *LedgerServiceSuite) TestScrubPrincipal() {
	subjectID := id.NewSubjectID()
	principalID := id.NewPrincipalID()
	s.Require().NoError(s.svc.Append(testutil.CtxAt(s.now), &Entry{
		PrincipalID: &principalID,
		SubjectID:   subjectID,
		RecordType:  id.RecordTypeNote,
		AccessType:  id.AccessTypeView,
		Reason:      "r",
		Outcome:     OutcomeAllowed,
		Metadata:    map[string]string{"principal_email": "t@example.com", "channel": "web"},
	}))

	n, err := s.svc.ScrubPrincipal(testutil.CtxAt(s.now), principalID)
	s.Require().NoError(err)
	s.Equal(int64(1), n)

	entries, err := s.svc.Query(testutil.CtxAt(s.now), Filter{SubjectID: &subjectID}, Page{})
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Nil(entries[0].PrincipalID)
	s.NotContains(entries[0].Metadata, "principal_email")
	s.Equal("web", entries[0].Metadata["channel"], "non-identifying metadata survives")
}
