package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/testutil"

	"custodia/internal/ledger"
	"custodia/internal/records"
)

type RetentionSuite struct {
	suite.Suite
	store     *records.InMemoryStore
	ledgerSt  *ledger.InMemoryStore
	ledgerSvc *ledger.Service
	engine    *Engine
	now       time.Time
}

func (s *RetentionSuite) SetupTest() {
	s.store = records.NewInMemoryStore()
	s.ledgerSt = ledger.NewInMemoryStore()
	s.ledgerSvc = ledger.NewService(s.ledgerSt, nil)
	uow := records.NewMemoryUnitOfWork(s.store, s.ledgerSt)
	s.engine = NewEngine(s.store, uow, s.ledgerSvc, NewMemoryRunLock(), nil, 2)
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestRetentionSuite(t *testing.T) {
	suite.Run(t, new(RetentionSuite))
}

// seedSubject creates an active subject whose last activity was daysAgo days
// before the suite clock, with two sessions and one feedback row.
func (s *RetentionSuite) seedSubject(daysAgo int) *records.Subject {
	ctx := testutil.CtxAt(s.now)
	lastActive := s.now.Add(-testutil.Days(daysAgo))
	subject := &records.Subject{
		ID:             id.NewSubjectID(),
		Kind:           records.SubjectStudent,
		FullName:       "Jamie Doe",
		Email:          "jamie@example.com",
		DateOfBirth:    time.Date(2005, 5, 10, 0, 0, 0, 0, time.UTC),
		Lifecycle:      records.LifecycleActive,
		LastActivityAt: lastActive,
		CreatedAt:      lastActive,
	}
	s.Require().NoError(s.store.CreateSubject(ctx, subject))
	tutorID := id.NewPrincipalID()
	for i := 0; i < 2; i++ {
		s.Require().NoError(s.store.CreateSession(ctx, &records.Session{
			ID:        id.NewRecordID(),
			SubjectID: subject.ID,
			TutorID:   tutorID,
			StartedAt: lastActive,
			Topic:     "algebra",
			CreatedAt: lastActive,
		}))
	}
	s.Require().NoError(s.store.CreateFeedback(ctx, &records.Feedback{
		ID:        id.NewRecordID(),
		SubjectID: subject.ID,
		AuthorID:  tutorID,
		Body:      "good progress",
		Rating:    5,
		CreatedAt: lastActive,
	}))
	return subject
}

func (s *RetentionSuite) archivedEntries(subjectID id.SubjectID) []ledger.Entry {
	entries, err := s.ledgerSvc.Query(testutil.CtxAt(s.now), ledger.Filter{
		SubjectID: &subjectID,
		Reason:    ledger.ReasonDataArchived,
	}, ledger.Page{})
	s.Require().NoError(err)
	return entries
}

func (s *RetentionSuite) TestScan() {
	fresh := s.seedSubject(10)
	gdprOnly := s.seedSubject(1200)
	ferpa := s.seedSubject(2600)

	ctx := testutil.CtxAt(s.now)
	report, err := s.engine.Scan(ctx, s.now, true)
	s.Require().NoError(err)
	s.Equal(3, report.Scanned)

	byID := map[id.SubjectID]Eligibility{}
	for _, e := range report.Subjects {
		byID[e.SubjectID] = e
	}

	s.False(byID[fresh.ID].EligibleForArchival)
	s.False(byID[fresh.ID].EligibleForAnonymization)

	s.False(byID[gdprOnly.ID].EligibleForArchival)
	s.True(byID[gdprOnly.ID].EligibleForAnonymization, "GDPR horizon reached before FERPA")

	s.True(byID[ferpa.ID].EligibleForArchival)
	s.True(byID[ferpa.ID].EligibleForAnonymization)
	s.Equal(2600, byID[ferpa.ID].DaysSinceActivity)

	s.Run("scan is idempotent with no intervening mutation", func() {
		again, err := s.engine.Scan(ctx, s.now, true)
		s.Require().NoError(err)
		s.Equal(report.Subjects, again.Subjects)
	})
}

func (s *RetentionSuite) TestArchive() {
	subject := s.seedSubject(2600)
	ctx := testutil.CtxAt(s.now)

	archive, err := s.engine.Archive(ctx, subject.ID)
	s.Require().NoError(err)
	s.Require().NotNil(archive)
	s.Equal(subject.ID, archive.SubjectID)
	s.NotEmpty(archive.Payload)

	s.Run("subject and children leave the active store", func() {
		_, err := s.store.FindSubject(ctx, subject.ID)
		s.Error(err)

		report, err := s.engine.Scan(ctx, s.now, true)
		s.Require().NoError(err)
		s.Empty(report.Subjects)
	})

	s.Run("exactly one data_archived entry references the subject", func() {
		entries := s.archivedEntries(subject.ID)
		s.Require().Len(entries, 1)
		s.Equal("2", entries[0].Metadata["removed_session"])
		s.Equal("1", entries[0].Metadata["removed_feedback"])
	})

	s.Run("a second archive attempt loses cleanly", func() {
		_, err := s.engine.Archive(ctx, subject.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
		s.Len(s.archivedEntries(subject.ID), 1)
	})
}

func (s *RetentionSuite) TestArchiveNotEligible() {
	subject := s.seedSubject(100)
	ctx := testutil.CtxAt(s.now)

	_, err := s.engine.Archive(ctx, subject.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeNotEligible))

	s.Run("the failed claim rolls back", func() {
		got, err := s.store.FindSubject(ctx, subject.ID)
		s.Require().NoError(err)
		s.Equal(records.LifecycleActive, got.Lifecycle)
	})
	s.Empty(s.archivedEntries(subject.ID), "no evidence without an archive")
}

func (s *RetentionSuite) TestArchiveClaimRace() {
	subject := s.seedSubject(2600)
	ctx := testutil.CtxAt(s.now)
	s.Require().NoError(s.store.ClaimLifecycle(ctx, subject.ID, records.LifecycleActive, records.LifecycleErasing))

	_, err := s.engine.Archive(ctx, subject.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *RetentionSuite) TestRestore() {
	subject := s.seedSubject(2600)
	ctx := testutil.CtxAt(s.now)

	archive, err := s.engine.Archive(ctx, subject.ID)
	s.Require().NoError(err)

	s.Require().NoError(s.engine.Restore(ctx, archive.ID))

	restored, err := s.store.FindSubject(ctx, subject.ID)
	s.Require().NoError(err)
	s.Equal(records.LifecycleActive, restored.Lifecycle)
	s.Equal(subject.FullName, restored.FullName)

	graph, err := s.store.LoadGraph(ctx, subject.ID)
	s.Require().NoError(err)
	s.Len(graph.Sessions, 2)
	s.Len(graph.Feedback, 1)

	entries, err := s.ledgerSvc.Query(ctx, ledger.Filter{
		SubjectID: &subject.ID,
		Reason:    ledger.ReasonDataRestored,
	}, ledger.Page{})
	s.Require().NoError(err)
	s.Len(entries, 1)
}

func (s *RetentionSuite) TestAnonymizeSubject() {
	subject := s.seedSubject(1200)
	ctx := testutil.CtxAt(s.now)

	s.Require().NoError(s.engine.AnonymizeSubject(ctx, subject.ID))

	got, err := s.store.FindSubject(ctx, subject.ID)
	s.Require().NoError(err)
	s.Equal(records.RedactedPlaceholder, got.FullName)
	s.Empty(got.Email)
	s.Require().NotNil(got.AnonymizedAt)
	s.Equal(subject.LastActivityAt, got.LastActivityAt, "activity clock survives anonymization")

	graph, err := s.store.LoadGraph(ctx, subject.ID)
	s.Require().NoError(err)
	for _, sess := range graph.Sessions {
		s.Equal(records.RedactedPlaceholder, sess.Topic)
	}
	for _, fb := range graph.Feedback {
		s.Equal(records.RedactedPlaceholder, fb.Body)
		s.True(fb.AuthorID.IsNil())
		s.Equal(5, fb.Rating, "rating is retained")
	}

	s.Run("a second pass is rejected", func() {
		err := s.engine.AnonymizeSubject(ctx, subject.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeNotEligible))
	})

	s.Run("anonymized subjects drop off the GDPR track", func() {
		report, err := s.engine.Scan(ctx, s.now, true)
		s.Require().NoError(err)
		for _, e := range report.Subjects {
			if e.SubjectID == subject.ID {
				s.False(e.EligibleForAnonymization)
			}
		}
	})
}

func (s *RetentionSuite) TestScheduleRun() {
	s.seedSubject(10)
	gdprOnly := s.seedSubject(1200)
	ferpa := s.seedSubject(2600)
	ctx := testutil.CtxAt(s.now)

	summary, err := s.engine.ScheduleRun(ctx, s.now, true)
	s.Require().NoError(err)
	s.False(summary.AlreadyRan)
	s.Equal(3, summary.Scanned)
	s.Equal(1, summary.Archived)
	s.Equal(1, summary.Anonymized)
	s.Empty(summary.Errors)

	_, err = s.store.FindSubject(ctx, ferpa.ID)
	s.Error(err, "FERPA-eligible subject archived")

	anon, err := s.store.FindSubject(ctx, gdprOnly.ID)
	s.Require().NoError(err)
	s.NotNil(anon.AnonymizedAt, "GDPR-eligible subject anonymized in place")

	s.Run("a second run in the same period is skipped", func() {
		again, err := s.engine.ScheduleRun(ctx, s.now.Add(time.Hour), true)
		s.Require().NoError(err)
		s.True(again.AlreadyRan)
		s.Zero(again.Archived)
	})

	s.Run("a dry run never claims the period", func() {
		next := s.now.Add(testutil.Days(1))
		dry, err := s.engine.ScheduleRun(testutil.CtxAt(next), next, false)
		s.Require().NoError(err)
		s.False(dry.AlreadyRan)
		s.Zero(dry.Archived)

		wet, err := s.engine.ScheduleRun(testutil.CtxAt(next), next, true)
		s.Require().NoError(err)
		s.False(wet.AlreadyRan)
	})
}

func (s *RetentionSuite) TestScheduleRunCollectsPerSubjectFailures() {
	healthy := s.seedSubject(2600)
	stuck := s.seedSubject(2700)
	ctx := testutil.CtxAt(s.now)

	faulty := &deleteFailsFor{Store: s.store, subjectID: stuck.ID}
	uow := records.NewMemoryUnitOfWork(s.store, s.ledgerSt)
	engine := NewEngine(faulty, uow, s.ledgerSvc, NewMemoryRunLock(), nil, 2)

	summary, err := engine.ScheduleRun(ctx, s.now, true)
	s.Require().NoError(err)
	s.Equal(1, summary.Archived)
	s.Require().Len(summary.Errors, 1)
	s.Equal(stuck.ID, summary.Errors[0].SubjectID)
	s.Equal("archive", summary.Errors[0].Op)
	s.True(dErrors.HasCode(summary.Errors[0].Err, dErrors.CodeStorage))

	_, err = s.store.FindSubject(ctx, healthy.ID)
	s.Error(err, "healthy subject still archived")

	s.Run("the failed subject's transaction rolled back whole", func() {
		got, err := s.store.FindSubject(ctx, stuck.ID)
		s.Require().NoError(err)
		s.Equal(records.LifecycleActive, got.Lifecycle)

		graph, err := s.store.LoadGraph(ctx, stuck.ID)
		s.Require().NoError(err)
		s.Len(graph.Sessions, 2, "children survive the rollback")
		s.Empty(s.archivedEntries(stuck.ID), "no evidence for a failed archive")
	})
}

// deleteFailsFor wraps a store so one subject's deletion fails, simulating a
// mid-transaction storage fault during a scheduled run.
type deleteFailsFor struct {
	records.Store
	subjectID id.SubjectID
}

func (d *deleteFailsFor) DeleteSubject(ctx context.Context, subjectID id.SubjectID) error {
	if subjectID == d.subjectID {
		return errors.New("storage fault")
	}
	return d.Store.DeleteSubject(ctx, subjectID)
}

func (s *RetentionSuite) TestGetReport() {
	gdprOnly := s.seedSubject(1200)
	ferpa := s.seedSubject(2600)
	ctx := testutil.CtxAt(s.now)

	_, err := s.engine.Archive(ctx, ferpa.ID)
	s.Require().NoError(err)
	s.Require().NoError(s.engine.AnonymizeSubject(ctx, gdprOnly.ID))

	report, err := s.engine.GetReport(ctx, s.now.Add(-time.Hour), s.now.Add(time.Hour))
	s.Require().NoError(err)
	s.Equal(1, report.Archived)
	s.Equal(1, report.Anonymized)
	s.Zero(report.Erased)

	s.Run("window excludes out-of-range evidence", func() {
		early, err := s.engine.GetReport(ctx, s.now.Add(-2*time.Hour), s.now.Add(-time.Hour))
		s.Require().NoError(err)
		s.Zero(early.Archived)
		s.Zero(early.Anonymized)
	})
}
