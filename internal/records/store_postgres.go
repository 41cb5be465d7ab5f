package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	id "custodia/pkg/domain"
	"custodia/pkg/platform/sentinel"
	txcontext "custodia/pkg/platform/tx"
)

// PostgresStore persists subjects, child records, archives and consent token
// digests. Every method honors an enclosing transaction carried in the
// context so lifecycle operations stay atomic across tables.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) execer(ctx context.Context) txcontext.Executor {
	return txcontext.ExecutorFrom(ctx, s.db)
}

const subjectColumns = `
	id, kind, full_name, email, date_of_birth, under_13,
	parent_name, parent_contact, consent_status, consent_granted_at,
	consent_origin_ip, lifecycle_state, anonymized_at, last_activity_at, created_at
`

func (s *PostgresStore) CreateSubject(ctx context.Context, subject *Subject) error {
	query := `
		INSERT INTO subjects (` + subjectColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	var dob *time.Time
	if !subject.DateOfBirth.IsZero() {
		dob = &subject.DateOfBirth
	}
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(subject.ID),
		string(subject.Kind),
		subject.FullName,
		subject.Email,
		dob,
		subject.Under13,
		subject.ParentName,
		subject.ParentContact,
		nullableStatus(subject.ConsentStatus),
		subject.ConsentGrantedAt,
		subject.ConsentOriginIP,
		string(subject.Lifecycle),
		subject.AnonymizedAt,
		subject.LastActivityAt,
		subject.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert subject: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindSubject(ctx context.Context, subjectID id.SubjectID) (*Subject, error) {
	query := `SELECT ` + subjectColumns + ` FROM subjects WHERE id = $1`
	row := s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(subjectID))
	subject, err := scanSubject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find subject: %w", err)
	}
	return subject, nil
}

func (s *PostgresStore) ListSubjects(ctx context.Context) ([]*Subject, error) {
	query := `SELECT ` + subjectColumns + ` FROM subjects ORDER BY created_at`
	rows, err := s.execer(ctx).QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	defer rows.Close()
	return scanSubjects(rows)
}

func (s *PostgresStore) ListSubjectsLastActiveBefore(ctx context.Context, cutoff time.Time) ([]*Subject, error) {
	query := `SELECT ` + subjectColumns + ` FROM subjects WHERE last_activity_at < $1 ORDER BY last_activity_at`
	rows, err := s.execer(ctx).QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list subjects by activity: %w", err)
	}
	defer rows.Close()
	return scanSubjects(rows)
}

func (s *PostgresStore) UpdateSubjectPII(ctx context.Context, subject *Subject) error {
	query := `
		UPDATE subjects
		SET full_name = $2, email = $3, date_of_birth = $4, parent_name = $5,
		    parent_contact = $6, consent_origin_ip = $7, anonymized_at = $8
		WHERE id = $1
	`
	var dob *time.Time
	if !subject.DateOfBirth.IsZero() {
		dob = &subject.DateOfBirth
	}
	res, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(subject.ID),
		subject.FullName,
		subject.Email,
		dob,
		subject.ParentName,
		subject.ParentContact,
		subject.ConsentOriginIP,
		subject.AnonymizedAt,
	)
	if err != nil {
		return fmt.Errorf("update subject pii: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) UpdateConsentFields(ctx context.Context, subject *Subject) error {
	query := `
		UPDATE subjects
		SET under_13 = $2, parent_name = $3, parent_contact = $4,
		    consent_status = $5, consent_granted_at = $6, consent_origin_ip = $7
		WHERE id = $1
	`
	res, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(subject.ID),
		subject.Under13,
		subject.ParentName,
		subject.ParentContact,
		nullableStatus(subject.ConsentStatus),
		subject.ConsentGrantedAt,
		subject.ConsentOriginIP,
	)
	if err != nil {
		return fmt.Errorf("update consent fields: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) DeleteSubject(ctx context.Context, subjectID id.SubjectID) error {
	res, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM subjects WHERE id = $1`, uuid.UUID(subjectID))
	if err != nil {
		return fmt.Errorf("delete subject: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) ClaimLifecycle(ctx context.Context, subjectID id.SubjectID, from, to LifecycleState) error {
	query := `UPDATE subjects SET lifecycle_state = $3 WHERE id = $1 AND lifecycle_state = $2`
	res, err := s.execer(ctx).ExecContext(ctx, query, uuid.UUID(subjectID), string(from), string(to))
	if err != nil {
		return fmt.Errorf("claim lifecycle: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim lifecycle rows: %w", err)
	}
	if n == 0 {
		// Distinguish a missing subject from a lost race.
		if _, err := s.FindSubject(ctx, subjectID); err != nil {
			return err
		}
		return sentinel.ErrConflict
	}
	return nil
}

// -----------------------------------------------------------------------------
// Child records
// -----------------------------------------------------------------------------

func (s *PostgresStore) CreateSession(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions (id, subject_id, tutor_id, started_at, duration_minutes, topic, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(session.ID),
		uuid.UUID(session.SubjectID),
		uuid.UUID(session.TutorID),
		session.StartedAt,
		session.DurationMinutes,
		session.Topic,
		session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateFeedback(ctx context.Context, f *Feedback) error {
	query := `
		INSERT INTO feedback (id, subject_id, author_id, body, rating, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(f.ID), uuid.UUID(f.SubjectID), uuid.UUID(f.AuthorID), f.Body, f.Rating, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateEvent(ctx context.Context, e *Event) error {
	query := `
		INSERT INTO events (id, subject_id, name, payload, occurred_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(e.ID), uuid.UUID(e.SubjectID), e.Name, e.Payload, e.OccurredAt, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateNote(ctx context.Context, n *Note) error {
	query := `
		INSERT INTO notes (id, subject_id, author_id, body, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(n.ID), uuid.UUID(n.SubjectID), uuid.UUID(n.AuthorID), n.Body, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadGraph(ctx context.Context, subjectID id.SubjectID) (*Graph, error) {
	subject, err := s.FindSubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	g := &Graph{Subject: subject}

	sid := uuid.UUID(subjectID)
	ex := s.execer(ctx)

	rows, err := ex.QueryContext(ctx, `
		SELECT id, subject_id, tutor_id, started_at, duration_minutes, topic, created_at
		FROM sessions WHERE subject_id = $1 ORDER BY started_at`, sid)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v Session
		var rid, sjid, tid uuid.UUID
		if err := rows.Scan(&rid, &sjid, &tid, &v.StartedAt, &v.DurationMinutes, &v.Topic, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		v.ID, v.SubjectID, v.TutorID = id.RecordID(rid), id.SubjectID(sjid), id.PrincipalID(tid)
		g.Sessions = append(g.Sessions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	frows, err := ex.QueryContext(ctx, `
		SELECT id, subject_id, author_id, body, rating, created_at
		FROM feedback WHERE subject_id = $1 ORDER BY created_at`, sid)
	if err != nil {
		return nil, fmt.Errorf("load feedback: %w", err)
	}
	defer frows.Close()
	for frows.Next() {
		var v Feedback
		var rid, sjid, aid uuid.UUID
		if err := frows.Scan(&rid, &sjid, &aid, &v.Body, &v.Rating, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		v.ID, v.SubjectID, v.AuthorID = id.RecordID(rid), id.SubjectID(sjid), id.PrincipalID(aid)
		g.Feedback = append(g.Feedback, v)
	}
	if err := frows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feedback: %w", err)
	}

	erows, err := ex.QueryContext(ctx, `
		SELECT id, subject_id, name, payload, occurred_at, created_at
		FROM events WHERE subject_id = $1 ORDER BY occurred_at`, sid)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer erows.Close()
	for erows.Next() {
		var v Event
		var rid, sjid uuid.UUID
		if err := erows.Scan(&rid, &sjid, &v.Name, &v.Payload, &v.OccurredAt, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		v.ID, v.SubjectID = id.RecordID(rid), id.SubjectID(sjid)
		g.Events = append(g.Events, v)
	}
	if err := erows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	nrows, err := ex.QueryContext(ctx, `
		SELECT id, subject_id, author_id, body, created_at
		FROM notes WHERE subject_id = $1 ORDER BY created_at`, sid)
	if err != nil {
		return nil, fmt.Errorf("load notes: %w", err)
	}
	defer nrows.Close()
	for nrows.Next() {
		var v Note
		var rid, sjid, aid uuid.UUID
		if err := nrows.Scan(&rid, &sjid, &aid, &v.Body, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		v.ID, v.SubjectID, v.AuthorID = id.RecordID(rid), id.SubjectID(sjid), id.PrincipalID(aid)
		g.Notes = append(g.Notes, v)
	}
	if err := nrows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}

	return g, nil
}

func (s *PostgresStore) DeleteChildRecords(ctx context.Context, subjectID id.SubjectID) (map[id.RecordType]int64, error) {
	sid := uuid.UUID(subjectID)
	ex := s.execer(ctx)
	counts := map[id.RecordType]int64{}

	tables := []struct {
		recordType id.RecordType
		query      string
	}{
		{id.RecordTypeSession, `DELETE FROM sessions WHERE subject_id = $1`},
		{id.RecordTypeFeedback, `DELETE FROM feedback WHERE subject_id = $1`},
		{id.RecordTypeEvent, `DELETE FROM events WHERE subject_id = $1`},
		{id.RecordTypeNote, `DELETE FROM notes WHERE subject_id = $1`},
	}
	for _, t := range tables {
		res, err := ex.ExecContext(ctx, t.query, sid)
		if err != nil {
			return nil, fmt.Errorf("delete %s rows: %w", t.recordType, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("count %s rows: %w", t.recordType, err)
		}
		counts[t.recordType] = n
	}
	return counts, nil
}

func (s *PostgresStore) HasSessionWith(ctx context.Context, tutorID id.PrincipalID, subjectID id.SubjectID) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM sessions WHERE tutor_id = $1 AND subject_id = $2)`
	var exists bool
	err := s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(tutorID), uuid.UUID(subjectID)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check session link: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, session *Session) error {
	query := `UPDATE sessions SET tutor_id = $2, started_at = $3, duration_minutes = $4, topic = $5 WHERE id = $1`
	res, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(session.ID), uuid.UUID(session.TutorID), session.StartedAt, session.DurationMinutes, session.Topic)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) UpdateFeedback(ctx context.Context, f *Feedback) error {
	query := `UPDATE feedback SET author_id = $2, body = $3, rating = $4 WHERE id = $1`
	res, err := s.execer(ctx).ExecContext(ctx, query, uuid.UUID(f.ID), uuid.UUID(f.AuthorID), f.Body, f.Rating)
	if err != nil {
		return fmt.Errorf("update feedback: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) UpdateEvent(ctx context.Context, e *Event) error {
	query := `UPDATE events SET name = $2, payload = $3, occurred_at = $4 WHERE id = $1`
	res, err := s.execer(ctx).ExecContext(ctx, query, uuid.UUID(e.ID), e.Name, e.Payload, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) UpdateNote(ctx context.Context, n *Note) error {
	query := `UPDATE notes SET author_id = $2, body = $3 WHERE id = $1`
	res, err := s.execer(ctx).ExecContext(ctx, query, uuid.UUID(n.ID), uuid.UUID(n.AuthorID), n.Body)
	if err != nil {
		return fmt.Errorf("update note: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) FindSession(ctx context.Context, recordID id.RecordID) (*Session, error) {
	query := `SELECT id, subject_id, tutor_id, started_at, duration_minutes, topic, created_at FROM sessions WHERE id = $1`
	var v Session
	var rid, sjid, tid uuid.UUID
	err := s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(recordID)).
		Scan(&rid, &sjid, &tid, &v.StartedAt, &v.DurationMinutes, &v.Topic, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find session: %w", err)
	}
	v.ID, v.SubjectID, v.TutorID = id.RecordID(rid), id.SubjectID(sjid), id.PrincipalID(tid)
	return &v, nil
}

func (s *PostgresStore) FindFeedback(ctx context.Context, recordID id.RecordID) (*Feedback, error) {
	query := `SELECT id, subject_id, author_id, body, rating, created_at FROM feedback WHERE id = $1`
	var v Feedback
	var rid, sjid, aid uuid.UUID
	err := s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(recordID)).
		Scan(&rid, &sjid, &aid, &v.Body, &v.Rating, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find feedback: %w", err)
	}
	v.ID, v.SubjectID, v.AuthorID = id.RecordID(rid), id.SubjectID(sjid), id.PrincipalID(aid)
	return &v, nil
}

func (s *PostgresStore) FindEvent(ctx context.Context, recordID id.RecordID) (*Event, error) {
	query := `SELECT id, subject_id, name, payload, occurred_at, created_at FROM events WHERE id = $1`
	var v Event
	var rid, sjid uuid.UUID
	err := s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(recordID)).
		Scan(&rid, &sjid, &v.Name, &v.Payload, &v.OccurredAt, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find event: %w", err)
	}
	v.ID, v.SubjectID = id.RecordID(rid), id.SubjectID(sjid)
	return &v, nil
}

func (s *PostgresStore) FindNote(ctx context.Context, recordID id.RecordID) (*Note, error) {
	query := `SELECT id, subject_id, author_id, body, created_at FROM notes WHERE id = $1`
	var v Note
	var rid, sjid, aid uuid.UUID
	err := s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(recordID)).
		Scan(&rid, &sjid, &aid, &v.Body, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find note: %w", err)
	}
	v.ID, v.SubjectID, v.AuthorID = id.RecordID(rid), id.SubjectID(sjid), id.PrincipalID(aid)
	return &v, nil
}

// -----------------------------------------------------------------------------
// Archives and tokens
// -----------------------------------------------------------------------------

func (s *PostgresStore) SaveArchive(ctx context.Context, a *Archive) error {
	query := `INSERT INTO archives (id, subject_id, payload, archived_at) VALUES ($1, $2, $3, $4)`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(a.ID), uuid.UUID(a.SubjectID), a.Payload, a.ArchivedAt)
	if err != nil {
		return fmt.Errorf("insert archive: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindArchive(ctx context.Context, archiveID id.ArchiveID) (*Archive, error) {
	query := `SELECT id, subject_id, payload, archived_at FROM archives WHERE id = $1`
	var a Archive
	var aid, sjid uuid.UUID
	err := s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(archiveID)).
		Scan(&aid, &sjid, &a.Payload, &a.ArchivedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find archive: %w", err)
	}
	a.ID, a.SubjectID = id.ArchiveID(aid), id.SubjectID(sjid)
	return &a, nil
}

func (s *PostgresStore) SaveToken(ctx context.Context, t *TokenRecord) error {
	query := `
		INSERT INTO consent_tokens (subject_id, token_digest, subject_fragment, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (subject_id) DO UPDATE
		SET token_digest = EXCLUDED.token_digest,
		    subject_fragment = EXCLUDED.subject_fragment,
		    issued_at = EXCLUDED.issued_at,
		    expires_at = EXCLUDED.expires_at
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(t.SubjectID), t.Digest, t.SubjectFragment, t.IssuedAt, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindToken(ctx context.Context, subjectID id.SubjectID) (*TokenRecord, error) {
	query := `SELECT subject_id, token_digest, subject_fragment, issued_at, expires_at FROM consent_tokens WHERE subject_id = $1`
	var t TokenRecord
	var sjid uuid.UUID
	err := s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(subjectID)).
		Scan(&sjid, &t.Digest, &t.SubjectFragment, &t.IssuedAt, &t.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find token: %w", err)
	}
	t.SubjectID = id.SubjectID(sjid)
	return &t, nil
}

func (s *PostgresStore) DeleteToken(ctx context.Context, subjectID id.SubjectID) error {
	_, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM consent_tokens WHERE subject_id = $1`, uuid.UUID(subjectID))
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Scan helpers
// -----------------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubject(row rowScanner) (*Subject, error) {
	var (
		subject   Subject
		sjid      uuid.UUID
		kind      string
		dob       *time.Time
		status    *string
		lifecycle string
	)
	err := row.Scan(
		&sjid, &kind, &subject.FullName, &subject.Email, &dob, &subject.Under13,
		&subject.ParentName, &subject.ParentContact, &status, &subject.ConsentGrantedAt,
		&subject.ConsentOriginIP, &lifecycle, &subject.AnonymizedAt,
		&subject.LastActivityAt, &subject.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	subject.ID = id.SubjectID(sjid)
	subject.Kind = SubjectKind(kind)
	subject.Lifecycle = LifecycleState(lifecycle)
	if dob != nil {
		subject.DateOfBirth = *dob
	}
	if status != nil {
		subject.ConsentStatus = id.ConsentStatus(*status)
	}
	return &subject, nil
}

func scanSubjects(rows *sql.Rows) ([]*Subject, error) {
	var out []*Subject
	for rows.Next() {
		subject, err := scanSubject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subject: %w", err)
		}
		out = append(out, subject)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subjects: %w", err)
	}
	return out, nil
}

func nullableStatus(s id.ConsentStatus) *string {
	if s == "" {
		return nil
	}
	v := string(s)
	return &v
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}
