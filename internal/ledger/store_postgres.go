package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	id "custodia/pkg/domain"
	txcontext "custodia/pkg/platform/tx"
)

// PostgresStore persists ledger entries and, when a mirror topic is
// configured downstream, writes each entry to the outbox in the same
// transaction so the Kafka mirror can never disagree with the table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) execer(ctx context.Context) txcontext.Executor {
	return txcontext.ExecutorFrom(ctx, s.db)
}

func (s *PostgresStore) Append(ctx context.Context, entry *Entry) error {
	metadata, err := json.Marshal(orEmpty(entry.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	var principal *uuid.UUID
	if entry.PrincipalID != nil {
		pid := uuid.UUID(*entry.PrincipalID)
		principal = &pid
	}

	ex := s.execer(ctx)
	_, err = ex.ExecContext(ctx, `
		INSERT INTO disclosure_log (id, occurred_at, principal_id, subject_id, record_type, access_type, reason, outcome, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID,
		entry.OccurredAt,
		principal,
		uuid.UUID(entry.SubjectID),
		string(entry.RecordType),
		string(entry.AccessType),
		entry.Reason,
		string(entry.Outcome),
		metadata,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}

	payload, err := json.Marshal(outboxPayload{
		ID:         entry.ID.String(),
		OccurredAt: entry.OccurredAt.Format(time.RFC3339Nano),
		SubjectID:  entry.SubjectID.String(),
		RecordType: string(entry.RecordType),
		AccessType: string(entry.AccessType),
		Reason:     entry.Reason,
		Outcome:    string(entry.Outcome),
	})
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	if _, err := ex.ExecContext(ctx,
		`INSERT INTO ledger_outbox (entry_id, payload) VALUES ($1, $2)`,
		entry.ID, payload,
	); err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// outboxPayload is the JSON structure mirrored to Kafka. It deliberately
// excludes metadata: the mirror carries evidence references, not PII.
type outboxPayload struct {
	ID         string `json:"id"`
	OccurredAt string `json:"occurred_at"`
	SubjectID  string `json:"subject_id"`
	RecordType string `json:"record_type"`
	AccessType string `json:"access_type"`
	Reason     string `json:"reason"`
	Outcome    string `json:"outcome"`
}

func (s *PostgresStore) Query(ctx context.Context, filter Filter, page Page) ([]Entry, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.SubjectID != nil {
		conds = append(conds, "subject_id = "+arg(uuid.UUID(*filter.SubjectID)))
	}
	if filter.PrincipalID != nil {
		conds = append(conds, "principal_id = "+arg(uuid.UUID(*filter.PrincipalID)))
	}
	if filter.Reason != "" {
		conds = append(conds, "reason = "+arg(filter.Reason))
	}
	if filter.Since != nil {
		conds = append(conds, "occurred_at >= "+arg(*filter.Since))
	}
	if filter.Until != nil {
		conds = append(conds, "occurred_at <= "+arg(*filter.Until))
	}

	query := `SELECT id, occurred_at, principal_id, subject_id, record_type, access_type, reason, outcome, metadata FROM disclosure_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY occurred_at DESC LIMIT " + arg(page.limit()) + " OFFSET " + arg(page.Offset)

	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			principal  *uuid.UUID
			subject    uuid.UUID
			recordType string
			accessType string
			outcome    string
			metadata   []byte
		)
		if err := rows.Scan(&e.ID, &e.OccurredAt, &principal, &subject, &recordType, &accessType, &e.Reason, &outcome, &metadata); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		if principal != nil {
			pid := id.PrincipalID(*principal)
			e.PrincipalID = &pid
		}
		e.SubjectID = id.SubjectID(subject)
		e.RecordType = id.RecordType(recordType)
		e.AccessType = id.AccessType(accessType)
		e.Outcome = Outcome(outcome)
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) ScrubPrincipal(ctx context.Context, principalID id.PrincipalID) (int64, error) {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE disclosure_log
		SET principal_id = NULL, metadata = metadata - $2::text[]
		WHERE principal_id = $1`,
		uuid.UUID(principalID), pq.Array(piiMetadataKeys),
	)
	if err != nil {
		return 0, fmt.Errorf("scrub principal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("scrub principal rows: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ScrubSubjectMetadata(ctx context.Context, subjectID id.SubjectID) (int64, error) {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE disclosure_log
		SET principal_id = NULL, metadata = metadata - $2::text[]
		WHERE subject_id = $1`,
		uuid.UUID(subjectID), pq.Array(piiMetadataKeys),
	)
	if err != nil {
		return 0, fmt.Errorf("scrub subject metadata: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("scrub subject rows: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) DeleteBySubject(ctx context.Context, subjectID id.SubjectID) (int64, error) {
	res, err := s.execer(ctx).ExecContext(ctx,
		`DELETE FROM disclosure_log WHERE subject_id = $1`, uuid.UUID(subjectID))
	if err != nil {
		return 0, fmt.Errorf("delete ledger entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete ledger rows: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListPendingOutbox(ctx context.Context, limit int) ([]OutboxRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entry_id, payload FROM ledger_outbox
		WHERE published_at IS NULL ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxRow
	for rows.Next() {
		var row OutboxRow
		var entryID uuid.UUID
		if err := rows.Scan(&row.ID, &entryID, &row.Payload); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		row.EntryID = entryID.String()
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) MarkOutboxPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE ledger_outbox SET published_at = now() WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
