//go:build integration

package ledger_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	id "custodia/pkg/domain"
	"custodia/pkg/testutil/containers"

	"custodia/internal/ledger"
)

const mirrorTopic = "custodia.ledger.mirror"

// Drains a real outbox into a real broker and reads the topic back.
func TestMirrorPublishesOutboxToKafka(t *testing.T) {
	pg := containers.NewPostgresContainer(t)
	rp := containers.NewRedpandaContainer(t, mirrorTopic)
	ctx := context.Background()

	store := ledger.NewPostgresStore(pg.DB)
	producer, err := ledger.NewKafkaProducer(rp.Brokers, mirrorTopic)
	require.NoError(t, err)
	defer producer.Close()

	subjectID := id.NewSubjectID()
	entries := make([]ledger.Entry, 0, 3)
	for i := 0; i < 3; i++ {
		entry := ledger.Entry{
			ID:         uuid.New(),
			OccurredAt: time.Date(2026, 3, 1, 12, i, 0, 0, time.UTC),
			SubjectID:  subjectID,
			RecordType: id.RecordTypeSession,
			AccessType: id.AccessTypeView,
			Reason:     "legitimate_institutional_interest",
			Outcome:    ledger.OutcomeAllowed,
		}
		require.NoError(t, store.Append(ctx, &entry))
		entries = append(entries, entry)
	}

	worker := ledger.NewMirrorWorker(store, producer, nil, zap.NewNop())
	require.NoError(t, worker.DrainOnce(ctx))

	pending, err := store.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending, "published rows leave the outbox")

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(rp.Brokers...),
		kgo.ConsumeTopics(mirrorTopic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	got := make(map[string]map[string]any)
	deadline, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for len(got) < len(entries) {
		fetches := consumer.PollFetches(deadline)
		require.Empty(t, fetches.Errors())
		fetches.EachRecord(func(r *kgo.Record) {
			var payload map[string]any
			require.NoError(t, json.Unmarshal(r.Value, &payload))
			got[string(r.Key)] = payload
		})
	}

	for _, entry := range entries {
		payload, ok := got[entry.ID.String()]
		require.True(t, ok, "entry %s reached the topic", entry.ID)
		require.Equal(t, subjectID.String(), payload["subject_id"])
		require.NotContains(t, payload, "metadata")
	}

	// A second drain with an empty outbox is a no-op.
	require.NoError(t, worker.DrainOnce(ctx))
}
