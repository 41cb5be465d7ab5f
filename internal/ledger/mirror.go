package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// The Kafka mirror fans ledger entries out to a compliance topic for
// downstream retention tooling. Postgres stays the durability source of
// truth: entries land in the outbox inside the appending transaction, and
// this worker drains the outbox after commit. A broker outage therefore
// delays the mirror without ever blocking an Append.

// OutboxRow is one pending mirror record.
type OutboxRow struct {
	ID      int64
	EntryID string
	Payload []byte
}

// OutboxStore is the outbox drain surface, implemented by PostgresStore.
type OutboxStore interface {
	ListPendingOutbox(ctx context.Context, limit int) ([]OutboxRow, error)
	MarkOutboxPublished(ctx context.Context, ids []int64) error
}

// Producer abstracts the Kafka client so the worker is testable without a
// broker.
type Producer interface {
	Produce(ctx context.Context, key string, payload []byte) error
	Close()
}

// KafkaProducer publishes outbox payloads with franz-go.
type KafkaProducer struct {
	client *kgo.Client
	topic  string
}

func NewKafkaProducer(brokers []string, topic string) (*KafkaProducer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("build kafka client: %w", err)
	}
	return &KafkaProducer{client: client, topic: topic}, nil
}

func (p *KafkaProducer) Produce(ctx context.Context, key string, payload []byte) error {
	record := &kgo.Record{Topic: p.topic, Key: []byte(key), Value: payload}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce ledger mirror record: %w", err)
	}
	return nil
}

func (p *KafkaProducer) Close() {
	p.client.Close()
}

// MirrorWorker drains the ledger outbox on an interval.
type MirrorWorker struct {
	store    OutboxStore
	producer Producer
	metrics  *Metrics
	logger   *zap.Logger
	interval time.Duration
	batch    int
}

func NewMirrorWorker(store OutboxStore, producer Producer, metrics *Metrics, logger *zap.Logger) *MirrorWorker {
	return &MirrorWorker{
		store:    store,
		producer: producer,
		metrics:  metrics,
		logger:   logger,
		interval: 5 * time.Second,
		batch:    256,
	}
}

// Run drains until the context is cancelled.
func (w *MirrorWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.DrainOnce(ctx); err != nil {
				w.logger.Warn("ledger mirror drain failed", zap.Error(err))
			}
		}
	}
}

// DrainOnce publishes one batch of pending outbox rows.
func (w *MirrorWorker) DrainOnce(ctx context.Context) error {
	rows, err := w.store.ListPendingOutbox(ctx, w.batch)
	if err != nil {
		return fmt.Errorf("list pending outbox: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	published := make([]int64, 0, len(rows))
	for _, row := range rows {
		if err := w.producer.Produce(ctx, row.EntryID, row.Payload); err != nil {
			// Stop at the first failure to preserve outbox order.
			break
		}
		published = append(published, row.ID)
	}
	if len(published) == 0 {
		return fmt.Errorf("no outbox rows published")
	}
	if err := w.store.MarkOutboxPublished(ctx, published); err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	w.metrics.AddMirrored(len(published))
	return nil
}
