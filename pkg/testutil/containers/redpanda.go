//go:build integration

package containers

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	tcredpanda "github.com/testcontainers/testcontainers-go/modules/redpanda"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// RedpandaContainer wraps a Kafka-compatible Redpanda broker for tests that
// exercise the ledger mirror publisher.
type RedpandaContainer struct {
	Container testcontainers.Container
	Brokers   []string
}

// NewRedpandaContainer starts a Redpanda broker and creates the given topics.
func NewRedpandaContainer(t *testing.T, topics ...string) *RedpandaContainer {
	t.Helper()

	ctx := context.Background()

	container, err := tcredpanda.Run(ctx, "redpandadata/redpanda:v24.1.7")
	if err != nil {
		t.Fatalf("failed to start redpanda container: %v", err)
	}

	broker, err := container.KafkaSeedBroker(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get redpanda broker address: %v", err)
	}

	if len(topics) > 0 {
		client, err := kgo.NewClient(kgo.SeedBrokers(broker))
		if err != nil {
			_ = container.Terminate(ctx)
			t.Fatalf("failed to build kafka client: %v", err)
		}
		admin := kadm.NewClient(client)
		if _, err := admin.CreateTopics(ctx, 1, 1, nil, topics...); err != nil {
			client.Close()
			_ = container.Terminate(ctx)
			t.Fatalf("failed to create topics: %v", err)
		}
		client.Close()
	}

	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	return &RedpandaContainer{Container: container, Brokers: []string{broker}}
}
