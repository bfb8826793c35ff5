package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/harrylevesque/slqrattend/internal/utils"
)

// producer is the part of *kgo.Client the sink needs.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaSink publishes findings to one topic and outcomes to another. Records
// are keyed by session id so a session's stream stays on one partition.
type KafkaSink struct {
	client        producer
	findingsTopic string
	outcomesTopic string
	logger        *slog.Logger
}

// NewKafkaClient connects a producer client to brokers.
func NewKafkaClient(brokers []string, clientID string) (*kgo.Client, error) {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create kafka producer client: %w", err)
	}
	return cl, nil
}

// NewKafkaSink wraps client. An empty outcomesTopic publishes findings only.
func NewKafkaSink(client *kgo.Client, findingsTopic, outcomesTopic string, logger *slog.Logger) *KafkaSink {
	return newKafkaSink(client, findingsTopic, outcomesTopic, logger)
}

func newKafkaSink(client producer, findingsTopic, outcomesTopic string, logger *slog.Logger) *KafkaSink {
	return &KafkaSink{
		client:        client,
		findingsTopic: findingsTopic,
		outcomesTopic: outcomesTopic,
		logger:        utils.OrDefault(logger),
	}
}

// Publish produces the entries synchronously.
func (k *KafkaSink) Publish(ctx context.Context, entries []Entry) error {
	records := make([]*kgo.Record, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		topic := k.findingsTopic
		if e.Kind == KindOutcome {
			if k.outcomesTopic == "" {
				continue
			}
			topic = k.outcomesTopic
		}
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("kafka publish: marshal error: %w", err)
		}
		records = append(records, &kgo.Record{
			Topic:     topic,
			Key:       []byte(e.SessionID),
			Value:     data,
			Timestamp: e.RecordedAt,
		})
	}
	if len(records) == 0 {
		return nil
	}
	if err := k.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("kafka publish error: %w", err)
	}
	k.logger.Debug("published audit records", "count", len(records))
	return nil
}

// Close flushes and closes the client.
func (k *KafkaSink) Close() error {
	k.client.Close()
	return nil
}
