package results

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig names the brokers and topic completed records are published to.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaSink publishes each record as one message keyed by session code.
// It is write-only; pair it with a Store for read-back.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}

	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
		},
	}, nil
}

func (k *KafkaSink) Submit(ctx context.Context, rec *Record) error {
	if err := validate(rec); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.Code),
		Value: data,
		Headers: []kafka.Header{
			{Key: "record_id", Value: []byte(rec.ID)},
			{Key: "reason", Value: []byte(rec.Reason)},
		},
	})
}

// Close flushes pending writes.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
