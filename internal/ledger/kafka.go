package ledger

import (
	"context"
	"fmt"

	"canvasledger/internal/store"

	"github.com/IBM/sarama"
)

// KafkaLedger appends records to a Kafka topic keyed by room so each room's
// records stay ordered within one partition.
type KafkaLedger struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaLedger(brokers []string, topic string) (*KafkaLedger, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Retry.Max = 3
	cfg.Net.MaxOpenRequests = 1
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect kafka: %w", err)
	}
	return NewKafkaLedgerWithProducer(producer, topic), nil
}

func NewKafkaLedgerWithProducer(producer sarama.SyncProducer, topic string) *KafkaLedger {
	return &KafkaLedger{producer: producer, topic: topic}
}

// Commit returns "topic/partition/offset" as the transaction id.
func (k *KafkaLedger) Commit(ctx context.Context, payload []byte) (string, error) {
	rec, err := store.Decode(payload)
	if err != nil {
		return "", fmt.Errorf("decode ledger payload: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(rec.RoomID),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("record-key"), Value: []byte(rec.LedgerKey())},
			{Key: []byte("record-type"), Value: []byte(rec.Kind)},
		},
	}
	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", k.topic, err)
	}
	return fmt.Sprintf("%s/%d/%d", k.topic, partition, offset), nil
}

func (k *KafkaLedger) Close() error {
	return k.producer.Close()
}
