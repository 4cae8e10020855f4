package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nkiryanov/sessionkeeper/internal/logger"
)

// LogSink writes events to the application log
type LogSink struct {
	log logger.Logger
}

func NewLogSink(log logger.Logger) *LogSink {
	return &LogSink{log: log.WithGroup("audit")}
}

func (s *LogSink) Write(_ context.Context, events ...Event) error {
	for _, e := range events {
		s.log.Info("audit event",
			"id", e.ID,
			"entity_type", e.EntityType,
			"entity_id", e.EntityID,
			"action", e.Action,
			"actor_id", e.ActorID,
			"at", e.At,
		)
	}
	return nil
}

const kafkaWriteTimeout = 5 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON, keyed by entity id so one entity stays in one partition
type KafkaSink struct {
	writer messageWriter
}

// NewKafkaSink returns nil if brokers or topic are not set
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	if len(brokers) == 0 || topic == "" {
		return nil
	}

	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}}
}

func (s *KafkaSink) Write(ctx context.Context, events ...Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode audit event %s: %w", e.ID, err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(e.EntityID), Value: payload})
	}

	writeCtx, cancel := context.WithTimeout(ctx, kafkaWriteTimeout)
	defer cancel()

	if err := s.writer.WriteMessages(writeCtx, msgs...); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Safe to call on nil sink
func (s *KafkaSink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
