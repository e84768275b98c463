package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"qazna.org/warden/internal/auth"
	"qazna.org/warden/internal/obs"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink forwards events to a topic for SIEM ingestion. Messages are keyed
// by account id so one account's events stay ordered within a partition.
type KafkaSink struct {
	w messageWriter
}

type kafkaEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	AccountID  string    `json:"account_id,omitempty"`
	Email      string    `json:"email,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewKafkaSink builds an asynchronous writer. Delivery failures are counted
// and logged from the writer's completion callback.
func NewKafkaSink(brokers []string, topic string, log zerolog.Logger) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err == nil {
				return
			}
			obs.AuditDropped.WithLabelValues("kafka").Add(float64(len(msgs)))
			log.Warn().Err(err).Int("messages", len(msgs)).Msg("kafka audit delivery failed")
		},
	}
	return &KafkaSink{w: w}
}

func (*KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Write(ctx context.Context, ev auth.SecurityEvent) error {
	payload, err := json.Marshal(kafkaEvent{
		ID:         ev.ID,
		Type:       ev.Type,
		AccountID:  ev.AccountID,
		Email:      ev.Email,
		Detail:     ev.Detail,
		IP:         ev.IP,
		UserAgent:  ev.UserAgent,
		OccurredAt: ev.OccurredAt.UTC(),
	})
	if err != nil {
		return err
	}
	return k.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(ev.AccountID),
		Value:   payload,
		Time:    ev.OccurredAt,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(ev.Type)}},
	})
}

// Close flushes pending messages.
func (k *KafkaSink) Close() error {
	return k.w.Close()
}
