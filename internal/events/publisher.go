// README: Publishes committed service status events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"freight/internal/modules/negotiation"
)

// Message is the JSON payload written for each status change.
type Message struct {
	ServiceID  string    `json:"service_id"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status"`
	ActorID    *string   `json:"actor_id,omitempty"`
	Reason     *string   `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func NewMessage(e negotiation.Event) Message {
	m := Message{
		ServiceID:  string(e.ServiceID),
		FromStatus: string(e.FromStatus),
		ToStatus:   string(e.ToStatus),
		Reason:     e.Reason,
		OccurredAt: e.CreatedAt,
	}
	if e.ActorID != nil {
		id := string(*e.ActorID)
		m.ActorID = &id
	}
	return m
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	w   writer
	log *zap.Logger
}

// NewKafkaPublisher writes to topic, keyed by service id so that the events of
// one service stay ordered within a partition.
func NewKafkaPublisher(brokers []string, topic string, log *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           50 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		log: log,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e negotiation.Event) error {
	value, err := json.Marshal(NewMessage(e))
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.ServiceID),
		Value: value,
		Time:  e.CreatedAt,
	})
}

func (p *KafkaPublisher) Close() error {
	p.log.Info("closing kafka publisher")
	return p.w.Close()
}

// LogPublisher only logs events; used when no brokers are configured.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, e negotiation.Event) error {
	p.log.Debug("service status changed",
		zap.String("service_id", string(e.ServiceID)),
		zap.String("from", string(e.FromStatus)),
		zap.String("to", string(e.ToStatus)))
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
