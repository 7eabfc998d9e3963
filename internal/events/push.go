// README: FCM push of status changes to the per-service topic, plus fan-out over several publishers.
package events

import (
	"context"
	"errors"
	"fmt"

	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"

	"freight/internal/modules/negotiation"
	"freight/internal/types"
)

type sender interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

// PushPublisher sends a data message to topic "service_<id>"; shipper and
// driver apps subscribe to the services they take part in.
type PushPublisher struct {
	fcm sender
	log *zap.Logger
}

func NewPushPublisher(client *messaging.Client, log *zap.Logger) *PushPublisher {
	return &PushPublisher{fcm: client, log: log}
}

func ServiceTopic(id types.ID) string {
	return "service_" + string(id)
}

func (p *PushPublisher) Publish(ctx context.Context, e negotiation.Event) error {
	msg := &messaging.Message{
		Topic: ServiceTopic(e.ServiceID),
		Data: map[string]string{
			"type":        "service_status",
			"service_id":  string(e.ServiceID),
			"from_status": string(e.FromStatus),
			"to_status":   string(e.ToStatus),
		},
		Notification: &messaging.Notification{
			Title: "Service update",
			Body:  fmt.Sprintf("Service is now %s", e.ToStatus),
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	}
	id, err := p.fcm.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("fcm send to %s: %w", msg.Topic, err)
	}
	p.log.Debug("push sent", zap.String("topic", msg.Topic), zap.String("message_id", id))
	return nil
}

func (p *PushPublisher) Close() error { return nil }

// Fanout delivers each event to every publisher and joins their errors.
type Fanout []interface {
	negotiation.Publisher
	Close() error
}

func (f Fanout) Publish(ctx context.Context, e negotiation.Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
