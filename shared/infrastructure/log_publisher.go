package infrastructure

import (
	"context"

	"go.uber.org/zap"

	"github.com/trellis/order-saga/shared/events"
)

var _ events.Publisher = (*LogPublisher)(nil)

// LogPublisher writes events to the log instead of a broker. It is used when
// AWS is disabled so lifecycle notifications stay visible.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger.Named("event-log")}
}

func (p *LogPublisher) Publish(_ context.Context, evts ...*events.Event) error {
	for _, event := range evts {
		payload, err := event.MarshalPayload()
		if err != nil {
			return err
		}
		p.logger.Info("event",
			zap.String("topic", event.Topic.String()),
			zap.String("aggregate_id", event.AggregateID.String()),
			zap.ByteString("payload", payload),
		)
	}
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
