package infrastructure

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/trellis/order-saga/shared/events"
)

var _ events.Subscriber = (*SQSSubscriberAdapter)(nil)

// SQSSubscriberAdapter exposes an SQS queue as an events.Subscriber
type SQSSubscriberAdapter struct {
	client     SQSAPI
	queueURL   string
	logger     *zap.Logger
	options    []SQSSubscriberOption
	subscriber *SQSEventSubscriber
}

// NewSQSSubscriberAdapter builds an SQS client from cfg. Nothing is received
// until Subscribe is called.
func NewSQSSubscriberAdapter(ctx context.Context, cfg AWSConfig, logger *zap.Logger, opts ...SQSSubscriberOption) (*SQSSubscriberAdapter, error) {
	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		o.BaseEndpoint = endpoint(cfg.EndpointSQS)
	})
	return NewSQSSubscriberAdapterWithClient(client, cfg.SQSQueueURL, logger, opts...), nil
}

func NewSQSSubscriberAdapterWithClient(client SQSAPI, queueURL string, logger *zap.Logger, opts ...SQSSubscriberOption) *SQSSubscriberAdapter {
	return &SQSSubscriberAdapter{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
		options:  opts,
	}
}

// topicFilter acknowledges events outside its pattern without handling them
type topicFilter struct {
	pattern events.Topic
	next    events.EventHandler
	id      string
}

func (f *topicFilter) HandlerID() string {
	return f.id
}

func (f *topicFilter) Handle(ctx context.Context, event *events.Event) error {
	if f.pattern != "" && !event.Topic.Matches(f.pattern) {
		return nil
	}
	return f.next.Handle(ctx, event)
}

// Subscribe starts consuming. eventType is a topic pattern, empty means all.
func (s *SQSSubscriberAdapter) Subscribe(ctx context.Context, eventType string, handler events.EventHandler) error {
	if s.subscriber != nil {
		return errors.New("subscriber is already running")
	}

	id := "event-handler"
	if named, ok := handler.(EventHandler); ok {
		id = named.HandlerID()
	}

	filtered := &topicFilter{pattern: events.Topic(eventType), next: handler, id: id}
	s.subscriber = NewSQSEventSubscriber(s.client, s.queueURL, filtered, s.logger, s.options...)

	if err := s.subscriber.Start(ctx); err != nil {
		s.subscriber = nil
		return errors.Wrap(err, "failed to start SQS subscriber")
	}
	return nil
}

func (s *SQSSubscriberAdapter) Close() error {
	if s.subscriber == nil {
		return nil
	}
	if err := s.subscriber.Stop(context.Background()); err != nil {
		return errors.Wrap(err, "failed to stop SQS subscriber")
	}
	s.subscriber = nil
	return nil
}
