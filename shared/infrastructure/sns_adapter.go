package infrastructure

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/trellis/order-saga/shared/events"
)

// SNSPublisherAdapter owns the SNS client behind an SNSEventPublisher
type SNSPublisherAdapter struct {
	snsPublisher *SNSEventPublisher
}

// NewSNSPublisherAdapter builds an SNS client from cfg and publishes to its topic
func NewSNSPublisherAdapter(ctx context.Context, cfg AWSConfig, logger *zap.Logger) (*SNSPublisherAdapter, error) {
	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		o.BaseEndpoint = endpoint(cfg.EndpointSNS)
	})

	return &SNSPublisherAdapter{
		snsPublisher: NewSNSEventPublisher(client, cfg.SNSTopicArn, logger),
	}, nil
}

func (p *SNSPublisherAdapter) Publish(ctx context.Context, events ...*events.Event) error {
	return p.snsPublisher.Publish(ctx, events...)
}

// Close is a no-op, the SNS client holds no connections of its own
func (p *SNSPublisherAdapter) Close() error {
	return nil
}
