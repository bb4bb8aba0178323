package infrastructure

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis/order-saga/shared/events"
)

type fakeSNS struct {
	mu      sync.Mutex
	inputs  []*sns.PublishBatchInput
	failIDs map[string]bool
	err     error
}

func (f *fakeSNS) PublishBatch(_ context.Context, in *sns.PublishBatchInput, _ ...func(*sns.Options)) (*sns.PublishBatchOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}

	out := &sns.PublishBatchOutput{}
	for _, entry := range in.PublishBatchRequestEntries {
		if f.failIDs[aws.ToString(entry.Id)] {
			out.Failed = append(out.Failed, types.BatchResultErrorEntry{
				Id:      entry.Id,
				Message: aws.String("throttled"),
			})
		}
	}
	return out, nil
}

func sagaEvents(n int) []*events.Event {
	out := make([]*events.Event, n)
	for i := range out {
		out[i] = events.NewEvent("order-1", events.SagaCompletedEvent, map[string]string{"order_id": "order-1"}).
			WithMetadata("workflow_id", "Order-order-1-Workflow").
			WithMetadata(SQSReceiptHandleKey, "should-not-leak")
	}
	return out
}

func TestSNSEventPublisher_Batches(t *testing.T) {
	client := &fakeSNS{}
	publisher := NewSNSEventPublisher(client, "arn:aws:sns:us-east-1:000000000000:order-events", nil)

	require.NoError(t, publisher.Publish(context.Background(), sagaEvents(23)...))

	require.Len(t, client.inputs, 3)
	total := 0
	for _, in := range client.inputs {
		assert.Equal(t, "arn:aws:sns:us-east-1:000000000000:order-events", aws.ToString(in.TopicArn))
		assert.LessOrEqual(t, len(in.PublishBatchRequestEntries), maxBatchSize)
		total += len(in.PublishBatchRequestEntries)
	}
	assert.Equal(t, 23, total)

	entry := client.inputs[0].PublishBatchRequestEntries[0]
	assert.Equal(t, events.SagaCompletedEvent, aws.ToString(entry.MessageAttributes["topic"].StringValue))
	assert.Equal(t, "Order-order-1-Workflow", aws.ToString(entry.MessageAttributes["workflow_id"].StringValue))
	assert.NotContains(t, entry.MessageAttributes, SQSReceiptHandleKey)

	var msg snsMessage
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(entry.Message)), &msg))
	assert.Equal(t, "order-1", msg.AggregateID)
	assert.Equal(t, "Order-order-1-Workflow", msg.Metadata["workflow_id"])
	assert.NotContains(t, msg.Metadata, SQSReceiptHandleKey)
	assert.JSONEq(t, `{"order_id":"order-1"}`, string(msg.Payload))
}

func TestSNSEventPublisher_Failures(t *testing.T) {
	evts := sagaEvents(2)

	client := &fakeSNS{failIDs: map[string]bool{evts[1].ID.String(): true}}
	publisher := NewSNSEventPublisher(client, "arn", nil)
	err := publisher.Publish(context.Background(), evts...)
	assert.ErrorIs(t, err, ErrPartialPublish)
	assert.Contains(t, err.Error(), evts[1].ID.String())

	client = &fakeSNS{err: errors.New("unreachable")}
	publisher = NewSNSEventPublisher(client, "arn", nil)
	assert.Error(t, publisher.Publish(context.Background(), evts...))

	assert.NoError(t, publisher.Publish(context.Background()))
}

func TestSplitToChunks(t *testing.T) {
	chunks := splitToChunks([]int{1, 2, 3, 4, 5}, 2)
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, chunks)
	assert.Empty(t, splitToChunks([]int{}, 2))
}

func TestLogPublisher(t *testing.T) {
	publisher := NewLogPublisher(nil)
	assert.NoError(t, publisher.Publish(context.Background(), sagaEvents(2)...))
	assert.NoError(t, publisher.Close())
}
