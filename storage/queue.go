package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"task-tracker/domain"
)

// ActivityQueue publishes activity envelopes to an Azure storage queue.
type ActivityQueue struct {
	queue *azqueue.QueueClient
}

// NewActivityQueue connects to the named queue.
func NewActivityQueue(connStr, queueName string) (*ActivityQueue, error) {
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   retryStatusCodes,
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &ActivityQueue{queue: q}, nil
}

func encodeActivityMessage(taskID, actor string, entries []domain.ActivityLogEntry) (string, error) {
	data, err := json.Marshal(domain.NewActivityEnvelope(taskID, actor, entries))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// PublishActivity enqueues one message carrying all entries of a single update.
func (q *ActivityQueue) PublishActivity(ctx context.Context, taskID, actor string, entries []domain.ActivityLogEntry) error {
	msg, err := encodeActivityMessage(taskID, actor, entries)
	if err != nil {
		return err
	}
	_, err = q.queue.EnqueueMessage(ctx, msg, nil)
	return err
}
