package storage

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

const failureEnqueueTimeout = 10 * time.Second

// failureRecord is the queue message describing a failed write.
type failureRecord struct {
	Op    string    `json:"op"`
	Owner string    `json:"owner"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

type messageEnqueuer interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// FailureQueue records failed writes on an Azure Storage queue for offline
// inspection.
type FailureQueue struct {
	queue  messageEnqueuer
	logger *log.Logger
	now    func() time.Time
}

// NewFailureQueue connects to queueName using the given connection string.
func NewFailureQueue(connStr, queueName string, logger *log.Logger) (*FailureQueue, error) {
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
	qc, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return newFailureQueue(qc, logger), nil
}

func newFailureQueue(q messageEnqueuer, logger *log.Logger) *FailureQueue {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &FailureQueue{queue: q, logger: logger, now: time.Now}
}

// Report enqueues err. It runs after the originating request may have ended,
// so it detaches from the caller's cancellation.
func (f *FailureQueue) Report(ctx context.Context, op, owner string, err error) {
	if err == nil {
		return
	}
	data, mErr := sonic.Marshal(failureRecord{Op: op, Owner: owner, Error: err.Error(), At: f.now().UTC()})
	if mErr != nil {
		f.logger.WithError(mErr).Error("failed to marshal failure record")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureEnqueueTimeout)
	defer cancel()
	if _, qErr := f.queue.EnqueueMessage(ctx, string(data), nil); qErr != nil {
		f.logger.WithError(qErr).WithFields(log.Fields{"op": op, "owner": owner}).Error("failed to enqueue failure record")
	}
}
