package relay

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

const (
	defaultBatch        = 16
	defaultPollInterval = time.Second
	visibilityTimeout   = 30
)

type queueReceiver interface {
	DequeueMessages(ctx context.Context, o *azqueue.DequeueMessagesOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// Worker drains the events queue into a Publisher. A message is deleted only
// after it was published, so delivery is at least once; subscribers drop the
// repeats by event id.
type Worker struct {
	queue    queueReceiver
	pub      Publisher
	log      *log.Logger
	batch    int32
	interval time.Duration
}

// NewWorker connects to the named queue.
func NewWorker(connStr, queueName string, pub Publisher, logger *log.Logger) (*Worker, error) {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, nil)
	if err != nil {
		return nil, err
	}
	return newWorker(q, pub, logger), nil
}

func newWorker(q queueReceiver, pub Publisher, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Worker{queue: q, pub: pub, log: logger, batch: defaultBatch, interval: defaultPollInterval}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("relay.worker.started")
	for {
		n, err := w.drain(ctx)
		if ctx.Err() != nil {
			w.log.Info("relay.worker.stopped")
			return nil
		}
		if err != nil {
			w.log.WithError(err).Warn("relay.worker.receive_failed")
		}
		if err != nil || n == 0 {
			select {
			case <-ctx.Done():
				w.log.Info("relay.worker.stopped")
				return nil
			case <-time.After(w.interval):
			}
		}
	}
}

// drain handles one batch and reports how many messages it received.
func (w *Worker) drain(ctx context.Context) (int, error) {
	batch := w.batch
	vis := int32(visibilityTimeout)
	resp, err := w.queue.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{NumberOfMessages: &batch, VisibilityTimeout: &vis})
	if err != nil {
		return 0, err
	}
	for _, msg := range resp.Messages {
		if msg == nil || msg.MessageID == nil || msg.PopReceipt == nil {
			continue
		}
		w.handle(ctx, msg)
	}
	return len(resp.Messages), nil
}

func (w *Worker) handle(ctx context.Context, msg *azqueue.DequeuedMessage) {
	fields := log.Fields{"message": *msg.MessageID}
	var text string
	if msg.MessageText != nil {
		text = *msg.MessageText
	}
	ev, err := domain.DecodeEvent([]byte(text))
	if err != nil || ev.BoardID == "" {
		// Poison messages would be redelivered forever.
		w.log.WithFields(fields).WithError(err).Error("relay.worker.bad_message")
		w.delete(ctx, msg)
		return
	}
	fields["event"] = ev.ID
	fields["board"] = ev.BoardID
	if err := w.pub.Publish(ctx, ev); err != nil {
		w.log.WithFields(fields).WithError(err).Warn("relay.worker.publish_failed")
		return
	}
	w.delete(ctx, msg)
	w.log.WithFields(fields).Debug("relay.worker.delivered")
}

func (w *Worker) delete(ctx context.Context, msg *azqueue.DequeuedMessage) {
	if _, err := w.queue.DeleteMessage(ctx, *msg.MessageID, *msg.PopReceipt, nil); err != nil {
		w.log.WithError(err).WithField("message", *msg.MessageID).Warn("relay.worker.delete_failed")
	}
}
