package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sits-bridge-api/internal/models"
	"github.com/noah-isme/sits-bridge-api/pkg/config"
	"github.com/noah-isme/sits-bridge-api/pkg/queue"
)

// QueueHandler processes one raw message body into log rows. A non-nil
// error means at least one row failed and the message must stay on the
// queue for redelivery.
type QueueHandler interface {
	Handle(ctx context.Context, body string) ([]models.ProcessingLog, error)
}

// ProcessingLogStore records queue message outcomes and answers dedup checks.
type ProcessingLogStore interface {
	HasProcessed(ctx context.Context, messageID string) (bool, error)
	Insert(ctx context.Context, log *models.ProcessingLog) error
}

// ConsumerSource pairs a queue with its message handler.
type ConsumerSource struct {
	Receiver queue.Receiver
	Handler  QueueHandler
}

// ConsumerService drains the accommodation queues within hard ceilings on
// batches, messages and wall-clock time, so one run can never monopolise the
// worker. Message failures are logged and left on the queue; they never
// abort the rest of the batch. A failed receive ends the run with an error
// so the scheduler can alert.
type ConsumerService struct {
	sources []ConsumerSource
	plog    ProcessingLogStore
	metrics *MetricsService
	cfg     config.QueueConfig
	logger  *zap.Logger
}

// NewConsumerService constructs the consumer.
func NewConsumerService(sources []ConsumerSource, plog ProcessingLogStore, metrics *MetricsService, cfg config.QueueConfig, logger *zap.Logger) *ConsumerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsumerService{sources: sources, plog: plog, metrics: metrics, cfg: cfg, logger: logger}
}

// Execute performs one bounded consumption run across every source.
func (s *ConsumerService) Execute(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.MaxRunTime)
	processed := 0

	for _, source := range s.sources {
		var err error
		processed, err = s.drain(ctx, source, processed, deadline)
		if err != nil {
			return err
		}
		if processed >= s.cfg.MaxMessages || time.Now().After(deadline) {
			s.logger.Info("consumer run ceiling reached",
				zap.Int("messages", processed))
			break
		}
	}
	return nil
}

func (s *ConsumerService) drain(ctx context.Context, source ConsumerSource, processed int, deadline time.Time) (int, error) {
	name := source.Receiver.Name()

	for batch := 0; batch < s.cfg.MaxBatches; batch++ {
		if processed >= s.cfg.MaxMessages || time.Now().After(deadline) {
			return processed, nil
		}
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		start := time.Now()
		messages, err := source.Receiver.Receive(ctx, s.cfg.MaxReceive, s.cfg.VisibilityTimeout, s.cfg.WaitTime)
		if err != nil {
			return processed, fmt.Errorf("receive from %s: %w", name, err)
		}
		if len(messages) == 0 {
			return processed, nil
		}

		for _, msg := range messages {
			processed++
			s.handleMessage(ctx, source, name, msg)
			if processed >= s.cfg.MaxMessages {
				break
			}
		}
		if s.metrics != nil {
			s.metrics.ObserveQueueBatch(time.Since(start))
		}
	}
	return processed, nil
}

func (s *ConsumerService) handleMessage(ctx context.Context, source ConsumerSource, name string, msg queue.Message) {
	duplicate, err := s.plog.HasProcessed(ctx, msg.ID)
	if err != nil {
		s.logger.Error("dedup check failed", zap.String("queue", name), zap.String("message", msg.ID), zap.Error(err))
		return
	}
	if duplicate {
		s.logger.Info("skipping already-processed message",
			zap.String("queue", name), zap.String("message", msg.ID))
		if s.metrics != nil {
			s.metrics.RecordQueueMessage(name, "duplicate")
		}
		s.deleteMessage(ctx, source, name, msg)
		return
	}

	rows, handleErr := source.Handler.Handle(ctx, msg.Body)
	for i := range rows {
		rows[i].MessageID = msg.ID
		rows[i].QueueName = name
		if err := s.plog.Insert(ctx, &rows[i]); err != nil {
			s.logger.Error("processing log write failed",
				zap.String("queue", name), zap.String("message", msg.ID), zap.Error(err))
		}
		if s.metrics != nil {
			s.metrics.RecordQueueMessage(name, rows[i].Status)
		}
	}

	if handleErr != nil {
		// Leave the message in flight; the visibility timeout returns it.
		s.logger.Warn("message processing failed, leaving on queue",
			zap.String("queue", name), zap.String("message", msg.ID), zap.Error(handleErr))
		return
	}
	s.deleteMessage(ctx, source, name, msg)
}

func (s *ConsumerService) deleteMessage(ctx context.Context, source ConsumerSource, name string, msg queue.Message) {
	if err := source.Receiver.Delete(ctx, msg.ReceiptHandle); err != nil {
		s.logger.Error("queue delete failed",
			zap.String("queue", name), zap.String("message", msg.ID), zap.Error(err))
	}
}
