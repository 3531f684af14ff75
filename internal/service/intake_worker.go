package service

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/delivery-notifier/internal/observability"
	"github.com/kursadbilgin/delivery-notifier/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minIntakeConcurrency = 1

// IntakeWorker feeds broker intake requests into NotificationService.Enqueue.
type IntakeWorker struct {
	notifications *NotificationService
	consumer      queue.Consumer
	logger        *zap.Logger
	concurrency   int
}

func NewIntakeWorker(
	notifications *NotificationService,
	consumer queue.Consumer,
	concurrency int,
	logger *zap.Logger,
) (*IntakeWorker, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification service is required")
	}
	if consumer == nil {
		return nil, fmt.Errorf("intake consumer is required")
	}
	if concurrency < minIntakeConcurrency {
		concurrency = minIntakeConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &IntakeWorker{
		notifications: notifications,
		consumer:      consumer,
		logger:        logger.Named("intake"),
		concurrency:   concurrency,
	}, nil
}

// Start consumes the intake queue until context cancellation.
func (w *IntakeWorker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			w.logger.Info("intake worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queue.IntakeQueue),
			)

			if err := w.consumer.Consume(groupCtx, queue.IntakeQueue, w.handle); err != nil {
				w.logger.Error("intake worker stopped with error",
					zap.Int("workerId", workerID),
					zap.Error(err),
				)
				return err
			}

			w.logger.Info("intake worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

func (w *IntakeWorker) handle(ctx context.Context, msg queue.IntakeMessage) error {
	if msg.RequestID != "" {
		ctx = observability.WithCorrelationID(ctx, msg.RequestID)
	}

	result, err := w.notifications.Enqueue(ctx, EnqueueRequest{
		Message:    msg.Message,
		Recipients: msg.Recipients,
		Source:     msg.Source,
	})
	if err != nil {
		if IsValidationError(err) {
			return fmt.Errorf("%w: %v", queue.ErrDiscard, err)
		}
		return err
	}

	if len(result.Invalid) > 0 {
		observability.WithContextLogger(w.logger, ctx).Warn("intake request had invalid recipients",
			zap.Strings("invalid", result.Invalid),
		)
	}
	return nil
}
