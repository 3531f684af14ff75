package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/delivery-notifier/internal/domain"
	"github.com/kursadbilgin/delivery-notifier/internal/lease"
	"github.com/kursadbilgin/delivery-notifier/internal/observability"
	"github.com/kursadbilgin/delivery-notifier/internal/provider"
	"github.com/kursadbilgin/delivery-notifier/internal/ratelimit"
	"github.com/kursadbilgin/delivery-notifier/internal/repository"
	"github.com/kursadbilgin/delivery-notifier/internal/retry"
	"go.uber.org/zap"
)

// DispatchSweep submits queued, not yet accepted records to the transport.
type DispatchSweep struct {
	notifications repository.NotificationRepository
	transport     provider.Transport
	locker        lease.Locker
	rateLimiter   ratelimit.RateLimiter
	logger        *zap.Logger
	metrics       *observability.Metrics
	opts          SweepOptions
	now           func() time.Time
}

var _ Sweeper = (*DispatchSweep)(nil)

func NewDispatchSweep(
	notifications repository.NotificationRepository,
	transport provider.Transport,
	locker lease.Locker,
	rateLimiter ratelimit.RateLimiter,
	opts SweepOptions,
	logger *zap.Logger,
) (*DispatchSweep, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if locker == nil {
		return nil, fmt.Errorf("dispatch locker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DispatchSweep{
		notifications: notifications,
		transport:     transport,
		locker:        locker,
		rateLimiter:   rateLimiter,
		logger:        logger.Named("dispatch"),
		opts:          opts.withDefaults(),
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *DispatchSweep) SetMetrics(metrics *observability.Metrics) {
	s.metrics = metrics
}

// Run makes one pass over the dispatch working set. A failure to load the
// working set aborts the sweep; failures on single records are logged and
// the sweep moves on.
func (s *DispatchSweep) Run(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	started := time.Now()
	defer func() { s.metrics.ObserveSweepDuration("dispatch", time.Since(started)) }()

	logger := observability.WithContextLogger(s.logger, ctx)

	candidates, err := s.notifications.FindEligibleForDispatch(ctx, s.opts.Limit)
	if err != nil {
		return report, fmt.Errorf("failed to load dispatch candidates: %w", err)
	}
	report.Scanned = len(candidates)

	for i := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		id := candidates[i].ID
		outcome, err := s.dispatchOne(ctx, logger, id)
		if err != nil {
			logger.Error("dispatch failed for notification",
				zap.String("notificationId", id),
				zap.Error(err),
			)
		}
		report.record(outcome)
		s.metrics.IncDispatchOutcome(outcome)
	}

	logger.Info("dispatch sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("accepted", report.Accepted),
		zap.Int("retryable", report.Retryable),
		zap.Int("nonRetryable", report.NonRetryable),
		zap.Int("skipped", report.Skipped),
		zap.Int("errors", report.Errors),
	)
	return report, nil
}

// limiterWaitBudget is how long a record may queue on the submit bucket while
// its lease is held. The submit call itself still needs CallTimeout before the
// lease runs out.
func (s *DispatchSweep) limiterWaitBudget() time.Duration {
	budget := s.opts.LeaseTTL - s.opts.CallTimeout
	if budget <= 0 {
		budget = s.opts.LeaseTTL / 2
	}
	return budget
}

func (s *DispatchSweep) dispatchOne(ctx context.Context, logger *zap.Logger, id string) (string, error) {
	release, acquired, err := s.locker.Acquire(ctx, lease.DispatchKey(id), s.opts.LeaseTTL)
	if err != nil {
		return outcomeError, fmt.Errorf("failed to acquire dispatch lease: %w", err)
	}
	if !acquired {
		logger.Debug("dispatch lease held elsewhere, skipping", zap.String("notificationId", id))
		return outcomeSkipped, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to release dispatch lease",
				zap.String("notificationId", id),
				zap.Error(err),
			)
		}
	}()

	live, err := s.notifications.GetByID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeError, fmt.Errorf("failed to re-read notification: %w", err)
	}
	if !live.EligibleForDispatch() {
		logger.Debug("notification no longer eligible for dispatch", zap.String("notificationId", id))
		return outcomeSkipped, nil
	}

	if s.rateLimiter != nil {
		waitCtx, cancelWait := context.WithTimeout(ctx, s.limiterWaitBudget())
		err := s.rateLimiter.Wait(waitCtx, ratelimit.BucketSubmit)
		budgetSpent := waitCtx.Err() != nil && ctx.Err() == nil
		cancelWait()
		if err != nil {
			if budgetSpent {
				logger.Warn("rate limiter wait outlasted the dispatch lease, leaving record for next sweep",
					zap.String("notificationId", id),
				)
				return outcomeSkipped, nil
			}
			return outcomeError, fmt.Errorf("rate limiter wait failed: %w", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	callStarted := time.Now()
	result, err := s.transport.Submit(callCtx, live.Recipient, live.Body)
	s.metrics.ObserveTransportCall("submit", time.Since(callStarted))
	cancel()
	if err != nil {
		return outcomeError, fmt.Errorf("submit failed: %w", err)
	}
	if result == nil {
		return outcomeError, fmt.Errorf("submit returned no result")
	}

	now := s.now()
	if result.Accepted {
		updated, err := live.Accept(result.ExternalID, now)
		if err != nil {
			return outcomeError, fmt.Errorf("failed to record acceptance: %w", err)
		}
		if err := s.notifications.Update(ctx, &updated); err != nil {
			// The transport already took the message. Until this write lands the
			// record is still eligible and a later sweep may submit it again.
			logger.Error("submitted but failed to persist acceptance",
				zap.String("notificationId", id),
				zap.String("externalId", result.ExternalID),
				zap.Error(err),
			)
			return outcomeError, fmt.Errorf("failed to persist acceptance: %w", err)
		}
		logger.Info("notification accepted by transport",
			zap.String("notificationId", id),
			zap.String("externalId", result.ExternalID),
		)
		return outcomeAccepted, nil
	}

	classification := retry.Classify(*result)
	updated, err := live.Reject(classification.Disposition, classification.Reason, now)
	if err != nil {
		return outcomeError, fmt.Errorf("failed to record rejection: %w", err)
	}
	if err := s.notifications.Update(ctx, &updated); err != nil {
		return outcomeError, fmt.Errorf("failed to persist rejection: %w", err)
	}

	logger.Warn("notification rejected by transport",
		zap.String("notificationId", id),
		zap.String("errorCode", string(result.ErrorCode)),
		zap.String("providerCode", result.ProviderCode),
		zap.String("disposition", classification.Disposition.String()),
		zap.String("reason", classification.Reason),
	)
	if classification.Disposition == domain.RetryRetryable {
		return outcomeRetryable, nil
	}
	return outcomeNonRetryable, nil
}
