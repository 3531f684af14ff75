package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/delivery-notifier/internal/domain"
	"github.com/kursadbilgin/delivery-notifier/internal/observability"
	"github.com/kursadbilgin/delivery-notifier/internal/provider"
	"github.com/kursadbilgin/delivery-notifier/internal/ratelimit"
	"github.com/kursadbilgin/delivery-notifier/internal/repository"
	"go.uber.org/zap"
)

// ReconcileSweep polls the transport for the final status of accepted records.
type ReconcileSweep struct {
	notifications repository.NotificationRepository
	transport     provider.Transport
	rateLimiter   ratelimit.RateLimiter
	logger        *zap.Logger
	metrics       *observability.Metrics
	opts          SweepOptions
	now           func() time.Time
}

var _ Sweeper = (*ReconcileSweep)(nil)

func NewReconcileSweep(
	notifications repository.NotificationRepository,
	transport provider.Transport,
	rateLimiter ratelimit.RateLimiter,
	opts SweepOptions,
	logger *zap.Logger,
) (*ReconcileSweep, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ReconcileSweep{
		notifications: notifications,
		transport:     transport,
		rateLimiter:   rateLimiter,
		logger:        logger.Named("reconcile"),
		opts:          opts.withDefaults(),
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *ReconcileSweep) SetMetrics(metrics *observability.Metrics) {
	s.metrics = metrics
}

func (s *ReconcileSweep) Run(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	started := time.Now()
	defer func() { s.metrics.ObserveSweepDuration("reconcile", time.Since(started)) }()

	logger := observability.WithContextLogger(s.logger, ctx)

	candidates, err := s.notifications.FindEligibleForReconciliation(ctx, s.opts.Limit)
	if err != nil {
		return report, fmt.Errorf("failed to load reconciliation candidates: %w", err)
	}
	report.Scanned = len(candidates)

	for i := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		id := candidates[i].ID
		outcome, err := s.reconcileOne(ctx, logger, id)
		if err != nil {
			logger.Error("reconciliation failed for notification",
				zap.String("notificationId", id),
				zap.Error(err),
			)
		}
		report.record(outcome)
		s.metrics.IncReconcileOutcome(outcome)
	}

	logger.Info("reconciliation sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("delivered", report.Delivered),
		zap.Int("failedFinal", report.FailedFinal),
		zap.Int("inFlight", report.InFlight),
		zap.Int("fetchErrors", report.FetchErrors),
		zap.Int("skipped", report.Skipped),
		zap.Int("errors", report.Errors),
	)
	return report, nil
}

func (s *ReconcileSweep) reconcileOne(ctx context.Context, logger *zap.Logger, id string) (string, error) {
	live, err := s.notifications.GetByID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeError, fmt.Errorf("failed to re-read notification: %w", err)
	}
	if !live.EligibleForReconciliation() {
		return outcomeSkipped, nil
	}

	if s.rateLimiter != nil {
		if err := s.rateLimiter.Wait(ctx, ratelimit.BucketStatus); err != nil {
			return outcomeError, fmt.Errorf("rate limiter wait failed: %w", err)
		}
	}

	externalID := live.ExternalIDValue()
	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	callStarted := time.Now()
	result, err := s.transport.FetchStatus(callCtx, externalID)
	s.metrics.ObserveTransportCall("fetch_status", time.Since(callStarted))
	cancel()
	if err != nil {
		return outcomeError, fmt.Errorf("status fetch failed: %w", err)
	}
	if result == nil {
		return outcomeError, fmt.Errorf("status fetch returned no result")
	}

	now := s.now()
	var (
		updated domain.Notification
		outcome string
	)
	switch {
	case !result.OK:
		updated = live.WithNote("Status fetch error: "+describeFetchError(result), now)
		outcome = outcomeFetchError
	case result.Status.IsDelivered():
		updated, err = live.MarkDelivered(result.Status, now)
		outcome = outcomeDelivered
	case result.Status.IsFailedFinal():
		updated, err = live.MarkFailedFinal(result.Status, result.ProviderCode, result.ErrorMessage, now)
		outcome = outcomeFailedFinal
	default:
		status := result.Status.String()
		if status == "" {
			status = "unknown"
		}
		updated = live.WithNote("Still "+status, now)
		outcome = outcomeInFlight
	}
	if err != nil {
		return outcomeError, fmt.Errorf("failed to apply status %q: %w", result.Status, err)
	}

	if err := s.notifications.Update(ctx, &updated); err != nil {
		return outcomeError, fmt.Errorf("failed to persist status %q: %w", result.Status, err)
	}

	fields := []zap.Field{
		zap.String("notificationId", id),
		zap.String("externalId", externalID),
		zap.String("status", result.Status.String()),
	}
	switch outcome {
	case outcomeDelivered:
		logger.Info("notification delivered", fields...)
	case outcomeFailedFinal:
		logger.Warn("notification failed after acceptance",
			append(fields, zap.String("providerCode", result.ProviderCode), zap.String("errorMessage", result.ErrorMessage))...)
	case outcomeFetchError:
		logger.Warn("status fetch returned an error",
			append(fields, zap.String("errorCode", string(result.ErrorCode)), zap.String("errorMessage", result.ErrorMessage))...)
	default:
		logger.Debug("notification still in flight", fields...)
	}
	return outcome, nil
}

func describeFetchError(result *provider.StatusResult) string {
	parts := make([]string, 0, 3)
	if result.ErrorCode != provider.ErrorCodeNone {
		parts = append(parts, string(result.ErrorCode))
	}
	if msg := strings.TrimSpace(result.ErrorMessage); msg != "" {
		parts = append(parts, msg)
	}
	if result.ProviderCode != "" {
		parts = append(parts, "code="+result.ProviderCode)
	}
	if len(parts) == 0 {
		return "unknown error"
	}
	return strings.Join(parts, " ")
}
