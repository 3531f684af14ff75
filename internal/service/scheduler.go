package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-notifier/internal/observability"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultSchedule = "@every 3m"

// CycleReport is the outcome of one dispatch-then-reconcile cycle.
type CycleReport struct {
	RunID     string      `json:"runId"`
	Dispatch  SweepReport `json:"dispatch"`
	Reconcile SweepReport `json:"reconcile"`
}

// Scheduler runs the combined cycle on a cron schedule. A tick that fires
// while the previous cycle is still running is skipped, not queued.
type Scheduler struct {
	dispatch  Sweeper
	reconcile Sweeper
	logger    *zap.Logger
	metrics   *observability.Metrics
	schedule  string
	cron      *cron.Cron
	job       cron.Job

	mu      sync.Mutex
	baseCtx context.Context
}

func NewScheduler(dispatch, reconcile Sweeper, schedule string, logger *zap.Logger) (*Scheduler, error) {
	if dispatch == nil {
		return nil, fmt.Errorf("dispatch sweep is required")
	}
	if reconcile == nil {
		return nil, fmt.Errorf("reconcile sweep is required")
	}
	if strings.TrimSpace(schedule) == "" {
		schedule = defaultSchedule
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		dispatch:  dispatch,
		reconcile: reconcile,
		logger:    logger.Named("scheduler"),
		schedule:  strings.TrimSpace(schedule),
	}

	cronLogger := skipCountingLogger{
		Logger: observability.NewCronLogger(logger),
		onSkip: func() { s.metrics.IncCycleSkipped() },
	}
	// Recover must wrap the job inside the overlap guard. The guard only hands
	// its token back when the wrapped job returns, so a panic escaping it would
	// leave every later tick skipped.
	s.job = cron.NewChain(
		cron.SkipIfStillRunning(cronLogger),
		cron.Recover(cronLogger),
	).Then(cron.FuncJob(s.tick))

	s.cron = cron.New(cron.WithLogger(cronLogger))
	if _, err := s.cron.AddJob(s.schedule, s.job); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}

	return s, nil
}

func (s *Scheduler) SetMetrics(metrics *observability.Metrics) {
	s.metrics = metrics
}

// Start runs one cycle immediately, then follows the schedule until ctx is
// canceled. It returns after the in-flight cycle, if any, has finished.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.logger.Info("sweep scheduler started", zap.String("schedule", s.schedule))

	s.job.Run()

	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()

	s.logger.Info("sweep scheduler stopped")
	return nil
}

// RunCycle runs dispatch then reconcile once. A dispatch failure does not
// prevent reconciliation; both errors are returned joined.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{RunID: uuid.NewString()}
	ctx = observability.WithRunID(ctx, report.RunID)
	logger := observability.WithContextLogger(s.logger, ctx)

	dispatchReport, dispatchErr := s.dispatch.Run(ctx)
	report.Dispatch = dispatchReport
	if dispatchErr != nil {
		if ctx.Err() != nil {
			return report, dispatchErr
		}
		logger.Error("dispatch sweep failed", zap.Error(dispatchErr))
	}

	reconcileReport, reconcileErr := s.reconcile.Run(ctx)
	report.Reconcile = reconcileReport
	if reconcileErr != nil && ctx.Err() == nil {
		logger.Error("reconciliation sweep failed", zap.Error(reconcileErr))
	}

	logger.Info("sweep cycle finished",
		zap.Int("dispatchScanned", report.Dispatch.Scanned),
		zap.Int("accepted", report.Dispatch.Accepted),
		zap.Int("reconcileScanned", report.Reconcile.Scanned),
		zap.Int("delivered", report.Reconcile.Delivered),
	)
	return report, errors.Join(dispatchErr, reconcileErr)
}

func (s *Scheduler) tick() {
	ctx := s.context()
	if ctx.Err() != nil {
		return
	}
	_, _ = s.RunCycle(ctx)
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx == nil {
		return context.Background()
	}
	return s.baseCtx
}

// skipCountingLogger counts the overlap skips SkipIfStillRunning reports.
type skipCountingLogger struct {
	cron.Logger
	onSkip func()
}

func (l skipCountingLogger) Info(msg string, keysAndValues ...interface{}) {
	if msg == "skip" && l.onSkip != nil {
		l.onSkip()
	}
	l.Logger.Info(msg, keysAndValues...)
}
