package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kursadbilgin/delivery-notifier/internal/domain"
	"github.com/kursadbilgin/delivery-notifier/internal/lease"
	"github.com/kursadbilgin/delivery-notifier/internal/provider"
	"github.com/kursadbilgin/delivery-notifier/internal/ratelimit"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestDispatchSweep(t *testing.T, repo *fakeNotificationRepo, transport *fakeTransport, logger *zap.Logger) (*DispatchSweep, *lease.MemoryLocker) {
	t.Helper()

	locker := lease.NewMemoryLocker()
	sweep, err := NewDispatchSweep(repo, transport, locker, &fakeRateLimiter{}, SweepOptions{CallTimeout: time.Second}, logger)
	if err != nil {
		t.Fatalf("NewDispatchSweep() error = %v", err)
	}
	sweep.now = func() time.Time { return testNow }
	return sweep, locker
}

func TestNewDispatchSweepValidation(t *testing.T) {
	t.Parallel()

	repo := newFakeNotificationRepo()
	transport := &fakeTransport{}
	locker := lease.NewMemoryLocker()

	if _, err := NewDispatchSweep(nil, transport, locker, nil, SweepOptions{}, nil); err == nil {
		t.Fatal("expected error when repository is nil")
	}
	if _, err := NewDispatchSweep(repo, nil, locker, nil, SweepOptions{}, nil); err == nil {
		t.Fatal("expected error when transport is nil")
	}
	if _, err := NewDispatchSweep(repo, transport, nil, nil, SweepOptions{}, nil); err == nil {
		t.Fatal("expected error when locker is nil")
	}

	sweep, err := NewDispatchSweep(repo, transport, locker, nil, SweepOptions{}, nil)
	if err != nil {
		t.Fatalf("NewDispatchSweep() error = %v", err)
	}
	if sweep.opts.Limit != defaultSweepLimit || sweep.opts.CallTimeout != defaultCallTimeout || sweep.opts.LeaseTTL != defaultDispatchLeaseTTL {
		t.Fatalf("opts = %+v, want defaults", sweep.opts)
	}
}

func TestDispatchSweepAcceptsRecord(t *testing.T) {
	t.Parallel()

	repo := newFakeNotificationRepo()
	seedQueued(t, repo, "n1", "5551234567")

	transport := &fakeTransport{
		submitFn: func(ctx context.Context, recipient, body string) (*provider.SubmitResult, error) {
			if recipient != "5551234567" || body != "Hi" {
				t.Errorf("Submit(%q, %q), want 5551234567/Hi", recipient, body)
			}
			if _, ok := ctx.Deadline(); !ok {
				t.Error("submit should run under a call timeout")
			}
			return &provider.SubmitResult{Accepted: true, ExternalID: "X1"}, nil
		},
	}
	sweep, _ := newTestDispatchSweep(t, repo, transport, nil)

	report, err := sweep.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Scanned != 1 || report.Accepted != 1 {
		t.Fatalf("report = %+v, want 1 scanned and accepted", report)
	}

	got := mustGet(t, repo, "n1")
	if !got.Acceptance.Accepted || got.ExternalIDValue() != "X1" || got.Delivery.Sent {
		t.Fatalf("record = %+v, want accepted X1 and not sent", got)
	}
	if got.Acceptance.AcceptedAt == nil || !got.Acceptance.AcceptedAt.Equal(testNow) {
		t.Fatalf("AcceptedAt = %v, want %v", got.Acceptance.AcceptedAt, testNow)
	}
	if note, _ := got.LastNote(); note.Tag != domain.NoteTagStatus {
		t.Fatalf("acceptance note tag = %q, want plain", note.Tag)
	}
}

func TestDispatchSweepRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		result          provider.SubmitResult
		wantDisposition domain.RetryDisposition
		wantEligible    bool
	}{
		{
			name:            "timeout is retried",
			result:          provider.SubmitResult{ErrorCode: provider.ErrorCodeTimeout, ErrorMessage: "deadline exceeded"},
			wantDisposition: domain.RetryRetryable,
			wantEligible:    true,
		},
		{
			name:            "payment is retried",
			result:          provider.SubmitResult{ErrorCode: provider.ErrorCodePaymentRequired, HTTPStatus: 402},
			wantDisposition: domain.RetryRetryable,
			wantEligible:    true,
		},
		{
			name:            "invalid number is final",
			result:          provider.SubmitResult{ErrorCode: provider.ErrorCodeInvalidNumber, ProviderCode: "21211", ErrorMessage: "The 'To' number is not valid"},
			wantDisposition: domain.RetryNonRetryable,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			repo := newFakeNotificationRepo()
			seedQueued(t, repo, "n1", "5551234567")

			transport := &fakeTransport{
				submitFn: func(ctx context.Context, recipient, body string) (*provider.SubmitResult, error) {
					result := tt.result
					return &result, nil
				},
			}
			sweep, _ := newTestDispatchSweep(t, repo, transport, nil)

			if _, err := sweep.Run(context.Background()); err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			got := mustGet(t, repo, "n1")
			if got.Acceptance.Accepted {
				t.Fatal("rejected record must not be accepted")
			}
			if got.RetryDisposition != tt.wantDisposition {
				t.Fatalf("RetryDisposition = %s, want %s", got.RetryDisposition, tt.wantDisposition)
			}
			note, ok := got.LastNote()
			if !ok || note.Tag != domain.NoteTag(tt.wantDisposition) {
				t.Fatalf("last note = %+v, want tag %s", note, tt.wantDisposition)
			}
			if !got.Queue.QueuedAt.Equal(testNow) {
				t.Fatalf("QueuedAt = %v, want refreshed to %v", got.Queue.QueuedAt, testNow)
			}

			// The next sweep retries retryable records and leaves the rest alone.
			report, err := sweep.Run(context.Background())
			if err != nil {
				t.Fatalf("second Run() error = %v", err)
			}
			wantSubmits := 1
			if tt.wantEligible {
				wantSubmits = 2
			}
			if transport.submitCount() != wantSubmits {
				t.Fatalf("submit calls = %d, want %d (report %+v)", transport.submitCount(), wantSubmits, report)
			}
		})
	}
}

func TestDispatchSweepNeverResubmitsAcceptedRecord(t *testing.T) {
	t.Parallel()

	repo := newFakeNotificationRepo()
	seedQueued(t, repo, "n1", "5551234567")

	transport := &fakeTransport{}
	sweep, _ := newTestDispatchSweep(t, repo, transport, nil)

	for i := 0; i < 3; i++ {
		if _, err := sweep.Run(context.Background()); err != nil {
			t.Fatalf("Run() #%d error = %v", i+1, err)
		}
	}
	if transport.submitCount() != 1 {
		t.Fatalf("submit calls = %d, want 1", transport.submitCount())
	}
}

func TestDispatchSweepSkipsStaleCandidate(t *testing.T) {
	t.Parallel()

	repo := newFakeNotificationRepo()
	stale := seedQueued(t, repo, "n1", "5551234567")
	seedAccepted(t, repo, "n2", "X2")

	// The working set was read before another sweep accepted n1.
	accepted, err := stale.Accept("X1", testNow)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if err := repo.MemoryNotificationRepo.Update(context.Background(), &accepted); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	repo.findEligibleForDispatchFn = func(ctx context.Context, limit int) ([]domain.Notification, error) {
		return []domain.Notification{stale}, nil
	}

	transport := &fakeTransport{}
	sweep, _ := newTestDispatchSweep(t, repo, transport, nil)

	report, err := sweep.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Skipped != 1 || transport.submitCount() != 0 {
		t.Fatalf("report = %+v, submits = %d, want stale record skipped", report, transport.submitCount())
	}
}

func TestDispatchSweepSkipsLeasedRecord(t *testing.T) {
	t.Parallel()

	repo := newFakeNotificationRepo()
	seedQueued(t, repo, "n1", "5551234567")

	transport := &fakeTransport{}
	sweep, locker := newTestDispatchSweep(t, repo, transport, nil)

	release, ok, err := locker.Acquire(context.Background(), lease.DispatchKey("n1"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v", ok, err)
	}

	report, err := sweep.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Skipped != 1 || transport.submitCount() != 0 {
		t.Fatalf("report = %+v, submits = %d, want leased record skipped", report, transport.submitCount())
	}

	if err := release(context.Background()); err != nil {
		t.Fatalf("release() error = %v", err)
	}
	if _, err := sweep.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if transport.submitCount() != 1 {
		t.Fatalf("submit calls after release = %d, want 1", transport.submitCount())
	}
}

func TestDispatchSweepReleasesLease(t *testing.T) {
	t.Parallel()

	repo := newFakeNotificationRepo()
	seedQueued(t, repo, "n1", "5551234567")

	sweep, locker := newTestDispatchSweep(t, repo, &fakeTransport{}, nil)
	if _, err := sweep.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	_, ok, err := locker.Acquire(context.Background(), lease.DispatchKey("n1"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("lease should be free after the sweep, got ok=%v err=%v", ok, err)
	}
}

func TestDispatchSweepIsolatesRecordFailures(t *testing.T) {
	t.Parallel()

	repo := newFakeNotificationRepo()
	seedQueued(t, repo, "n1", "5551111111")
	seedQueued(t, repo, "n2", "5552222222")

	transport := &fakeTransport{
		submitFn: func(ctx context.Context, recipient, body string) (*provider.SubmitResult, error) {
			if recipient == "5551111111" {
				return nil, &provider.ProviderError{Code: provider.ErrorCodeNetwork, Message: "connection refused", Transient: true}
			}
			return &provider.SubmitResult{Accepted: true, ExternalID: "X2"}, nil
		},
	}
	core, logs := observer.New(zap.ErrorLevel)
	sweep, _ := newTestDispatchSweep(t, repo, transport, zap.New(core))

	report, err := sweep.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Errors != 1 || report.Accepted != 1 {
		t.Fatalf("report = %+v, want one error and one accepted", report)
	}

	failed := mustGet(t, repo, "n1")
	if failed.Acceptance.Accepted || failed.RetryDisposition != domain.RetryNone || len(failed.Notes) != 0 {
		t.Fatalf("record after hard error = %+v, want unchanged", failed)
	}
	if !mustGet(t, repo, "n2").Acceptance.Accepted {
		t.Fatal("second record should still be accepted")
	}
	if logs.FilterMessage("dispatch failed for notification").Len() != 1 {
		t.Fatalf("expected one per-record error log, got %d", logs.Len())
	}
}

func TestDispatchSweepLoadFailureAbortsSweep(t *testing.T) {
	t.Parallel()

	repo := newFakeNotificationRepo()
	repo.findEligibleForDispatchFn = func(ctx context.Context, limit int) ([]domain.Notification, error) {
		return nil, errors.New("connection reset")
	}

	transport := &fakeTransport{}
	sweep, _ := newTestDispatchSweep(t, repo, transport, nil)

	if _, err := sweep.Run(context.Background()); err == nil {
		t.Fatal("Run() expected error when the working set cannot be loaded")
	}
	if transport.submitCount() != 0 {
		t.Fatal("no submit should happen when the store is unreachable")
	}
}

func TestDispatchSweepLogsUnpersistedAcceptance(t *testing.T) {
	t.Parallel()

	repo := newFakeNotificationRepo()
	seedQueued(t, repo, "n1", "5551234567")
	repo.updateFn = func(ctx context.Context, n *domain.Notification) error {
		return errors.New("write timeout")
	}

	core, logs := observer.New(zap.ErrorLevel)
	sweep, _ := newTestDispatchSweep(t, repo, &fakeTransport{}, zap.New(core))

	report, err := sweep.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Errors != 1 {
		t.Fatalf("report = %+v, want one error", report)
	}

	entries := logs.FilterMessage("submitted but failed to persist acceptance").All()
	if len(entries) != 1 {
		t.Fatalf("expected the at-risk acceptance to be logged, got %d entries", len(entries))
	}
	if got := entries[0].ContextMap()["externalId"]; got != "SM-5551234567" {
		t.Fatalf("logged externalId = %v", got)
	}
}

func TestDispatchSweepUsesSubmitBucket(t *testing.T) {
	t.Parallel()

	repo := newFakeNotificationRepo()
	seedQueued(t, repo, "n1", "5551234567")

	limiter := &fakeRateLimiter{}
	sweep, err := NewDispatchSweep(repo, &fakeTransport{}, lease.NewMemoryLocker(), limiter, SweepOptions{}, nil)
	if err != nil {
		t.Fatalf("NewDispatchSweep() error = %v", err)
	}
	if _, err := sweep.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(limiter.buckets) != 1 || limiter.buckets[0] != ratelimit.BucketSubmit {
		t.Fatalf("limiter buckets = %v, want [submit]", limiter.buckets)
	}

	limiter.waitErr = context.DeadlineExceeded
	seedQueued(t, repo, "n2", "5559876543")
	report, err := sweep.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Errors != 1 || mustGet(t, repo, "n2").Acceptance.Accepted {
		t.Fatalf("report = %+v, want limiter failure to leave the record untouched", report)
	}
}

func TestDispatchSweepBoundsLimiterWaitByLease(t *testing.T) {
	t.Parallel()

	repo := newFakeNotificationRepo()
	seedQueued(t, repo, "n1", "5551234567")

	const (
		leaseTTL    = 80 * time.Millisecond
		callTimeout = 50 * time.Millisecond
	)
	limiter := &fakeRateLimiter{
		waitFn: func(ctx context.Context, bucket string) error {
			deadline, ok := ctx.Deadline()
			if !ok {
				t.Error("limiter wait should carry a deadline while the lease is held")
			} else if remaining := time.Until(deadline); remaining > leaseTTL-callTimeout {
				t.Errorf("limiter wait budget = %v, want at most %v", remaining, leaseTTL-callTimeout)
			}
			<-ctx.Done()
			return ctx.Err()
		},
	}
	transport := &fakeTransport{}
	locker := lease.NewMemoryLocker()
	sweep, err := NewDispatchSweep(repo, transport, locker, limiter, SweepOptions{LeaseTTL: leaseTTL, CallTimeout: callTimeout}, nil)
	if err != nil {
		t.Fatalf("NewDispatchSweep() error = %v", err)
	}

	report, err := sweep.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Skipped != 1 || report.Errors != 0 {
		t.Fatalf("report = %+v, want the record skipped", report)
	}
	if transport.submitCount() != 0 {
		t.Fatalf("submit calls = %d, want none after the wait budget ran out", transport.submitCount())
	}
	if got := mustGet(t, repo, "n1"); !got.EligibleForDispatch() {
		t.Fatalf("record = %+v, want it left eligible for the next sweep", got)
	}
	if _, ok, err := locker.Acquire(context.Background(), lease.DispatchKey("n1"), time.Minute); err != nil || !ok {
		t.Fatalf("lease should be released after the skipped wait, got ok=%v err=%v", ok, err)
	}
}

func TestDispatchSweepLimiterWaitBudget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts SweepOptions
		want time.Duration
	}{
		{name: "lease minus call timeout", opts: SweepOptions{LeaseTTL: 2 * time.Minute, CallTimeout: 15 * time.Second}, want: 105 * time.Second},
		{name: "call timeout covers the lease", opts: SweepOptions{LeaseTTL: 10 * time.Second, CallTimeout: 30 * time.Second}, want: 5 * time.Second},
	}

	for _, tt := range tests {
		sweep := &DispatchSweep{opts: tt.opts}
		if got := sweep.limiterWaitBudget(); got != tt.want {
			t.Fatalf("%s: budget = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestDispatchSweepStopsOnCancel(t *testing.T) {
	t.Parallel()

	repo := newFakeNotificationRepo()
	seedQueued(t, repo, "n1", "5551111111")
	seedQueued(t, repo, "n2", "5552222222")

	ctx, cancel := context.WithCancel(context.Background())
	transport := &fakeTransport{
		submitFn: func(context.Context, string, string) (*provider.SubmitResult, error) {
			cancel()
			return &provider.SubmitResult{Accepted: true, ExternalID: "X"}, nil
		},
	}
	sweep, _ := newTestDispatchSweep(t, repo, transport, nil)

	_, err := sweep.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if transport.submitCount() != 1 {
		t.Fatalf("submit calls = %d, want 1", transport.submitCount())
	}
}

func TestDispatchSweepRejectionNoteCarriesReason(t *testing.T) {
	t.Parallel()

	repo := newFakeNotificationRepo()
	seedQueued(t, repo, "n1", "5551234567")

	transport := &fakeTransport{
		submitFn: func(context.Context, string, string) (*provider.SubmitResult, error) {
			return &provider.SubmitResult{ErrorCode: provider.ErrorCodeOptedOut, ProviderCode: "21610", ErrorMessage: "Attempt to send to unsubscribed recipient"}, nil
		},
	}
	sweep, _ := newTestDispatchSweep(t, repo, transport, nil)
	if _, err := sweep.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	note, _ := mustGet(t, repo, "n1").LastNote()
	if !strings.Contains(note.Text, "unsubscribed") || !strings.Contains(note.Text, "code=21610") {
		t.Fatalf("note = %q, want provider message and code", note.Text)
	}
}
