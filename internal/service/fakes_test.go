package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/delivery-notifier/internal/domain"
	"github.com/kursadbilgin/delivery-notifier/internal/provider"
	"github.com/kursadbilgin/delivery-notifier/internal/queue"
	"github.com/kursadbilgin/delivery-notifier/internal/repository"
)

var testNow = time.Date(2025, 12, 6, 15, 0, 0, 0, time.UTC)

// fakeNotificationRepo delegates to the in-memory store unless a func field
// overrides the call.
type fakeNotificationRepo struct {
	*repository.MemoryNotificationRepo

	insertBatchFn              func(ctx context.Context, notifications []*domain.Notification) error
	getByIDFn                  func(ctx context.Context, id string) (*domain.Notification, error)
	findEligibleForDispatchFn  func(ctx context.Context, limit int) ([]domain.Notification, error)
	findEligibleForReconcileFn func(ctx context.Context, limit int) ([]domain.Notification, error)
	updateFn                   func(ctx context.Context, n *domain.Notification) error
}

func newFakeNotificationRepo() *fakeNotificationRepo {
	return &fakeNotificationRepo{MemoryNotificationRepo: repository.NewMemoryNotificationRepo()}
}

func (f *fakeNotificationRepo) InsertBatch(ctx context.Context, notifications []*domain.Notification) error {
	if f.insertBatchFn != nil {
		return f.insertBatchFn(ctx, notifications)
	}
	return f.MemoryNotificationRepo.InsertBatch(ctx, notifications)
}

func (f *fakeNotificationRepo) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return f.MemoryNotificationRepo.GetByID(ctx, id)
}

func (f *fakeNotificationRepo) FindEligibleForDispatch(ctx context.Context, limit int) ([]domain.Notification, error) {
	if f.findEligibleForDispatchFn != nil {
		return f.findEligibleForDispatchFn(ctx, limit)
	}
	return f.MemoryNotificationRepo.FindEligibleForDispatch(ctx, limit)
}

func (f *fakeNotificationRepo) FindEligibleForReconciliation(ctx context.Context, limit int) ([]domain.Notification, error) {
	if f.findEligibleForReconcileFn != nil {
		return f.findEligibleForReconcileFn(ctx, limit)
	}
	return f.MemoryNotificationRepo.FindEligibleForReconciliation(ctx, limit)
}

func (f *fakeNotificationRepo) Update(ctx context.Context, n *domain.Notification) error {
	if f.updateFn != nil {
		return f.updateFn(ctx, n)
	}
	return f.MemoryNotificationRepo.Update(ctx, n)
}

type fakeTransport struct {
	mu            sync.Mutex
	submitFn      func(ctx context.Context, recipient, body string) (*provider.SubmitResult, error)
	fetchStatusFn func(ctx context.Context, externalID string) (*provider.StatusResult, error)
	submitted     []string
	fetched       []string
}

func (f *fakeTransport) Submit(ctx context.Context, recipient, body string) (*provider.SubmitResult, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, recipient)
	f.mu.Unlock()

	if f.submitFn != nil {
		return f.submitFn(ctx, recipient, body)
	}
	return &provider.SubmitResult{Accepted: true, ExternalID: "SM-" + recipient}, nil
}

func (f *fakeTransport) FetchStatus(ctx context.Context, externalID string) (*provider.StatusResult, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, externalID)
	f.mu.Unlock()

	if f.fetchStatusFn != nil {
		return f.fetchStatusFn(ctx, externalID)
	}
	return &provider.StatusResult{OK: true, Status: domain.DeliveryQueued}, nil
}

func (f *fakeTransport) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func (f *fakeTransport) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

type fakeRateLimiter struct {
	mu      sync.Mutex
	buckets []string
	waitErr error
	waitFn  func(ctx context.Context, bucket string) error
}

func (f *fakeRateLimiter) Allow(ctx context.Context, bucket string) (bool, error) {
	return f.waitErr == nil, f.waitErr
}

func (f *fakeRateLimiter) Wait(ctx context.Context, bucket string) error {
	f.mu.Lock()
	f.buckets = append(f.buckets, bucket)
	f.mu.Unlock()

	if f.waitFn != nil {
		return f.waitFn(ctx, bucket)
	}
	return f.waitErr
}

type fakeSweeper struct {
	runFn func(ctx context.Context) (SweepReport, error)
}

func (f *fakeSweeper) Run(ctx context.Context) (SweepReport, error) {
	if f.runFn != nil {
		return f.runFn(ctx)
	}
	return SweepReport{}, nil
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queueName string, handler queue.MessageHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

// seedQueued inserts a freshly queued record.
func seedQueued(t *testing.T, repo *fakeNotificationRepo, id, recipient string) domain.Notification {
	t.Helper()

	n, err := domain.NewNotification(id, recipient, "Hi", "", testNow.Add(-time.Hour))
	if err != nil {
		t.Fatalf("NewNotification() error = %v", err)
	}
	if err := repo.MemoryNotificationRepo.Insert(context.Background(), &n); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	return n
}

// seedAccepted inserts a record the transport has already accepted.
func seedAccepted(t *testing.T, repo *fakeNotificationRepo, id, externalID string) domain.Notification {
	t.Helper()

	n := seedQueued(t, repo, id, "5551234567")
	accepted, err := n.Accept(externalID, testNow.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if err := repo.MemoryNotificationRepo.Update(context.Background(), &accepted); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	return accepted
}

func mustGet(t *testing.T, repo *fakeNotificationRepo, id string) domain.Notification {
	t.Helper()

	n, err := repo.MemoryNotificationRepo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%s) error = %v", id, err)
	}
	return *n
}
