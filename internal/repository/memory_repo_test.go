package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/delivery-notifier/internal/domain"
)

var baseTime = time.Date(2025, 12, 6, 12, 0, 0, 0, time.UTC)

func mustNotification(t *testing.T, id string, createdAt time.Time) *domain.Notification {
	t.Helper()

	n, err := domain.NewNotification(id, "5551234567", "Hi", "", createdAt)
	if err != nil {
		t.Fatalf("NewNotification() error = %v", err)
	}
	return &n
}

func seed(t *testing.T, repo *MemoryNotificationRepo, notifications ...*domain.Notification) {
	t.Helper()

	if err := repo.InsertBatch(context.Background(), notifications); err != nil {
		t.Fatalf("InsertBatch() error = %v", err)
	}
}

func TestMemoryRepoInsertConflict(t *testing.T) {
	t.Parallel()

	repo := NewMemoryNotificationRepo()
	n := mustNotification(t, "n1", baseTime)

	if err := repo.Insert(context.Background(), n); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := repo.Insert(context.Background(), n); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second Insert() error = %v, want ErrConflict", err)
	}
	if _, err := repo.GetByID(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetByID(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryRepoEligibility(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemoryNotificationRepo()

	fresh := mustNotification(t, "fresh", baseTime)

	retryable, _ := mustNotification(t, "retryable", baseTime.Add(-time.Minute)).Reject(domain.RetryRetryable, "timeout", baseTime.Add(-time.Minute))
	nonRetryable, _ := mustNotification(t, "non-retryable", baseTime).Reject(domain.RetryNonRetryable, "invalid number", baseTime)
	accepted, _ := mustNotification(t, "accepted", baseTime).Accept("X1", baseTime)
	sent, _ := accepted.MarkDelivered(domain.DeliveryDelivered, baseTime)
	sent.ID = "sent"
	failed, _ := accepted.MarkFailedFinal(domain.DeliveryUndelivered, "30003", "", baseTime)
	failed.ID = "failed"

	seed(t, repo, fresh, &retryable, &nonRetryable, &accepted, &sent, &failed)

	dispatch, err := repo.FindEligibleForDispatch(ctx, 10)
	if err != nil {
		t.Fatalf("FindEligibleForDispatch() error = %v", err)
	}
	if got := ids(dispatch); len(got) != 2 || got[0] != "retryable" || got[1] != "fresh" {
		t.Fatalf("dispatch ids = %v, want [retryable fresh] (oldest queued first)", got)
	}

	limited, _ := repo.FindEligibleForDispatch(ctx, 1)
	if len(limited) != 1 {
		t.Fatalf("limited dispatch len = %d, want 1", len(limited))
	}

	reconcile, err := repo.FindEligibleForReconciliation(ctx, 10)
	if err != nil {
		t.Fatalf("FindEligibleForReconciliation() error = %v", err)
	}
	if got := ids(reconcile); len(got) != 1 || got[0] != "accepted" {
		t.Fatalf("reconcile ids = %v, want [accepted]", got)
	}
}

func TestMemoryRepoUpdateIsMonotonic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemoryNotificationRepo()
	n := mustNotification(t, "n1", baseTime)
	seed(t, repo, n)

	stale := *n
	accepted, _ := n.Accept("X1", baseTime)
	if err := repo.Update(ctx, &accepted); err != nil {
		t.Fatalf("Update(accepted) error = %v", err)
	}

	rejected, _ := stale.Reject(domain.RetryRetryable, "timeout", baseTime.Add(time.Second))
	if err := repo.Update(ctx, &rejected); err != nil {
		t.Fatalf("Update(stale) error = %v", err)
	}

	stored, err := repo.GetByID(ctx, "n1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if !stored.Acceptance.Accepted || stored.ExternalIDValue() != "X1" {
		t.Fatalf("stale update reverted acceptance: %+v", stored.Acceptance)
	}

	missing := mustNotification(t, "missing", baseTime)
	if err := repo.Update(ctx, missing); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Update(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryRepoReturnsCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemoryNotificationRepo()
	n := mustNotification(t, "n1", baseTime)
	seed(t, repo, n)

	got, _ := repo.GetByID(ctx, "n1")
	got.Body = "changed"
	got.Queue.Queued = false

	again, _ := repo.GetByID(ctx, "n1")
	if again.Body != "Hi" || !again.Queue.Queued {
		t.Fatalf("store shares state with callers: %+v", again)
	}
}

func TestMemoryRepoListAndStats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemoryNotificationRepo()

	older := mustNotification(t, "older", baseTime.Add(-48*time.Hour))
	pending := mustNotification(t, "pending", baseTime)
	accepted, _ := mustNotification(t, "accepted", baseTime.Add(time.Minute)).Accept("X1", baseTime)
	sent, _ := accepted.MarkDelivered(domain.DeliverySent, baseTime)
	sent.ID = "sent"
	sent.Acceptance.ExternalID = nil
	dead, _ := mustNotification(t, "dead", baseTime.Add(2*time.Minute)).Reject(domain.RetryNonRetryable, "invalid", baseTime)

	seed(t, repo, older, pending, &accepted, &sent, &dead)

	notSent := false
	from := baseTime.Add(-time.Hour)
	list, total, err := repo.List(ctx, ListParams{Sent: &notSent, From: &from, PageSize: 2})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 3 {
		t.Fatalf("List() total = %d, want 3", total)
	}
	if got := ids(list); len(got) != 2 || got[0] != "dead" || got[1] != "accepted" {
		t.Fatalf("List() page ids = %v, want [dead accepted]", got)
	}

	page2, _, _ := repo.List(ctx, ListParams{Sent: &notSent, From: &from, PageSize: 2, Page: 2})
	if got := ids(page2); len(got) != 1 || got[0] != "pending" {
		t.Fatalf("List() page 2 ids = %v, want [pending]", got)
	}

	stats, err := repo.Stats(ctx, StatsFilter{From: &from})
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	want := Stats{
		Total:   4,
		Sent:    1,
		Pending: 3,
		Failed:  1,
		Queued:  QueueStats{Total: 4, ExternallyAccepted: 2, InternalOnly: 2},
	}
	if stats != want {
		t.Fatalf("Stats() = %+v, want %+v", stats, want)
	}

	unsent, _ := repo.Stats(ctx, StatsFilter{UnsentOnly: true})
	if unsent.Total != 4 || unsent.Queued.ExternallyAccepted != 1 {
		t.Fatalf("Stats(unsent) = %+v, want 4 total with 1 accepted", unsent)
	}
}

func ids(notifications []domain.Notification) []string {
	out := make([]string, 0, len(notifications))
	for _, n := range notifications {
		out = append(out, n.ID)
	}
	return out
}
