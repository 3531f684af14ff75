package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kursadbilgin/delivery-notifier/internal/domain"
)

var _ NotificationRepository = (*MemoryNotificationRepo)(nil)

// MemoryNotificationRepo keeps records in process memory. It backs
// STORE_DRIVER=memory and the sweep tests. Records are copied on the way in
// and out so callers never share state with the store.
type MemoryNotificationRepo struct {
	mu            sync.RWMutex
	notifications map[string]domain.Notification
}

func NewMemoryNotificationRepo() *MemoryNotificationRepo {
	return &MemoryNotificationRepo{notifications: make(map[string]domain.Notification)}
}

func (r *MemoryNotificationRepo) Insert(ctx context.Context, n *domain.Notification) error {
	if n == nil {
		return fmt.Errorf("%w: notification is required", domain.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.notifications[n.ID]; exists {
		return fmt.Errorf("%w: notification %s already exists", domain.ErrConflict, n.ID)
	}
	r.notifications[n.ID] = n.Clone()
	return nil
}

func (r *MemoryNotificationRepo) InsertBatch(ctx context.Context, notifications []*domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, n := range notifications {
		if n == nil {
			continue
		}
		if _, exists := r.notifications[n.ID]; exists {
			return fmt.Errorf("%w: notification %s already exists", domain.ErrConflict, n.ID)
		}
	}
	for _, n := range notifications {
		if n != nil {
			r.notifications[n.ID] = n.Clone()
		}
	}
	return nil
}

func (r *MemoryNotificationRepo) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, exists := r.notifications[id]
	if !exists {
		return nil, domain.ErrNotFound
	}
	out := n.Clone()
	return &out, nil
}

func (r *MemoryNotificationRepo) FindEligibleForDispatch(ctx context.Context, limit int) ([]domain.Notification, error) {
	out := r.filter(domain.Notification.EligibleForDispatch)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Queue.QueuedAt.Equal(out[j].Queue.QueuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].Queue.QueuedAt.Before(out[j].Queue.QueuedAt)
	})
	return truncate(out, limit), nil
}

func (r *MemoryNotificationRepo) FindEligibleForReconciliation(ctx context.Context, limit int) ([]domain.Notification, error) {
	out := r.filter(domain.Notification.EligibleForReconciliation)
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].Acceptance.AcceptedAt, out[j].Acceptance.AcceptedAt
		if ai == nil || aj == nil || ai.Equal(*aj) {
			return out[i].ID < out[j].ID
		}
		return ai.Before(*aj)
	})
	return truncate(out, limit), nil
}

func (r *MemoryNotificationRepo) Update(ctx context.Context, n *domain.Notification) error {
	if n == nil {
		return fmt.Errorf("%w: notification is required", domain.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, exists := r.notifications[n.ID]
	if !exists {
		return domain.ErrNotFound
	}
	r.notifications[n.ID] = domain.Merge(stored, *n)
	return nil
}

func (r *MemoryNotificationRepo) List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error) {
	matches := r.filter(func(n domain.Notification) bool {
		if params.Queued != nil && n.Queue.Queued != *params.Queued {
			return false
		}
		if params.Accepted != nil && n.Acceptance.Accepted != *params.Accepted {
			return false
		}
		if params.Sent != nil && n.Delivery.Sent != *params.Sent {
			return false
		}
		if params.From != nil && n.CreatedAt.Before(*params.From) {
			return false
		}
		if params.To != nil && n.CreatedAt.After(*params.To) {
			return false
		}
		return true
	})
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].ID > matches[j].ID
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})

	total := int64(len(matches))
	page, pageSize := params.normalizedPage()
	start := (page - 1) * pageSize
	if start >= len(matches) {
		return []domain.Notification{}, total, nil
	}
	end := min(start+pageSize, len(matches))
	return matches[start:end], total, nil
}

func (r *MemoryNotificationRepo) Stats(ctx context.Context, filter StatsFilter) (Stats, error) {
	matches := r.filter(func(n domain.Notification) bool {
		if filter.From != nil && n.CreatedAt.Before(*filter.From) {
			return false
		}
		if filter.To != nil && n.CreatedAt.After(*filter.To) {
			return false
		}
		return !filter.UnsentOnly || !n.Delivery.Sent
	})

	var stats Stats
	for _, n := range matches {
		stats.Total++
		switch {
		case n.Delivery.Sent:
			stats.Sent++
		case n.Queue.Queued:
			stats.Pending++
		}
		if isFailed(n) {
			stats.Failed++
		}
		if n.Queue.Queued {
			stats.Queued.Total++
			if n.Acceptance.Accepted {
				stats.Queued.ExternallyAccepted++
			} else {
				stats.Queued.InternalOnly++
			}
		}
	}
	return stats, nil
}

func (r *MemoryNotificationRepo) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (r *MemoryNotificationRepo) filter(keep func(domain.Notification) bool) []domain.Notification {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Notification, 0, len(r.notifications))
	for _, n := range r.notifications {
		if keep(n) {
			out = append(out, n.Clone())
		}
	}
	return out
}

func isFailed(n domain.Notification) bool {
	if n.Delivery.Sent {
		return false
	}
	return n.Delivery.FinalStatus != nil || n.RetryDisposition == domain.RetryNonRetryable
}

func truncate(notifications []domain.Notification, limit int) []domain.Notification {
	if limit > 0 && len(notifications) > limit {
		return notifications[:limit]
	}
	return notifications
}
