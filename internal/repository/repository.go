package repository

import (
	"context"
	"time"

	"github.com/kursadbilgin/delivery-notifier/internal/domain"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// ListParams filters the operator query surface. Nil flags are not applied.
type ListParams struct {
	Queued   *bool
	Accepted *bool
	Sent     *bool
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

func (p ListParams) normalizedPage() (page, pageSize int) {
	page = max(p.Page, 1)
	pageSize = p.PageSize
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	return page, min(pageSize, maxPageSize)
}

// StatsFilter bounds Stats by creation time. UnsentOnly restricts the counts
// to records that have not been confirmed delivered.
type StatsFilter struct {
	From       *time.Time
	To         *time.Time
	UnsentOnly bool
}

type QueueStats struct {
	Total              int64 `json:"total"`
	ExternallyAccepted int64 `json:"externallyAccepted"`
	InternalOnly       int64 `json:"internalOnly"`
}

// Stats are the aggregate counters shown next to the operator lists.
// Failed counts unsent records that will never be attempted again.
type Stats struct {
	Total   int64      `json:"total"`
	Sent    int64      `json:"sent"`
	Pending int64      `json:"pending"`
	Failed  int64      `json:"failed"`
	Queued  QueueStats `json:"queued"`
}

// NotificationRepository is the notification record store. It is the single
// source of truth for dispatch state and is shared by both sweeps and by
// producers.
type NotificationRepository interface {
	Insert(ctx context.Context, n *domain.Notification) error
	InsertBatch(ctx context.Context, notifications []*domain.Notification) error
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	FindEligibleForDispatch(ctx context.Context, limit int) ([]domain.Notification, error)
	FindEligibleForReconciliation(ctx context.Context, limit int) ([]domain.Notification, error)
	// Update replaces the record by id. Acceptance and delivery only move
	// forward regardless of what the caller passes.
	Update(ctx context.Context, n *domain.Notification) error
	List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error)
	Stats(ctx context.Context, filter StatsFilter) (Stats, error)
	Ping(ctx context.Context) error
}
