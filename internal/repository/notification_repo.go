package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/delivery-notifier/internal/domain"
	"gorm.io/gorm"
)

const (
	dispatchEligibleSQL = "internally_queued AND NOT externally_accepted AND NOT sent" +
		" AND retry_disposition <> 'NON_RETRYABLE'" +
		" AND (external_id IS NULL OR retry_disposition = 'RETRYABLE')"
	reconcileEligibleSQL = "internally_queued AND externally_accepted AND NOT sent" +
		" AND external_id IS NOT NULL AND external_id <> '' AND final_status IS NULL"
	failedSQL = "NOT sent AND (final_status IS NOT NULL OR retry_disposition = 'NON_RETRYABLE')"
)

var _ NotificationRepository = (*GormNotificationRepo)(nil)

type GormNotificationRepo struct {
	db *gorm.DB
}

func NewGormNotificationRepo(db *gorm.DB) *GormNotificationRepo {
	return &GormNotificationRepo{db: db}
}

func (r *GormNotificationRepo) Insert(ctx context.Context, n *domain.Notification) error {
	model, err := notificationModelFromDomain(n)
	if err != nil {
		return fmt.Errorf("failed to map notification: %w", err)
	}
	if model == nil {
		return fmt.Errorf("%w: notification is required", domain.ErrValidation)
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: notification %s already exists", domain.ErrConflict, n.ID)
		}
		return err
	}
	return nil
}

func (r *GormNotificationRepo) InsertBatch(ctx context.Context, notifications []*domain.Notification) error {
	models := make([]NotificationModel, 0, len(notifications))
	for _, n := range notifications {
		model, err := notificationModelFromDomain(n)
		if err != nil {
			return fmt.Errorf("failed to map notification: %w", err)
		}
		if model != nil {
			models = append(models, *model)
		}
	}

	if len(models) == 0 {
		return nil
	}

	if err := r.db.WithContext(ctx).CreateInBatches(&models, 100).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %v", domain.ErrConflict, err)
		}
		return err
	}
	return nil
}

func (r *GormNotificationRepo) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	var model NotificationModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return notificationModelToDomain(&model)
}

func (r *GormNotificationRepo) FindEligibleForDispatch(ctx context.Context, limit int) ([]domain.Notification, error) {
	var models []NotificationModel
	err := r.db.WithContext(ctx).
		Where(dispatchEligibleSQL).
		Order("internally_queued_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return notificationModelsToDomain(models)
}

func (r *GormNotificationRepo) FindEligibleForReconciliation(ctx context.Context, limit int) ([]domain.Notification, error) {
	var models []NotificationModel
	err := r.db.WithContext(ctx).
		Where(reconcileEligibleSQL).
		Order("externally_accepted_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return notificationModelsToDomain(models)
}

// Update writes the mutable fields in one statement. The boolean flags are
// OR-ed and the acceptance/delivery facts are COALESCE-d with the stored
// value, so a stale working copy can never move a record backwards.
func (r *GormNotificationRepo) Update(ctx context.Context, n *domain.Notification) error {
	model, err := notificationModelFromDomain(n)
	if err != nil {
		return fmt.Errorf("failed to map notification: %w", err)
	}
	if model == nil {
		return fmt.Errorf("%w: notification is required", domain.ErrValidation)
	}

	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ?", model.ID).
		Updates(map[string]any{
			"internally_queued":      gorm.Expr("internally_queued OR ?", model.InternallyQueued),
			"internally_queued_at":   model.InternallyQueuedAt,
			"externally_accepted":    gorm.Expr("externally_accepted OR ?", model.ExternallyAccepted),
			"externally_accepted_at": gorm.Expr("COALESCE(externally_accepted_at, ?)", model.ExternallyAcceptedAt),
			"external_id":            gorm.Expr("COALESCE(external_id, ?)", model.ExternalID),
			"sent":                   gorm.Expr("sent OR ?", model.Sent),
			"sent_at":                gorm.Expr("COALESCE(sent_at, ?)", model.SentAt),
			"final_status":           gorm.Expr("COALESCE(final_status, ?)", model.FinalStatus),
			"retry_disposition":      model.RetryDisposition,
			"notes":                  model.Notes,
			"updated_at":             model.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormNotificationRepo) List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error) {
	query := r.db.WithContext(ctx).Model(&NotificationModel{})

	if params.Queued != nil {
		query = query.Where("internally_queued = ?", *params.Queued)
	}
	if params.Accepted != nil {
		query = query.Where("externally_accepted = ?", *params.Accepted)
	}
	if params.Sent != nil {
		query = query.Where("sent = ?", *params.Sent)
	}
	if params.From != nil {
		query = query.Where("created_at >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("created_at <= ?", *params.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page, pageSize := params.normalizedPage()

	var models []NotificationModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	notifications, err := notificationModelsToDomain(models)
	if err != nil {
		return nil, 0, err
	}
	return notifications, total, nil
}

type statsRow struct {
	Total              int64 `gorm:"column:total"`
	Sent               int64 `gorm:"column:sent"`
	Pending            int64 `gorm:"column:pending"`
	Failed             int64 `gorm:"column:failed"`
	Queued             int64 `gorm:"column:queued"`
	ExternallyAccepted int64 `gorm:"column:externally_accepted"`
	InternalOnly       int64 `gorm:"column:internal_only"`
}

func (r *GormNotificationRepo) Stats(ctx context.Context, filter StatsFilter) (Stats, error) {
	query := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Select(
			"COUNT(*) AS total, " +
				"COUNT(*) FILTER (WHERE sent) AS sent, " +
				"COUNT(*) FILTER (WHERE NOT sent AND internally_queued) AS pending, " +
				"COUNT(*) FILTER (WHERE " + failedSQL + ") AS failed, " +
				"COUNT(*) FILTER (WHERE internally_queued) AS queued, " +
				"COUNT(*) FILTER (WHERE internally_queued AND externally_accepted) AS externally_accepted, " +
				"COUNT(*) FILTER (WHERE internally_queued AND NOT externally_accepted) AS internal_only",
		)

	if filter.From != nil {
		query = query.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("created_at <= ?", *filter.To)
	}
	if filter.UnsentOnly {
		query = query.Where("NOT sent")
	}

	var row statsRow
	if err := query.Scan(&row).Error; err != nil {
		return Stats{}, err
	}

	return Stats{
		Total:   row.Total,
		Sent:    row.Sent,
		Pending: row.Pending,
		Failed:  row.Failed,
		Queued: QueueStats{
			Total:              row.Queued,
			ExternallyAccepted: row.ExternallyAccepted,
			InternalOnly:       row.InternalOnly,
		},
	}, nil
}

func (r *GormNotificationRepo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
