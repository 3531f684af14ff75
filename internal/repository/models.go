package repository

import (
	"encoding/json"
	"time"

	"github.com/kursadbilgin/delivery-notifier/internal/domain"
	"gorm.io/datatypes"
)

// NotificationModel is the persistence model for the notifications table.
type NotificationModel struct {
	ID                   string                  `gorm:"type:uuid;primaryKey"`
	Recipient            string                  `gorm:"type:varchar(32);not null"`
	Body                 string                  `gorm:"type:text;not null"`
	Source               string                  `gorm:"type:varchar(32);not null"`
	InternallyQueued     bool                    `gorm:"not null;default:true"`
	InternallyQueuedAt   time.Time               `gorm:"type:timestamptz;not null"`
	ExternallyAccepted   bool                    `gorm:"not null;default:false"`
	ExternallyAcceptedAt *time.Time              `gorm:"type:timestamptz"`
	ExternalID           *string                 `gorm:"type:varchar(64)"`
	Sent                 bool                    `gorm:"not null;default:false"`
	SentAt               *time.Time              `gorm:"type:timestamptz"`
	FinalStatus          *string                 `gorm:"type:varchar(20)"`
	RetryDisposition     domain.RetryDisposition `gorm:"type:varchar(20);not null;default:'NONE'"`
	Notes                datatypes.JSON          `gorm:"type:jsonb;not null;default:'[]'"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (NotificationModel) TableName() string {
	return "notifications"
}

func notificationModelFromDomain(n *domain.Notification) (*NotificationModel, error) {
	if n == nil {
		return nil, nil
	}

	notes := n.Notes
	if notes == nil {
		notes = []domain.Note{}
	}
	rawNotes, err := json.Marshal(notes)
	if err != nil {
		return nil, err
	}

	var finalStatus *string
	if n.Delivery.FinalStatus != nil {
		s := n.Delivery.FinalStatus.String()
		finalStatus = &s
	}

	return &NotificationModel{
		ID:                   n.ID,
		Recipient:            n.Recipient,
		Body:                 n.Body,
		Source:               n.Source,
		InternallyQueued:     n.Queue.Queued,
		InternallyQueuedAt:   n.Queue.QueuedAt,
		ExternallyAccepted:   n.Acceptance.Accepted,
		ExternallyAcceptedAt: n.Acceptance.AcceptedAt,
		ExternalID:           n.Acceptance.ExternalID,
		Sent:                 n.Delivery.Sent,
		SentAt:               n.Delivery.SentAt,
		FinalStatus:          finalStatus,
		RetryDisposition:     n.RetryDisposition,
		Notes:                datatypes.JSON(rawNotes),
		CreatedAt:            n.CreatedAt,
		UpdatedAt:            n.UpdatedAt,
	}, nil
}

func notificationModelToDomain(m *NotificationModel) (*domain.Notification, error) {
	if m == nil {
		return nil, nil
	}

	var notes []domain.Note
	if len(m.Notes) > 0 {
		if err := json.Unmarshal(m.Notes, &notes); err != nil {
			return nil, err
		}
	}

	var finalStatus *domain.DeliveryStatus
	if m.FinalStatus != nil {
		s := domain.ParseDeliveryStatus(*m.FinalStatus)
		finalStatus = &s
	}

	disposition := m.RetryDisposition
	if disposition == "" {
		disposition = domain.RetryNone
	}

	return &domain.Notification{
		ID:        m.ID,
		Recipient: m.Recipient,
		Body:      m.Body,
		Source:    m.Source,
		Queue: domain.QueueState{
			Queued:   m.InternallyQueued,
			QueuedAt: m.InternallyQueuedAt,
		},
		Acceptance: domain.AcceptanceState{
			Accepted:   m.ExternallyAccepted,
			AcceptedAt: m.ExternallyAcceptedAt,
			ExternalID: m.ExternalID,
		},
		Delivery: domain.DeliveryState{
			Sent:        m.Sent,
			SentAt:      m.SentAt,
			FinalStatus: finalStatus,
		},
		RetryDisposition: disposition,
		Notes:            notes,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}, nil
}

func notificationModelsToDomain(models []NotificationModel) ([]domain.Notification, error) {
	notifications := make([]domain.Notification, 0, len(models))
	for i := range models {
		n, err := notificationModelToDomain(&models[i])
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, *n)
	}
	return notifications, nil
}
