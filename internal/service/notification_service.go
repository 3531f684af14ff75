package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-notifier/internal/domain"
	"github.com/kursadbilgin/delivery-notifier/internal/observability"
	"github.com/kursadbilgin/delivery-notifier/internal/repository"
	"go.uber.org/zap"
)

const (
	maxRecipientsPerRequest = 1000
	historyDateLayout       = "2006-01-02"
)

// ErrNoValidRecipients is returned when every recipient of a request was rejected.
var ErrNoValidRecipients = fmt.Errorf("%w: no valid recipient phones found", domain.ErrValidation)

// NotificationService is the producer-facing side: it queues new records for
// the dispatch sweep and answers operator queries.
type NotificationService struct {
	notifications repository.NotificationRepository
	logger        *zap.Logger
	metrics       *observability.Metrics
	location      *time.Location
	now           func() time.Time
	newID         func() string
}

type EnqueueRequest struct {
	Message    string
	Recipients []string
	Source     string
}

type EnqueueResult struct {
	Queued         int      `json:"queued"`
	TotalRequested int      `json:"totalRequested"`
	Invalid        []string `json:"invalid"`
	IDs            []string `json:"ids"`
	Message        string   `json:"message"`
}

type QueuedOverview struct {
	Notifications []domain.Notification
	Total         int64
	Stats         repository.QueueStats
}

type History struct {
	Date          string
	Notifications []domain.Notification
	Total         int64
	Stats         repository.Stats
}

func NewNotificationService(
	notifications repository.NotificationRepository,
	location *time.Location,
	logger *zap.Logger,
) (*NotificationService, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &NotificationService{
		notifications: notifications,
		logger:        logger,
		location:      location,
		now:           func() time.Time { return time.Now().UTC() },
		newID:         uuid.NewString,
	}, nil
}

func (s *NotificationService) SetMetrics(metrics *observability.Metrics) {
	s.metrics = metrics
}

// Enqueue creates one queued record per distinct valid recipient. Invalid
// recipients are reported back without failing the rest of the request.
func (s *NotificationService) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, fmt.Errorf("%w: message is required", domain.ErrValidation)
	}
	if len(req.Recipients) == 0 {
		return nil, fmt.Errorf("%w: recipients[] is required", domain.ErrValidation)
	}
	if len(req.Recipients) > maxRecipientsPerRequest {
		return nil, fmt.Errorf("%w: at most %d recipients per request", domain.ErrValidation, maxRecipientsPerRequest)
	}

	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = domain.DefaultSource
	}

	result := &EnqueueResult{
		TotalRequested: len(req.Recipients),
		Invalid:        make([]string, 0),
		IDs:            make([]string, 0, len(req.Recipients)),
		Message:        message,
	}

	now := s.now()
	seen := make(map[string]struct{}, len(req.Recipients))
	records := make([]*domain.Notification, 0, len(req.Recipients))
	for _, raw := range req.Recipients {
		phone, err := domain.NormalizePhone(raw)
		if err != nil {
			result.Invalid = append(result.Invalid, raw)
			continue
		}
		if _, dup := seen[phone]; dup {
			continue
		}
		seen[phone] = struct{}{}

		n, err := domain.NewNotification(s.newID(), phone, message, source, now)
		if err != nil {
			// Body problems apply to every recipient alike.
			return nil, err
		}
		records = append(records, &n)
	}

	if len(records) == 0 {
		return result, fmt.Errorf("%w (invalid: %s)", ErrNoValidRecipients, strings.Join(result.Invalid, ", "))
	}

	if err := s.notifications.InsertBatch(ctx, records); err != nil {
		return nil, fmt.Errorf("failed to queue notifications: %w", err)
	}

	for _, n := range records {
		result.IDs = append(result.IDs, n.ID)
	}
	result.Queued = len(records)
	s.metrics.AddEnqueued(source, result.Queued)

	observability.WithContextLogger(s.logger, ctx).Info("notifications queued",
		zap.String("source", source),
		zap.Int("queued", result.Queued),
		zap.Int("totalRequested", result.TotalRequested),
		zap.Int("invalid", len(result.Invalid)),
	)
	return result, nil
}

func (s *NotificationService) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}
	return s.notifications.GetByID(ctx, strings.TrimSpace(id))
}

func (s *NotificationService) List(
	ctx context.Context,
	params repository.ListParams,
) ([]domain.Notification, int64, error) {
	if params.From != nil && params.To != nil && params.From.After(*params.To) {
		return nil, 0, fmt.Errorf("%w: from must not be after to", domain.ErrValidation)
	}
	return s.notifications.List(ctx, params)
}

// QueuedOverview lists queued, unsent records newest first together with the
// split between transport-accepted and internal-only records.
func (s *NotificationService) QueuedOverview(ctx context.Context, page, pageSize int) (*QueuedOverview, error) {
	queued, unsent := true, false
	notifications, total, err := s.notifications.List(ctx, repository.ListParams{
		Queued:   &queued,
		Sent:     &unsent,
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		return nil, err
	}

	stats, err := s.notifications.Stats(ctx, repository.StatsFilter{UnsentOnly: true})
	if err != nil {
		return nil, err
	}

	return &QueuedOverview{
		Notifications: notifications,
		Total:         total,
		Stats:         stats.Queued,
	}, nil
}

// History returns the records created on one calendar day in the configured
// history time zone, with lifecycle counts for that day.
func (s *NotificationService) History(ctx context.Context, date string, page, pageSize int) (*History, error) {
	date = strings.TrimSpace(date)
	if date == "" {
		return nil, fmt.Errorf("%w: date query parameter is required (format: YYYY-MM-DD)", domain.ErrValidation)
	}
	day, err := time.ParseInLocation(historyDateLayout, date, s.location)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date format, use YYYY-MM-DD", domain.ErrValidation)
	}

	from := day
	to := day.AddDate(0, 0, 1).Add(-time.Nanosecond)

	notifications, total, err := s.notifications.List(ctx, repository.ListParams{
		From:     &from,
		To:       &to,
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		return nil, err
	}

	stats, err := s.notifications.Stats(ctx, repository.StatsFilter{From: &from, To: &to})
	if err != nil {
		return nil, err
	}

	return &History{
		Date:          date,
		Notifications: notifications,
		Total:         total,
		Stats:         stats,
	}, nil
}

// Ping reports whether the record store is reachable.
func (s *NotificationService) Ping(ctx context.Context) error {
	if err := s.notifications.Ping(ctx); err != nil {
		return fmt.Errorf("record store unreachable: %w", err)
	}
	return nil
}

// IsValidationError reports whether err stems from bad producer input.
func IsValidationError(err error) bool {
	return errors.Is(err, domain.ErrValidation)
}
