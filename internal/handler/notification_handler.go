package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/delivery-notifier/internal/domain"
	"github.com/kursadbilgin/delivery-notifier/internal/observability"
	"github.com/kursadbilgin/delivery-notifier/internal/repository"
	"github.com/kursadbilgin/delivery-notifier/internal/service"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

type NotificationService interface {
	Enqueue(ctx context.Context, req service.EnqueueRequest) (*service.EnqueueResult, error)
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error)
	QueuedOverview(ctx context.Context, page, pageSize int) (*service.QueuedOverview, error)
	History(ctx context.Context, date string, page, pageSize int) (*service.History, error)
}

type NotificationHandler struct {
	service NotificationService
}

func NewNotificationHandler(service NotificationService) (*NotificationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("notification service is required")
	}
	return &NotificationHandler{service: service}, nil
}

func RegisterNotificationRoutes(router fiber.Router, service NotificationService) error {
	h, err := NewNotificationHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/notifications", h.EnqueueNotifications)
	v1.Get("/notifications", h.ListNotifications)
	v1.Get("/notifications/queued", h.QueuedNotifications)
	v1.Get("/notifications/history", h.NotificationHistory)
	v1.Get("/notifications/:id", h.GetNotification)

	return nil
}

type recipientInput struct {
	Phone string `json:"phone"`
}

type enqueueRequest struct {
	Message    string           `json:"message"`
	Recipients []recipientInput `json:"recipients"`
	Source     string           `json:"source"`
}

type externalQueueResponse struct {
	Status bool       `json:"status"`
	TS     *time.Time `json:"ts"`
}

type queueResponse struct {
	Status   bool                  `json:"status"`
	TS       time.Time             `json:"ts"`
	External externalQueueResponse `json:"external"`
}

type messageStatusResponse struct {
	Sent             bool       `json:"sent"`
	SentOn           *time.Time `json:"sentOn"`
	ExternalID       *string    `json:"externalId,omitempty"`
	FinalStatus      *string    `json:"finalStatus,omitempty"`
	RetryDisposition string     `json:"retryDisposition"`
	Notes            []string   `json:"notes"`
}

type notificationResponse struct {
	ID            string                `json:"id"`
	Recipient     string                `json:"recipient"`
	Message       string                `json:"message"`
	Source        string                `json:"source"`
	Queued        queueResponse         `json:"queued"`
	MessageStatus messageStatusResponse `json:"messageStatus"`
	CreatedAt     time.Time             `json:"createdAt"`
	UpdatedAt     time.Time             `json:"updatedAt"`
}

type listNotificationsResponse struct {
	Data []notificationResponse `json:"data"`
	Meta listMeta               `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

type queuedResponse struct {
	Count int                    `json:"count"`
	Stats repository.QueueStats  `json:"stats"`
	Data  []notificationResponse `json:"data"`
	Meta  listMeta               `json:"meta"`
}

type historyResponse struct {
	Date  string                 `json:"date"`
	Count int                    `json:"count"`
	Stats repository.Stats       `json:"stats"`
	Data  []notificationResponse `json:"data"`
	Meta  listMeta               `json:"meta"`
}

func (h *NotificationHandler) EnqueueNotifications(c *fiber.Ctx) error {
	var req enqueueRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	recipients := make([]string, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		recipients = append(recipients, r.Phone)
	}

	ctx := observability.WithCorrelationID(c.UserContext(), requestCorrelationID(c))
	result, err := h.service.Enqueue(ctx, service.EnqueueRequest{
		Message:    req.Message,
		Recipients: recipients,
		Source:     req.Source,
	})
	if err != nil {
		if errors.Is(err, service.ErrNoValidRecipients) && result != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":   err.Error(),
				"invalid": result.Invalid,
			})
		}
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(result)
}

func (h *NotificationHandler) GetNotification(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	notification, err := h.service.GetByID(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toNotificationResponse(notification))
}

func (h *NotificationHandler) ListNotifications(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	notifications, total, err := h.service.List(c.UserContext(), params)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(listNotificationsResponse{
		Data: toNotificationResponses(notifications),
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func (h *NotificationHandler) QueuedNotifications(c *fiber.Ctx) error {
	page, pageSize, err := parsePage(c)
	if err != nil {
		return toHTTPError(err)
	}

	overview, err := h.service.QueuedOverview(c.UserContext(), page, pageSize)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(queuedResponse{
		Count: len(overview.Notifications),
		Stats: overview.Stats,
		Data:  toNotificationResponses(overview.Notifications),
		Meta:  listMeta{Page: page, PageSize: pageSize, Total: overview.Total},
	})
}

func (h *NotificationHandler) NotificationHistory(c *fiber.Ctx) error {
	page, pageSize, err := parsePage(c)
	if err != nil {
		return toHTTPError(err)
	}

	history, err := h.service.History(c.UserContext(), c.Query("date"), page, pageSize)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(historyResponse{
		Date:  history.Date,
		Count: len(history.Notifications),
		Stats: history.Stats,
		Data:  toNotificationResponses(history.Notifications),
		Meta:  listMeta{Page: page, PageSize: pageSize, Total: history.Total},
	})
}

func parsePage(c *fiber.Ctx) (int, int, error) {
	page := c.QueryInt("page", defaultPage)
	pageSize := c.QueryInt("pageSize", defaultPageSize)

	if page < 1 {
		return 0, 0, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if pageSize < 1 || pageSize > maxPageSize {
		return 0, 0, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}
	return page, pageSize, nil
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	page, pageSize, err := parsePage(c)
	if err != nil {
		return repository.ListParams{}, err
	}
	params := repository.ListParams{Page: page, PageSize: pageSize}

	if params.Queued, err = parseBoolQuery(c.Query("queued"), "queued"); err != nil {
		return repository.ListParams{}, err
	}
	if params.Accepted, err = parseBoolQuery(c.Query("accepted"), "accepted"); err != nil {
		return repository.ListParams{}, err
	}
	if params.Sent, err = parseBoolQuery(c.Query("sent"), "sent"); err != nil {
		return repository.ListParams{}, err
	}

	if params.From, err = parseRFC3339Query(c.Query("from"), "from"); err != nil {
		return repository.ListParams{}, err
	}
	if params.To, err = parseRFC3339Query(c.Query("to"), "to"); err != nil {
		return repository.ListParams{}, err
	}

	return params, nil
}

func parseBoolQuery(value string, field string) (*bool, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	b, err := strconv.ParseBool(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be true or false", domain.ErrValidation, field)
	}
	return &b, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toNotificationResponses(notifications []domain.Notification) []notificationResponse {
	responses := make([]notificationResponse, 0, len(notifications))
	for _, notification := range notifications {
		n := notification
		responses = append(responses, toNotificationResponse(&n))
	}
	return responses
}

func toNotificationResponse(n *domain.Notification) notificationResponse {
	if n == nil {
		return notificationResponse{}
	}

	notes := make([]string, 0, len(n.Notes))
	for _, note := range n.Notes {
		notes = append(notes, note.String())
	}

	var finalStatus *string
	if n.Delivery.FinalStatus != nil {
		s := n.Delivery.FinalStatus.String()
		finalStatus = &s
	}

	return notificationResponse{
		ID:        n.ID,
		Recipient: n.Recipient,
		Message:   n.Body,
		Source:    n.Source,
		Queued: queueResponse{
			Status: n.Queue.Queued,
			TS:     n.Queue.QueuedAt,
			External: externalQueueResponse{
				Status: n.Acceptance.Accepted,
				TS:     n.Acceptance.AcceptedAt,
			},
		},
		MessageStatus: messageStatusResponse{
			Sent:             n.Delivery.Sent,
			SentOn:           n.Delivery.SentAt,
			ExternalID:       n.Acceptance.ExternalID,
			FinalStatus:      finalStatus,
			RetryDisposition: n.RetryDisposition.String(),
			Notes:            notes,
		},
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
