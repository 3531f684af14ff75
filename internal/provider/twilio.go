package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/delivery-notifier/internal/domain"
)

const (
	defaultTwilioBaseURL = "https://api.twilio.com"
	defaultTwilioTimeout = 15 * time.Second
	twilioAPIVersion     = "2010-04-01"
)

// TwilioConfig is the explicit configuration of the Twilio transport.
type TwilioConfig struct {
	AccountSID          string
	AuthToken           string
	FromNumber          string
	MessagingServiceSID string
	BaseURL             string
	DefaultCountryCode  string
	Timeout             time.Duration
}

func (c TwilioConfig) validate() error {
	if strings.TrimSpace(c.AccountSID) == "" {
		return fmt.Errorf("twilio account sid is required")
	}
	if strings.TrimSpace(c.AuthToken) == "" {
		return fmt.Errorf("twilio auth token is required")
	}
	if strings.TrimSpace(c.FromNumber) == "" && strings.TrimSpace(c.MessagingServiceSID) == "" {
		return fmt.Errorf("twilio from number or messaging service sid is required")
	}
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		return fmt.Errorf("invalid twilio base url: %w", err)
	}
	return nil
}

type twilioMessage struct {
	SID          string  `json:"sid"`
	Status       string  `json:"status"`
	ErrorCode    *int    `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
}

type twilioError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

// TwilioTransport talks to the Twilio Programmable Messaging REST API.
type TwilioTransport struct {
	client *resty.Client
	cfg    TwilioConfig
}

func NewTwilioTransport(cfg TwilioConfig) (*TwilioTransport, error) {
	client := resty.New()
	client.SetRetryCount(0)

	return NewTwilioTransportWithClient(cfg, client)
}

func NewTwilioTransportWithClient(cfg TwilioConfig, client *resty.Client) (*TwilioTransport, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTwilioBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTwilioTimeout
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	client.SetTimeout(cfg.Timeout)
	client.SetRetryCount(0)
	client.SetBaseURL(cfg.BaseURL)
	client.SetBasicAuth(cfg.AccountSID, cfg.AuthToken)

	return &TwilioTransport{client: client, cfg: cfg}, nil
}

func (t *TwilioTransport) messagesPath() string {
	return fmt.Sprintf("/%s/Accounts/%s/Messages", twilioAPIVersion, url.PathEscape(t.cfg.AccountSID))
}

// Submit posts one message. Provider-side rejections are returned as a
// non-accepted result; only auth, network and cancellation failures are errors.
func (t *TwilioTransport) Submit(ctx context.Context, recipient, body string) (*SubmitResult, error) {
	if t == nil || t.client == nil {
		return nil, fmt.Errorf("transport is not initialized")
	}

	form := map[string]string{
		"To":   domain.FormatE164(recipient, t.cfg.DefaultCountryCode),
		"Body": body,
	}
	if sid := strings.TrimSpace(t.cfg.MessagingServiceSID); sid != "" {
		form["MessagingServiceSid"] = sid
	} else {
		form["From"] = t.cfg.FromNumber
	}

	response, err := t.client.R().
		SetContext(ctx).
		SetFormData(form).
		Post(t.messagesPath() + ".json")
	if err != nil {
		if isTimeout(err) && !errors.Is(ctx.Err(), context.Canceled) {
			return &SubmitResult{ErrorCode: ErrorCodeTimeout, ErrorMessage: err.Error()}, nil
		}
		return nil, requestError(err)
	}

	statusCode := response.StatusCode()
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		return nil, authError(response)
	}

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		var msg twilioMessage
		if err := json.Unmarshal(response.Body(), &msg); err != nil || strings.TrimSpace(msg.SID) == "" {
			return &SubmitResult{
				ErrorCode:    ErrorCodeMalformedResponse,
				ErrorMessage: "accepted response without message sid",
				HTTPStatus:   statusCode,
			}, nil
		}
		return &SubmitResult{Accepted: true, ExternalID: msg.SID, HTTPStatus: statusCode}, nil
	}

	apiErr := decodeTwilioError(response)
	return &SubmitResult{
		ErrorCode:    mapTwilioError(apiErr.Code, statusCode),
		ProviderCode: providerCode(apiErr.Code),
		ErrorMessage: apiErr.Message,
		HTTPStatus:   statusCode,
	}, nil
}

// FetchStatus looks up the current delivery status of an accepted message.
func (t *TwilioTransport) FetchStatus(ctx context.Context, externalID string) (*StatusResult, error) {
	if t == nil || t.client == nil {
		return nil, fmt.Errorf("transport is not initialized")
	}
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, fmt.Errorf("%w: external id is required", domain.ErrValidation)
	}

	response, err := t.client.R().
		SetContext(ctx).
		Get(t.messagesPath() + "/" + url.PathEscape(externalID) + ".json")
	if err != nil {
		if isTimeout(err) && !errors.Is(ctx.Err(), context.Canceled) {
			return &StatusResult{ErrorCode: ErrorCodeTimeout, ErrorMessage: err.Error()}, nil
		}
		return nil, requestError(err)
	}

	statusCode := response.StatusCode()
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		return nil, authError(response)
	}

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		var msg twilioMessage
		if err := json.Unmarshal(response.Body(), &msg); err != nil || strings.TrimSpace(msg.Status) == "" {
			return &StatusResult{
				ErrorCode:    ErrorCodeMalformedResponse,
				ErrorMessage: "status response without message status",
				HTTPStatus:   statusCode,
			}, nil
		}

		result := &StatusResult{
			OK:         true,
			Status:     domain.ParseDeliveryStatus(msg.Status),
			HTTPStatus: statusCode,
		}
		if msg.ErrorCode != nil {
			result.ProviderCode = providerCode(*msg.ErrorCode)
		}
		if msg.ErrorMessage != nil {
			result.ErrorMessage = strings.TrimSpace(*msg.ErrorMessage)
		}
		return result, nil
	}

	apiErr := decodeTwilioError(response)
	return &StatusResult{
		ErrorCode:    mapTwilioError(apiErr.Code, statusCode),
		ProviderCode: providerCode(apiErr.Code),
		ErrorMessage: apiErr.Message,
		HTTPStatus:   statusCode,
	}, nil
}

func requestError(err error) error {
	if errors.Is(err, context.Canceled) {
		return &ProviderError{Message: "transport request canceled", Cause: err}
	}
	return &ProviderError{
		Code:      ErrorCodeNetwork,
		Message:   "transport request failed",
		Transient: true,
		Cause:     err,
	}
}

func authError(response *resty.Response) error {
	apiErr := decodeTwilioError(response)
	return &ProviderError{
		StatusCode: response.StatusCode(),
		Code:       ErrorCodeUnauthorized,
		Message:    apiErr.Message,
	}
}

func decodeTwilioError(response *resty.Response) twilioError {
	var apiErr twilioError
	body := response.Body()
	if len(body) > 0 && json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		return apiErr
	}

	apiErr.Message = strings.TrimSpace(response.String())
	if apiErr.Message == "" {
		apiErr.Message = fmt.Sprintf("transport returned status %d", response.StatusCode())
	}
	return apiErr
}

func mapTwilioError(code int, statusCode int) ErrorCode {
	switch code {
	case 21211, 21614:
		return ErrorCodeInvalidNumber
	case 21610:
		return ErrorCodeOptedOut
	case 21408:
		return ErrorCodeRegionDenied
	case 20429:
		return ErrorCodeRateLimited
	case 21602, 21617:
		return ErrorCodeInvalidBody
	case 20404:
		return ErrorCodeNotFound
	}

	switch statusCode {
	case http.StatusPaymentRequired:
		return ErrorCodePaymentRequired
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return ErrorCodeTimeout
	case http.StatusTooManyRequests:
		return ErrorCodeRateLimited
	case http.StatusNotFound:
		return ErrorCodeNotFound
	}
	return ErrorCodeProvider
}

func providerCode(code int) string {
	if code == 0 {
		return ""
	}
	return strconv.Itoa(code)
}
