package provider

import (
	"context"

	"github.com/kursadbilgin/delivery-notifier/internal/domain"
)

// Transport is the outbound SMS delivery port.
//
// Ordinary rejections come back as results with Accepted/OK set to false. An
// error is returned only when the transport could not be asked at all.
type Transport interface {
	Submit(ctx context.Context, recipient, body string) (*SubmitResult, error)
	FetchStatus(ctx context.Context, externalID string) (*StatusResult, error)
}

// ErrorCode is the structured failure vocabulary shared by all transports.
type ErrorCode string

const (
	ErrorCodeNone              ErrorCode = ""
	ErrorCodeTimeout           ErrorCode = "timeout"
	ErrorCodePaymentRequired   ErrorCode = "payment_required"
	ErrorCodeInvalidNumber     ErrorCode = "invalid_number"
	ErrorCodeOptedOut          ErrorCode = "recipient_opted_out"
	ErrorCodeRegionDenied      ErrorCode = "region_not_permitted"
	ErrorCodeRateLimited       ErrorCode = "rate_limited"
	ErrorCodeInvalidBody       ErrorCode = "invalid_body"
	ErrorCodeNotFound          ErrorCode = "not_found"
	ErrorCodeUnauthorized      ErrorCode = "unauthorized"
	ErrorCodeMalformedResponse ErrorCode = "malformed_response"
	ErrorCodeProvider          ErrorCode = "provider_error"
	ErrorCodeNetwork           ErrorCode = "network_error"
)

func (c ErrorCode) String() string {
	return string(c)
}

// SubmitResult is the transport's answer to one submission.
type SubmitResult struct {
	Accepted     bool
	ExternalID   string
	ErrorCode    ErrorCode
	ProviderCode string
	ErrorMessage string
	HTTPStatus   int
}

// StatusResult is the transport's answer to one status lookup.
// Status, ProviderCode and ErrorMessage describe the message when OK is true
// and the lookup failure otherwise.
type StatusResult struct {
	OK           bool
	Status       domain.DeliveryStatus
	ErrorCode    ErrorCode
	ProviderCode string
	ErrorMessage string
	HTTPStatus   int
}
