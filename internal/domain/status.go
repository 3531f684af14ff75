package domain

import (
	"fmt"
	"strings"
)

// RetryDisposition is the machine-readable outcome of the last failed submission.
type RetryDisposition string

const (
	RetryNone         RetryDisposition = "NONE"
	RetryRetryable    RetryDisposition = "RETRYABLE"
	RetryNonRetryable RetryDisposition = "NON_RETRYABLE"
)

func (d RetryDisposition) String() string { return string(d) }

func (d RetryDisposition) IsValid() bool {
	switch d {
	case RetryNone, RetryRetryable, RetryNonRetryable:
		return true
	}
	return false
}

func ParseRetryDispositionFromString(s string) (RetryDisposition, error) {
	d := RetryDisposition(strings.ToUpper(strings.TrimSpace(s)))
	if d == "" {
		return RetryNone, nil
	}
	if !d.IsValid() {
		return "", fmt.Errorf("%w: invalid retry disposition %q", ErrValidation, s)
	}
	return d, nil
}

// DeliveryStatus is the delivery state reported by the transport for an accepted message.
type DeliveryStatus string

const (
	DeliveryQueued      DeliveryStatus = "queued"
	DeliveryAccepted    DeliveryStatus = "accepted"
	DeliveryScheduled   DeliveryStatus = "scheduled"
	DeliverySending     DeliveryStatus = "sending"
	DeliverySent        DeliveryStatus = "sent"
	DeliveryDelivered   DeliveryStatus = "delivered"
	DeliveryFailed      DeliveryStatus = "failed"
	DeliveryUndelivered DeliveryStatus = "undelivered"
	DeliveryCanceled    DeliveryStatus = "canceled"
)

func (s DeliveryStatus) String() string { return string(s) }

// IsDelivered reports whether the transport confirmed final delivery.
func (s DeliveryStatus) IsDelivered() bool {
	return s == DeliverySent || s == DeliveryDelivered
}

// IsFailedFinal reports whether the transport gave up on an accepted message.
func (s DeliveryStatus) IsFailedFinal() bool {
	switch s {
	case DeliveryFailed, DeliveryUndelivered, DeliveryCanceled:
		return true
	}
	return false
}

// ParseDeliveryStatus normalizes a provider status. Unknown values are kept
// as-is and treated as in-flight by callers.
func ParseDeliveryStatus(s string) DeliveryStatus {
	return DeliveryStatus(strings.ToLower(strings.TrimSpace(s)))
}
