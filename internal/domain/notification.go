package domain

import (
	"fmt"
	"strings"
	"time"
)

// MaxBodyLength is the longest message body the transport accepts (segments included).
const MaxBodyLength = 1600

// DefaultSource tags records created without an explicit producer.
const DefaultSource = "CC"

// QueueState tracks the producer's request for delivery.
type QueueState struct {
	Queued   bool
	QueuedAt time.Time
}

// AcceptanceState tracks the transport's intake acknowledgment.
// Accepted never reverts to false and ExternalID never changes once set.
type AcceptanceState struct {
	Accepted   bool
	AcceptedAt *time.Time
	ExternalID *string
}

// DeliveryState tracks the final outcome reported by the transport.
// Sent never reverts to false.
type DeliveryState struct {
	Sent        bool
	SentAt      *time.Time
	FinalStatus *DeliveryStatus
}

// Notification is one outbound text message and its dispatch lifecycle.
// Transition methods return an updated copy and leave the receiver untouched.
type Notification struct {
	ID               string
	Recipient        string
	Body             string
	Source           string
	Queue            QueueState
	Acceptance       AcceptanceState
	Delivery         DeliveryState
	RetryDisposition RetryDisposition
	Notes            []Note
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewNotification builds a record queued for dispatch.
func NewNotification(id, recipient, body, source string, now time.Time) (Notification, error) {
	if strings.TrimSpace(source) == "" {
		source = DefaultSource
	}

	n := Notification{
		ID:               strings.TrimSpace(id),
		Recipient:        strings.TrimSpace(recipient),
		Body:             strings.TrimSpace(body),
		Source:           strings.TrimSpace(source),
		Queue:            QueueState{Queued: true, QueuedAt: now},
		RetryDisposition: RetryNone,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := n.Validate(); err != nil {
		return Notification{}, err
	}
	return n, nil
}

func (n Notification) Validate() error {
	if strings.TrimSpace(n.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrValidation)
	}
	if n.Recipient == "" {
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	if n.Body == "" {
		return fmt.Errorf("%w: body is required", ErrValidation)
	}
	if l := len([]rune(n.Body)); l > MaxBodyLength {
		return fmt.Errorf("%w: body exceeds %d characters (got %d)", ErrValidation, MaxBodyLength, l)
	}
	if !n.RetryDisposition.IsValid() {
		return fmt.Errorf("%w: invalid retry disposition %q", ErrValidation, n.RetryDisposition)
	}
	return nil
}

// ExternalIDValue returns the transport id or an empty string before acceptance.
func (n Notification) ExternalIDValue() string {
	if n.Acceptance.ExternalID == nil {
		return ""
	}
	return *n.Acceptance.ExternalID
}

// LastNote returns the most recent diagnostic note, if any.
func (n Notification) LastNote() (Note, bool) {
	if len(n.Notes) == 0 {
		return Note{}, false
	}
	return n.Notes[len(n.Notes)-1], true
}

// EligibleForDispatch reports whether the dispatch sweep may submit this record.
func (n Notification) EligibleForDispatch() bool {
	if !n.Queue.Queued || n.Acceptance.Accepted || n.Delivery.Sent {
		return false
	}
	if n.RetryDisposition == RetryNonRetryable {
		return false
	}
	return n.Acceptance.ExternalID == nil || n.RetryDisposition == RetryRetryable
}

// EligibleForReconciliation reports whether the reconciliation sweep should poll this record.
// Records that already carry a final failure status are not polled again.
func (n Notification) EligibleForReconciliation() bool {
	return n.Queue.Queued &&
		n.Acceptance.Accepted &&
		!n.Delivery.Sent &&
		n.ExternalIDValue() != "" &&
		n.Delivery.FinalStatus == nil
}

// Accept records the transport's acknowledgment. It is a one-way transition.
func (n Notification) Accept(externalID string, at time.Time) (Notification, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return n, fmt.Errorf("%w: external id is required for acceptance", ErrValidation)
	}
	if n.Acceptance.Accepted || n.Delivery.Sent {
		return n, fmt.Errorf("%w: notification %s already accepted", ErrInvalidTransition, n.ID)
	}

	out := n.clone()
	out.Acceptance = AcceptanceState{
		Accepted:   true,
		AcceptedAt: timePtr(at),
		ExternalID: &externalID,
	}
	out.RetryDisposition = RetryNone
	out.Notes = appendNote(out.Notes, Note{At: at, Text: "Queued to transport (accepted)"})
	out.UpdatedAt = at
	return out, nil
}

// Reject records a submission the transport did not accept.
func (n Notification) Reject(disposition RetryDisposition, reason string, at time.Time) (Notification, error) {
	if disposition != RetryRetryable && disposition != RetryNonRetryable {
		return n, fmt.Errorf("%w: rejection requires a retry classification, got %q", ErrValidation, disposition)
	}
	if n.Acceptance.Accepted || n.Delivery.Sent {
		return n, fmt.Errorf("%w: notification %s was already accepted", ErrInvalidTransition, n.ID)
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "send failed"
	}

	out := n.clone()
	out.RetryDisposition = disposition
	out.Queue.QueuedAt = at
	out.Notes = appendNote(out.Notes, Note{At: at, Tag: NoteTag(disposition), Text: reason})
	out.UpdatedAt = at
	return out, nil
}

// MarkDelivered is the single transition that sets Sent.
func (n Notification) MarkDelivered(status DeliveryStatus, at time.Time) (Notification, error) {
	if !status.IsDelivered() {
		return n, fmt.Errorf("%w: status %q is not a delivery confirmation", ErrValidation, status)
	}
	if !n.Acceptance.Accepted {
		return n, fmt.Errorf("%w: notification %s was never accepted", ErrInvalidTransition, n.ID)
	}
	if n.Delivery.Sent {
		return n, fmt.Errorf("%w: notification %s already sent", ErrInvalidTransition, n.ID)
	}

	out := n.clone()
	out.Delivery.Sent = true
	out.Delivery.SentAt = timePtr(at)
	out.Notes = appendNote(out.Notes, Note{At: at, Text: fmt.Sprintf("Delivered (%s)", status)})
	out.UpdatedAt = at
	return out, nil
}

// MarkFailedFinal records a post-acceptance terminal failure. Acceptance stays
// in place and the record is never resubmitted.
func (n Notification) MarkFailedFinal(status DeliveryStatus, errorCode, errorMessage string, at time.Time) (Notification, error) {
	if !status.IsFailedFinal() {
		return n, fmt.Errorf("%w: status %q is not a final failure", ErrValidation, status)
	}
	if !n.Acceptance.Accepted {
		return n, fmt.Errorf("%w: notification %s was never accepted", ErrInvalidTransition, n.ID)
	}
	if n.Delivery.Sent {
		return n, fmt.Errorf("%w: notification %s already sent", ErrInvalidTransition, n.ID)
	}

	text := fmt.Sprintf("post-accept: %s.", status)
	if code := strings.TrimSpace(errorCode); code != "" {
		text += " code=" + code
	}
	if msg := strings.TrimSpace(errorMessage); msg != "" {
		text += " msg=" + msg
	}

	out := n.clone()
	final := status
	out.Delivery.FinalStatus = &final
	out.RetryDisposition = RetryNonRetryable
	out.Notes = appendNote(out.Notes, Note{At: at, Tag: NoteTagNonRetryable, Text: text})
	out.UpdatedAt = at
	return out, nil
}

// WithNote appends a plain diagnostic note without touching dispatch state.
func (n Notification) WithNote(text string, at time.Time) Notification {
	out := n.clone()
	out.Notes = appendNote(out.Notes, Note{At: at, Text: strings.TrimSpace(text)})
	out.UpdatedAt = at
	return out
}

// Merge folds an incoming whole-record replacement into the stored copy.
// Monotonic fields only move forward and identity fields never change, so a
// stale or duplicate writer cannot undo acceptance or delivery.
func Merge(stored, incoming Notification) Notification {
	out := incoming.clone()

	out.ID = stored.ID
	out.Recipient = stored.Recipient
	out.Body = stored.Body
	out.Source = stored.Source
	out.CreatedAt = stored.CreatedAt

	out.Queue.Queued = stored.Queue.Queued || incoming.Queue.Queued

	out.Acceptance.Accepted = stored.Acceptance.Accepted || incoming.Acceptance.Accepted
	if stored.Acceptance.AcceptedAt != nil {
		out.Acceptance.AcceptedAt = timePtr(*stored.Acceptance.AcceptedAt)
	}
	if stored.Acceptance.ExternalID != nil {
		id := *stored.Acceptance.ExternalID
		out.Acceptance.ExternalID = &id
	}

	out.Delivery.Sent = stored.Delivery.Sent || incoming.Delivery.Sent
	if stored.Delivery.SentAt != nil {
		out.Delivery.SentAt = timePtr(*stored.Delivery.SentAt)
	}
	if stored.Delivery.FinalStatus != nil {
		final := *stored.Delivery.FinalStatus
		out.Delivery.FinalStatus = &final
	}

	return out
}

// Clone returns a deep copy that shares no pointers or note storage with n.
func (n Notification) Clone() Notification {
	return n.clone()
}

func (n Notification) clone() Notification {
	out := n
	if n.Notes != nil {
		out.Notes = make([]Note, len(n.Notes))
		copy(out.Notes, n.Notes)
	}
	if n.Acceptance.AcceptedAt != nil {
		out.Acceptance.AcceptedAt = timePtr(*n.Acceptance.AcceptedAt)
	}
	if n.Acceptance.ExternalID != nil {
		id := *n.Acceptance.ExternalID
		out.Acceptance.ExternalID = &id
	}
	if n.Delivery.SentAt != nil {
		out.Delivery.SentAt = timePtr(*n.Delivery.SentAt)
	}
	if n.Delivery.FinalStatus != nil {
		final := *n.Delivery.FinalStatus
		out.Delivery.FinalStatus = &final
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	return &t
}
