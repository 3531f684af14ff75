// Package retry decides whether a rejected submission may be attempted again.
package retry

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/kursadbilgin/delivery-notifier/internal/domain"
	"github.com/kursadbilgin/delivery-notifier/internal/provider"
)

// Classification is the retry decision plus the human-readable reason stored in notes.
type Classification struct {
	Disposition domain.RetryDisposition
	Reason      string
}

// Text fallback for transports that do not expose structured codes. Best effort only.
var (
	timeoutPattern = regexp.MustCompile(`(?i)time[\s_-]?out|timed[\s_-]?out`)
	paymentPattern = regexp.MustCompile(`(?i)payment|insufficient[\s_-]?funds|billing`)
)

// Classify maps a non-accepted submission to RETRYABLE or NON_RETRYABLE.
// Timeout-shaped and payment-shaped failures are retryable; everything else is not.
func Classify(result provider.SubmitResult) Classification {
	message := strings.TrimSpace(result.ErrorMessage)

	switch {
	case isTimeout(result):
		return Classification{Disposition: domain.RetryRetryable, Reason: withDetail("timeout", message)}
	case isPayment(result):
		return Classification{Disposition: domain.RetryRetryable, Reason: withDetail("payment issue", message)}
	}

	reason := message
	if reason == "" {
		reason = string(result.ErrorCode)
	}
	if reason == "" {
		reason = "send failed"
	}
	if result.ProviderCode != "" {
		reason = fmt.Sprintf("%s (code=%s)", reason, result.ProviderCode)
	}
	return Classification{Disposition: domain.RetryNonRetryable, Reason: reason}
}

func isTimeout(result provider.SubmitResult) bool {
	if result.ErrorCode == provider.ErrorCodeTimeout || result.HTTPStatus == http.StatusGatewayTimeout {
		return true
	}
	if hasStructuredCode(result) {
		return false
	}
	return timeoutPattern.MatchString(result.ProviderCode) || timeoutPattern.MatchString(result.ErrorMessage)
}

func isPayment(result provider.SubmitResult) bool {
	if result.ErrorCode == provider.ErrorCodePaymentRequired || result.HTTPStatus == http.StatusPaymentRequired {
		return true
	}
	if hasStructuredCode(result) {
		return false
	}
	return paymentPattern.MatchString(result.ProviderCode) || paymentPattern.MatchString(result.ErrorMessage)
}

// A specific structured code wins over message text: "invalid_number" stays
// non-retryable even if the provider message happens to mention a timeout.
func hasStructuredCode(result provider.SubmitResult) bool {
	return result.ErrorCode != provider.ErrorCodeNone && result.ErrorCode != provider.ErrorCodeProvider
}

func withDetail(kind, message string) string {
	if message == "" {
		return kind
	}
	return fmt.Sprintf("%s (%s)", kind, message)
}
