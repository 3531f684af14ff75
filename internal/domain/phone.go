package domain

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	minPhoneDigits = 7
	maxPhoneDigits = 15
)

// NormalizePhone strips everything but digits. The result doubles as the
// de-duplication key for recipients within one intake batch.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if unicode.IsDigit(r) {
			return "", fmt.Errorf("%w: recipient %q contains non-ASCII digits", ErrValidation, raw)
		}
	}

	digits := b.String()
	if digits == "" {
		return "", fmt.Errorf("%w: recipient %q has no digits", ErrValidation, raw)
	}
	if len(digits) < minPhoneDigits || len(digits) > maxPhoneDigits {
		return "", fmt.Errorf("%w: recipient %q must have %d-%d digits", ErrValidation, raw, minPhoneDigits, maxPhoneDigits)
	}
	return digits, nil
}

// FormatE164 renders stored digits for the transport. Ten-digit national
// numbers get the default country code.
func FormatE164(digits string, defaultCountryCode string) string {
	digits = strings.TrimPrefix(strings.TrimSpace(digits), "+")
	cc := strings.TrimPrefix(strings.TrimSpace(defaultCountryCode), "+")
	if len(digits) == 10 && cc != "" {
		return "+" + cc + digits
	}
	return "+" + digits
}
