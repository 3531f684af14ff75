package retry

import (
	"net/http"
	"testing"

	"github.com/kursadbilgin/delivery-notifier/internal/domain"
	"github.com/kursadbilgin/delivery-notifier/internal/provider"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		result     provider.SubmitResult
		want       domain.RetryDisposition
		wantReason string
	}{
		{
			name:       "structured timeout",
			result:     provider.SubmitResult{ErrorCode: provider.ErrorCodeTimeout},
			want:       domain.RetryRetryable,
			wantReason: "timeout",
		},
		{
			name:       "gateway timeout status",
			result:     provider.SubmitResult{ErrorCode: provider.ErrorCodeProvider, HTTPStatus: http.StatusGatewayTimeout, ErrorMessage: "upstream"},
			want:       domain.RetryRetryable,
			wantReason: "timeout (upstream)",
		},
		{
			name:       "structured payment",
			result:     provider.SubmitResult{ErrorCode: provider.ErrorCodePaymentRequired, ErrorMessage: "Account suspended"},
			want:       domain.RetryRetryable,
			wantReason: "payment issue (Account suspended)",
		},
		{
			name:       "payment status without code",
			result:     provider.SubmitResult{HTTPStatus: http.StatusPaymentRequired},
			want:       domain.RetryRetryable,
			wantReason: "payment issue",
		},
		{
			name:       "timeout text fallback",
			result:     provider.SubmitResult{ErrorCode: provider.ErrorCodeProvider, ErrorMessage: "Request Timed Out"},
			want:       domain.RetryRetryable,
			wantReason: "timeout (Request Timed Out)",
		},
		{
			name:       "payment text fallback",
			result:     provider.SubmitResult{ErrorMessage: "insufficient funds on account"},
			want:       domain.RetryRetryable,
			wantReason: "payment issue (insufficient funds on account)",
		},
		{
			name:       "invalid number",
			result:     provider.SubmitResult{ErrorCode: provider.ErrorCodeInvalidNumber, ProviderCode: "21211", ErrorMessage: "invalid 'To'"},
			want:       domain.RetryNonRetryable,
			wantReason: "invalid 'To' (code=21211)",
		},
		{
			name:       "structured code beats text",
			result:     provider.SubmitResult{ErrorCode: provider.ErrorCodeInvalidNumber, ErrorMessage: "lookup timed out"},
			want:       domain.RetryNonRetryable,
			wantReason: "lookup timed out",
		},
		{
			name:       "rate limited is not retried",
			result:     provider.SubmitResult{ErrorCode: provider.ErrorCodeRateLimited, HTTPStatus: http.StatusTooManyRequests},
			want:       domain.RetryNonRetryable,
			wantReason: "rate_limited",
		},
		{
			name:       "empty payload",
			result:     provider.SubmitResult{},
			want:       domain.RetryNonRetryable,
			wantReason: "send failed",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := Classify(tt.result)
			if got.Disposition != tt.want {
				t.Fatalf("Disposition = %s, want %s", got.Disposition, tt.want)
			}
			if got.Reason != tt.wantReason {
				t.Fatalf("Reason = %q, want %q", got.Reason, tt.wantReason)
			}
			if again := Classify(tt.result); again != got {
				t.Fatalf("Classify() not deterministic: %+v then %+v", got, again)
			}
		})
	}
}
