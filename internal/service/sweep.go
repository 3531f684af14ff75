package service

import (
	"context"
	"time"
)

const (
	defaultSweepLimit       = 500
	defaultCallTimeout      = 15 * time.Second
	defaultDispatchLeaseTTL = 2 * time.Minute
)

// Per-record outcomes. They double as metric label values.
const (
	outcomeAccepted     = "accepted"
	outcomeRetryable    = "retryable"
	outcomeNonRetryable = "non_retryable"
	outcomeDelivered    = "delivered"
	outcomeFailedFinal  = "failed_final"
	outcomeInFlight     = "in_flight"
	outcomeFetchError   = "fetch_error"
	outcomeSkipped      = "skipped"
	outcomeError        = "error"
)

// Sweeper is one pass over the record store.
type Sweeper interface {
	Run(ctx context.Context) (SweepReport, error)
}

// SweepOptions bounds one sweep. Zero values fall back to defaults.
type SweepOptions struct {
	Limit       int
	CallTimeout time.Duration
	LeaseTTL    time.Duration
}

func (o SweepOptions) withDefaults() SweepOptions {
	if o.Limit <= 0 {
		o.Limit = defaultSweepLimit
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaultCallTimeout
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = defaultDispatchLeaseTTL
	}
	return o
}

// SweepReport counts per-record outcomes of one sweep.
type SweepReport struct {
	Scanned      int `json:"scanned"`
	Accepted     int `json:"accepted,omitempty"`
	Retryable    int `json:"retryable,omitempty"`
	NonRetryable int `json:"nonRetryable,omitempty"`
	Delivered    int `json:"delivered,omitempty"`
	FailedFinal  int `json:"failedFinal,omitempty"`
	InFlight     int `json:"inFlight,omitempty"`
	FetchErrors  int `json:"fetchErrors,omitempty"`
	Skipped      int `json:"skipped"`
	Errors       int `json:"errors"`
}

func (r *SweepReport) record(outcome string) {
	switch outcome {
	case outcomeAccepted:
		r.Accepted++
	case outcomeRetryable:
		r.Retryable++
	case outcomeNonRetryable:
		r.NonRetryable++
	case outcomeDelivered:
		r.Delivered++
	case outcomeFailedFinal:
		r.FailedFinal++
	case outcomeInFlight:
		r.InFlight++
	case outcomeFetchError:
		r.FetchErrors++
	case outcomeSkipped:
		r.Skipped++
	default:
		r.Errors++
	}
}
