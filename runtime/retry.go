package runtime

import (
	"fmt"
	"math"
	"time"
)

// RetryOptions controls how often a failing step is re-attempted and how long
// the engine waits between attempts. Delay is in milliseconds.
type RetryOptions struct {
	MaxAttempts   int     `json:"maxAttempts" yaml:"maxAttempts" default:"1" validate:"gte=1"`
	Delay         float64 `json:"delay" yaml:"delay" default:"0" validate:"gte=0"`
	BackoffFactor float64 `json:"backoffFactor" yaml:"backoffFactor" default:"1" validate:"gte=0"`
}

// DefaultRetryOptions returns the options a step without retry behaves with:
// a single attempt, no delay, no growth.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{MaxAttempts: 1, Delay: 0, BackoffFactor: 1}
}

// DecodeRetryOptions applies defaults, merges raw over them and validates the
// result. Values present in raw win over defaults, including explicit zeros.
func DecodeRetryOptions(raw map[string]any) (*RetryOptions, error) {
	opts := &RetryOptions{}
	if err := ApplyDefaults(opts); err != nil {
		return nil, err
	}
	if err := mapToStruct(raw, opts); err != nil {
		return nil, fmt.Errorf("invalid retry options: %w", err)
	}
	if err := validateConfig(opts); err != nil {
		return nil, err
	}
	return opts, nil
}

// Attempts returns the number of attempts the options allow, never less than one.
func (r *RetryOptions) Attempts() int {
	if r == nil || r.MaxAttempts < 1 {
		return 1
	}
	return r.MaxAttempts
}

// DelayBefore returns the wait before the given 1-based attempt:
// delay × backoffFactor^(attempt-2) for attempt ≥ 2, zero otherwise.
func (r *RetryOptions) DelayBefore(attempt int) time.Duration {
	if r == nil || attempt < 2 || r.Delay <= 0 {
		return 0
	}
	ms := r.Delay * math.Pow(r.BackoffFactor, float64(attempt-2))
	if math.IsInf(ms, 0) || math.IsNaN(ms) || ms > float64(math.MaxInt64/int64(time.Millisecond)) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ms * float64(time.Millisecond))
}
