package callback

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// StatusRanges is a set of HTTP status codes written as "429,500-599".
type StatusRanges [][2]int

// ParseStatusRanges parses a comma separated list of codes and inclusive ranges.
func ParseStatusRanges(s string) (StatusRanges, error) {
	var out StatusRanges
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		a, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("validation: bad status %q", part)
		}
		b := a
		if isRange {
			if b, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil || b < a {
				return nil, fmt.Errorf("validation: bad status range %q", part)
			}
		}
		out = append(out, [2]int{a, b})
	}
	return out, nil
}

// Has reports whether code is in the set.
func (r StatusRanges) Has(code int) bool {
	for _, rg := range r {
		if code >= rg[0] && code <= rg[1] {
			return true
		}
	}
	return false
}

// BackoffOptions bounds callback redelivery.
type BackoffOptions struct {
	Retries    int
	MinTimeout time.Duration
	MaxTimeout time.Duration
	Statuses   StatusRanges
}

// DefaultBackoffOptions returns 3 retries starting at 1s, retrying on 429 and 5xx.
func DefaultBackoffOptions() BackoffOptions {
	st, _ := ParseStatusRanges("429,500-599")
	return BackoffOptions{Retries: 3, MinTimeout: time.Second, MaxTimeout: time.Hour, Statuses: st}
}

// Delay returns the wait before redelivery number attempt+1: MinTimeout doubled attempt times, capped at MaxTimeout.
func (o BackoffOptions) Delay(attempt int) time.Duration {
	if o.MinTimeout <= 0 {
		return 0
	}
	b := retry.NewExponential(o.MinTimeout)
	if o.MaxTimeout > 0 {
		b = retry.WithCappedDuration(o.MaxTimeout, b)
	}
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}

// StatusError is a non-2xx reply from the callback owner.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("callback status %d", e.Code)
}

// Retryable reports whether err deserves another attempt. Errors without
// an HTTP status (timeouts, refused connections) are always retryable.
func (o BackoffOptions) Retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return o.Statuses.Has(se.Code)
	}
	return true
}
