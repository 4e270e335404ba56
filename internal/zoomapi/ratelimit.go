package zoomapi

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter caps outbound requests at R per rolling window W.
//
// The provider rejects anything above the ceiling, so the limiter is
// strictly conservative: permits are spaced evenly at W/R with no burst,
// which keeps every sliding window of width W at or under R requests at the
// cost of a little under-utilization. Excess callers block in Acquire until
// capacity frees; nothing is dropped.
type Limiter struct {
	lim *rate.Limiter
}

// NewLimiter builds a limiter allowing requests permits per window.
func NewLimiter(requests int, window time.Duration) *Limiter {
	if requests < 1 {
		requests = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &Limiter{lim: rate.NewLimiter(rate.Every(window/time.Duration(requests)), 1)}
}

// Acquire blocks until a permit is available or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.lim.Wait(ctx)
}
