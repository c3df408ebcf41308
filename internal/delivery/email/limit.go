package email

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Limited caps the rate at which messages reach the wrapped sender.
// Callers block until a token is available or ctx ends.
type Limited struct {
	next Sender
	lim  *rate.Limiter
}

// NewLimited wraps next. perSec <= 0 disables limiting.
func NewLimited(next Sender, perSec float64, burst int) *Limited {
	l := &Limited{next: next, lim: rate.NewLimiter(rate.Inf, 1)}
	l.SetRate(perSec, burst)
	return l
}

// SetRate changes the limit in place (config hot reload).
func (l *Limited) SetRate(perSec float64, burst int) {
	if burst <= 0 {
		burst = 1
	}
	if perSec <= 0 {
		l.lim.SetLimit(rate.Inf)
	} else {
		l.lim.SetLimit(rate.Limit(perSec))
	}
	l.lim.SetBurst(burst)
}

func (l *Limited) Send(ctx context.Context, msg Message) error {
	if err := l.lim.Wait(ctx); err != nil {
		return fmt.Errorf("email rate limit: %w", err)
	}
	return l.next.Send(ctx, msg)
}
