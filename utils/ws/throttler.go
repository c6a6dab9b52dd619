package ws

import (
	"time"

	"golang.org/x/time/rate"
)

// SendBurst determines the number of commands that can be sent all at once
// before being throttled.
var SendBurst = 5

// NewSendLimiter returns a rate limiter for throttling gateway commands.
func NewSendLimiter() *rate.Limiter {
	const perMinute = 120
	return rate.NewLimiter(
		rate.Every(time.Minute/(perMinute-time.Duration(SendBurst))),
		SendBurst,
	)
}

// NewDialLimiter returns a rate limiter for throttling new gateway
// connections. Voice servers allow a few quick redials for region migration.
func NewDialLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Second), 3)
}
