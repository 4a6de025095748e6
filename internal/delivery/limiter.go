package delivery

import (
	"time"

	"golang.org/x/time/rate"
)

// Defaults for the process-wide send rate limit.
const (
	// DefaultRatePerHour is the default number of sends allowed per hour.
	DefaultRatePerHour = 1000
	// DefaultBurst is the default token bucket burst size.
	DefaultBurst = 10
)

// NewHourlyLimiter builds a token bucket limiter from a per-hour rate. A
// perHour of zero or less disables rate limiting.
func NewHourlyLimiter(perHour, burst int) *rate.Limiter {
	if perHour <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), burst)
}
