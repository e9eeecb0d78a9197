package middleware

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"PulseScout/internal/service/ratelimit"
	xhttp "PulseScout/pkg/http"
	applogger "PulseScout/pkg/logger"
)

// RateLimit rejects clients over the limiter's policy with 429, keyed by client IP.
// Limiter errors let the request through.
func RateLimit(limiter ratelimit.Limiter, retryAfterSec int, l *applogger.Logger) echo.MiddlewareFunc {
	if l == nil {
		l = applogger.Nop()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ok, err := limiter.Allow(c.Request().Context(), c.RealIP())
			if err != nil {
				l.Warn("rate limiter unavailable", applogger.Error(err))
				return next(c)
			}
			if !ok {
				if retryAfterSec > 0 {
					c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
				}
				return xhttp.AppErrorResponse(c, xhttp.TooManyRequestsError("too many requests"))
			}
			return next(c)
		}
	}
}
