package middleware

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/speakbridge/aac/internal/platform/metrics"
)

// Metrics records request latency by route template, not raw path, so ids
// do not explode label cardinality.
func Metrics(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.ObserveHTTP(c.Request().Method, route, status, time.Since(start))
			return err
		}
	}
}
