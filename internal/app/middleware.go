package app

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	relay_middleware "github.com/tonkeeper/agent-relay/internal/middleware"
	"github.com/tonkeeper/agent-relay/internal/utils"
)

// ConnectionsLimitMiddleware holds a connection slot for the whole lifetime
// of a streaming request
func ConnectionsLimitMiddleware(counter *relay_middleware.ConnectionsLimiter, skipper func(c echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}
			release, err := counter.LeaseConnection(c.Request())
			if err != nil {
				return c.JSON(utils.HttpResError(err.Error(), http.StatusTooManyRequests))
			}
			defer release()
			return next(c)
		}
	}
}

// LogrusLoggerMiddleware logs every request with logrus so access logs share
// the format of the relay logs. Headers carrying credentials are never logged.
func LogrusLoggerMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			req := c.Request()
			res := c.Response()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			latency := time.Since(start)
			fields := logrus.Fields{
				"remote_ip":  c.RealIP(),
				"host":       req.Host,
				"method":     req.Method,
				"uri":        req.RequestURI,
				"status":     res.Status,
				"latency":    latency.String(),
				"latency_ms": latency.Milliseconds(),
				"bytes_in":   req.Header.Get("Content-Length"),
				"bytes_out":  res.Size,
			}
			if ua := req.UserAgent(); ua != "" {
				fields["user_agent"] = ua
			}
			if id := res.Header().Get(echo.HeaderXRequestID); id != "" {
				fields["request_id"] = id
			}

			logrus.WithFields(fields).Info()
			return nil
		}
	}
}
