package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/medibill/pkg/log/ctxlogger"
	"github.com/smallbiznis/medibill/pkg/telemetry/correlation"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// MiddlewareConfig controls request logging behavior.
type MiddlewareConfig struct {
	Debug bool
	// ErrorClassifier returns the side at fault ("client" or "server") and
	// the error type the client was shown.
	ErrorClassifier func(err error) (string, string)
}

// quietRoutes are polled by infrastructure and only logged at debug.
var quietRoutes = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// GinMiddleware seeds the request context with a correlation id, echoes it
// back to the caller and logs one line per completed request.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		cid := requestCorrelationID(c.Request)
		c.Header(correlation.HeaderName, cid)
		c.Request = c.Request.WithContext(correlation.ContextWithCorrelationID(c.Request.Context(), cid))

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("elapsed", time.Since(start)),
			zap.Int("bytes_out", max(c.Writer.Size(), 0)),
		}

		if lastErr := c.Errors.Last(); lastErr != nil && cfg.ErrorClassifier != nil {
			side, errType := cfg.ErrorClassifier(lastErr.Err)
			fields = append(fields, zap.String("error_side", side), zap.String("error_type", errType))
			if cfg.Debug {
				fields = append(fields, zap.NamedError("cause", lastErr.Err))
			}
		}

		log := ctxlogger.FromContext(c.Request.Context())
		if ce := log.Check(requestLevel(route, status), "http_request"); ce != nil {
			ce.Write(fields...)
		}
	}
}

// requestCorrelationID honours a caller supplied id so a clinic front end can
// follow one checkout across services.
func requestCorrelationID(r *http.Request) string {
	for _, header := range []string{correlation.HeaderName, "X-Request-Id"} {
		if id := strings.TrimSpace(r.Header.Get(header)); id != "" {
			return id
		}
	}
	return ulid.Make().String()
}

func requestLevel(route string, status int) zapcore.Level {
	if _, quiet := quietRoutes[route]; quiet {
		return zapcore.DebugLevel
	}
	if status >= http.StatusInternalServerError {
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}
