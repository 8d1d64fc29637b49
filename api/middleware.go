package api

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hiyori-akane/diffuse-pilot/core"
	"github.com/hiyori-akane/diffuse-pilot/metrics"
)

// maxTrackedClients bounds the per-client limiter table.
const maxTrackedClients = 4096

// recoveryMiddleware turns a panicking handler into a 500 and logs it.
func recoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, recovered any) {
		logger.Error("Panic in HTTP handler",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Any("panic", recovered),
			zap.Stack("stack"))
		writeError(c, core.NewAppError(core.CodeInternal, "internal server error", nil))
	})
}

// loggingMiddleware logs every request with method, path, status and duration.
func loggingMiddleware(logger *zap.Logger, skipPaths []string) gin.HandlerFunc {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.Request.URL.Path
		if skip[path] {
			return
		}
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("size", c.Writer.Size()),
		}
		switch {
		case status >= 500:
			logger.Error("HTTP request", fields...)
		case status >= 400:
			logger.Warn("HTTP request", fields...)
		default:
			logger.Debug("HTTP request", fields...)
		}
	}
}

// metricsMiddleware records request counts and latencies by route pattern.
func metricsMiddleware(registry *metrics.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		registry.RecordHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

// clientLimiter is a token bucket per client IP. The least recently seen
// clients are evicted once maxTrackedClients is reached.
type clientLimiter struct {
	limit   rate.Limit
	burst   int
	clients *lru.Cache[string, *rate.Limiter]
}

func newClientLimiter(perSecond float64, burst int) *clientLimiter {
	if burst < 1 {
		burst = max(int(math.Ceil(perSecond*2)), 1)
	}
	clients, _ := lru.New[string, *rate.Limiter](maxTrackedClients)
	return &clientLimiter{limit: rate.Limit(perSecond), burst: burst, clients: clients}
}

func (l *clientLimiter) limiter(client string) *rate.Limiter {
	if lim, ok := l.clients.Get(client); ok {
		return lim
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	if prev, ok, _ := l.clients.PeekOrAdd(client, lim); ok {
		return prev
	}
	return lim
}

// Allow reports whether client may make a request now. When it may not, the
// returned duration is how long until it may.
func (l *clientLimiter) Allow(client string) (bool, time.Duration) {
	r := l.limiter(client).Reserve()
	if !r.OK() {
		return false, time.Second
	}
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return false, d
	}
	return true, 0
}

func (l *clientLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.Allow(c.ClientIP())
		if ok {
			c.Next()
			return
		}
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{
			Error: errorBody{Code: "RATE_LIMITED", Message: "too many requests"},
		})
	}
}
