package middleware

import (
	"strconv"
	"sync"
	"time"

	applogger "PulseScout/pkg/logger"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight *prometheus.GaugeVec
	size     *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metrics     *httpMetrics
)

func loadMetrics() *httpMetrics {
	metricsOnce.Do(func() {
		metrics = &httpMetrics{
			requests: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			}, []string{"route", "method", "status"}),
			duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds, streams excluded",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			}, []string{"route", "method", "class"}),
			inFlight: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "http_in_flight_requests",
				Help: "Requests being served, open streams included",
			}, []string{"route"}),
			size: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(128, 4, 8),
			}, []string{"route", "class"}),
		}
	})
	return metrics
}

// Observe records request metrics and logs each request by route template,
// so path parameters such as secrets never reach labels or logs.
// 5xx responses are logged as errors and requests slower than slow as warnings.
func Observe(l *applogger.Logger, slow time.Duration) echo.MiddlewareFunc {
	m := loadMetrics()
	if l == nil {
		l = applogger.Nop()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			route, method := routeOf(c), c.Request().Method
			flight := m.inFlight.WithLabelValues(route)
			flight.Inc()
			defer flight.Dec()
			start := time.Now()

			err := next(c)
			if err != nil {
				// commit the error response so the status below is final
				c.Error(err)
			}

			res := c.Response()
			took := time.Since(start)
			class := statusClass(res.Status)
			m.requests.WithLabelValues(route, method, strconv.Itoa(res.Status)).Inc()
			m.size.WithLabelValues(route, class).Observe(float64(res.Size))
			stream := isStream(c)
			if !stream {
				m.duration.WithLabelValues(route, method, class).Observe(took.Seconds())
			}

			fields := []applogger.Field{
				applogger.String("method", method),
				applogger.String("route", route),
				applogger.String("remote", c.RealIP()),
				applogger.Int("status", res.Status),
				applogger.Duration("latency_ms", took),
				applogger.Int64("bytes", res.Size),
			}
			switch {
			case res.Status >= 500:
				l.Error("http request failed", append(fields, applogger.Error(err))...)
			case slow > 0 && took >= slow && !stream:
				l.Warn("http request slow", fields...)
			default:
				l.Debug("http request", fields...)
			}
			return nil
		}
	}
}

func routeOf(c echo.Context) string {
	if p := c.Path(); p != "" {
		return p
	}
	return "unmatched"
}

func isStream(c echo.Context) bool {
	return c.Response().Header().Get(echo.HeaderContentType) == "text/event-stream" ||
		c.Request().Header.Get(echo.HeaderUpgrade) != ""
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
