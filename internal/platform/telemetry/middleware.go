package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

// TracingMiddleware returns an Echo middleware that opens a server span per
// request. It is a pass-through when tracing is disabled.
func (p *TelemetryProvider) TracingMiddleware() echo.MiddlewareFunc {
	if p.tp == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return otelecho.Middleware(p.cfg.ServiceName, otelecho.WithTracerProvider(p.tp))
}

// MetricsMiddleware returns an Echo middleware that records HTTP server metrics
// labelled by route pattern rather than raw path.
func MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			HTTPActiveRequests.Inc()
			defer HTTPActiveRequests.Dec()

			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			HTTPRequestDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// PrometheusHandler serves the package registry in the Prometheus text format.
func PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
}
