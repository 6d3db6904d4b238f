package httpmiddleware

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Instrument traces every request and records request count and duration
// metrics, labeled by method and response status.
func Instrument(operation string, tp trace.TracerProvider, mp metric.MeterProvider) Middleware {
	meter := mp.Meter("httpmiddleware")

	requests, err := meter.Int64Counter("http.server.requests",
		metric.WithDescription("Number of processed HTTP requests"))
	if err != nil {
		panic(err)
	}
	duration, err := meter.Float64Histogram("http.server.duration",
		metric.WithDescription("HTTP request handling duration"),
		metric.WithUnit("ms"))
	if err != nil {
		panic(err)
	}

	return func(next http.Handler) http.Handler {
		recorded := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			attrs := metric.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.Int("http.status_code", sw.status),
			)
			requests.Add(r.Context(), 1, attrs)
			duration.Record(r.Context(), float64(time.Since(start).Milliseconds()), attrs)

			if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
				span.SetAttributes(attribute.Int("http.status_code", sw.status))
			}
		})

		return otelhttp.NewHandler(recorded, operation,
			otelhttp.WithTracerProvider(tp),
			otelhttp.WithMeterProvider(mp),
		)
	}
}
