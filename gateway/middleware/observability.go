package middleware

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"turingvote/observability"
)

type ObservabilityConfig struct {
	ServiceName string
	LogRequests bool
}

// Observability records request metrics and spans for every routed request.
type Observability struct {
	cfg     ObservabilityConfig
	logger  *slog.Logger
	tracer  trace.Tracer
	counter metric.Int64Counter
	metrics interface {
		Observe(route, method string, status int, duration time.Duration)
	}
}

func NewObservability(cfg ObservabilityConfig, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "tallyd"
	}
	counter, err := otel.Meter(cfg.ServiceName).Int64Counter("http.server.requests",
		metric.WithDescription("HTTP requests handled, by route and status."))
	if err != nil {
		logger.Warn("otel request counter unavailable", "error", err)
	}
	return &Observability{
		cfg:     cfg,
		logger:  logger.With("component", "gateway.http"),
		tracer:  otel.Tracer(cfg.ServiceName),
		counter: counter,
		metrics: observability.API(),
	}
}

// Middleware labels metrics with the chi route pattern once routing is done.
func (o *Observability) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := o.tracer.Start(r.Context(), r.Method+" "+r.URL.Path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
		))
		defer span.End()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r.WithContext(ctx))

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", recorder.status),
		)
		if recorder.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.status))
		}
		elapsed := time.Since(start)
		o.metrics.Observe(route, r.Method, recorder.status, elapsed)
		if o.counter != nil {
			o.counter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("http.route", route),
				attribute.Int("http.status_code", recorder.status),
			))
		}
		if o.cfg.LogRequests {
			o.logger.Info("request", "method", r.Method, "route", route, "status", recorder.status, "duration", elapsed)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	s.wroteHeader = true
	return hijacker.Hijack()
}

func (s *statusRecorder) Flush() {
	if flusher, ok := s.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
