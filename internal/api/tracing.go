package api

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// withTracing opens a server span per request. Health checks and metric
// scrapes fire every few seconds and carry no request context, so they
// are served without a span.
func (s *Server) withTracing(next http.Handler) http.Handler {
	if s.tracer == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routeLabel(r.URL.Path)
		if route == "/healthz" || route == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		ctx, span := s.tracer.Start(r.Context(), r.Method+" "+route, trace.WithSpanKind(trace.SpanKindServer))
		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.String("http.target", r.URL.Path),
		}
		if userID := r.Header.Get(s.rateLimitUserIDHeader); userID != "" {
			attrs = append(attrs, attribute.String("tagflow.user_id", userID))
		}
		span.SetAttributes(attrs...)
		defer span.End()

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
