package rest

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davidleathers/nellis-auction-tracker/internal/domain/errors"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/telemetry"
)

// Middleware wraps an http.Handler with one concern.
type Middleware func(http.Handler) http.Handler

// chain applies middlewares so the first listed runs outermost.
func chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// statusWriter captures the response code for the request log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", clientIP(r)),
		}
		// Scrape and probe traffic stays out of the main log stream.
		if r.URL.Path == "/metrics" || r.URL.Path == "/health" {
			s.logger.Debug("request", fields...)
			return
		}
		s.logger.Info("request", fields...)
	})
}

// traceRequests opens one server span per request. A passthrough when
// tracing is disabled; the exporter never sees localhost noise.
func (s *Server) traceRequests(next http.Handler) http.Handler {
	if !s.cfg.Telemetry.Enabled {
		return next
	}
	tracer := telemetry.Tracer("api.rest")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
				attribute.String("http.host", r.Host),
			),
		)
		defer span.End()

		if span.SpanContext().HasTraceID() {
			w.Header().Set("X-Trace-ID", span.SpanContext().TraceID().String())
		}

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", sw.status))
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"),
				)
				writeJSON(w, http.StatusInternalServerError, errorBody{
					Error: "an unexpected error occurred",
					Code:  "INTERNAL_ERROR",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requireToken gates the API behind the shared operator token. Comparison
// is constant time; length leaks are already covered by ConstantTimeCompare
// returning 0 on mismatched lengths.
func (s *Server) requireToken(next http.Handler) http.Handler {
	token := []byte(s.cfg.Security.AuthToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(bearerToken(r))
		if len(got) == 0 || subtle.ConstantTimeCompare(got, token) != 1 {
			s.writeError(w, errors.NewUnauthorizedError("invalid or missing token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken pulls the token from the Authorization header, accepting
// the bare X-Auth-Token form the extension sends.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
		return strings.TrimSpace(h)
	}
	return r.Header.Get("X-Auth-Token")
}

func (s *Server) limitPerIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ipLimiter.allow(clientIP(r)) {
			s.writeError(w, errors.NewRateLimitError("too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitAuth throttles credential updates much harder than the rest of the
// API: a small fixed budget per window per caller.
func (s *Server) limitAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authLimiter.allow(clientIP(r)) {
			s.writeError(w, errors.NewRateLimitError("too many authentication attempts"))
			return
		}
		next(w, r)
	}
}

// limitBids caps manual bids per auction, not per caller, so two dashboard
// tabs cannot double the pressure on one lot.
func (s *Server) limitBids(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.bidLimiter.allow(r.PathValue("id")) {
			s.writeError(w, errors.NewRateLimitError("bid rate limit exceeded for this auction"))
			return
		}
		next(w, r)
	}
}

// clientIP prefers the first X-Forwarded-For hop so limits hold behind a
// reverse proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// limiterIdleEviction is how long an untouched per-key bucket survives
// before the next allow() sweeps it.
const limiterIdleEviction = 10 * time.Minute

// keyedLimiter hands out one token bucket per caller key. Idle buckets
// are evicted lazily during allow calls instead of by a janitor goroutine.
type keyedLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	limit     rate.Limit
	burst     int
	lastSweep time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newKeyedLimiter allows n events per window per key, with a burst of n.
// A non-positive n disables the limiter.
func newKeyedLimiter(n int, window time.Duration) *keyedLimiter {
	k := &keyedLimiter{
		buckets:   make(map[string]*bucket),
		lastSweep: time.Now(),
	}
	if n > 0 {
		k.limit = rate.Every(window / time.Duration(n))
		k.burst = n
	}
	return k
}

func (k *keyedLimiter) allow(key string) bool {
	if k.burst == 0 {
		return true
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now()
	if now.Sub(k.lastSweep) > limiterIdleEviction {
		for id, b := range k.buckets {
			if now.Sub(b.lastSeen) > limiterIdleEviction {
				delete(k.buckets, id)
			}
		}
		k.lastSweep = now
	}

	b, ok := k.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.Allow()
}
