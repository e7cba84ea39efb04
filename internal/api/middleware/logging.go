package middleware

import (
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// WithLogger stores logger in every request context so handlers pick it up
// through log.FromContext.
func WithLogger(logger logr.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(log.IntoContext(r.Context(), logger)))
		})
	}
}

// Logging middleware logs HTTP requests with duration and status. Only the
// presence of a passed-through credential is logged.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		clusterName, _ := GetClusterName(r.Context())
		_, hasCredential := GetCredential(r.Context())

		next.ServeHTTP(wrapped, r)

		logger := log.FromContext(r.Context()).WithName("http-api")
		if skipsAuth(r.URL.Path) {
			logger = logger.V(1)
		}
		logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"cluster", clusterName,
			"credential", hasCredential,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr)
	})
}
