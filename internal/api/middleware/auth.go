package middleware

import (
	"context"
	"crypto/x509"
	"net/http"
	"strings"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// ClusterNameKey is the context key for the certificate cluster name
	ClusterNameKey contextKey = "clusterName"
	// CredentialKey is the context key for the passed-through credential
	CredentialKey contextKey = "credential"
)

// unauthenticated paths serve probes and metrics scrapers
var unauthenticated = []string{"/healthz", "/readyz", "/metrics"}

func skipsAuth(path string) bool {
	for _, p := range unauthenticated {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// ValidateClientCertificate middleware validates client certificates and
// extracts the cluster name from the certificate CN
func ValidateClientCertificate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if skipsAuth(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			http.Error(w, "Client certificate required", http.StatusUnauthorized)
			return
		}

		clusterName := extractClusterName(r.TLS.PeerCertificates[0])
		if clusterName == "" {
			http.Error(w, "Invalid certificate: no cluster name in CN", http.StatusForbidden)
			return
		}

		ctx := context.WithValue(r.Context(), ClusterNameKey, clusterName)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractClusterName extracts the cluster name from certificate Common Name
func extractClusterName(cert *x509.Certificate) string {
	return cert.Subject.CommonName
}

// GetClusterName retrieves the certificate cluster name from request context
func GetClusterName(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(ClusterNameKey).(string)
	return name, ok
}

// Credential carries the Authorization header into the request context.
// The value is opaque and never inspected.
func Credential(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cred := r.Header.Get("Authorization"); cred != "" {
			r = r.WithContext(context.WithValue(r.Context(), CredentialKey, cred))
		}
		next.ServeHTTP(w, r)
	})
}

// GetCredential retrieves the passed-through credential from request context
func GetCredential(ctx context.Context) (string, bool) {
	cred, ok := ctx.Value(CredentialKey).(string)
	return cred, ok
}

// Chain applies middleware in reverse order (last middleware executes first)
func Chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
