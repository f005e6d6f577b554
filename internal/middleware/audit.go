package middleware

import (
	"context"
	"net"
	"net/http"
	"time"

	"kme/internal/audit"
	"kme/pkg/logger"

	"github.com/google/uuid"
)

// AuditRecorder is the subset of audit.Repository this middleware needs.
type AuditRecorder interface {
	Record(ctx context.Context, ev audit.Event) error
}

// AuditMiddleware records every request as an audit event (metadata only,
// never key material — the same boundary internal/audit enforces).
type AuditMiddleware struct {
	repo   AuditRecorder
	logger logger.Logger
}

func NewAuditMiddleware(repo AuditRecorder, log logger.Logger) *AuditMiddleware {
	return &AuditMiddleware{repo: repo, logger: log}
}

// Audit wraps a handler, recording method/path/status/principal after the
// request completes. Recording runs in the background so a slow database
// never adds latency to the SAE-facing response.
func (m *AuditMiddleware) Audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped, ok := w.(*responseWriter)
		if !ok {
			wrapped = &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		}

		next.ServeHTTP(wrapped, r)

		ip := r.Header.Get("X-Forwarded-For")
		if ip == "" {
			ip = r.RemoteAddr
		}
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}

		method := r.Method
		path := r.URL.Path
		if path == "/health" || path == "/metrics" {
			return
		}

		var peerID string
		if p, ok := PrincipalFromContext(r.Context()); ok {
			peerID = p.ID
		}

		status := wrapped.statusCode

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			ev := audit.Event{
				ID:        uuid.New(),
				EventType: method + " " + path,
				PeerID:    peerID,
				Detail:    http.StatusText(status),
				CreatedAt: time.Now(),
			}

			if err := m.repo.Record(ctx, ev); err != nil {
				m.logger.Error("failed to record audit event", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}()
	})
}
