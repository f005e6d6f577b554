package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"kme/internal/identity"
)

type identityKey string

const ctxPrincipalKey identityKey = "principal"

// IdentityMiddleware resolves the TLS client certificate to a logical
// principal (spec §4.8 step 1) and stashes it on the request context so
// downstream middleware (rate limiting, audit) can read it without
// re-parsing the connection state. An optional RevocationList lets an operator cut
// off a compromised peer without restarting every kmed process.
type IdentityMiddleware struct {
	table      *identity.Table
	revocation *RevocationList
}

func NewIdentityMiddleware(table *identity.Table, revocation *RevocationList) *IdentityMiddleware {
	return &IdentityMiddleware{table: table, revocation: revocation}
}

// Resolve rejects requests with no client certificate, an unrecognized
// (CN, serial) pair, or a certificate serial the operator has since
// revoked; otherwise it injects the Principal and continues.
func (m *IdentityMiddleware) Resolve(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			respondJSONError(w, http.StatusBadRequest, "connection is not TLS")
			return
		}

		principal, err := m.table.Resolve(r.TLS)
		if err != nil {
			respondJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		if m.revocation != nil {
			serial := r.TLS.PeerCertificates[0].SerialNumber.String()
			revoked, err := m.revocation.IsRevoked(r.Context(), serial)
			if err != nil {
				respondJSONError(w, http.StatusInternalServerError, "revocation check failed")
				return
			}
			if revoked {
				respondJSONError(w, http.StatusBadRequest, "certificate has been revoked")
				return
			}
		}

		ctx := context.WithValue(r.Context(), ctxPrincipalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PrincipalFromContext extracts the resolved Principal, if any.
func PrincipalFromContext(ctx context.Context) (identity.Principal, bool) {
	p, ok := ctx.Value(ctxPrincipalKey).(identity.Principal)
	return p, ok
}

// PrincipalCNFromContext extracts just the CN, used by the rate limiter.
func PrincipalCNFromContext(ctx context.Context) (string, bool) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return "", false
	}
	return p.CN, true
}

func respondJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}
