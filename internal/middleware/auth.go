package middleware

import (
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/presence-server-go/internal/audit"
	apperrors "github.com/openclaw/presence-server-go/internal/errors"
	"github.com/openclaw/presence-server-go/internal/httputil"
	"github.com/openclaw/presence-server-go/internal/util"
)

// AdminAuthMiddleware checks a bearer key against the bcrypt hash from
// ADMIN_API_KEY_HASH. The SHA-256 of the last accepted key is remembered so
// bcrypt runs once per key rather than once per request.
type AdminAuthMiddleware struct {
	keyHash string

	mu       sync.RWMutex
	verified string
}

func NewAdminAuthMiddleware(keyHash string) *AdminAuthMiddleware {
	return &AdminAuthMiddleware{keyHash: keyHash}
}

func (m *AdminAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.keyHash == "" {
			httputil.WriteError(w, apperrors.Unauthorized("Admin API is disabled"))
			return
		}

		token := extractToken(r)
		if token == "" {
			httputil.WriteError(w, apperrors.Unauthorized("Missing authentication token"))
			return
		}

		if !m.check(token) {
			log.Warn().Msg("admin auth: invalid key attempt")
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAuthFailure,
				Details: map[string]interface{}{"path": r.URL.Path},
			})
			httputil.WriteError(w, apperrors.Unauthorized("Invalid token"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *AdminAuthMiddleware) check(token string) bool {
	digest := util.HashToken(token)

	m.mu.RLock()
	cached := m.verified
	m.mu.RUnlock()
	if cached != "" && util.ConstantTimeEqual(cached, digest) {
		return true
	}

	if !util.CheckPasswordHash(token, m.keyHash) {
		return false
	}

	m.mu.Lock()
	m.verified = digest
	m.mu.Unlock()
	return true
}

func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}
