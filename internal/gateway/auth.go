package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/basket/taskd/internal/audit"
	"github.com/basket/taskd/internal/config"
	"github.com/basket/taskd/internal/shared"
)

// PrincipalHeader names the caller directly when authentication is disabled.
const PrincipalHeader = "X-Principal"

// AnonymousPrincipal is the caller identity used when auth is disabled and
// no PrincipalHeader is sent.
const AnonymousPrincipal = "anonymous"

// authContextKey is the context key type for authenticated API key entries.
type authContextKey struct{}

// AuthMiddleware maps API keys to caller identities.
type AuthMiddleware struct {
	keys    map[string]*config.APIKeyEntry
	enabled bool
	mu      sync.RWMutex
}

// NewAuthMiddleware creates an auth middleware from config.
func NewAuthMiddleware(cfg config.AuthConfig) *AuthMiddleware {
	am := &AuthMiddleware{}
	am.Reload(cfg)
	return am
}

// Reload swaps in a new key set. In-flight requests keep the entry they
// were authenticated with.
func (am *AuthMiddleware) Reload(cfg config.AuthConfig) {
	keys := make(map[string]*config.APIKeyEntry, len(cfg.Keys))
	for i := range cfg.Keys {
		entry := cfg.Keys[i]
		keys[entry.Key] = &entry
	}
	am.mu.Lock()
	am.keys = keys
	am.enabled = cfg.Enabled
	am.mu.Unlock()
}

// Enabled reports whether credentials are currently required.
func (am *AuthMiddleware) Enabled() bool {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return am.enabled
}

// Wrap resolves the caller for every request and stores it with
// shared.WithPrincipal. With auth disabled the PrincipalHeader is trusted.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isOpenPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		am.mu.RLock()
		enabled := am.enabled
		am.mu.RUnlock()

		if !enabled {
			principal := strings.TrimSpace(r.Header.Get(PrincipalHeader))
			if principal == "" {
				principal = AnonymousPrincipal
			}
			next.ServeHTTP(w, r.WithContext(shared.WithPrincipal(r.Context(), principal)))
			return
		}

		key := ExtractAPIKey(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, http.StatusUnauthorized, "unauthenticated", "missing API key")
			return
		}

		am.mu.RLock()
		entry, exists := am.lookupKey(key)
		am.mu.RUnlock()

		if !exists {
			audit.Record(r.Context(), audit.Deny, "auth", audit.NoTask, r.RemoteAddr, "invalid_api_key")
			writeError(w, http.StatusUnauthorized, http.StatusUnauthorized, "unauthenticated", "invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), authContextKey{}, entry)
		ctx = shared.WithPrincipal(ctx, entry.Principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractAPIKey extracts an API key from request headers or query params.
// It checks, in order: Authorization: Bearer <key>, X-API-Key header, api_key query param.
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	// Browsers cannot set headers on WebSocket upgrades.
	return r.URL.Query().Get("api_key")
}

// lookupKey uses constant-time comparison to prevent timing attacks.
func (am *AuthMiddleware) lookupKey(candidate string) (*config.APIKeyEntry, bool) {
	var found *config.APIKeyEntry
	for k, entry := range am.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(k)) == 1 {
			found = entry
		}
	}
	return found, found != nil
}

// KeyEntryFromContext retrieves the authenticated API key entry from context.
// It is nil when auth is disabled.
func KeyEntryFromContext(ctx context.Context) *config.APIKeyEntry {
	if entry, ok := ctx.Value(authContextKey{}).(*config.APIKeyEntry); ok {
		return entry
	}
	return nil
}

// allowsScope reports whether the caller's key carries scope. Requests
// without a key entry (auth disabled) are allowed.
func allowsScope(ctx context.Context, scope string) bool {
	entry := KeyEntryFromContext(ctx)
	return entry == nil || entry.Allows(scope)
}

func isOpenPath(path string) bool {
	return path == "/healthz" || path == "/metrics" || path == "/metrics/prometheus"
}
