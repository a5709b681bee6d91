package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"

	"replisync/internal/config"

	"golang.org/x/time/rate"
)

const (
	apiKeyHeaderDefault = "x-api-key"
	clientKeyUnknown    = "unknown"

	PermReadStatus    = "read:status"
	PermWriteSync     = "write:sync"
	PermWriteTasks    = "write:tasks"
	PermWriteStrategy = "write:strategy"
	PermWriteNetwork  = "write:network"
)

// HTTPAuth checks API keys and applies a per-client rate limit.
type HTTPAuth struct {
	cfg      config.APIConfig
	clients  []config.APIClientKey
	limiters sync.Map
}

type clientCtx struct {
	name  string
	perms map[string]struct{}
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	return &HTTPAuth{cfg: cfg, clients: cfg.Auth.APIKeys}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		key := clientKeyFromAddr(r.RemoteAddr)
		if a.cfg.Auth.Enabled {
			client, ok := a.checkAuth(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			if !checkPermissions(client, requiredPermission(r)) {
				writeError(w, http.StatusForbidden, "permission denied")
				return
			}
			key = client.name
		}

		if !a.checkRateLimit(key) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *HTTPAuth) checkAuth(r *http.Request) (clientCtx, bool) {
	header := strings.TrimSpace(a.cfg.Auth.HeaderAPIKey)
	if header == "" {
		header = apiKeyHeaderDefault
	}
	apiKey := strings.TrimSpace(r.Header.Get(header))
	if apiKey == "" {
		return clientCtx{}, false
	}

	// Walk every key so the comparison time does not leak which one matched.
	var match *config.APIClientKey
	for i := range a.clients {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(a.clients[i].Key)) == 1 && match == nil {
			match = &a.clients[i]
		}
	}
	if match == nil {
		return clientCtx{}, false
	}

	name := match.Name
	if name == "" {
		name = clientKeyUnknown
	}
	perms := make(map[string]struct{}, len(match.Permissions))
	for _, p := range match.Permissions {
		perms[strings.TrimSpace(p)] = struct{}{}
	}
	return clientCtx{name: name, perms: perms}, true
}

// checkPermissions grants everything to keys configured without permissions.
func checkPermissions(client clientCtx, required string) bool {
	if required == "" || len(client.perms) == 0 {
		return true
	}
	if _, ok := client.perms["*"]; ok {
		return true
	}
	_, ok := client.perms[required]
	return ok
}

func requiredPermission(r *http.Request) string {
	path := r.URL.Path
	switch {
	case path == "/api/v1/status":
		return PermReadStatus
	case path == "/api/v1/sync":
		return PermWriteSync
	case strings.HasPrefix(path, "/api/v1/tasks"):
		return PermWriteTasks
	case path == "/api/v1/strategy":
		return PermWriteStrategy
	case path == "/api/v1/network":
		if r.Method == http.MethodGet {
			return PermReadStatus
		}
		return PermWriteNetwork
	default:
		return ""
	}
}

func (a *HTTPAuth) checkRateLimit(key string) bool {
	if a.cfg.RateLimit.RPS <= 0 {
		return true
	}
	return a.getLimiter(key).Allow()
}

func (a *HTTPAuth) getLimiter(key string) *rate.Limiter {
	if v, ok := a.limiters.Load(key); ok {
		return v.(*rate.Limiter)
	}

	burst := a.cfg.RateLimit.Burst
	if burst <= 0 {
		burst = 5
	}

	lim := rate.NewLimiter(rate.Limit(a.cfg.RateLimit.RPS), burst)
	actual, _ := a.limiters.LoadOrStore(key, lim)
	return actual.(*rate.Limiter)
}

func clientKeyFromAddr(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return clientKeyUnknown
	}
	return host
}
