// Package server normalizes and validates HTTP origins for WebSocket requests
// to enforce configured access control.
package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// normalizeOrigins reduces origins to unique scheme://host values. A "*"
// entry switches on allowAll instead of being listed.
func normalizeOrigins(origins []string) (normalized []string, allowAll bool) {
	normalized = lo.FilterMap(origins, func(origin string, _ int) (string, bool) {
		switch trimmed := strings.TrimSpace(origin); trimmed {
		case "":
			return "", false
		case "*":
			allowAll = true
			return "", false
		default:
			n, ok := normalizeOrigin(trimmed)
			if !ok {
				zap.L().Warn("ignoring invalid origin in configuration", zap.String("origin", origin))
			}
			return n, ok
		}
	})
	return lo.Uniq(normalized), allowAll
}

// normalizeOrigin lowercases scheme and host and drops any path.
func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func isOriginAllowed(r *http.Request) bool {
	origin, ok := normalizeOrigin(r.Header.Get("Origin"))
	if !ok {
		return false
	}

	configMu.RLock()
	defer configMu.RUnlock()
	if allowAllOrigins {
		return true
	}
	_, allowed := allowedOrigins[origin]
	return allowed
}

// checkOrigin is the upgrader's CheckOrigin hook.
func checkOrigin(r *http.Request) bool {
	if isOriginAllowed(r) {
		return true
	}
	zap.L().Warn("blocked WebSocket connection from disallowed origin",
		zap.String("origin", r.Header.Get("Origin")), zap.String("addr", r.RemoteAddr))
	return false
}
