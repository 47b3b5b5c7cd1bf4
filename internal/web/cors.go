package web

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin      = errors.New("origins.wildcard_not_allowed")
	errEmptyAllowedOrigins = errors.New("origins.empty")
	errInvalidOrigin       = errors.New("origins.invalid")
)

// OriginPolicy is the set of browser origins trusted for CORS and post-callback redirects.
type OriginPolicy struct {
	origins []string
	allowed map[string]struct{}
}

// NewOriginPolicy validates allowedOrigins and collapses duplicates.
func NewOriginPolicy(logger *zap.Logger, allowedOrigins []string) (*OriginPolicy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := &OriginPolicy{allowed: make(map[string]struct{})}
	for _, candidate := range allowedOrigins {
		trimmed := strings.TrimSpace(candidate)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			return nil, errWildcardOrigin
		}
		parsed, err := parseOrigin(trimmed)
		if err != nil {
			return nil, err
		}
		normalized := originOf(parsed)
		if _, exists := policy.allowed[normalized]; exists {
			continue
		}
		if parsed.Scheme == "http" && !isLoopbackHost(parsed.Hostname()) {
			logger.Warn("plain http origin trusted",
				zap.String("code", "origins.unsafe"),
				zap.String("origin", normalized))
		}
		policy.allowed[normalized] = struct{}{}
		policy.origins = append(policy.origins, normalized)
	}
	if len(policy.origins) == 0 {
		return nil, errEmptyAllowedOrigins
	}
	sort.Strings(policy.origins)
	return policy, nil
}

// Origins lists the normalised origins in sorted order.
func (policy *OriginPolicy) Origins() []string {
	return append([]string(nil), policy.origins...)
}

// CORS allows credentialed requests from the trusted origins so the flow cookie survives a cross-origin start.
func (policy *OriginPolicy) CORS() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     policy.Origins(),
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Location"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

// AllowsURL reports whether target is an absolute http(s) URL on a trusted origin.
func (policy *OriginPolicy) AllowsURL(target string) bool {
	parsed, err := url.Parse(strings.TrimSpace(target))
	if err != nil || parsed.User != nil || parsed.Host == "" || parsed.Opaque != "" {
		return false
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return false
	}
	_, ok := policy.allowed[originOf(parsed)]
	return ok
}

func parseOrigin(raw string) (*url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %s", errInvalidOrigin, raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return nil, fmt.Errorf("%w: %s contains path segment", errInvalidOrigin, raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" || parsed.User != nil {
		return nil, fmt.Errorf("%w: %s contains query, fragment, or credentials", errInvalidOrigin, raw)
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return nil, fmt.Errorf("%w: %s uses unsupported scheme", errInvalidOrigin, raw)
	}
	return parsed, nil
}

func originOf(parsed *url.URL) string {
	return parsed.Scheme + "://" + strings.ToLower(parsed.Host)
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
