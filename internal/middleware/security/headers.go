// Package security sets response headers for the dashboard. The content
// security policy admits the configured chart assets host for scripts;
// everything else stays same-origin. Inline sources are required by the
// rendered page (embedded styles and the chart bootstrap script).
package security

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

type HeadersConfig struct {
	// AssetsHost is where the page loads the charting runtime from,
	// e.g. "https://cdn.jsdelivr.net/npm/echarts@5/dist/".
	AssetsHost    string
	IsDevelopment bool
}

func HeadersMiddleware(cfg HeadersConfig) fiber.Handler {
	scriptSrc := "'self' 'unsafe-inline'"
	if origin := assetOrigin(cfg.AssetsHost); origin != "" {
		scriptSrc += " " + origin
	}

	csp := "default-src 'self'; " +
		"script-src " + scriptSrc + "; " +
		"style-src 'self' 'unsafe-inline'; " +
		"img-src 'self' data:; " +
		"font-src 'self' data:; " +
		"connect-src 'self'; " +
		"frame-ancestors 'none'; " +
		"base-uri 'self'; " +
		"form-action 'self'"

	return func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-XSS-Protection", "1; mode=block")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")

		if !cfg.IsDevelopment {
			c.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Set("Content-Security-Policy", csp)

		return c.Next()
	}
}

// assetOrigin reduces a full asset URL to its origin for the CSP source list.
func assetOrigin(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}
	if idx := strings.Index(host, "://"); idx >= 0 {
		rest := host[idx+3:]
		if slash := strings.Index(rest, "/"); slash >= 0 {
			return host[:idx+3] + rest[:slash]
		}
		return host
	}
	if slash := strings.Index(host, "/"); slash >= 0 {
		return host[:slash]
	}
	return host
}
