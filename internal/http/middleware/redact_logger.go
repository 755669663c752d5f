// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements RedactingLogger, the access logger of the bot process.
// Webhook requests carry a path secret and admin requests carry a bearer
// token, so nothing from the raw URL or credentials reaches the logs:
//   - the path is logged as the route template (/telegram/webhook/:secret)
//   - configured headers and credential headers are masked outright
//   - bot tokens, UUIDs, emails, and phone numbers are pattern-redacted from
//     query strings and remaining header values
//
// Bodies are never logged.
package middleware

import (
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// RedactOptions configures additional scrub behavior for RedactingLogger.
//
// MaskHeaders lists extra header names whose values are replaced with
// "[REDACTED]". Matching is case-insensitive and merged with the built-ins
// (Authorization, Cookie, Set-Cookie, X-Admin-Token).
type RedactOptions struct {
	MaskHeaders []string
}

var (
	// Platform bot tokens look like "123456789:AAE..." (35 url-safe chars) and
	// appear glued to a "bot" prefix in file URLs, so no leading \b.
	botTokenRE = regexp.MustCompile(`\d{6,12}:[A-Za-z0-9_\-]{30,}`)
	uuidRE     = regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailRE    = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	// Digits-only so hex segments of UUIDs never match.
	phoneRE = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

// redact scrubs known secret and PII shapes from s. Order matters: bot
// tokens and ids first, phone last since it is the loosest pattern.
func redact(s string) string {
	if s == "" {
		return s
	}
	out := botTokenRE.ReplaceAllString(s, "[REDACTED:token]")
	out = uuidRE.ReplaceAllString(out, "[REDACTED:id]")
	out = emailRE.ReplaceAllString(out, "[REDACTED:email]")
	return phoneRE.ReplaceAllString(out, "[REDACTED:phone]")
}

// RedactingLogger returns a Gin middleware that attaches a request-scoped
// logger (see LoggerFrom) and writes one scrubbed access log per request.
// Level is error for 5xx or when handlers recorded errors, warn for 4xx,
// info otherwise.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	maskHeaders := map[string]struct{}{
		"authorization":           {},
		"cookie":                  {},
		"set-cookie":              {},
		strings.ToLower(adminHdr): {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			maskHeaders[h] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()

		// Unmatched routes fall back to the raw path, which may hold a guessed
		// secret; scrub it like any other value.
		path := c.FullPath()
		if path == "" {
			path = redact(c.Request.URL.Path)
		}

		lg := log.With().
			Str("request_id", asString(c.Value(requestIDKey))).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("remote_ip", c.ClientIP()).
			Logger()
		c.Set(loggerKey, &lg)

		safeHeaders := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := maskHeaders[strings.ToLower(k)]; ok {
				safeHeaders[k] = "[REDACTED]"
				continue
			}
			safeHeaders[k] = redact(strings.Join(vv, ", "))
		}

		c.Next()

		status := c.Writer.Status()
		ev := lg.Info()
		switch {
		case len(c.Errors) > 0:
			ev = lg.Error().Str("errors", redact(c.Errors.String()))
		case status >= 500:
			ev = lg.Error()
		case status >= 400:
			ev = lg.Warn()
		}

		ev.
			Str("query", truncate(redact(c.Request.URL.RawQuery), maxQueryLogLength)).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", safeHeaders).
			Msg("http_request")
	}
}
