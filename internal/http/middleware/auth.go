package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	adminHdr = "X-Admin-Token"
	// adminKey holds a short fingerprint of the presented admin token; the
	// rate limiter buckets admin callers by it.
	adminKey = "adminID"
)

// AdminAuth rejects requests that do not present token either as
// "Authorization: Bearer <token>" or via the X-Admin-Token header.
// An empty token rejects everything.
func AdminAuth(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		got := strings.TrimSpace(c.GetHeader(adminHdr))
		if got == "" {
			if a := c.GetHeader("Authorization"); len(a) > 7 && strings.EqualFold(a[:7], "bearer ") {
				got = strings.TrimSpace(a[7:])
			}
		}
		if len(want) == 0 || got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			httpRejected.WithLabelValues("unauthorized").Inc()
			c.Header("WWW-Authenticate", `Bearer realm="admin"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "unauthorized",
				"message":    "missing or invalid admin token",
			})
			return
		}
		sum := sha256.Sum256(want)
		c.Set(adminKey, hex.EncodeToString(sum[:4]))
		c.Next()
	}
}

// PathSecret rejects requests whose path parameter param does not equal
// secret. Mismatches get a plain 404 so the endpoint is not discoverable.
func PathSecret(param, secret string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		got := []byte(c.Param(param))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			httpRejected.WithLabelValues("bad_secret").Inc()
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "not_found",
				"message":    "route not found",
			})
			return
		}
		c.Next()
	}
}
