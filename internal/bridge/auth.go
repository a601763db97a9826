// internal/bridge/auth.go
package bridge

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// warnIfTokenExpired inspects a bearer token that looks like a JWT and logs a
// warning when its exp claim has already passed. The token is never verified
// or rejected locally; the remote owns authentication. This only saves a
// round trip's worth of confusion when a stale token is about to produce an
// Authentication failure.
func warnIfTokenExpired(token string, logger *zap.Logger) {
	if token == "" || strings.Count(token, ".") != 2 {
		return
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		// Opaque bearer tokens that merely resemble JWTs are fine.
		return
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return
	}

	if remaining := time.Until(exp.Time); remaining <= 0 {
		logger.Warn("Auth token appears to be expired; the handshake will likely be rejected",
			zap.Time("expired_at", exp.Time))
	} else if remaining < time.Minute {
		logger.Warn("Auth token expires soon",
			zap.Duration("remaining", remaining))
	}
}
