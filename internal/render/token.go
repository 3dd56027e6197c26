package render

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var errInvalidHeaderValue = errors.New("invalid header value")

// checkHeaderValue rejects values that would break out of an HTTP header line.
func checkHeaderValue(v string) error {
	for i := 0; i < len(v); i++ {
		b := v[i]
		if b == '\r' || b == '\n' || b == 0 || (b < ' ' && b != '\t') || b == 0x7f {
			return fmt.Errorf("%w: control character at offset %d", errInvalidHeaderValue, i)
		}
	}
	return nil
}

// inspectToken logs what can be learned from a JWT-shaped token without
// verifying it. The token is passed through regardless; the target site is
// the authority on whether it is acceptable.
func inspectToken(token string, l *zap.Logger) {
	if strings.Count(token, ".") != 2 {
		return
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		l.Debug("auth token is not a parseable JWT", zap.Error(err))
		return
	}

	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		l.Warn("auth token appears to be expired",
			zap.Time("expires_at", claims.ExpiresAt.Time),
			zap.String("issuer", claims.Issuer))
	}
}
