package auth

import (
	"context"
	"errors"
)

// ErrRevoked is returned when a token's claims are valid but were issued
// before the principal's revocation watermark.
var ErrRevoked = errors.New("auth: token revoked")

// ConnectionLimitProvider fetches the per-user connection-limit override
// (spec §4.3 "Connection limit"). A zero return means no override — the
// caller falls back to the default cap.
type ConnectionLimitProvider interface {
	ConnectionLimitOverride(ctx context.Context, userID string) (int, error)
}

// Gate performs the token-verification and revocation-check half of the
// auth state machine (spec §4.4): verify the bearer token, then check
// revocation. Connection-limit enforcement and endpoint registration are
// the server connection table's responsibility (internal/serverws) since
// they require the live per-user connection count that this package does
// not hold.
type Gate struct {
	jwt        *JWTManager
	revocation RevocationChecker
}

// NewGate creates a Gate.
func NewGate(jwt *JWTManager, revocation RevocationChecker) *Gate {
	return &Gate{jwt: jwt, revocation: revocation}
}

// Authenticate verifies tokenString and checks it against the principal's
// revocation watermark. Returns ErrTokenInvalid, ErrTokenExpired, or
// ErrRevoked on failure; all three should be reported to the caller as
// auth_result{ok:false, error:...} without distinguishing the reason in the
// wire message (spec §7 taxonomy treats these uniformly as "Auth" failures).
func (g *Gate) Authenticate(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := g.jwt.ValidateAccessToken(tokenString)
	if err != nil {
		return nil, err
	}

	watermark, err := g.revocation.RevokedAfter(ctx, claims.PrincipalID)
	if err != nil {
		// A revocation-check failure is treated the same as the client
		// message-rate-limit KV failure would be: fail closed for
		// authentication, since letting a possibly-revoked token through
		// is the worse outcome (spec §4.5 fail-closed rationale extends
		// naturally to this check).
		return nil, err
	}

	if claims.IssuedAt != nil && IsRevoked(claims.IssuedAt.Time, watermark) {
		return nil, ErrRevoked
	}

	return claims, nil
}
