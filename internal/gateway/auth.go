package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Authentication failures are fatal per connection: the peer is disconnected
// without any wire event, so a bad token is indistinguishable from a network
// drop. Callers discriminate with errors.Is.
var (
	ErrMissingToken          = errors.New("handshake carries no bearer token")
	ErrInvalidToken          = errors.New("bearer token failed verification")
	ErrUnknownOrInactiveUser = errors.New("token subject is unknown or inactive")
	// ErrDirectoryUnavailable marks a lookup that failed for infrastructure
	// reasons rather than an unknown subject; the peer is still disconnected
	// silently, but operators can tell the cases apart.
	ErrDirectoryUnavailable = errors.New("user directory lookup failed")
)

// Handshake is the connect-time material the gateway authenticates against.
type Handshake struct {
	Token      string
	RemoteAddr string
	UserAgent  string
}

// ClientKey derives the rate limiter bucket for this peer. Address plus
// client signature, not user id: two users behind one address with the same
// agent share a bucket (carried-over source behavior).
func (h Handshake) ClientKey() string {
	return h.RemoteAddr + "|" + h.UserAgent
}

// TokenVerifier checks a bearer token's signature and returns its subject.
// Verification itself is an external concern; the gateway only consumes the
// result.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (subject string, err error)
}

// UserRecord is the directory's view of one platform user.
type UserRecord struct {
	ID     string
	Role   string
	Active bool
}

// UserDirectory resolves a token subject to a platform user. Unknown
// subjects return storage.ErrNotFound; any other error is treated as an
// infrastructure failure, not a rejection of the subject.
type UserDirectory interface {
	FindUser(ctx context.Context, userID string) (UserRecord, error)
}

// AppClaims is the JWT claims layout issued by the platform's auth service.
type AppClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier is the default HMAC-signed bearer token verifier.
type JWTVerifier struct {
	secret string
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

var _ TokenVerifier = (*JWTVerifier)(nil)

func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(v.secret), nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*AppClaims)
	if !ok || claims.Subject == "" {
		return "", errors.New("token missing 'sub' claim")
	}
	return claims.Subject, nil
}
