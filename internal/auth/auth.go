// Package auth verifies the JWT bearer tokens issued by the identity
// service and attaches the caller's identity to the request context.
//
// This service does not mint user tokens; it only validates them. Token
// issuance lives with the identity service that owns accounts.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: token expired")
)

// Role is the marketplace role carried in the token.
type Role string

const (
	RoleClient  Role = "client"
	RoleDoer    Role = "doer"
	RoleArbiter Role = "arbiter"
	RoleAdmin   Role = "admin"
)

// Context keys set by the middleware on each authenticated request.
const (
	CtxUserID = "authUserID"
	CtxRole   = "authRole"
)

// IsResolver reports whether a role may resolve disputes and act on any
// payment.
func IsResolver(role string) bool {
	switch Role(role) {
	case RoleArbiter, RoleAdmin:
		return true
	}
	return false
}

func isValidRole(role Role) bool {
	switch role {
	case RoleClient, RoleDoer, RoleArbiter, RoleAdmin:
		return true
	}
	return false
}

// Verifier validates bearer tokens.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a token verifier with the shared HMAC secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Role   Role
}

// Verify parses and validates a token, returning the caller identity.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return Identity{}, fmt.Errorf("%w: missing user_id claim", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok || !isValidRole(Role(roleStr)) {
		return Identity{}, fmt.Errorf("%w: bad role claim %q", ErrInvalidToken, roleStr)
	}

	return Identity{UserID: userID, Role: Role(roleStr)}, nil
}

// MintToken signs a token for an identity. Test and tooling helper; the
// identity service issues production tokens.
func MintToken(secret, userID string, role Role, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"user_id": userID,
		"role":    string(role),
		"exp":     time.Now().Add(ttl).Unix(),
		"iat":     time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
