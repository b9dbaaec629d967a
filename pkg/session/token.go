package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/docstreamdb/docstream/pkg/core"
)

// TokenClaims binds a session token to one workspace and account.
type TokenClaims struct {
	Workspace core.ID        `json:"workspace"`
	Account   core.ID        `json:"account"`
	Extra     map[string]any `json:"extra,omitempty"`
	jwt.RegisteredClaims
}

// SignToken issues an HS256 session token. A zero ttl issues a token
// without expiry.
func SignToken(secret []byte, workspace, account core.ID, ttl time.Duration) (string, error) {
	claims := &TokenClaims{
		Workspace: workspace,
		Account:   account,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// SignActionToken issues a token carrying a workspace action instead of a
// session grant. Presenting it performs the action and closes the socket.
func SignActionToken(secret []byte, workspace, account core.ID, action string) (string, error) {
	claims := &TokenClaims{
		Workspace: workspace,
		Account:   account,
		Extra:     map[string]any{"workspace_action": action},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// SignUpgradeToken issues a token whose session puts its workspace into
// upgrading mode and is admitted to rebuild the model while every other
// session is turned away.
func SignUpgradeToken(secret []byte, workspace, account core.ID) (string, error) {
	claims := &TokenClaims{
		Workspace: workspace,
		Account:   account,
		Extra:     map[string]any{"model": "upgrade"},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// VerifyToken parses and validates a session token.
func VerifyToken(secret []byte, token string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, &core.UnauthorizedError{Reason: err.Error()}
	}
	if !parsed.Valid || claims.Workspace == "" || claims.Account == "" {
		return nil, &core.UnauthorizedError{Reason: "incomplete token claims"}
	}
	return claims, nil
}

// bearerToken extracts the token from an Authorization header value.
func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return header[len(prefix):]
	}
	return ""
}
