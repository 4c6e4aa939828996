// Package authtoken issues and validates the short-lived RPC tokens that
// authorize a peer-sync connection (spec §4.E, §6 "Session credential").
// A token binds a session id to the repository path it may sync and
// expires quickly, since it only needs to live as long as one handshake.
//
// Grounded on the teacher's internal/auth/jwt.go: same HS256-signed
// jwt/v5 claims shape, generalized from a 2h/90d access/refresh pair to
// a single short TTL scoped to one repo path instead of a DID.
package authtoken

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ScopeSync is the only scope this package issues: authorization to open
// a backfill/WebSocket sync connection for one repository path.
const ScopeSync = "nest.sync"

// TTL bounds how long a sync token remains valid. Kept short since a
// peer re-requests one per connection attempt (spec §5's "default 5s"
// deadline covers the handshake the token gates, not the token's own
// lifetime, which is intentionally longer than one RPC but short enough
// that a leaked token is low-value).
const TTL = 5 * time.Minute

// Claims extends the standard JWT claims with the repo path and scope a
// sync token authorizes.
type Claims struct {
	jwt.RegisteredClaims
	RepoPath string `json:"repo"`
	Scope    string `json:"scope"`
}

// Manager signs and validates sync tokens using HS256.
type Manager struct {
	secret []byte
	issuer string
}

// NewManager creates a manager with the given HMAC secret and issuer.
func NewManager(secret, issuer string) *Manager {
	return &Manager{secret: []byte(secret), issuer: issuer}
}

// GenerateSecret returns a random 32-byte hex string for use as an HMAC
// secret.
func GenerateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Issue mints a sync token authorizing sessionID to sync repoPath.
func (m *Manager) Issue(sessionID, repoPath string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TTL)),
		},
		RepoPath: repoPath,
		Scope:    ScopeSync,
	})
	str, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("authtoken: sign: %w", err)
	}
	return str, nil
}

// Validate parses tokenStr and confirms it authorizes repoPath,
// returning the session id it was issued to.
func (m *Manager) Validate(tokenStr, repoPath string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authtoken: unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("authtoken: invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("authtoken: invalid token claims")
	}
	if claims.Scope != ScopeSync {
		return "", fmt.Errorf("authtoken: wrong scope: got %q, want %q", claims.Scope, ScopeSync)
	}
	if claims.RepoPath != repoPath {
		return "", fmt.Errorf("authtoken: wrong repo: got %q, want %q", claims.RepoPath, repoPath)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("authtoken: missing subject")
	}
	return claims.Subject, nil
}
