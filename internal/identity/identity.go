// Package identity supplies the current user id and bearer token for
// backend calls. The token is minted by the external auth provider and
// dropped into the session directory; deelsync never verifies the
// signature (the backend does), it only reads the claims it needs.
package identity

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoToken is returned when the session has no token file yet.
var ErrNoToken = errors.New("no bearer token: sign in and place the token in the session directory")

// Provider reads and caches the session's bearer token.
type Provider struct {
	tokenPath string

	mu        sync.RWMutex
	token     string
	userID    string
	expiresAt time.Time
}

// NewProvider creates a provider for the given token file path. Call Load
// before first use; Load may be called again after re-authentication.
func NewProvider(tokenPath string) *Provider {
	return &Provider{tokenPath: tokenPath}
}

// Load reads the token file and extracts the subject and expiry claims.
func (p *Provider) Load() error {
	data, err := os.ReadFile(p.tokenPath)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNoToken
		}
		return fmt.Errorf("read token file: %w", err)
	}

	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return ErrNoToken
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return fmt.Errorf("parse bearer token: %w", err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return fmt.Errorf("bearer token missing subject claim")
	}

	var expiresAt time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiresAt = exp.Time
	}

	p.mu.Lock()
	p.token = raw
	p.userID = sub
	p.expiresAt = expiresAt
	p.mu.Unlock()
	return nil
}

// Token returns the raw bearer token, or empty if not loaded.
func (p *Provider) Token() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token
}

// UserID returns the current user id from the token's subject claim.
func (p *Provider) UserID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.userID
}

// Valid reports whether a token is loaded and not past its expiry.
// Tokens without an exp claim are treated as non-expiring.
func (p *Provider) Valid() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.token == "" {
		return false
	}
	if p.expiresAt.IsZero() {
		return true
	}
	return time.Now().Before(p.expiresAt)
}
