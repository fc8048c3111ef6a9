// Package auth implements bearer-token authentication for the API:
// opaque token generation, hashing, and the lookup chain that turns a
// request's Authorization header into an authenticated user.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/ciforge/pkg/storage"
	"github.com/cuemby/ciforge/pkg/types"
)

const (
	tokenPrefix = "ci_"
	// tokenBytes gives >= 240 bits of entropy once base64url-encoded and
	// truncated to tokenLength.
	tokenBytes  = 32
	tokenLength = 40
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrKeyRevoked    = errors.New("api key is revoked")
	ErrUserDisabled  = errors.New("user account is disabled")
)

// GenerateToken returns a new plaintext bearer token of the form
// "ci_<40 url-safe chars>". The caller must persist only its hash; the
// plaintext is shown to the user exactly once.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(buf)
	if len(encoded) > tokenLength {
		encoded = encoded[:tokenLength]
	}
	return tokenPrefix + encoded, nil
}

// HashToken returns the hex-encoded SHA-256 digest of a plaintext token.
// Only this digest is ever persisted or compared.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Authenticator resolves bearer tokens to users and issues new ones.
type Authenticator struct {
	store storage.Store
}

func New(store storage.Store) *Authenticator {
	return &Authenticator{store: store}
}

// Authenticate validates a raw Authorization header value ("Bearer
// <token>"), confirms the key and its owning user are both active, and
// records the key's last-used timestamp before returning the user. This
// mirrors the original system's dependency chain: key lookup -> key
// active check -> user active check -> last_used_at update.
func (a *Authenticator) Authenticate(ctx context.Context, authorizationHeader string) (*types.User, error) {
	token, ok := bearerToken(authorizationHeader)
	if !ok {
		return nil, ErrInvalidToken
	}

	key, err := a.store.GetApiKeyByHash(HashToken(token))
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !key.IsActive {
		return nil, ErrKeyRevoked
	}

	user, err := a.store.GetUser(key.UserID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !user.IsActive {
		return nil, ErrUserDisabled
	}

	key.LastUsedAt = time.Now().UTC()
	if err := a.store.UpdateApiKey(key); err != nil {
		return nil, fmt.Errorf("failed to record key usage: %w", err)
	}

	return user, nil
}

// IssueKey generates a new token for userID, persists its hash, and
// returns the plaintext token alongside the stored ApiKey record.
func (a *Authenticator) IssueKey(userID, name string) (string, *types.ApiKey, error) {
	token, err := GenerateToken()
	if err != nil {
		return "", nil, err
	}

	key := &types.ApiKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		KeyHash:   HashToken(token),
		Name:      name,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.CreateApiKey(key); err != nil {
		return "", nil, fmt.Errorf("failed to persist api key: %w", err)
	}

	return token, key, nil
}

func bearerToken(header string) (string, bool) {
	const schema = "Bearer "
	if !strings.HasPrefix(header, schema) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, schema))
	if token == "" {
		return "", false
	}
	return token, true
}
