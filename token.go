package courseflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// DefaultExpiryMargin is the safety window within which an access token is
// treated as already expired.
const DefaultExpiryMargin = 60 * time.Second

// ============================================================================
// Token Store
// ============================================================================

// TokenStore holds the current token pair. It is the one resource shared
// between the chat session and the request interceptor; implementations must
// be safe for concurrent use.
type TokenStore interface {
	// Tokens returns the stored pair. ok is false when no pair is stored.
	Tokens() (pair TokenPair, ok bool)
	// SetTokens replaces the stored pair. Both values are written together.
	SetTokens(pair TokenPair)
	// Clear removes the stored pair.
	Clear()
}

// MemoryTokenStore is an in-memory TokenStore.
type MemoryTokenStore struct {
	mu   sync.RWMutex
	pair TokenPair
	set  bool
}

// NewMemoryTokenStore creates an empty in-memory token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

func (s *MemoryTokenStore) Tokens() (TokenPair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair, s.set
}

func (s *MemoryTokenStore) SetTokens(pair TokenPair) {
	s.mu.Lock()
	s.pair = pair
	s.set = true
	s.mu.Unlock()
}

func (s *MemoryTokenStore) Clear() {
	s.mu.Lock()
	s.pair = TokenPair{}
	s.set = false
	s.mu.Unlock()
}

// ============================================================================
// Expiry Evaluation
// ============================================================================

// IsExpiringSoon reports whether the access token's exp claim falls within
// margin from now. The claim is decoded without signature verification and
// without any I/O. Absent, malformed, or undecodable tokens report true:
// callers must treat "soon" as "now" on any uncertainty.
func IsExpiringSoon(access string, margin time.Duration) bool {
	if access == "" {
		return true
	}
	token, _, err := jwt.NewParser().ParseUnverified(access, jwt.MapClaims{})
	if err != nil {
		return true
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return time.Until(exp.Time) <= margin
}

// ============================================================================
// Token Refresher
// ============================================================================

// TokenRefresher exchanges the stored refresh token for a new pair. All
// callers funnel through a single-flight group so at most one refresh request
// is outstanding at a time: a concurrent trigger awaits the in-flight result
// instead of issuing a duplicate exchange that would invalidate a refresh
// token mid-rotation.
type TokenRefresher struct {
	client *Client
	group  singleflight.Group
}

func newTokenRefresher(c *Client) *TokenRefresher {
	return &TokenRefresher{client: c}
}

// Refresh runs one refresh cycle. On success both returned tokens are stored
// atomically; on any failure the store is left untouched.
func (r *TokenRefresher) Refresh(ctx context.Context) error {
	_, err, _ := r.group.Do("refresh", func() (interface{}, error) {
		return nil, r.refresh(ctx)
	})
	return err
}

func (r *TokenRefresher) refresh(ctx context.Context) error {
	pair, ok := r.client.tokens.Tokens()
	if !ok || pair.Refresh == "" {
		return fmt.Errorf("refresh tokens: no refresh token stored")
	}

	var renewed TokenPair
	err := r.client.doBare(ctx, "POST", "/api/v1/auth/refresh",
		map[string]string{"refresh_token": pair.Refresh}, &renewed)
	if err != nil {
		return fmt.Errorf("refresh tokens: %w", err)
	}
	if renewed.Access == "" || renewed.Refresh == "" {
		return fmt.Errorf("refresh tokens: incomplete pair in response")
	}

	r.client.tokens.SetTokens(renewed)
	return nil
}
