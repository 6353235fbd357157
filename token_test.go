package courseflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// mintToken signs a minimal HS256 token with the given expiry. The session
// only decodes claims, so the signing key is irrelevant.
func mintToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "u-1",
		"exp":     exp.Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

// mintTokenNoExp signs a token that carries no exp claim at all.
func mintTokenNoExp(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": "u-1"})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestIsExpiringSoon(t *testing.T) {
	margin := 60 * time.Second

	t.Run("far future expiry", func(t *testing.T) {
		access := mintToken(t, time.Now().Add(time.Hour))
		if IsExpiringSoon(access, margin) {
			t.Error("token expiring in an hour reported as expiring soon")
		}
	})

	t.Run("within margin", func(t *testing.T) {
		access := mintToken(t, time.Now().Add(30*time.Second))
		if !IsExpiringSoon(access, margin) {
			t.Error("token expiring in 30s not reported as expiring soon with 60s margin")
		}
	})

	t.Run("already expired", func(t *testing.T) {
		access := mintToken(t, time.Now().Add(-time.Minute))
		if !IsExpiringSoon(access, margin) {
			t.Error("expired token not reported as expiring soon")
		}
	})

	t.Run("empty token", func(t *testing.T) {
		if !IsExpiringSoon("", margin) {
			t.Error("empty token should report expiring soon")
		}
	})

	t.Run("malformed token", func(t *testing.T) {
		if !IsExpiringSoon("not-a-jwt", margin) {
			t.Error("malformed token should report expiring soon")
		}
	})

	t.Run("missing exp claim", func(t *testing.T) {
		if !IsExpiringSoon(mintTokenNoExp(t), margin) {
			t.Error("token without exp claim should report expiring soon")
		}
	})
}

func TestMemoryTokenStore(t *testing.T) {
	store := NewMemoryTokenStore()

	if _, ok := store.Tokens(); ok {
		t.Fatal("fresh store should be empty")
	}

	store.SetTokens(TokenPair{Access: "a1", Refresh: "r1"})
	pair, ok := store.Tokens()
	if !ok || pair.Access != "a1" || pair.Refresh != "r1" {
		t.Fatalf("unexpected pair after set: %+v ok=%v", pair, ok)
	}

	store.Clear()
	if _, ok := store.Tokens(); ok {
		t.Fatal("store should be empty after clear")
	}
}

// refreshServer is a stub refresh endpoint that counts exchanges.
func refreshServer(t *testing.T, calls *int64, fail bool, delay time.Duration) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(calls, 1)
		if delay > 0 {
			time.Sleep(delay)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["refresh_token"] == "" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "missing refresh token"})
			return
		}
		if fail {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "refresh token revoked"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"access_token":  "access-new",
			"refresh_token": "refresh-new",
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestTokenRefresher(t *testing.T) {
	t.Run("rotates both tokens", func(t *testing.T) {
		var calls int64
		srv := refreshServer(t, &calls, false, 0)

		client := NewClient(WithBaseURL(srv.URL))
		client.TokenStore().SetTokens(TokenPair{Access: "access-old", Refresh: "refresh-old"})

		if err := client.Refresher().Refresh(context.Background()); err != nil {
			t.Fatalf("refresh failed: %v", err)
		}
		pair, _ := client.TokenStore().Tokens()
		if pair.Access != "access-new" || pair.Refresh != "refresh-new" {
			t.Errorf("pair not rotated: %+v", pair)
		}
	})

	t.Run("failure leaves store untouched", func(t *testing.T) {
		var calls int64
		srv := refreshServer(t, &calls, true, 0)

		client := NewClient(WithBaseURL(srv.URL))
		client.TokenStore().SetTokens(TokenPair{Access: "access-old", Refresh: "refresh-old"})

		if err := client.Refresher().Refresh(context.Background()); err == nil {
			t.Fatal("expected refresh error")
		}
		pair, _ := client.TokenStore().Tokens()
		if pair.Access != "access-old" || pair.Refresh != "refresh-old" {
			t.Errorf("store changed on failed refresh: %+v", pair)
		}
	})

	t.Run("no refresh token stored", func(t *testing.T) {
		var calls int64
		srv := refreshServer(t, &calls, false, 0)

		client := NewClient(WithBaseURL(srv.URL))
		if err := client.Refresher().Refresh(context.Background()); err == nil {
			t.Fatal("expected error with empty store")
		}
		if atomic.LoadInt64(&calls) != 0 {
			t.Errorf("exchange attempted without a refresh token: %d calls", calls)
		}
	})

	t.Run("concurrent triggers coalesce", func(t *testing.T) {
		var calls int64
		srv := refreshServer(t, &calls, false, 100*time.Millisecond)

		client := NewClient(WithBaseURL(srv.URL))
		client.TokenStore().SetTokens(TokenPair{Access: "access-old", Refresh: "refresh-old"})

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := client.Refresher().Refresh(context.Background()); err != nil {
					t.Errorf("refresh failed: %v", err)
				}
			}()
		}
		wg.Wait()

		if got := atomic.LoadInt64(&calls); got != 1 {
			t.Errorf("expected exactly 1 exchange for 8 concurrent triggers, got %d", got)
		}
	})
}
