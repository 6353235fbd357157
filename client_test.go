package courseflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// authedAPIServer is a stub API whose protected endpoints accept only the
// configured access token. The refresh endpoint rotates to that token.
type authedAPIServer struct {
	srv *httptest.Server

	goodAccess     string
	refreshFails   bool
	refreshReturns string // access token the refresh endpoint issues; defaults to goodAccess

	protectedHits int64
	refreshHits   int64
}

func newAuthedAPIServer(t *testing.T) *authedAPIServer {
	t.Helper()
	a := &authedAPIServer{goodAccess: "access-good"}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&a.refreshHits, 1)
		if a.refreshFails {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "refresh token revoked"})
			return
		}
		issued := a.refreshReturns
		if issued == "" {
			issued = a.goodAccess
		}
		json.NewEncoder(w).Encode(map[string]string{
			"access_token":  issued,
			"refresh_token": "refresh-good",
		})
	})
	mux.HandleFunc("/api/v1/course", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&a.protectedHits, 1)
		if r.Header.Get("Authorization") != "Bearer "+a.goodAccess {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "token expired"})
			return
		}
		json.NewEncoder(w).Encode([]CourseListing{{Course: Course{ID: "c-1", Name: "Algebra"}, Role: "member"}})
	})

	a.srv = httptest.NewServer(mux)
	t.Cleanup(a.srv.Close)
	return a
}

func (a *authedAPIServer) client() *Client {
	return NewClient(WithBaseURL(a.srv.URL))
}

func TestRequestRetryAfterRefresh(t *testing.T) {
	t.Run("401 refreshed and retried once", func(t *testing.T) {
		api := newAuthedAPIServer(t)
		client := api.client()
		client.TokenStore().SetTokens(TokenPair{Access: "access-stale", Refresh: "refresh-old"})

		courses, err := client.Courses.List(context.Background())
		if err != nil {
			t.Fatalf("expected transparent recovery, got %v", err)
		}
		if len(courses) != 1 || courses[0].Name != "Algebra" {
			t.Errorf("unexpected listing: %+v", courses)
		}
		if got := atomic.LoadInt64(&api.refreshHits); got != 1 {
			t.Errorf("expected 1 refresh, got %d", got)
		}
		if got := atomic.LoadInt64(&api.protectedHits); got != 2 {
			t.Errorf("expected original + retried request, got %d hits", got)
		}
		if pair, _ := client.TokenStore().Tokens(); pair.Access != "access-good" {
			t.Errorf("rotated access token not stored: %q", pair.Access)
		}
	})

	t.Run("failed refresh surfaces original 401", func(t *testing.T) {
		api := newAuthedAPIServer(t)
		api.refreshFails = true
		client := api.client()
		client.TokenStore().SetTokens(TokenPair{Access: "access-stale", Refresh: "refresh-old"})

		_, err := client.Courses.List(context.Background())
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected *APIError, got %v", err)
		}
		if apiErr.StatusCode != http.StatusUnauthorized || apiErr.Message != "token expired" {
			t.Errorf("unexpected error: status=%d message=%q", apiErr.StatusCode, apiErr.Message)
		}
		if got := atomic.LoadInt64(&api.protectedHits); got != 1 {
			t.Errorf("request retried despite failed refresh: %d hits", got)
		}
	})

	t.Run("401 after retry is not retried again", func(t *testing.T) {
		api := newAuthedAPIServer(t)
		api.refreshReturns = "access-still-stale" // rotation issues a token the endpoint rejects too
		client := api.client()
		client.TokenStore().SetTokens(TokenPair{Access: "access-stale", Refresh: "refresh-old"})

		_, err := client.Courses.List(context.Background())
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected *APIError, got %v", err)
		}
		if got := atomic.LoadInt64(&api.protectedHits); got != 2 {
			t.Errorf("expected exactly 2 attempts, got %d", got)
		}
		if got := atomic.LoadInt64(&api.refreshHits); got != 1 {
			t.Errorf("expected exactly 1 refresh, got %d", got)
		}
	})
}

func TestAuthClient(t *testing.T) {
	t.Run("login stores returned pair", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["username"] != "alex" || body["password"] != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "invalid credentials"})
				return
			}
			json.NewEncoder(w).Encode(map[string]string{
				"id":            "u-1",
				"username":      "alex",
				"access_token":  "access-1",
				"refresh_token": "refresh-1",
			})
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		client := NewClient(WithBaseURL(srv.URL))
		result, err := client.Auth.Login(context.Background(), "alex", "secret")
		if err != nil {
			t.Fatalf("login failed: %v", err)
		}
		if result.Username != "alex" {
			t.Errorf("unexpected user: %+v", result.User)
		}
		pair, ok := client.TokenStore().Tokens()
		if !ok || pair.Access != "access-1" || pair.Refresh != "refresh-1" {
			t.Errorf("pair not stored: %+v ok=%v", pair, ok)
		}
	})

	t.Run("logout revokes and clears", func(t *testing.T) {
		var revoked string
		mux := http.NewServeMux()
		mux.HandleFunc("/api/v1/auth/logout", func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			revoked = body["refresh_token"]
			w.WriteHeader(http.StatusOK)
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		client := NewClient(WithBaseURL(srv.URL))
		client.TokenStore().SetTokens(TokenPair{Access: "access-1", Refresh: "refresh-1"})

		if err := client.Auth.Logout(context.Background()); err != nil {
			t.Fatalf("logout failed: %v", err)
		}
		if revoked != "refresh-1" {
			t.Errorf("refresh token not sent for revocation: %q", revoked)
		}
		if _, ok := client.TokenStore().Tokens(); ok {
			t.Error("store not cleared after logout")
		}
	})
}

func TestAPIErrorDecoding(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/course/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "course not found"})
	})
	mux.HandleFunc("/api/v1/course/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("not json"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	client.TokenStore().SetTokens(TokenPair{Access: "access-1", Refresh: "refresh-1"})

	t.Run("structured error payload", func(t *testing.T) {
		_, err := client.Courses.Get(context.Background(), "missing")
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected *APIError, got %v", err)
		}
		if apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "course not found" {
			t.Errorf("unexpected error: %+v", apiErr)
		}
	})

	t.Run("unstructured error payload", func(t *testing.T) {
		_, err := client.Courses.Get(context.Background(), "broken")
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected *APIError, got %v", err)
		}
		if apiErr.Message == "" {
			t.Error("expected a synthesized message for a non-JSON error body")
		}
	})
}
