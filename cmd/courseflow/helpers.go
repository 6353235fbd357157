package main

import (
	"fmt"
	"os"
	"sync"

	courseflow "github.com/course-flow/courseflow-go"
)

// ============================================================================
// File-backed token store
// ============================================================================

// fileTokenStore keeps the token pair in the CLI config file so refreshed
// tokens survive between invocations. Tokens rotate on every refresh; a pair
// that is not written back is a pair that stops working.
type fileTokenStore struct {
	mu sync.Mutex
}

func (s *fileTokenStore) Tokens() (courseflow.TokenPair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := loadConfig()
	if err != nil || cfg.Auth.AccessToken == "" {
		return courseflow.TokenPair{}, false
	}
	return courseflow.TokenPair{
		Access:  cfg.Auth.AccessToken,
		Refresh: cfg.Auth.RefreshToken,
	}, true
}

func (s *fileTokenStore) SetTokens(pair courseflow.TokenPair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := loadConfig()
	if err != nil {
		cfg = &Config{}
	}
	cfg.Auth.AccessToken = pair.Access
	cfg.Auth.RefreshToken = pair.Refresh
	if err := saveConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not persist tokens: %v\n", err)
	}
}

func (s *fileTokenStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := loadConfig()
	if err != nil {
		return
	}
	cfg.Auth = ConfigAuth{}
	if err := saveConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not clear tokens: %v\n", err)
	}
}

// ============================================================================
// Client construction
// ============================================================================

// getClient creates a CourseFlow client backed by the config file. Login is
// not required; commands that need it fail with the server's 401.
func getClient() *courseflow.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	opts := []courseflow.ClientOption{
		courseflow.WithTokenStore(&fileTokenStore{}),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, courseflow.WithBaseURL(cfg.Default.BaseURL))
	}
	return courseflow.NewClient(opts...)
}

// getAuthedClient is getClient plus a check that a token pair is stored.
func getAuthedClient() *courseflow.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.AccessToken == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'courseflow login' first.")
		os.Exit(1)
	}
	return getClient()
}
