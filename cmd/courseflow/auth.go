package main

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	courseflow "github.com/course-flow/courseflow-go"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// login
	loginPassword string

	// register
	registerFirstName string
	registerLastName  string
	registerEmail     string
	registerPassword  string
)

func init() {
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "password (prompted when omitted)")

	registerCmd.Flags().StringVar(&registerFirstName, "first-name", "", "first name")
	registerCmd.Flags().StringVar(&registerLastName, "last-name", "", "last name")
	registerCmd.Flags().StringVar(&registerEmail, "email", "", "email address")
	registerCmd.Flags().StringVarP(&registerPassword, "password", "p", "", "password (prompted when omitted)")
	registerCmd.MarkFlagRequired("email")
}

// promptPassword reads a password without echo, falling back to the flag.
func promptPassword(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	fmt.Fprint(os.Stderr, "Password: ")
	data, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("cannot read password: %w", err)
	}
	return string(data), nil
}

// ============================================================================
// login
// ============================================================================

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in and store the session tokens",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]
		password, err := promptPassword(loginPassword)
		if err != nil {
			return err
		}

		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Auth.Login(ctx, username, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		// Tokens were already persisted by the store; record who we are.
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Auth.UserID = result.ID
		cfg.Auth.Username = result.Username
		cfg.Auth.DisplayName = result.FirstName + " " + result.LastName
		if err := saveConfig(cfg); err != nil {
			return err
		}

		fmt.Printf("Logged in as %s (%s %s)\n", result.Username, result.FirstName, result.LastName)
		return nil
	},
}

// ============================================================================
// register
// ============================================================================

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Create a new account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]
		password, err := promptPassword(registerPassword)
		if err != nil {
			return err
		}

		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Auth.Register(ctx, &courseflow.RegisterOptions{
			FirstName: registerFirstName,
			LastName:  registerLastName,
			Username:  username,
			Email:     registerEmail,
			Password:  password,
		})
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}

		fmt.Printf("Registered %s. Run 'courseflow login %s' to sign in.\n", result.User.Username, result.User.Username)
		return nil
	},
}

// ============================================================================
// logout
// ============================================================================

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the session and clear stored tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.Auth.Logout(ctx); err != nil {
			// Clear locally even when the server-side revoke fails.
			client.TokenStore().Clear()
			fmt.Fprintf(os.Stderr, "Warning: server logout failed: %v\n", err)
		}

		fmt.Println("Logged out.")
		return nil
	},
}

// ============================================================================
// whoami
// ============================================================================

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the logged-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.Username == "" {
			fmt.Println("Not logged in.")
			return nil
		}
		fmt.Printf("Username: %s\n", cfg.Auth.Username)
		fmt.Printf("Name:     %s\n", cfg.Auth.DisplayName)
		fmt.Printf("User ID:  %s\n", cfg.Auth.UserID)
		return nil
	},
}
