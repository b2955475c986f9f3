package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/storygate/storygate/internal/auth"
	"github.com/storygate/storygate/internal/server"
	"github.com/storygate/storygate/internal/store"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "storygate",
	Short:   "StoryGate - subscription-gated story feed",
	Long:    `StoryGate serves a story catalog behind a paid subscription, reconciling billing provider events into local entitlement state.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return server.Run(context.Background(), Version)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("StoryGate %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var createAdminEmail string

var createAdminCmd = &cobra.Command{
	Use:   "create-admin",
	Short: "Create an admin account (or promote an existing one)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := server.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		email, err := auth.NormalizeEmail(createAdminEmail)
		if err != nil {
			return err
		}

		st, err := store.New(cfg.BillingDir())
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		existing, err := st.GetUserByEmail(email)
		if err != nil {
			return fmt.Errorf("lookup user: %w", err)
		}
		if existing != nil {
			if err := st.SetUserAdmin(existing.ID, true); err != nil {
				return fmt.Errorf("promote user: %w", err)
			}
			fmt.Printf("Promoted %s to admin\n", email)
			return nil
		}

		password, err := promptPassword()
		if err != nil {
			return err
		}
		if err := auth.ValidatePasswordComplexity(password); err != nil {
			return err
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		id, err := store.GenerateUserID()
		if err != nil {
			return fmt.Errorf("generate user id: %w", err)
		}
		user := &store.User{ID: id, Email: email, PasswordHash: hash, IsAdmin: true}
		if err := st.CreateUser(user); err != nil {
			return fmt.Errorf("create user: %w", err)
		}

		fmt.Printf("Created admin %s (%s)\n", email, user.ID)
		return nil
	},
}

func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func init() {
	createAdminCmd.Flags().StringVar(&createAdminEmail, "email", "", "email address for the admin account")
	_ = createAdminCmd.MarkFlagRequired("email")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(createAdminCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
