package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/ciforge/pkg/api"
	"github.com/cuemby/ciforge/pkg/auth"
	"github.com/cuemby/ciforge/pkg/config"
	"github.com/cuemby/ciforge/pkg/controller"
	"github.com/cuemby/ciforge/pkg/log"
	"github.com/cuemby/ciforge/pkg/metrics"
	"github.com/cuemby/ciforge/pkg/sandbox"
	"github.com/cuemby/ciforge/pkg/storage"
	"github.com/cuemby/ciforge/pkg/types"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "ciforge",
	Short: "ciforge - a small multi-tenant continuous integration service",
	Long: `ciforge accepts a Python project archive, runs its test suite in an
isolated sandbox, and streams the result back to the caller. It is
delivered as a single binary with no external dependencies beyond a
containerd socket.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"ciforge version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(adminCmd)
}

func initConfig() {
	cfg = config.Load()
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN}); err != nil {
			log.Logger.Warn().Err(err).Msg("failed to initialize sentry")
		}
	}
}

// openStore opens the bbolt store at cfg.DBPath, exiting the process on
// failure since every subcommand below needs it.
func openStore() storage.Store {
	store, err := storage.NewBoltStore(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store at %s: %v\n", cfg.DBPath, err)
		os.Exit(1)
	}
	return store
}

func openDriver() *sandbox.ContainerdDriver {
	driver, err := sandbox.NewContainerdDriver(cfg.ContainerdSocket, cfg.ContainerPrefix, cfg.BaseImage, sandboxLogsDir(), sandboxWorkspacesDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to containerd: %v\n", err)
		os.Exit(1)
	}
	return driver
}

func sandboxLogsDir() string  { return cfg.DBPath + "/logs" }
func sandboxWorkspacesDir() string { return cfg.DBPath + "/workspaces" }

// waitForSignal blocks until SIGINT/SIGTERM is received, then returns so
// the caller can shut down.
func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}

// serverCmd runs only the HTTP API, against a store shared with a
// separately running worker process.
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := openStore()
		defer store.Close()

		driver := openDriver()
		defer driver.Close()

		authn := auth.New(store)
		srv := api.NewServer(store, driver, authn, cfg)

		collector := metrics.NewCollector(store)
		collector.Start()
		defer collector.Stop()

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			waitForSignal()
			cancel()
		}()

		fmt.Printf("ciforge API listening on %s\n", cfg.ListenAddr)
		return srv.ListenAndServe(ctx)
	},
}

// workerCmd runs only the reconciliation controller, against a store
// shared with a separately running API process.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the reconciliation controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := openStore()
		defer store.Close()

		driver := openDriver()
		defer driver.Close()

		ctrl := controller.New(store, driver, cfg.ContainerPrefix, cfg.ReconcileInterval, cfg.SandboxRetention)
		ctx, cancel := context.WithCancel(context.Background())
		ctrl.Start(ctx)

		fmt.Println("ciforge controller started")
		waitForSignal()
		fmt.Println("shutting down...")
		cancel()
		ctrl.Stop()
		return nil
	},
}

// runCmd runs the API server and the controller in a single process, the
// default mode for small deployments that don't need to scale the two
// independently.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the API server and controller together",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := openStore()
		defer store.Close()

		driver := openDriver()
		defer driver.Close()

		authn := auth.New(store)
		srv := api.NewServer(store, driver, authn, cfg)
		ctrl := controller.New(store, driver, cfg.ContainerPrefix, cfg.ReconcileInterval, cfg.SandboxRetention)

		collector := metrics.NewCollector(store)
		collector.Start()
		defer collector.Stop()

		ctx, cancel := context.WithCancel(context.Background())
		ctrl.Start(ctx)

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.ListenAndServe(ctx)
		}()

		fmt.Printf("ciforge API listening on %s\n", cfg.ListenAddr)
		fmt.Println("ciforge controller started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("shutting down...")
		case err := <-errCh:
			if err != nil {
				fmt.Fprintf(os.Stderr, "API server error: %v\n", err)
			}
		}

		cancel()
		ctrl.Stop()
		return nil
	},
}

// adminCmd is the identity-management CLI described in SPEC_FULL.md §9:
// it talks directly to the Store, with no HTTP round trip.
var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Manage users and API keys",
}

var adminUserCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var adminUserCreateCmd = &cobra.Command{
	Use:   "create EMAIL",
	Short: "Create a new user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]
		displayName, _ := cmd.Flags().GetString("display-name")
		if displayName == "" {
			displayName = email
		}

		store := openStore()
		defer store.Close()

		if _, err := store.GetUserByEmail(email); err == nil {
			return fmt.Errorf("a user with email %s already exists", email)
		}

		user := &types.User{
			ID:          uuid.NewString(),
			DisplayName: displayName,
			Email:       email,
			IsActive:    true,
			CreatedAt:   time.Now().UTC(),
		}
		if err := store.CreateUser(user); err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}

		fmt.Printf("user created: %s\n", user.ID)
		fmt.Printf("  email: %s\n", user.Email)
		return nil
	},
}

var adminUserListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := openStore()
		defer store.Close()

		users, err := store.ListUsers()
		if err != nil {
			return fmt.Errorf("failed to list users: %w", err)
		}
		if len(users) == 0 {
			fmt.Println("no users found")
			return nil
		}

		fmt.Printf("%-36s %-30s %-8s\n", "ID", "EMAIL", "ACTIVE")
		for _, u := range users {
			fmt.Printf("%-36s %-30s %-8t\n", u.ID, u.Email, u.IsActive)
		}
		return nil
	},
}

var adminUserDisableCmd = &cobra.Command{
	Use:   "disable USER_ID",
	Short: "Deactivate a user, blocking further authentication",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := openStore()
		defer store.Close()

		user, err := store.GetUser(args[0])
		if err != nil {
			return fmt.Errorf("user not found: %w", err)
		}
		user.IsActive = false
		if err := store.UpdateUser(user); err != nil {
			return fmt.Errorf("failed to disable user: %w", err)
		}
		fmt.Printf("user disabled: %s\n", user.ID)
		return nil
	},
}

var adminKeyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage API keys",
}

var adminKeyIssueCmd = &cobra.Command{
	Use:   "issue USER_ID",
	Short: "Issue a new API key for a user, printing the token once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")

		store := openStore()
		defer store.Close()

		if _, err := store.GetUser(args[0]); err != nil {
			return fmt.Errorf("user not found: %w", err)
		}

		authn := auth.New(store)
		token, key, err := authn.IssueKey(args[0], name)
		if err != nil {
			return fmt.Errorf("failed to issue key: %w", err)
		}

		fmt.Println("api key issued - store this token now, it will not be shown again:")
		fmt.Printf("  %s\n", token)
		fmt.Printf("  key id: %s\n", key.ID)
		return nil
	},
}

var adminKeyRevokeCmd = &cobra.Command{
	Use:   "revoke KEY_ID",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := openStore()
		defer store.Close()

		key, err := store.GetApiKey(args[0])
		if err != nil {
			return fmt.Errorf("key not found: %w", err)
		}
		key.IsActive = false
		if err := store.UpdateApiKey(key); err != nil {
			return fmt.Errorf("failed to revoke key: %w", err)
		}
		fmt.Printf("key revoked: %s\n", key.ID)
		return nil
	},
}

var adminKeyListCmd = &cobra.Command{
	Use:   "list USER_ID",
	Short: "List a user's API keys",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := openStore()
		defer store.Close()

		keys, err := store.ListApiKeysByUser(args[0])
		if err != nil {
			return fmt.Errorf("failed to list keys: %w", err)
		}
		if len(keys) == 0 {
			fmt.Println("no keys found")
			return nil
		}

		fmt.Printf("%-36s %-20s %-8s %s\n", "ID", "NAME", "ACTIVE", "LAST USED")
		for _, k := range keys {
			lastUsed := "never"
			if !k.LastUsedAt.IsZero() {
				lastUsed = k.LastUsedAt.Format(time.RFC3339)
			}
			fmt.Printf("%-36s %-20s %-8t %s\n", k.ID, k.Name, k.IsActive, lastUsed)
		}
		return nil
	},
}

func init() {
	adminUserCreateCmd.Flags().String("display-name", "", "Display name (defaults to the email)")
	adminUserCmd.AddCommand(adminUserCreateCmd, adminUserListCmd, adminUserDisableCmd)

	adminKeyIssueCmd.Flags().String("name", "default", "Human-readable label for the key")
	adminKeyCmd.AddCommand(adminKeyIssueCmd, adminKeyRevokeCmd, adminKeyListCmd)

	adminCmd.AddCommand(adminUserCmd, adminKeyCmd)
}
