package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"arcstore/internal/app"
	"arcstore/internal/arc"
	"arcstore/internal/config"
	"arcstore/internal/cursor"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "Backup", "ListFiles").
func newApp(ctx context.Context, operation string) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.New(ctx, cfg, operation, app.Options{})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// readPassphrase prompts on the terminal without echo.
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

var rootCmd = &cobra.Command{
	Use:          "arcstore",
	Short:        "Storage engine for the arc file and app-data service",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		instanceID := uuid.New().String()
		cfg := config.NewConfig(instanceID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Instance ID: %s\n", instanceID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Instance ID: %s\n", cfg.InstanceID)
		fmt.Printf("Mode:        %s\n", cfg.Mode)
		fmt.Printf("Store:       %s\n", cfg.Store.Type)
		fmt.Printf("Auth:        %s\n", cfg.Auth.Type)
		fmt.Printf("Vault:       %s (%s)\n", cfg.Backup.Vault.Name, cfg.Backup.Vault.Type)
		fmt.Printf("Encryption:  %s\n", cfg.Backup.Encryption.Type)
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		return nil
	},
}

// migrate opens the store; every engine creates or upgrades its schema on open.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the store schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Migrate")
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Println("Store is up to date.")
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage snapshot encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the snapshot key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "SetupEncryption")
		if err != nil {
			return err
		}
		defer a.Close()

		passphrase, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if passphrase != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		if err := a.SetupEncryption(passphrase); err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}
		fmt.Println("Key pair created.")
		return nil
	},
}

// vault command
var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage the snapshot vault",
}

var vaultValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the vault is reachable and writable",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ValidateVault")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.ValidateVault(cmd.Context()); err != nil {
			return fmt.Errorf("vault validation failed: %w", err)
		}
		fmt.Println("Vault OK.")
		return nil
	},
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Take a snapshot of the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Backup")
		if err != nil {
			return err
		}
		defer a.Close()

		m, err := a.Backup(cmd.Context())
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}

		fmt.Printf("Snapshot %d stored (%s, %d bytes)\n", m.Version, m.Checksum[:12], m.Size)
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Snapshots")
		if err != nil {
			return err
		}
		defer a.Close()

		snapshots, err := a.Snapshots(cmd.Context())
		if err != nil {
			return err
		}

		if len(snapshots) == 0 {
			fmt.Println("No snapshots.")
			return nil
		}

		for _, m := range snapshots {
			flags := ""
			if m.Compressed {
				flags += "z"
			}
			if m.Encrypted {
				flags += "e"
			}
			fmt.Printf("#%-4d  %s  %s  %10d  %-2s\n",
				m.Version,
				time.UnixMilli(m.Created).Format("2006-01-02 15:04:05"),
				m.Checksum[:12],
				m.Size,
				flags,
			)
		}
		return nil
	},
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore [VERSION]",
	Short: "Replace the store contents with a snapshot (latest by default)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var version int64
		if len(args) > 0 {
			v, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || v < 1 {
				return fmt.Errorf("invalid version %q", args[0])
			}
			version = v
		}

		a, err := newApp(cmd.Context(), "Restore")
		if err != nil {
			return err
		}
		defer a.Close()

		var passphrase string
		if a.EncryptionEnabled() {
			if passphrase, err = readPassphrase("Passphrase: "); err != nil {
				return err
			}
		}

		m, err := a.Restore(cmd.Context(), version, passphrase)
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		fmt.Printf("Restored snapshot %d\n", m.Version)
		return nil
	},
}

// files command
var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Inspect stored files",
}

var filesLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List files of the acting user",
	RunE: func(cmd *cobra.Command, args []string) error {
		parent, _ := cmd.Flags().GetString("parent")
		opts, err := pageOptions(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "ListFiles")
		if err != nil {
			return err
		}
		defer a.Close()

		user, err := resolveUser(cmd, a)
		if err != nil {
			return err
		}
		page, err := a.ListFiles(cmd.Context(), user, parent, opts)
		if err != nil {
			return err
		}

		if len(page.Items) == 0 {
			fmt.Println("No files.")
			return nil
		}
		for _, f := range page.Items {
			fmt.Printf("%-36s  %-10s  %s  %s\n",
				f.Key,
				f.Kind,
				time.UnixMilli(f.LastModified.Time).Format("2006-01-02 15:04:05"),
				f.Info.Name,
			)
		}
		printNext(page.Cursor)
		return nil
	},
}

var revisionsCmd = &cobra.Command{
	Use:   "revisions KEY",
	Short: "List metadata revisions of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := pageOptions(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "ListRevisions")
		if err != nil {
			return err
		}
		defer a.Close()

		user, err := resolveUser(cmd, a)
		if err != nil {
			return err
		}
		page, err := a.ListRevisions(cmd.Context(), user, args[0], opts)
		if err != nil {
			return err
		}

		if len(page.Items) == 0 {
			fmt.Println("No revisions.")
			return nil
		}
		for _, r := range page.Items {
			fmt.Printf("%s  %s  %s\n",
				r.ID,
				time.UnixMilli(r.Created).Format("2006-01-02 15:04:05"),
				r.Modification.User,
			)
		}
		printNext(page.Cursor)
		return nil
	},
}

var sharedCmd = &cobra.Command{
	Use:   "shared",
	Short: "List files shared with the acting user",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := pageOptions(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "ListShared")
		if err != nil {
			return err
		}
		defer a.Close()

		user, err := resolveUser(cmd, a)
		if err != nil {
			return err
		}
		page, err := a.ListShared(cmd.Context(), user, opts)
		if err != nil {
			return err
		}

		if len(page.Items) == 0 {
			fmt.Println("Nothing shared.")
			return nil
		}
		for _, f := range page.Items {
			fmt.Printf("%-36s  %-10s  %s\n", f.Key, f.Kind, f.Info.Name)
		}
		printNext(page.Cursor)
		return nil
	},
}

func resolveUser(cmd *cobra.Command, a *app.App) (*arc.User, error) {
	token, _ := cmd.Flags().GetString("token")
	user, err := a.ResolveUser(cmd.Context(), token)
	if err != nil {
		return nil, fmt.Errorf("resolving user: %w", err)
	}
	return user, nil
}

func pageOptions(cmd *cobra.Command) (cursor.Options, error) {
	limit, _ := cmd.Flags().GetInt("limit")
	next, _ := cmd.Flags().GetString("next")
	if limit < 0 {
		return cursor.Options{}, fmt.Errorf("limit must not be negative")
	}
	return cursor.Options{Limit: limit, Cursor: next}, nil
}

func printNext(next string) {
	if next != "" {
		fmt.Printf("\nMore results: --next %s\n", next)
	}
}

func addPageFlags(cmd *cobra.Command) {
	cmd.Flags().String("token", "", "Bearer token identifying the acting user")
	cmd.Flags().IntP("limit", "n", 0, "Maximum number of results")
	cmd.Flags().String("next", "", "Continue from a previous listing")
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	keysCmd.AddCommand(keysInitCmd)
	vaultCmd.AddCommand(vaultValidateCmd)
	backupCmd.AddCommand(backupListCmd)

	// files subcommands
	filesCmd.AddCommand(filesLsCmd)
	filesLsCmd.Flags().String("parent", "", "List the children of this folder")
	for _, c := range []*cobra.Command{filesLsCmd, revisionsCmd, sharedCmd} {
		addPageFlags(c)
	}

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(vaultCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(filesCmd)
	rootCmd.AddCommand(revisionsCmd)
	rootCmd.AddCommand(sharedCmd)
}
