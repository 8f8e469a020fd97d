// Package app builds every component from configuration and exposes the
// operations the CLI runs.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"arcstore/internal/arc"
	"arcstore/internal/auth"
	"arcstore/internal/backup"
	"arcstore/internal/config"
	"arcstore/internal/cursor"
	"arcstore/internal/encryption"
	"arcstore/internal/kvstore"
	"arcstore/internal/notify"
	"arcstore/internal/secret"
	"arcstore/internal/vault"
)

// App owns the store and everything wired around it. The caller must call
// Close when done.
type App struct {
	cfg       *config.Config
	kv        arc.KV
	store     *arc.Store
	registry  *notify.Registry
	auth      auth.Resolver
	vault     backup.Vault
	encryptor backup.Encryptor
	backup    *backup.Service
	op        *Operation
	logger    arc.Logger
	logFile   *os.File
	clock     arc.Clock
}

// Options override parts of the wiring. Zero values use the real
// implementations.
type Options struct {
	Clock   arc.Clock
	IDs     arc.IDGenerator
	Secrets secret.Resolver

	// Logger replaces the file logger; no log file is opened when set.
	Logger *slog.Logger
}

// New creates a fully wired App from cfg. operation names the CLI command
// being run and tags its log lines.
func New(ctx context.Context, cfg *config.Config, operation string, opts Options) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = arc.RealClock{}
	}
	if opts.IDs == nil {
		opts.IDs = arc.UUIDGenerator{}
	}

	a := &App{cfg: cfg, clock: opts.Clock}
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	a.op = NewOperation(operation, "", opts.Clock.Now())
	logger := opts.Logger
	if logger == nil {
		logger, a.logFile, err = newLogger(cfg.LogDir, cfg.LogLevel, a.op.ID)
		if err != nil {
			return nil, fmt.Errorf("creating logger: %w", err)
		}
	}
	a.logger = &slogAdapter{l: logger}

	if a.kv, err = kvstore.NewFromConfig(ctx, cfg.Store); err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Type, err)
	}

	a.registry = notify.NewRegistry(a.logger, cfg.Notifications.QueueSize)
	if a.store, err = arc.NewStore(ctx, a.kv, a.registry, a.logger, opts.Clock, opts.IDs); err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	secrets := opts.Secrets
	if secrets == nil {
		if secrets, err = secret.NewFromConfig(ctx, cfg.Secrets); err != nil {
			return nil, fmt.Errorf("creating secret resolver: %w", err)
		}
	}
	if a.auth, err = auth.NewFromConfig(ctx, cfg.Auth, secrets, a.store.Users, opts.Clock); err != nil {
		return nil, fmt.Errorf("creating auth resolver: %w", err)
	}

	if a.vault, err = vault.NewVaultFromConfig(ctx, cfg.Backup.Vault); err != nil {
		return nil, fmt.Errorf("creating vault: %w", err)
	}
	if a.encryptor, err = encryption.NewEncryptorFromConfig(cfg.Backup.Encryption); err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}
	a.backup = backup.NewService(a.store, a.vault, backup.Options{
		InstanceID: cfg.InstanceID,
		Compress:   cfg.Backup.Compress,
		Encryptor:  a.encryptor,
	}, a.logger, opts.Clock)

	a.logger.Debug("app started", "operation", operation, "store", cfg.Store.Type, "mode", cfg.Mode)
	return a, nil
}

// Store returns the wired store services.
func (a *App) Store() *arc.Store { return a.store }

// Registry returns the client registry events are fanned out through.
func (a *App) Registry() *notify.Registry { return a.registry }

// Operation returns the operation this App was created for.
func (a *App) Operation() *Operation { return a.op }

// ResolveUser maps a bearer token to the acting user.
func (a *App) ResolveUser(ctx context.Context, token string) (*arc.User, error) {
	return a.auth.Resolve(ctx, token)
}

// ListFiles lists the user's root files, or the children of parent.
func (a *App) ListFiles(ctx context.Context, user *arc.User, parent string, opts cursor.Options) (*cursor.Page[arc.File], error) {
	opts.Parent = parent
	page, err := a.store.Files.List(ctx, user, opts)
	return page, a.fail(err)
}

// ListRevisions lists the metadata revisions of a file.
func (a *App) ListRevisions(ctx context.Context, user *arc.User, key string, opts cursor.Options) (*cursor.Page[arc.Revision], error) {
	page, err := a.store.Files.ListRevisions(ctx, key, arc.AltMeta, user, opts)
	return page, a.fail(err)
}

// ListShared lists the files shared with user.
func (a *App) ListShared(ctx context.Context, user *arc.User, opts cursor.Options) (*cursor.Page[arc.File], error) {
	page, err := a.store.Shared.List(ctx, user, opts)
	return page, a.fail(err)
}

// PutUser creates or replaces a user record.
func (a *App) PutUser(ctx context.Context, user *arc.User) error {
	a.op.MarkMutating()
	return a.fail(a.store.Users.Put(ctx, user))
}

// SetupEncryption generates the snapshot key pair.
func (a *App) SetupEncryption(passphrase string) error {
	if a.encryptor == nil {
		return a.fail(fmt.Errorf("snapshot encryption is disabled"))
	}
	return a.fail(a.encryptor.Setup(passphrase))
}

// EncryptionEnabled reports whether snapshots are encrypted.
func (a *App) EncryptionEnabled() bool {
	return a.encryptor != nil
}

// ValidateVault checks the configured vault is reachable.
func (a *App) ValidateVault(ctx context.Context) error {
	return a.fail(a.vault.ValidateSetup(ctx))
}

// Backup takes a snapshot of the store.
func (a *App) Backup(ctx context.Context) (*backup.Manifest, error) {
	m, err := a.backup.Snapshot(ctx)
	return m, a.fail(err)
}

// Snapshots lists stored snapshots, oldest first.
func (a *App) Snapshots(ctx context.Context) ([]backup.Manifest, error) {
	list, err := a.backup.List(ctx)
	return list, a.fail(err)
}

// Restore replaces the store contents with a snapshot. Version 0 means the
// latest. passphrase unlocks encrypted snapshots and is ignored otherwise.
func (a *App) Restore(ctx context.Context, version int64, passphrase string) (*backup.Manifest, error) {
	a.op.Parameters = strconv.FormatInt(version, 10)
	var dec backup.DecryptionContext
	if a.encryptor != nil && passphrase != "" {
		var err error
		if dec, err = a.encryptor.Unlock(passphrase); err != nil {
			return nil, a.fail(fmt.Errorf("unlocking private key: %w", err))
		}
	}
	m, err := a.backup.Restore(ctx, version, dec)
	return m, a.fail(err)
}

// fail marks the operation failed when err is set and returns err.
func (a *App) fail(err error) error {
	if err != nil {
		a.op.Fail()
	}
	return err
}

// Close finishes the operation: a successful mutating operation is
// followed by a snapshot when auto_snapshot is set. Then the registry is
// drained and the store and engine are closed.
func (a *App) Close() error {
	var firstErr error
	if a.cfg.Backup.AutoSnapshot && a.op.NeedsSnapshot() {
		if _, err := a.backup.Snapshot(context.Background()); err != nil {
			firstErr = fmt.Errorf("taking snapshot: %w", err)
		}
	}

	a.logger.Info("operation finished", "operation", a.op.Name, "status", a.op.Status,
		"duration", a.clock.Now().Sub(a.op.Started))

	if err := a.release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// release closes whatever has been opened so far, in reverse order.
func (a *App) release() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.registry != nil {
		a.registry.Close()
	}
	if a.store != nil {
		keep(a.store.Close())
	}
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			keep(fmt.Errorf("closing store engine: %w", err))
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
