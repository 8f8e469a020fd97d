// Package backup snapshots every store namespace into a vault and restores
// them again.
//
// A snapshot is a CBOR sequence of namespace entries, optionally zstd
// compressed and age encrypted, stored in the vault under the blake3
// checksum of the stored bytes. The catalog of snapshots is kept as a
// versioned metadata document next to the content.
package backup

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by vaults for content or metadata they do not hold.
var ErrNotFound = errors.New("backup: not found")

// Vault stores snapshot content by checksum and versioned metadata
// documents per instance.
type Vault interface {
	// PutContent stores size bytes from r under checksum. Storing the same
	// checksum twice is a no-op.
	PutContent(ctx context.Context, checksum string, r io.Reader, size int64) error

	// GetContent writes the content stored under checksum to w.
	GetContent(ctx context.Context, checksum string, w io.Writer) error

	// PutMetadata replaces the named metadata document of an instance and
	// records version as its current version.
	PutMetadata(ctx context.Context, instanceID, name string, r io.Reader, size int64, version int64) error

	// GetMetadata writes the named metadata document to w.
	GetMetadata(ctx context.Context, instanceID, name string, w io.Writer) error

	// GetMetadataVersion returns the current version of the named document,
	// or 0 when it does not exist.
	GetMetadataVersion(ctx context.Context, instanceID, name string) (int64, error)

	// ValidateSetup checks that the vault is reachable and writable.
	ValidateSetup(ctx context.Context) error
}

// Encryptor encrypts snapshot content with a public key. Decryption needs
// the private key, which is unlocked with a passphrase.
type Encryptor interface {
	// Setup generates and stores a new key pair protected by passphrase.
	Setup(passphrase string) error

	// Encrypt reads plaintext from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock returns a context able to decrypt content.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured reports whether a key pair exists.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}
