package encryption

import (
	"fmt"

	"arcstore/internal/backup"
	"arcstore/internal/config"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration
// type. Type "none" returns a nil Encryptor: snapshots are stored in the
// clear.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (backup.Encryptor, error) {
	switch cfg.Type {
	case "age", "":
		if cfg.PublicKeyPath == "" || cfg.PrivateKeyPath == "" {
			return nil, fmt.Errorf("age encryption requires public_key_path and private_key_path")
		}
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
