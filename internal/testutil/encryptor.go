package testutil

import (
	"arcstore/internal/encryption"
)

// NewTestEncryptor creates an encryptor that needs no keys.
func NewTestEncryptor() *encryption.TestEncryptor {
	return encryption.NewTestEncryptor()
}
