package vault

import (
	"context"
	"testing"

	"arcstore/internal/config"
)

func TestNewVaultFromConfig(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.VaultConfig
		wantErr  bool
		validate bool
	}{
		{
			name:     "memory vault",
			cfg:      config.VaultConfig{Type: "memory", Name: "test-memory"},
			validate: true,
		},
		{
			name: "s3 vault",
			cfg: config.VaultConfig{
				Type:        "s3",
				Name:        "test-s3",
				S3Bucket:    "my-bucket",
				S3Region:    "eu-west-1",
				S3Endpoint:  "http://localhost:9000",
				S3AccessKey: "admin",
				S3SecretKey: "secret",
			},
		},
		{
			name:    "s3 vault without bucket",
			cfg:     config.VaultConfig{Type: "s3", Name: "test-s3"},
			wantErr: true,
		},
		{
			name:    "s3 vault with half a key pair",
			cfg:     config.VaultConfig{Type: "s3", Name: "test-s3", S3Bucket: "b", S3AccessKey: "admin"},
			wantErr: true,
		},
		{
			name:     "filesystem vault",
			cfg:      config.VaultConfig{Type: "filesystem", Name: "test-fs", FSVaultRoot: t.TempDir()},
			validate: true,
		},
		{
			name:    "filesystem vault without root",
			cfg:     config.VaultConfig{Type: "filesystem", Name: "test-fs"},
			wantErr: true,
		},
		{
			name:    "unknown vault type",
			cfg:     config.VaultConfig{Type: "unknown", Name: "test-unknown"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			got, err := NewVaultFromConfig(ctx, tt.cfg)

			if (err != nil) != tt.wantErr {
				t.Fatalf("NewVaultFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got == nil {
				t.Fatal("NewVaultFromConfig() returned nil vault")
			}
			if tt.validate {
				if err := got.ValidateSetup(ctx); err != nil {
					t.Errorf("ValidateSetup() error = %v", err)
				}
			}
		})
	}
}
