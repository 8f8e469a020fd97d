// Package secret resolves named secrets such as the token signing key from
// the environment or from AWS SSM Parameter Store.
package secret

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"arcstore/internal/config"
)

// EnvPrefix is prepended to environment variable names derived from
// secret names.
const EnvPrefix = "ARCSTORE_"

// ErrNotSet is returned when a secret has no value.
var ErrNotSet = errors.New("secret not set")

// Resolver looks secrets up by name.
type Resolver interface {
	Lookup(ctx context.Context, name string) (string, error)
}

// SSMAPI is the part of the SSM client the resolver uses.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSM reads SecureString parameters, decrypting them.
type SSM struct {
	client SSMAPI
}

var _ Resolver = (*SSM)(nil)

func NewSSM(client SSMAPI) *SSM {
	return &SSM{client: client}
}

func (s *SSM) Lookup(ctx context.Context, name string) (string, error) {
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("reading parameter %s: %w", name, err)
	}
	if out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
		return "", fmt.Errorf("parameter %s: %w", name, ErrNotSet)
	}
	return aws.ToString(out.Parameter.Value), nil
}

// Env reads secrets from environment variables. A parameter path such as
// /arcstore/jwt-secret maps to ARCSTORE_JWT_SECRET.
type Env struct {
	getenv func(string) string
}

var _ Resolver = (*Env)(nil)

func NewEnv() *Env {
	return &Env{getenv: os.Getenv}
}

func (e *Env) Lookup(_ context.Context, name string) (string, error) {
	v := EnvName(name)
	value := e.getenv(v)
	if value == "" {
		return "", fmt.Errorf("environment variable %s for %s: %w", v, name, ErrNotSet)
	}
	return value, nil
}

// EnvName returns the environment variable that holds secret name.
func EnvName(name string) string {
	base := strings.ToUpper(strings.ReplaceAll(path.Base(name), "-", "_"))
	return EnvPrefix + strings.TrimPrefix(base, EnvPrefix)
}

// NewFromConfig creates a resolver based on the secrets config type.
func NewFromConfig(ctx context.Context, cfg config.SecretsConfig) (Resolver, error) {
	switch cfg.Type {
	case "", "env":
		return NewEnv(), nil
	case "ssm":
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		return NewSSM(ssm.NewFromConfig(awsCfg)), nil
	default:
		return nil, fmt.Errorf("unknown secrets type: %s", cfg.Type)
	}
}
