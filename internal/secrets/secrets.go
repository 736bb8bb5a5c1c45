// Package secrets loads the process's credentials: the wallet signing key and the API bearer token.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

const (
	DriverEnv = "env"
	DriverAWS = "aws"
)

// Provider resolves a secret reference to its value.
//
// For the AWS provider a reference may select one field of a JSON secret with "id#field", so the
// wallet key and the API token can live in a single secret.
type Provider interface {
	Get(ctx context.Context, ref string) (string, error)
}

// New returns the provider for driver ("" means env).
func New(ctx context.Context, driver string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverEnv:
		return NewEnv(), nil
	case DriverAWS:
		p, err := NewAWS(ctx)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, driver)
	}
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSProvider struct {
	client awsClient
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client awsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

func (p *AWSProvider) Get(ctx context.Context, ref string) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("%w: nil aws provider", ErrInvalidConfig)
	}
	id, field, err := splitRef(ref)
	if err != nil {
		return "", err
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &id,
	})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", id, err)
	}

	var raw string
	switch {
	case out.SecretString != nil && strings.TrimSpace(*out.SecretString) != "":
		raw = strings.TrimSpace(*out.SecretString)
	case len(out.SecretBinary) > 0:
		raw = string(out.SecretBinary)
	default:
		return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, id)
	}
	if field == "" {
		return raw, nil
	}

	var fields map[string]string
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return "", fmt.Errorf("%w: secret %q is not a JSON object of strings", ErrInvalidConfig, id)
	}
	v := strings.TrimSpace(fields[field])
	if v == "" {
		return "", fmt.Errorf("%w: secret %q has no field %q", ErrNotFound, id, field)
	}
	return v, nil
}

func splitRef(ref string) (id, field string, err error) {
	ref = strings.TrimSpace(ref)
	id, field, _ = strings.Cut(ref, "#")
	id = strings.TrimSpace(id)
	field = strings.TrimSpace(field)
	if id == "" {
		return "", "", fmt.Errorf("%w: empty secret id", ErrInvalidConfig)
	}
	return id, field, nil
}

// EnvProvider reads references as environment variable names.
type EnvProvider struct{}

func NewEnv() *EnvProvider {
	return &EnvProvider{}
}

func (p *EnvProvider) Get(_ context.Context, ref string) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil env provider", ErrInvalidConfig)
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty env key", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(ref))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, ref)
	}
	return v, nil
}

// Credentials are the secrets the API process needs.
type Credentials struct {
	WalletKeyHex string
	APIToken     string
}

// Load resolves the wallet key and, when tokenRef is set, the API token.
func Load(ctx context.Context, p Provider, walletKeyRef, tokenRef string) (Credentials, error) {
	if p == nil {
		return Credentials{}, fmt.Errorf("%w: nil provider", ErrInvalidConfig)
	}
	key, err := p.Get(ctx, walletKeyRef)
	if err != nil {
		return Credentials{}, fmt.Errorf("secrets: wallet key: %w", err)
	}
	creds := Credentials{WalletKeyHex: key}
	if strings.TrimSpace(tokenRef) != "" {
		tok, err := p.Get(ctx, tokenRef)
		if err != nil {
			return Credentials{}, fmt.Errorf("secrets: api token: %w", err)
		}
		creds.APIToken = tok
	}
	return creds, nil
}
