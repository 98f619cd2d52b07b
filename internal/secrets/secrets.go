// Package secrets resolves the gateway's API credential. A literal value
// passes through; a value of the form "arn:..." is fetched from AWS
// Secrets Manager once and cached for the life of the process.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/rs/zerolog/log"
)

// api is the slice of the Secrets Manager client the resolver uses.
type api interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Resolver resolves a configured credential value. Safe for concurrent
// use; at most one upstream fetch is in flight at a time and failures
// are never cached.
type Resolver struct {
	value  string
	client api

	mu     sync.Mutex
	cached string
}

// New builds a resolver for the configured value. The AWS client is only
// constructed when the value is a secret reference.
func New(ctx context.Context, value, region string) (*Resolver, error) {
	r := &Resolver{value: value}
	if strings.HasPrefix(value, "arn:") {
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		r.client = secretsmanager.NewFromConfig(cfg)
	}
	return r, nil
}

// newWithClient is the test seam.
func newWithClient(value string, client api) *Resolver {
	return &Resolver{value: value, client: client}
}

// APIKey returns the resolved credential. Literal values return
// immediately; references resolve through Secrets Manager under a
// single-flight lock and are cached on success.
func (r *Resolver) APIKey(ctx context.Context) (string, error) {
	if !strings.HasPrefix(r.value, "arn:") {
		return r.value, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached != "" {
		return r.cached, nil
	}

	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(r.value),
	})
	if err != nil {
		return "", fmt.Errorf("resolve secret: %w", err)
	}
	secret := aws.ToString(out.SecretString)

	// The secret may be a raw string or a JSON object holding the key
	// under "api_key" or "API_KEY".
	var obj map[string]string
	if err := json.Unmarshal([]byte(secret), &obj); err == nil {
		if v, ok := obj["api_key"]; ok {
			secret = v
		} else if v, ok := obj["API_KEY"]; ok {
			secret = v
		}
	}
	if secret == "" {
		return "", fmt.Errorf("secret %s resolved to an empty value", r.value)
	}

	r.cached = secret
	log.Info().Msg("api key resolved from secrets manager")
	return secret, nil
}
