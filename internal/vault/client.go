// Package vault fetches venue credentials from HashiCorp Vault, falling
// back to the environment-sourced config when Vault is disabled.
package vault

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"

	"binance-grid-bot/config"
)

// Credentials holds the venue API key pair
type Credentials struct {
	APIKey    string
	SecretKey string
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config config.VaultConfig
}

// NewClient creates a new Vault client. A disabled config yields a client
// that only serves the fallback path.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// GetCredentials reads the venue API key pair from Vault. When Vault is
// disabled or the secret is missing, the fallback pair is returned instead.
func (c *Client) GetCredentials(ctx context.Context, fallback Credentials) (Credentials, error) {
	if !c.config.Enabled {
		return fallback, nil
	}

	path := fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return fallback, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		log.Warn().Str("path", path).Msg("vault secret not found, using environment credentials")
		return fallback, nil
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return fallback, fmt.Errorf("invalid secret format at %s", path)
	}

	creds := Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		log.Warn().Str("path", path).Msg("vault secret incomplete, using environment credentials")
		return fallback, nil
	}

	log.Info().Str("path", path).Msg("venue credentials loaded from vault")
	return creds, nil
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
