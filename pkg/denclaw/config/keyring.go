// OS-keyring credential storage. Resolution order for the engine API key:
// OS keyring → provider-conventional environment variable → config value.
package config

import (
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "denclaw"

	// keyringAPIKey is the key name for the engine API key.
	keyringAPIKey = "api_key"
)

// ProviderKeyNames maps provider IDs to their conventional API key variable
// names.
var ProviderKeyNames = map[string]string{
	"anthropic":  "ANTHROPIC_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"google":     "GOOGLE_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
}

// ProviderKeyName returns the conventional API key variable name for a
// provider, falling back to "API_KEY".
func ProviderKeyName(provider string) string {
	if name, ok := ProviderKeyNames[strings.ToLower(provider)]; ok {
		return name
	}
	return "API_KEY"
}

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring, or "" when absent.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// StoreAPIKey saves the engine API key to the OS keyring, the strongest tier
// of the resolution chain.
func StoreAPIKey(value string) error {
	return StoreKeyring(keyringAPIKey, value)
}

// DeleteAPIKey removes the engine API key from the OS keyring.
func DeleteAPIKey() error {
	return DeleteKeyring(keyringAPIKey)
}

// ResolveAPIKey fills Engine.APIKey from the strongest available source.
// The config value only survives when it is a real key, not an unexpanded
// ${VAR} reference.
func (c *Config) ResolveAPIKey(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	if val := GetKeyring(keyringAPIKey); val != "" {
		c.Engine.APIKey = val
		logger.Debug("API key loaded from OS keyring")
		return
	}

	if val := os.Getenv(ProviderKeyName(c.Engine.Provider)); val != "" {
		c.Engine.APIKey = val
		logger.Debug("API key loaded from environment", "provider", c.Engine.Provider)
		return
	}

	if c.Engine.APIKey != "" && !IsEnvReference(c.Engine.APIKey) {
		logger.Debug("API key loaded from config")
		return
	}

	c.Engine.APIKey = ""
	logger.Warn("no API key found; workers will run without engine credentials")
}

// Secrets builds the credential map handed to workers over their one-shot
// config channel.
func (c *Config) Secrets() map[string]string {
	if c.Engine.APIKey == "" {
		return nil
	}
	return map[string]string{
		ProviderKeyName(c.Engine.Provider): c.Engine.APIKey,
	}
}
