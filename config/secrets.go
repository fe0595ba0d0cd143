package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/hashicorp/vault/api"
)

// vaultKeyLength is the length of a decoded vault master key (AES-256)
const vaultKeyLength = 32

// SecretManager retrieves secrets from the configured provider
type SecretManager interface {
	GetSecret(key string) (string, error)
	GetJWTSecret() (string, error)
	// GetVaultKey returns the decoded 32-byte master key for keyID
	GetVaultKey(keyID string) ([]byte, error)
}

// vaultKeyName is the secret name holding the base64 master key for keyID
func vaultKeyName(keyID string) string {
	return "vault_key_" + keyID
}

func decodeVaultKey(keyID, encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("vault key %s is not valid base64: %w", keyID, err)
	}
	if len(key) != vaultKeyLength {
		return nil, fmt.Errorf("vault key %s must decode to %d bytes, got %d", keyID, vaultKeyLength, len(key))
	}
	return key, nil
}

// EnvSecretManager reads PERFWATCH_<KEY> environment variables (default)
type EnvSecretManager struct{}

func (e *EnvSecretManager) GetSecret(key string) (string, error) {
	envKey := "PERFWATCH_" + strings.ToUpper(key)
	value := os.Getenv(envKey)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not set", envKey)
	}
	return value, nil
}

func (e *EnvSecretManager) GetJWTSecret() (string, error) {
	return e.GetSecret("jwt_secret")
}

func (e *EnvSecretManager) GetVaultKey(keyID string) ([]byte, error) {
	encoded, err := e.GetSecret(vaultKeyName(keyID))
	if err != nil {
		return nil, err
	}
	return decodeVaultKey(keyID, encoded)
}

// VaultSecretManager retrieves secrets from HashiCorp Vault
type VaultSecretManager struct {
	path   string
	client *api.Client
}

func NewVaultSecretManager(config *Config) (*VaultSecretManager, error) {
	client, err := api.NewClient(&api.Config{
		Address: config.Secrets.Vault.Address,
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	if config.Secrets.Vault.Token != "" {
		client.SetToken(config.Secrets.Vault.Token)
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}

	path := config.Secrets.Vault.Path
	if path == "" {
		path = "secret/perfwatch"
	}
	return &VaultSecretManager{path: path, client: client}, nil
}

func (v *VaultSecretManager) GetSecret(key string) (string, error) {
	secret, err := v.client.Logical().Read(v.path)
	if err != nil {
		return "", fmt.Errorf("failed to read from Vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret not found at path %s", v.path)
	}

	data := secret.Data
	// KV v2 nests the payload under "data"
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}

	value, ok := data[key]
	if !ok {
		return "", fmt.Errorf("key %s not found in Vault secret", key)
	}
	strValue, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("secret value for key %s is not a string", key)
	}
	return strValue, nil
}

func (v *VaultSecretManager) GetJWTSecret() (string, error) {
	return v.GetSecret("jwt_secret")
}

func (v *VaultSecretManager) GetVaultKey(keyID string) ([]byte, error) {
	encoded, err := v.GetSecret(vaultKeyName(keyID))
	if err != nil {
		return nil, err
	}
	return decodeVaultKey(keyID, encoded)
}

// AWSSecretManager retrieves secrets from AWS Secrets Manager. The secret is
// a JSON object of string values.
type AWSSecretManager struct {
	secretID string
	client   *secretsmanager.SecretsManager
}

func NewAWSSecretManager(config *Config) (*AWSSecretManager, error) {
	awsCfg := &aws.Config{Region: aws.String(config.Secrets.AWS.Region)}
	if config.Secrets.AWS.AccessKey != "" && config.Secrets.AWS.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(
			config.Secrets.AWS.AccessKey,
			config.Secrets.AWS.SecretKey,
			"",
		)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	secretID := config.Secrets.AWS.SecretID
	if secretID == "" {
		secretID = "perfwatch/secrets"
	}
	return &AWSSecretManager{secretID: secretID, client: secretsmanager.New(sess)}, nil
}

func (a *AWSSecretManager) GetSecret(key string) (string, error) {
	result, err := a.client.GetSecretValue(&secretsmanager.GetSecretValueInput{
		SecretId: aws.String(a.secretID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret from AWS: %w", err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("AWS secret %s has no string value", a.secretID)
	}

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return "", fmt.Errorf("failed to parse AWS secret JSON: %w", err)
	}

	value, ok := secrets[key]
	if !ok {
		return "", fmt.Errorf("key %s not found in AWS secret", key)
	}
	return value, nil
}

func (a *AWSSecretManager) GetJWTSecret() (string, error) {
	return a.GetSecret("jwt_secret")
}

func (a *AWSSecretManager) GetVaultKey(keyID string) ([]byte, error) {
	encoded, err := a.GetSecret(vaultKeyName(keyID))
	if err != nil {
		return nil, err
	}
	return decodeVaultKey(keyID, encoded)
}

// NewSecretManager creates the secret manager named by secrets.provider
func NewSecretManager(config *Config) (SecretManager, error) {
	provider := config.Secrets.Provider
	if provider == "" {
		provider = "env"
	}

	switch provider {
	case "env":
		return &EnvSecretManager{}, nil
	case "vault":
		return NewVaultSecretManager(config)
	case "aws":
		return NewAWSSecretManager(config)
	default:
		return nil, fmt.Errorf("unsupported secret provider: %s", provider)
	}
}

// LoadVaultKeys fetches every configured vault key. The active key must be
// present; keys retained only for decrypting old rows may be missing.
func LoadVaultKeys(config *Config, manager SecretManager) (map[string][]byte, error) {
	keys := make(map[string][]byte)
	for _, id := range config.Vault.KeyIDs {
		key, err := manager.GetVaultKey(id)
		if err != nil {
			if id == config.Vault.ActiveKeyID {
				return nil, fmt.Errorf("failed to load active vault key %s: %w", id, err)
			}
			continue
		}
		keys[id] = key
	}
	if _, ok := keys[config.Vault.ActiveKeyID]; !ok {
		key, err := manager.GetVaultKey(config.Vault.ActiveKeyID)
		if err != nil {
			return nil, fmt.Errorf("failed to load active vault key %s: %w", config.Vault.ActiveKeyID, err)
		}
		keys[config.Vault.ActiveKeyID] = key
	}
	return keys, nil
}

// LoadSecrets fills secret-backed config fields from the configured provider
func LoadSecrets(config *Config) (SecretManager, error) {
	manager, err := NewSecretManager(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret manager: %w", err)
	}

	if config.Auth.Enabled && config.Auth.JWTSecret == "" {
		jwtSecret, err := manager.GetJWTSecret()
		if err != nil {
			return nil, fmt.Errorf("failed to load JWT secret: %w", err)
		}
		config.Auth.JWTSecret = jwtSecret
	}
	return manager, nil
}
