package config

// redacted replaces secret values in displayed configuration
const redacted = "********"

// Masked returns a copy of the configuration with every secret replaced,
// safe to print or log
func (c *Config) Masked() *Config {
	m := *c
	mask(&m.Auth.JWTSecret)
	mask(&m.Redis.Password)
	mask(&m.ClickHouse.Password)
	mask(&m.Secrets.Vault.Token)
	mask(&m.Secrets.AWS.AccessKey)
	mask(&m.Secrets.AWS.SecretKey)
	return &m
}

func mask(s *string) {
	if *s != "" {
		*s = redacted
	}
}
