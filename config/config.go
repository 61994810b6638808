package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"nftmarket/native/market"
)

// EnvVar overrides Config.Environment when set.
const EnvVar = "MARKET_ENV"

// Secrets may be supplied through the environment instead of the file.
const (
	JWTSecretEnv     = "MARKET_JWT_SECRET"
	CustodyTokenEnv  = "MARKET_CUSTODY_TOKEN"
	WebhookSecretEnv = "MARKET_WEBHOOK_SECRET"
)

// Default returns a configuration suitable for local development.
func Default() *Config {
	return &Config{
		ListenAddress:   ":8080",
		Environment:     "dev",
		PublicURL:       "http://localhost:8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Market: Market{
			Vault:             "market.vault",
			Treasury:          "market.treasury",
			Admin:             "market.admin",
			FeeBps:            market.DefaultFeeBps,
			MaxPayoutEntries:  market.DefaultMaxPayoutEntries,
			ResolvedCacheSize: 4096,
			VerifyInvariants:  true,
		},
		Storage: Storage{
			Backend: BackendLevelDB,
			Path:    "./market-data/ledger",
		},
		Custody: Custody{
			Mode:         CustodyDev,
			ID:           "custody",
			Timeout:      10 * time.Second,
			Workers:      4,
			QueueSize:    256,
			MaxAttempts:  5,
			MinBackoff:   250 * time.Millisecond,
			MaxBackoff:   10 * time.Second,
			CallbackSkew: 2 * time.Minute,
			NonceTTL:     10 * time.Minute,
		},
		Auth: Auth{
			Issuer:              "nftmarket",
			ClockSkew:           2 * time.Minute,
			AllowAnonymousReads: true,
		},
		RateLimit: RateLimit{RatePerSecond: 10, Burst: 20},
		Logging:   Logging{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30},
		Telemetry: Telemetry{SampleRatio: 1},
		History:   History{Driver: HistorySQLite, DSN: "./market-data/history.db"},
	}
}

// Load reads the configuration at path. TOML is used unless the extension is
// .yaml or .yml. A missing file is created with the defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}
	cfg := Default()
	if isYAML(path) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0].String())
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if env := strings.TrimSpace(os.Getenv(EnvVar)); env != "" {
		c.Environment = env
	}
	if secret := os.Getenv(JWTSecretEnv); secret != "" {
		c.Auth.HMACSecret = secret
	}
	if token := os.Getenv(CustodyTokenEnv); token != "" {
		c.Custody.Token = token
	}
	if secret := os.Getenv(WebhookSecretEnv); secret != "" {
		c.Webhooks.Secret = secret
	}
}

// CallbackBase returns the URL prefix custody services report results to.
func (c *Config) CallbackBase() string {
	if c.Custody.CallbackURL != "" {
		return c.Custody.CallbackURL
	}
	if c.PublicURL == "" {
		return ""
	}
	return strings.TrimRight(c.PublicURL, "/") + "/v1/settlements"
}

// CallbackSecrets returns every identity allowed to sign custody
// callbacks.
func (c *Config) CallbackSecrets() map[string]string {
	secrets := make(map[string]string, len(c.Custody.CallbackSecrets)+1)
	for id, secret := range c.Custody.CallbackSecrets {
		secrets[id] = secret
	}
	if c.Custody.ID != "" && c.Custody.Token != "" {
		secrets[c.Custody.ID] = c.Custody.Token
	}
	return secrets
}

// CallbackBridges lists the signing identities that report outcomes for
// every custody service. Only the configured bridge qualifies.
func (c *Config) CallbackBridges() []string {
	if c.Custody.ID == "" || c.Custody.Token == "" {
		return nil
	}
	return []string{c.Custody.ID}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}
