package config

import (
	"time"

	"nftmarket/native/market"
)

// Config is the complete marketd configuration. Field names double as TOML
// keys; YAML files use the lower-camel tags.
type Config struct {
	ListenAddress string `toml:"ListenAddress" yaml:"listen"`
	Environment   string `toml:"Environment" yaml:"environment"`
	// PublicURL is the externally reachable base URL; custody callbacks are
	// derived from it when Custody.CallbackURL is empty.
	PublicURL       string        `toml:"PublicURL" yaml:"publicURL"`
	ReadTimeout     time.Duration `toml:"ReadTimeout" yaml:"readTimeout"`
	WriteTimeout    time.Duration `toml:"WriteTimeout" yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `toml:"ShutdownTimeout" yaml:"shutdownTimeout"`

	Market    Market    `toml:"market" yaml:"market"`
	Storage   Storage   `toml:"storage" yaml:"storage"`
	Custody   Custody   `toml:"custody" yaml:"custody"`
	Auth      Auth      `toml:"auth" yaml:"auth"`
	RateLimit RateLimit `toml:"rate_limit" yaml:"rateLimit"`
	Logging   Logging   `toml:"logging" yaml:"logging"`
	Telemetry Telemetry `toml:"telemetry" yaml:"telemetry"`
	History   History   `toml:"history" yaml:"history"`
	Webhooks  Webhooks  `toml:"webhooks" yaml:"webhooks"`
}

// Market holds the engine identities and fee policy.
type Market struct {
	Vault             string `toml:"Vault" yaml:"vault"`
	Treasury          string `toml:"Treasury" yaml:"treasury"`
	Admin             string `toml:"Admin" yaml:"admin"`
	FeeBps            uint32 `toml:"FeeBps" yaml:"feeBps"`
	MaxPayoutEntries  uint32 `toml:"MaxPayoutEntries" yaml:"maxPayoutEntries"`
	EnforceWhitelist  bool   `toml:"EnforceWhitelist" yaml:"enforceWhitelist"`
	ResolvedCacheSize int    `toml:"ResolvedCacheSize" yaml:"resolvedCacheSize"`
	VerifyInvariants  bool   `toml:"VerifyInvariants" yaml:"verifyInvariants"`
}

// Params converts the section into engine parameters.
func (m Market) Params() market.Params {
	return market.Params{
		Vault:             market.AccountID(m.Vault),
		Treasury:          market.AccountID(m.Treasury),
		Admin:             market.AccountID(m.Admin),
		FeeBps:            m.FeeBps,
		MaxPayoutEntries:  m.MaxPayoutEntries,
		EnforceWhitelist:  m.EnforceWhitelist,
		ResolvedCacheSize: m.ResolvedCacheSize,
		VerifyInvariants:  m.VerifyInvariants,
	}
}

// Storage backends.
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
)

// Storage selects the ledger persistence backend.
type Storage struct {
	Backend string `toml:"Backend" yaml:"backend"`
	Path    string `toml:"Path" yaml:"path"`
	// IdempotencyPath is the SQLite file recording idempotent API requests.
	// Empty disables idempotency tracking.
	IdempotencyPath string `toml:"IdempotencyPath" yaml:"idempotencyPath"`
}

// Custody modes.
const (
	CustodyHTTP = "http"
	CustodyDev  = "dev"
)

// Custody configures the transfer adapter and the callback token.
type Custody struct {
	Mode     string `toml:"Mode" yaml:"mode"`
	Endpoint string `toml:"Endpoint" yaml:"endpoint"`
	// ID is the identity the custody bridge signs callbacks with; Token is
	// its signing secret and the bearer token sent with transfer requests.
	ID          string        `toml:"ID" yaml:"id"`
	Token       string        `toml:"Token" yaml:"token"`
	CallbackURL string        `toml:"CallbackURL" yaml:"callbackURL"`
	Timeout     time.Duration `toml:"Timeout" yaml:"timeout"`
	Workers     int           `toml:"Workers" yaml:"workers"`
	QueueSize   int           `toml:"QueueSize" yaml:"queueSize"`
	// MaxAttempts bounds deliveries of one request whose outcome is unknown.
	// Backoff between them grows from MinBackoff up to MaxBackoff.
	MaxAttempts int           `toml:"MaxAttempts" yaml:"maxAttempts"`
	MinBackoff  time.Duration `toml:"MinBackoff" yaml:"minBackoff"`
	MaxBackoff  time.Duration `toml:"MaxBackoff" yaml:"maxBackoff"`
	// CallbackSkew bounds the callback timestamp drift; NonceTTL is how long
	// callback nonces are remembered.
	CallbackSkew time.Duration `toml:"CallbackSkew" yaml:"callbackSkew"`
	NonceTTL     time.Duration `toml:"NonceTTL" yaml:"nonceTTL"`
	// CallbackSecrets admits additional signing identities.
	CallbackSecrets map[string]string `toml:"CallbackSecrets" yaml:"callbackSecrets"`
	// DevPayout is the split reported by the dev adapter for every transfer.
	DevPayout string `toml:"DevPayout" yaml:"devPayout"`
}

// Auth configures bearer token verification.
type Auth struct {
	HMACSecret string        `toml:"HMACSecret" yaml:"hmacSecret"`
	Issuer     string        `toml:"Issuer" yaml:"issuer"`
	Audience   string        `toml:"Audience" yaml:"audience"`
	ClockSkew  time.Duration `toml:"ClockSkew" yaml:"clockSkew"`
	// AllowAnonymousReads lets unauthenticated callers use GET routes.
	AllowAnonymousReads bool `toml:"AllowAnonymousReads" yaml:"allowAnonymousReads"`
}

// RateLimit bounds request rates per caller.
type RateLimit struct {
	RatePerSecond float64 `toml:"RatePerSecond" yaml:"ratePerSecond"`
	Burst         int     `toml:"Burst" yaml:"burst"`
}

// Logging configures the structured logger.
type Logging struct {
	Level      string `toml:"Level" yaml:"level"`
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"maxSizeMB"`
	MaxBackups int    `toml:"MaxBackups" yaml:"maxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"maxAgeDays"`
	Compress   bool   `toml:"Compress" yaml:"compress"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint    string  `toml:"Endpoint" yaml:"endpoint"`
	Insecure    bool    `toml:"Insecure" yaml:"insecure"`
	Headers     string  `toml:"Headers" yaml:"headers"`
	Metrics     bool    `toml:"Metrics" yaml:"metrics"`
	Traces      bool    `toml:"Traces" yaml:"traces"`
	SampleRatio float64 `toml:"SampleRatio" yaml:"sampleRatio"`
}

// History drivers.
const (
	HistorySQLite   = "sqlite"
	HistoryPostgres = "postgres"
)

// History configures the sales archive.
type History struct {
	Enabled bool   `toml:"Enabled" yaml:"enabled"`
	Driver  string `toml:"Driver" yaml:"driver"`
	DSN     string `toml:"DSN" yaml:"dsn"`
}

// Webhooks configures outbound settlement notifications. An empty Endpoint
// disables them.
type Webhooks struct {
	Endpoint    string        `toml:"Endpoint" yaml:"endpoint"`
	Secret      string        `toml:"Secret" yaml:"secret"`
	Events      []string      `toml:"Events" yaml:"events"`
	MaxAttempts int           `toml:"MaxAttempts" yaml:"maxAttempts"`
	MinBackoff  time.Duration `toml:"MinBackoff" yaml:"minBackoff"`
	MaxBackoff  time.Duration `toml:"MaxBackoff" yaml:"maxBackoff"`
}
