package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that the configuration describes a runnable service.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("listen address required")
	}
	if err := c.Market.Params().Validate(); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLevelDB, BackendBolt:
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage: path required for %s backend", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("storage: unknown backend %q", c.Storage.Backend)
	}
	switch c.Custody.Mode {
	case CustodyDev:
	case CustodyHTTP:
		if _, err := url.ParseRequestURI(c.Custody.Endpoint); err != nil {
			return fmt.Errorf("custody: invalid endpoint %q", c.Custody.Endpoint)
		}
		if c.Custody.Token == "" {
			return fmt.Errorf("custody: token required for http mode")
		}
		if strings.TrimSpace(c.Custody.ID) == "" {
			return fmt.Errorf("custody: id required for http mode")
		}
	default:
		return fmt.Errorf("custody: unknown mode %q", c.Custody.Mode)
	}
	if c.Custody.Workers < 0 || c.Custody.QueueSize < 0 {
		return fmt.Errorf("custody: workers and queue size must not be negative")
	}
	if c.Custody.MaxAttempts < 0 {
		return fmt.Errorf("custody: max attempts must not be negative")
	}
	if c.Custody.MaxBackoff > 0 && c.Custody.MinBackoff > c.Custody.MaxBackoff {
		return fmt.Errorf("custody: min backoff %s exceeds max backoff %s", c.Custody.MinBackoff, c.Custody.MaxBackoff)
	}
	if c.RateLimit.RatePerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample ratio must be within [0, 1]")
	}
	if c.History.Enabled {
		switch c.History.Driver {
		case HistorySQLite, HistoryPostgres:
		default:
			return fmt.Errorf("history: unknown driver %q", c.History.Driver)
		}
		if strings.TrimSpace(c.History.DSN) == "" {
			return fmt.Errorf("history: dsn required")
		}
	}
	if strings.TrimSpace(c.Webhooks.Endpoint) != "" {
		if _, err := url.ParseRequestURI(c.Webhooks.Endpoint); err != nil {
			return fmt.Errorf("webhooks: invalid endpoint %q", c.Webhooks.Endpoint)
		}
		if c.Webhooks.Secret == "" {
			return fmt.Errorf("webhooks: secret required")
		}
	}
	return nil
}
