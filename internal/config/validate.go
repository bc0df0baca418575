package config

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Validate checks the configuration for required fields and invalid values.
// It collects all failures into a single error so the operator sees every
// problem at once.
func (c *Config) Validate() error {
	var errs []string

	// Auth
	if c.Auth.JWTSecret == "" {
		errs = append(errs, "auth.jwt_secret is required")
	} else if len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, "auth.jwt_secret must be at least 32 characters")
	}

	// Database
	if c.Database.Host == "" {
		errs = append(errs, "database.host is required")
	}
	if c.Database.Password == "" {
		errs = append(errs, "database.password is required")
	}
	if c.Database.DBName == "" {
		errs = append(errs, "database.dbname is required")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required")
	}

	// SMTP Outbound
	if c.SMTPOutbound.Hostname == "" {
		errs = append(errs, "smtp_outbound.hostname is required")
	}

	// DKIM master encryption key (optional, but validated if set)
	if c.DKIM.MasterEncryptionKey != "" {
		decoded, err := hex.DecodeString(c.DKIM.MasterEncryptionKey)
		if err != nil {
			errs = append(errs, "dkim.master_encryption_key must be valid hex")
		} else if len(decoded) < 32 {
			errs = append(errs, "dkim.master_encryption_key must be at least 32 bytes (64 hex chars)")
		}
	}

	// Core
	if c.Core.DatabaseURL == "" {
		errs = append(errs, "core.database_url is required")
	}
	if c.Core.SMTPHost == "" {
		errs = append(errs, "core.smtp_host is required")
	}
	if c.Core.WorkerConcurrency < 1 || c.Core.WorkerConcurrency > 100 {
		errs = append(errs, "core.worker_concurrency must be between 1 and 100")
	}
	if c.Core.MaxRetries < 0 || c.Core.MaxRetries > 10 {
		errs = append(errs, "core.max_retries must be between 0 and 10")
	}
	if c.Core.RetryDelayMS < 1000 {
		errs = append(errs, "core.retry_delay_ms must be at least 1000")
	}
	if c.Core.PollIntervalMS < 1000 {
		errs = append(errs, "core.poll_interval_ms must be at least 1000")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
