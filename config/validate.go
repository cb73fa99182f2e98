package config

import (
	"fmt"
	"strings"

	"bountyescrow/crypto"
)

// MinJWTSecretLength is the shortest HMAC secret accepted.
var MinJWTSecretLength = 32

func ValidateConfig(c *Config) error {
	if c == nil {
		return fmt.Errorf("config: nil config")
	}
	switch c.DBBackend {
	case BackendMemory, BackendLevelDB, BackendBolt:
	default:
		return fmt.Errorf("config: DBBackend %q not one of memory, leveldb, bolt", c.DBBackend)
	}
	if _, err := crypto.ParseAddress(c.Escrow.CustodyAddress); err != nil {
		return fmt.Errorf("escrow: CustodyAddress: %w", err)
	}
	if c.Escrow.MaxBatchSize < 0 {
		return fmt.Errorf("escrow: MaxBatchSize < 0")
	}
	if c.RateLimit.WindowSeconds == 0 || c.RateLimit.MaxOperations == 0 {
		return fmt.Errorf("ratelimit: WindowSeconds and MaxOperations must be > 0")
	}
	if secret := c.JWTSecret(); secret != "" && len(secret) < MinJWTSecretLength {
		return fmt.Errorf("auth: JWT secret shorter than %d bytes", MinJWTSecretLength)
	}
	if c.Auth.ClockSkewSeconds < 0 {
		return fmt.Errorf("auth: ClockSkewSeconds < 0")
	}
	if c.RPC.RequestsPerMinute < 0 || c.RPC.Burst < 0 {
		return fmt.Errorf("rpc: rate limits must not be negative")
	}
	if c.RPC.MaxRequestBytes <= 0 {
		return fmt.Errorf("rpc: MaxRequestBytes <= 0")
	}
	switch strings.ToLower(c.EventLog.Driver) {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(c.EventLog.DSN) == "" {
			return fmt.Errorf("eventlog: postgres requires DSN")
		}
	default:
		return fmt.Errorf("eventlog: unsupported driver %q", c.EventLog.Driver)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: SampleRatio outside [0,1]")
	}
	return nil
}
