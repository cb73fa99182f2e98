package config

// Escrow holds the ledger knobs applied to the engine at startup.
type Escrow struct {
	CustodyAddress string `toml:"CustodyAddress"`
	// CustodyKeystore is generated on first start when CustodyAddress is empty.
	CustodyKeystore    string `toml:"CustodyKeystore"`
	ClaimWindowSeconds uint64 `toml:"ClaimWindowSeconds"`
	RoleTTLSeconds     uint64 `toml:"RoleTTLSeconds"`
	MaxBatchSize       int    `toml:"MaxBatchSize"`
}

// RateLimit is the default per-depositor lock throttle.
type RateLimit struct {
	WindowSeconds   uint64 `toml:"WindowSeconds"`
	MaxOperations   uint32 `toml:"MaxOperations"`
	CooldownSeconds uint64 `toml:"CooldownSeconds"`
}

// Auth configures bearer token verification on the RPC server.
type Auth struct {
	JWTSecret        string `toml:"JWTSecret"`
	JWTSecretEnv     string `toml:"JWTSecretEnv"`
	Issuer           string `toml:"Issuer"`
	Audience         string `toml:"Audience"`
	ClockSkewSeconds int64  `toml:"ClockSkewSeconds"`
}

// RPC bounds request volume per client.
type RPC struct {
	RequestsPerMinute int   `toml:"RequestsPerMinute"`
	Burst             int   `toml:"Burst"`
	MaxRequestBytes   int64 `toml:"MaxRequestBytes"`
	ReadTimeout       int   `toml:"ReadTimeoutSeconds"`
	WriteTimeout      int   `toml:"WriteTimeoutSeconds"`
}

// EventLog selects the audit log database.
type EventLog struct {
	Driver string `toml:"Driver"`
	DSN    string `toml:"DSN"`
}

// Logging controls structured log output.
type Logging struct {
	Env        string `toml:"Env"`
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint    string  `toml:"Endpoint"`
	Headers     string  `toml:"Headers"`
	Insecure    bool    `toml:"Insecure"`
	Metrics     bool    `toml:"Metrics"`
	Traces      bool    `toml:"Traces"`
	SampleRatio float64 `toml:"SampleRatio"`
}
