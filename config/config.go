package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"bountyescrow/crypto"
)

const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
)

type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	DBBackend     string `toml:"DBBackend"`
	BootstrapFile string `toml:"BootstrapFile"`

	Escrow    Escrow    `toml:"escrow"`
	RateLimit RateLimit `toml:"ratelimit"`
	Auth      Auth      `toml:"auth"`
	RPC       RPC       `toml:"rpc"`
	EventLog  EventLog  `toml:"eventlog"`
	Logging   Logging   `toml:"logging"`
	Telemetry Telemetry `toml:"telemetry"`
}

// PassphraseSource resolves the custody keystore passphrase on demand.
type PassphraseSource func() (string, error)

type loadOptions struct {
	passphrase PassphraseSource
}

// Option customises Load.
type Option func(*loadOptions)

// WithKeystorePassphraseSource sets the source consulted when the custody
// keystore is created or opened. Without one the keystore is unencrypted.
func WithKeystorePassphraseSource(source PassphraseSource) Option {
	return func(o *loadOptions) { o.passphrase = source }
}

func (o loadOptions) keystorePassphrase() (string, error) {
	if o.passphrase == nil {
		return "", nil
	}
	pass, err := o.passphrase()
	if err != nil {
		return "", fmt.Errorf("config: keystore passphrase: %w", err)
	}
	return pass, nil
}

// Load loads the configuration from the given path, writing a default file
// first when none exists.
func Load(path string, opts ...Option) (*Config, error) {
	var lo loadOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&lo)
		}
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path, lo)
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
	}
	applyDefaults(cfg)
	if strings.TrimSpace(cfg.Escrow.CustodyAddress) == "" {
		if err := ensureCustody(path, cfg, lo); err != nil {
			return nil, err
		}
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// JWTSecret returns the configured signing secret, preferring the environment
// variable when one is named.
func (c *Config) JWTSecret() string {
	if env := strings.TrimSpace(c.Auth.JWTSecretEnv); env != "" {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return v
		}
	}
	return c.Auth.JWTSecret
}

// Custody decodes the custody account.
func (c *Config) Custody() ([20]byte, error) {
	return crypto.ParseAddress(c.Escrow.CustodyAddress)
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8545"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./escrow-data"
	}
	cfg.DBBackend = strings.ToLower(strings.TrimSpace(cfg.DBBackend))
	if cfg.DBBackend == "" {
		cfg.DBBackend = BackendLevelDB
	}
	if cfg.Escrow.ClaimWindowSeconds == 0 {
		cfg.Escrow.ClaimWindowSeconds = 86400
	}
	if cfg.Escrow.RoleTTLSeconds == 0 {
		cfg.Escrow.RoleTTLSeconds = 30 * 86400
	}
	if cfg.Escrow.MaxBatchSize == 0 {
		cfg.Escrow.MaxBatchSize = 100
	}
	if cfg.RateLimit.WindowSeconds == 0 && cfg.RateLimit.MaxOperations == 0 {
		cfg.RateLimit = RateLimit{WindowSeconds: 3600, MaxOperations: 10, CooldownSeconds: 60}
	}
	if cfg.Auth.ClockSkewSeconds == 0 {
		cfg.Auth.ClockSkewSeconds = 30
	}
	if cfg.RPC.RequestsPerMinute == 0 {
		cfg.RPC.RequestsPerMinute = 120
	}
	if cfg.RPC.Burst == 0 {
		cfg.RPC.Burst = 20
	}
	if cfg.RPC.MaxRequestBytes == 0 {
		cfg.RPC.MaxRequestBytes = 1 << 20
	}
	if cfg.RPC.ReadTimeout == 0 {
		cfg.RPC.ReadTimeout = 15
	}
	if cfg.RPC.WriteTimeout == 0 {
		cfg.RPC.WriteTimeout = 15
	}
	if strings.TrimSpace(cfg.EventLog.Driver) == "" {
		cfg.EventLog.Driver = "sqlite"
	}
	if cfg.EventLog.Driver == "sqlite" && strings.TrimSpace(cfg.EventLog.DSN) == "" {
		cfg.EventLog.DSN = filepath.Join(cfg.DataDir, "events.db")
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.File != "" {
		if cfg.Logging.MaxSizeMB == 0 {
			cfg.Logging.MaxSizeMB = 100
		}
		if cfg.Logging.MaxBackups == 0 {
			cfg.Logging.MaxBackups = 5
		}
		if cfg.Logging.MaxAgeDays == 0 {
			cfg.Logging.MaxAgeDays = 28
		}
	}
}

// ensureCustody creates (or reuses) the custody keystore and records its
// address in the config file.
func ensureCustody(configPath string, cfg *Config, lo loadOptions) error {
	keystorePath := cfg.Escrow.CustodyKeystore
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}
	pass, err := lo.keystorePassphrase()
	if err != nil {
		return err
	}

	var addr crypto.Address
	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		addr, err = crypto.SaveToKeystore(keystorePath, key, pass)
		if err != nil {
			return fmt.Errorf("config: write custody keystore: %w", err)
		}
	} else if err != nil {
		return err
	} else {
		key, err := crypto.LoadFromKeystore(keystorePath, pass)
		if err != nil {
			return fmt.Errorf("config: read custody keystore: %w", err)
		}
		addr = key.PubKey().Address()
	}

	cfg.Escrow.CustodyKeystore = keystorePath
	cfg.Escrow.CustodyAddress = addr.String()
	return persist(configPath, cfg)
}

// createDefault creates and saves a default configuration file.
func createDefault(path string, lo loadOptions) (*Config, error) {
	cfg := &Config{
		ListenAddress: ":8545",
		DataDir:       filepath.Join(filepath.Dir(path), "escrow-data"),
		DBBackend:     BackendLevelDB,
		Logging:       Logging{Env: "dev"},
	}
	applyDefaults(cfg)
	if err := ensureCustody(path, cfg, lo); err != nil {
		return nil, err
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

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "custody.keystore")
}
