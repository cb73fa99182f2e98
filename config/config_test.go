package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"bountyescrow/crypto"
)

var (
	testCustody = crypto.FormatAddress([20]byte{0xCC})
	testAdmin   = crypto.FormatAddress([20]byte{0xAD})
	testSigner  = crypto.FormatAddress([20]byte{0x51})
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadParsesSections(t *testing.T) {
	path := writeFile(t, "config.toml", `ListenAddress = "127.0.0.1:9000"
DataDir = "/var/lib/escrow"
DBBackend = "Bolt"
BootstrapFile = "bootstrap.yaml"

[escrow]
CustodyAddress = "`+testCustody+`"
ClaimWindowSeconds = 600
MaxBatchSize = 25

[ratelimit]
WindowSeconds = 60
MaxOperations = 3
CooldownSeconds = 5

[auth]
JWTSecret = "0123456789abcdef0123456789abcdef"
Issuer = "escrow-tests"
Audience = "escrowd"

[rpc]
RequestsPerMinute = 30

[eventlog]
Driver = "postgres"
DSN = "postgres://escrow@localhost/escrow"

[logging]
Env = "prod"
File = "/var/log/escrowd.log"

[telemetry]
Endpoint = "otel:4318"
Traces = true
SampleRatio = 0.2
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.ListenAddress)
	require.Equal(t, BackendBolt, cfg.DBBackend)
	require.Equal(t, "bootstrap.yaml", cfg.BootstrapFile)
	require.EqualValues(t, 600, cfg.Escrow.ClaimWindowSeconds)
	require.EqualValues(t, 30*86400, cfg.Escrow.RoleTTLSeconds)
	require.Equal(t, 25, cfg.Escrow.MaxBatchSize)
	require.Equal(t, RateLimit{WindowSeconds: 60, MaxOperations: 3, CooldownSeconds: 5}, cfg.RateLimit)
	require.Equal(t, "escrow-tests", cfg.Auth.Issuer)
	require.EqualValues(t, 30, cfg.Auth.ClockSkewSeconds)
	require.Equal(t, 30, cfg.RPC.RequestsPerMinute)
	require.Equal(t, 20, cfg.RPC.Burst)
	require.Equal(t, "postgres", cfg.EventLog.Driver)
	require.Equal(t, 100, cfg.Logging.MaxSizeMB)
	require.True(t, cfg.Telemetry.Traces)

	custody, err := cfg.Custody()
	require.NoError(t, err)
	require.Equal(t, [20]byte{0xCC}, custody)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "config.toml", `ValidatorKey = "abc"
[escrow]
CustodyAddress = "`+testCustody+`"
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "ValidatorKey")
}

func TestLoadCreatesDefaultWithCustodyKeystore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, BackendLevelDB, cfg.DBBackend)
	require.Equal(t, filepath.Join(dir, "custody.keystore"), cfg.Escrow.CustodyKeystore)
	require.FileExists(t, cfg.Escrow.CustodyKeystore)
	require.Equal(t, filepath.Join(cfg.DataDir, "events.db"), cfg.EventLog.DSN)

	key, err := crypto.LoadFromKeystore(cfg.Escrow.CustodyKeystore, "")
	require.NoError(t, err)
	require.Equal(t, key.PubKey().Address().String(), cfg.Escrow.CustodyAddress)

	// reloading keeps the persisted custody account
	again, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Escrow.CustodyAddress, again.Escrow.CustodyAddress)
}

func TestLoadEncryptsCustodyKeystore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg, err := Load(path, WithKeystorePassphraseSource(func() (string, error) { return "s3cret", nil }))
	require.NoError(t, err)

	_, err = crypto.LoadFromKeystore(cfg.Escrow.CustodyKeystore, "wrong")
	require.Error(t, err)
	key, err := crypto.LoadFromKeystore(cfg.Escrow.CustodyKeystore, "s3cret")
	require.NoError(t, err)
	require.Equal(t, key.PubKey().Address().String(), cfg.Escrow.CustodyAddress)

	failing := WithKeystorePassphraseSource(func() (string, error) { return "", errors.New("no tty") })
	_, err = Load(filepath.Join(t.TempDir(), "config.toml"), failing)
	require.ErrorContains(t, err, "no tty")
}

func TestJWTSecretPrefersEnv(t *testing.T) {
	cfg := &Config{Auth: Auth{JWTSecret: "file-secret", JWTSecretEnv: "ESCROW_TEST_JWT"}}
	require.Equal(t, "file-secret", cfg.JWTSecret())
	t.Setenv("ESCROW_TEST_JWT", "env-secret")
	require.Equal(t, "env-secret", cfg.JWTSecret())
}

func validConfig() *Config {
	cfg := &Config{Escrow: Escrow{CustodyAddress: testCustody}}
	applyDefaults(cfg)
	return cfg
}

func TestValidateConfig(t *testing.T) {
	require.NoError(t, ValidateConfig(validConfig()))

	cases := map[string]func(*Config){
		"backend":        func(c *Config) { c.DBBackend = "rocksdb" },
		"custody":        func(c *Config) { c.Escrow.CustodyAddress = "nope" },
		"batch":          func(c *Config) { c.Escrow.MaxBatchSize = -1 },
		"rate window":    func(c *Config) { c.RateLimit.WindowSeconds = 0 },
		"short secret":   func(c *Config) { c.Auth.JWTSecret = "short" },
		"skew":           func(c *Config) { c.Auth.ClockSkewSeconds = -1 },
		"request bytes":  func(c *Config) { c.RPC.MaxRequestBytes = -1 },
		"driver":         func(c *Config) { c.EventLog.Driver = "mysql" },
		"postgres dsn":   func(c *Config) { c.EventLog = EventLog{Driver: "postgres"} },
		"sample ratio":   func(c *Config) { c.Telemetry.SampleRatio = 2 },
		"negative burst": func(c *Config) { c.RPC.Burst = -5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(cfg)
			require.Error(t, ValidateConfig(cfg))
		})
	}
	require.Error(t, ValidateConfig(nil))
}

func TestLoadBootstrap(t *testing.T) {
	path := writeFile(t, "bootstrap.yaml", `admin: `+testAdmin+`
roles:
  - address: `+testSigner+`
    role: operator
multisig:
  threshold: "1000"
  signers: [`+testSigner+`, `+testAdmin+`]
  requiredApprovals: 2
whitelist:
  - `+testSigner+`
balances:
  - address: `+testAdmin+`
    amount: "5000"
claimWindowSeconds: 120
`)
	doc, err := LoadBootstrap(path)
	require.NoError(t, err)
	require.Equal(t, testAdmin, doc.Admin)
	require.Len(t, doc.Roles, 1)
	require.Equal(t, "operator", doc.Roles[0].Role)
	require.EqualValues(t, 2, doc.Multisig.RequiredApprovals)
	require.Len(t, doc.Multisig.Signers, 2)
	require.Equal(t, "5000", doc.Balances[0].Amount)
	require.EqualValues(t, 120, doc.ClaimWindow)

	none, err := LoadBootstrap("")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestLoadBootstrapRejectsBadDocuments(t *testing.T) {
	cases := map[string]string{
		"bad admin":     "admin: nobody\n",
		"unknown field": "admin: " + testAdmin + "\nowner: x\n",
		"bad amount":    "admin: " + testAdmin + "\nbalances:\n  - address: " + testAdmin + "\n    amount: \"-1\"\n",
		"bad signer":    "admin: " + testAdmin + "\nmultisig:\n  threshold: \"1\"\n  signers: [zz]\n",
		"missing role":  "admin: " + testAdmin + "\nroles:\n  - address: " + testAdmin + "\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadBootstrap(writeFile(t, "bootstrap.yaml", doc))
			require.Error(t, err)
		})
	}
}

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount(" 42 ")
	require.NoError(t, err)
	require.EqualValues(t, 42, v.Int64())
	_, err = ParseAmount("")
	require.Error(t, err)
	_, err = ParseAmount("4.2")
	require.Error(t, err)
}
