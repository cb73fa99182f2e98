package core

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"bountyescrow/config"
	"bountyescrow/core/caller"
	"bountyescrow/crypto"
	"bountyescrow/native/escrow"
	"bountyescrow/storage/eventlog"
)

var (
	adminAddr    = [20]byte{0xAD}
	operatorAddr = [20]byte{0x0B}
	signerAddr   = [20]byte{0x51}
	aliceAddr    = [20]byte{0xA1}
	custodyAddr  = [20]byte{0xCC}
)

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		DataDir:   dir,
		DBBackend: backend,
		Escrow: config.Escrow{
			CustodyAddress:     crypto.FormatAddress(custodyAddr),
			ClaimWindowSeconds: 3600,
			RoleTTLSeconds:     86400,
			MaxBatchSize:       10,
		},
		RateLimit: config.RateLimit{WindowSeconds: 3600, MaxOperations: 100},
		EventLog:  config.EventLog{Driver: eventlog.DriverSQLite, DSN: filepath.Join(dir, "events.db")},
	}
}

func testBootstrap() *config.Bootstrap {
	return &config.Bootstrap{
		Admin: crypto.FormatAddress(adminAddr),
		Roles: []config.RoleGrant{{Address: crypto.FormatAddress(operatorAddr), Role: "operator"}},
		Multisig: &config.BootstrapMultisig{
			Threshold:         "1000",
			Signers:           []string{crypto.FormatAddress(signerAddr), crypto.FormatAddress(adminAddr)},
			RequiredApprovals: 2,
		},
		Whitelist:   []string{crypto.FormatAddress(aliceAddr)},
		Balances:    []config.Allocation{{Address: crypto.FormatAddress(aliceAddr), Amount: "5000"}, {Address: crypto.FormatAddress(operatorAddr), Amount: "0"}},
		ClaimWindow: 120,
	}
}

func TestNodeBootstrapAndLock(t *testing.T) {
	now := int64(1_700_000_000)
	node, err := NewNode(testConfig(t, "memory"), Options{Now: func() int64 { return now }})
	require.NoError(t, err)
	defer node.Close()

	ctx := context.Background()
	applied, err := node.ApplyBootstrap(ctx, testBootstrap())
	require.NoError(t, err)
	require.True(t, applied)

	engine := node.Engine()
	admin, err := engine.Admin()
	require.NoError(t, err)
	require.Equal(t, adminAddr, admin)

	ok, err := engine.HasRole(operatorAddr, escrow.RoleOperator)
	require.NoError(t, err)
	require.True(t, ok)

	ms, err := engine.GetMultisigConfig()
	require.NoError(t, err)
	require.True(t, ms.Enabled)
	require.EqualValues(t, 2, ms.RequiredApprovals)

	listed, err := engine.IsWhitelisted(aliceAddr)
	require.NoError(t, err)
	require.True(t, listed)

	window, err := engine.ClaimWindow()
	require.NoError(t, err)
	require.EqualValues(t, 120, window)

	bal, err := engine.AccountBalance(aliceAddr)
	require.NoError(t, err)
	require.EqualValues(t, 5000, bal.Int64())

	sub, cancel := node.Feed().Subscribe(4)
	defer cancel()
	require.NoError(t, engine.Lock(caller.WithPrincipals(ctx, aliceAddr), aliceAddr, 1, big.NewInt(400), now+100))
	evt := <-sub
	require.Equal(t, escrow.EventTypeLocked, evt.Type)

	locked := "escrow.locked"
	records, err := node.EventLog().Query(ctx, eventlog.Filter{Type: locked})
	require.NoError(t, err)
	require.Len(t, records, 1)
	n, err := node.EventLog().Verify(ctx)
	require.NoError(t, err)
	require.Greater(t, n, 1)

	// a second bootstrap is ignored
	applied, err = node.ApplyBootstrap(ctx, testBootstrap())
	require.NoError(t, err)
	require.False(t, applied)
	bal, err = engine.AccountBalance(aliceAddr)
	require.NoError(t, err)
	require.EqualValues(t, 4600, bal.Int64())
}

func TestNodePersistsAcrossRestart(t *testing.T) {
	cfg := testConfig(t, "leveldb")
	node, err := NewNode(cfg, Options{})
	require.NoError(t, err)
	_, err = node.ApplyBootstrap(context.Background(), testBootstrap())
	require.NoError(t, err)
	require.NoError(t, node.Close())

	reopened, err := NewNode(cfg, Options{})
	require.NoError(t, err)
	defer reopened.Close()
	admin, err := reopened.Engine().Admin()
	require.NoError(t, err)
	require.Equal(t, adminAddr, admin)
	bal, err := reopened.Engine().AccountBalance(aliceAddr)
	require.NoError(t, err)
	require.EqualValues(t, 5000, bal.Int64())
}

func TestNodeRejectsBadConfig(t *testing.T) {
	_, err := NewNode(nil, Options{})
	require.Error(t, err)

	cfg := testConfig(t, "memory")
	cfg.Escrow.CustodyAddress = "nope"
	_, err = NewNode(cfg, Options{})
	require.Error(t, err)

	cfg = testConfig(t, "rocksdb")
	_, err = NewNode(cfg, Options{})
	require.Error(t, err)
}

func TestBootstrapRejectsUnknownRole(t *testing.T) {
	node, err := NewNode(testConfig(t, "bolt"), Options{})
	require.NoError(t, err)
	defer node.Close()
	doc := testBootstrap()
	doc.Roles[0].Role = "superuser"
	_, err = node.ApplyBootstrap(context.Background(), doc)
	require.Error(t, err)

	applied, err := node.ApplyBootstrap(context.Background(), nil)
	require.NoError(t, err)
	require.False(t, applied)
}
