// Package core assembles the escrow node: durable state, the token ledger,
// the escrow engine and its event sinks.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gorm.io/gorm"

	"bountyescrow/config"
	"bountyescrow/core/caller"
	"bountyescrow/core/events"
	"bountyescrow/core/state"
	"bountyescrow/crypto"
	"bountyescrow/native/bank"
	"bountyescrow/native/escrow"
	"bountyescrow/storage"
	"bountyescrow/storage/eventlog"
)

// Node is the central controller, wiring all components together.
type Node struct {
	db     storage.Database
	state  *state.Manager
	ledger *bank.Ledger
	engine *escrow.Engine
	log    *eventlog.Log
	feed   *events.Feed
	logger *slog.Logger
}

// Options carries everything NewNode needs besides the config file.
type Options struct {
	Logger *slog.Logger
	// EventDB overrides the configured event-log database (tests).
	EventDB *gorm.DB
	Now     func() int64
}

// NewNode opens storage and the event log and builds a ready engine.
func NewNode(cfg *config.Config, opts Options) (*Node, error) {
	if cfg == nil {
		return nil, errors.New("core: nil config")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	custody, err := cfg.Custody()
	if err != nil {
		return nil, fmt.Errorf("core: custody address: %w", err)
	}

	db, err := openDatabase(cfg.DBBackend, cfg.DataDir)
	if err != nil {
		return nil, err
	}

	gdb := opts.EventDB
	if gdb == nil {
		if cfg.EventLog.Driver == eventlog.DriverSQLite {
			if err := os.MkdirAll(filepath.Dir(cfg.EventLog.DSN), 0o755); err != nil {
				db.Close()
				return nil, fmt.Errorf("core: event log dir: %w", err)
			}
		}
		gdb, err = eventlog.Open(cfg.EventLog.Driver, cfg.EventLog.DSN)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("core: open event log: %w", err)
		}
	}
	audit, err := eventlog.New(gdb, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	manager := state.NewManager(db)
	ledger := bank.NewLedger(manager)
	feed := events.NewFeed()

	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetLedger(ledger)
	engine.SetCustody(custody)
	engine.SetLogger(logger)
	audit.SetForward(feed)
	engine.SetEmitter(audit)
	engine.SetRoleTTL(time.Duration(cfg.Escrow.RoleTTLSeconds) * time.Second)
	engine.SetDefaultClaimWindow(time.Duration(cfg.Escrow.ClaimWindowSeconds) * time.Second)
	engine.SetMaxBatchSize(cfg.Escrow.MaxBatchSize)
	engine.SetDefaultRateLimit(escrow.RateLimitConfig{
		CooldownPeriod: cfg.RateLimit.CooldownSeconds,
		WindowSize:     cfg.RateLimit.WindowSeconds,
		MaxOperations:  cfg.RateLimit.MaxOperations,
	})
	if opts.Now != nil {
		engine.SetNowFunc(opts.Now)
	}

	logger.Info("escrow node ready",
		"backend", cfg.DBBackend,
		"custody", crypto.FormatAddress(custody),
		"eventlog", cfg.EventLog.Driver)

	return &Node{
		db:     db,
		state:  manager,
		ledger: ledger,
		engine: engine,
		log:    audit,
		feed:   feed,
		logger: logger,
	}, nil
}

func openDatabase(backend, dataDir string) (storage.Database, error) {
	if backend == storage.BackendMemory {
		return storage.NewMemDB(), nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("core: data dir: %w", err)
	}
	path := filepath.Join(dataDir, "escrow.ldb")
	if backend == storage.BackendBolt {
		path = filepath.Join(dataDir, "escrow.bolt")
	}
	db, err := storage.Open(backend, path)
	if err != nil {
		return nil, fmt.Errorf("core: open %s: %w", backend, err)
	}
	return db, nil
}

func (n *Node) Engine() *escrow.Engine { return n.engine }

func (n *Node) EventLog() *eventlog.Log { return n.log }

func (n *Node) Feed() *events.Feed { return n.feed }

// Close releases the KV store and the event-log connection pool.
func (n *Node) Close() error {
	n.db.Close()
	sqlDB, err := n.log.DB().DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ApplyBootstrap initialises an empty ledger from doc: admin, role grants,
// multisig, whitelist, claim window and development balances. A ledger that
// is already initialised is left untouched and reported with applied=false.
func (n *Node) ApplyBootstrap(ctx context.Context, doc *config.Bootstrap) (applied bool, err error) {
	if doc == nil {
		return false, nil
	}
	if _, err := n.engine.Admin(); err == nil {
		n.logger.Info("ledger already initialised; skipping bootstrap")
		return false, nil
	} else if !errors.Is(err, escrow.ErrNotInitialized) {
		return false, err
	}
	if err := doc.Validate(); err != nil {
		return false, err
	}

	admin, _ := crypto.ParseAddress(doc.Admin)
	adminCtx := caller.WithPrincipals(ctx, admin)
	if err := n.engine.Initialize(adminCtx, admin); err != nil {
		return false, fmt.Errorf("bootstrap: initialize: %w", err)
	}

	for i, grant := range doc.Roles {
		role, err := escrow.ParseRole(grant.Role)
		if err != nil {
			return true, fmt.Errorf("bootstrap: roles[%d]: %w", i, err)
		}
		target, _ := crypto.ParseAddress(grant.Address)
		if err := n.engine.GrantRole(adminCtx, target, role); err != nil {
			return true, fmt.Errorf("bootstrap: roles[%d]: %w", i, err)
		}
	}

	if ms := doc.Multisig; ms != nil {
		threshold, _ := config.ParseAmount(ms.Threshold)
		signers := make([][20]byte, 0, len(ms.Signers))
		for _, s := range ms.Signers {
			raw, _ := crypto.ParseAddress(s)
			signers = append(signers, raw)
		}
		err := n.engine.ConfigureMultisig(adminCtx, escrow.MultisigConfig{
			ThresholdAmount:   threshold,
			Signers:           signers,
			RequiredApprovals: ms.RequiredApprovals,
			Enabled:           true,
		})
		if err != nil {
			return true, fmt.Errorf("bootstrap: multisig: %w", err)
		}
	}

	for i, entry := range doc.Whitelist {
		raw, _ := crypto.ParseAddress(entry)
		if err := n.engine.SetWhitelist(adminCtx, raw, true); err != nil {
			return true, fmt.Errorf("bootstrap: whitelist[%d]: %w", i, err)
		}
	}

	if doc.ClaimWindow > 0 {
		if err := n.engine.SetClaimWindow(adminCtx, doc.ClaimWindow); err != nil {
			return true, fmt.Errorf("bootstrap: claim window: %w", err)
		}
	}

	if err := n.mintAllocations(doc.Balances); err != nil {
		return true, err
	}
	n.logger.Info("bootstrap applied",
		"admin", doc.Admin,
		"roles", len(doc.Roles),
		"whitelist", len(doc.Whitelist),
		"balances", len(doc.Balances))
	return true, nil
}

// mintAllocations credits development balances in address order so the
// resulting state is independent of document order. It must run before the
// RPC server starts since it bypasses the engine lock.
func (n *Node) mintAllocations(allocs []config.Allocation) error {
	sorted := append([]config.Allocation(nil), allocs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })
	for _, alloc := range sorted {
		amount, _ := config.ParseAmount(alloc.Amount)
		if amount.Sign() == 0 {
			continue
		}
		raw, _ := crypto.ParseAddress(alloc.Address)
		if err := n.ledger.Mint(raw, amount); err != nil {
			n.state.Rollback()
			return fmt.Errorf("bootstrap: mint %s: %w", alloc.Address, err)
		}
	}
	if err := n.state.Commit(); err != nil {
		return fmt.Errorf("bootstrap: commit balances: %w", err)
	}
	return nil
}
