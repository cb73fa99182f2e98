// Package eventlog persists escrow events in an append-only SQL table whose
// rows are chained with blake3 hashes so tampering is detectable.
package eventlog

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"bountyescrow/core/events"
	"bountyescrow/core/types"
	"bountyescrow/observability"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	amountDigits = 40
	sinkName     = "eventlog"
)

var (
	// ErrChainBroken is returned by Verify when a stored row does not hash to
	// the value recorded for it.
	ErrChainBroken = errors.New("eventlog: hash chain broken")
	errNilDB       = errors.New("eventlog: database not configured")
)

// Record is one persisted event.
type Record struct {
	Seq       uint64  `gorm:"primaryKey;autoIncrement"`
	Type      string  `gorm:"size:64;index"`
	BountyID  *uint64 `gorm:"index"`
	Actor     string  `gorm:"size:96;index"`
	Recipient string  `gorm:"size:96;index"`
	Amount    string  `gorm:"size:40"`
	Timestamp int64   `gorm:"index"`
	Payload   string  `gorm:"type:text"`
	PrevHash  string  `gorm:"size:64"`
	Hash      string  `gorm:"size:64;uniqueIndex"`
	CreatedAt time.Time
}

// TableName pins the table name independent of gorm naming strategy.
func (Record) TableName() string { return "escrow_events" }

// Event decodes the stored payload back into its wire form.
func (r Record) Event() (*types.Event, error) {
	var evt types.Event
	if err := json.Unmarshal([]byte(r.Payload), &evt); err != nil {
		return nil, fmt.Errorf("eventlog: decode payload %d: %w", r.Seq, err)
	}
	return &evt, nil
}

// Open connects to the event-log database for driver.
func Open(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		if strings.TrimSpace(dsn) == "" {
			dsn = "file::memory:?cache=shared"
		}
		return gorm.Open(sqlite.Open(dsn), cfg)
	case DriverPostgres:
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("eventlog: unsupported driver %q", driver)
	}
}

// Log appends escrow events and serves them back for audit.
type Log struct {
	db      *gorm.DB
	logger  *slog.Logger
	metrics *observability.EscrowMetrics

	mu      sync.Mutex
	head    string
	forward events.Emitter
}

// New migrates the schema and resumes the hash chain from the latest row.
func New(db *gorm.DB, log *slog.Logger) (*Log, error) {
	if db == nil {
		return nil, errNilDB
	}
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("eventlog: migrate: %w", err)
	}
	l := &Log{db: db, logger: log.With("component", sinkName), metrics: observability.Escrow()}
	var last Record
	err := db.Order("seq DESC").Limit(1).Find(&last).Error
	if err != nil {
		return nil, fmt.Errorf("eventlog: load head: %w", err)
	}
	l.head = last.Hash
	return l, nil
}

// SetForward registers an emitter that receives each event after it has been
// persisted, stamped with its sequence number and chain hash. Events that fail
// to persist are not forwarded.
func (l *Log) SetForward(emitter events.Emitter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.forward = emitter
}

// persisted wraps a stored event for forwarding.
type persisted struct{ evt *types.Event }

func (p persisted) EventType() string    { return p.evt.Type }
func (p persisted) Event() *types.Event { return p.evt }

// DB exposes the underlying connection so other components can share it.
func (l *Log) DB() *gorm.DB { return l.db }

// Emit implements events.Emitter. Failures are logged and counted; they never
// propagate back into the ledger.
func (l *Log) Emit(evt events.Event) {
	wire := events.Wire(evt)
	if wire == nil {
		return
	}
	rec, err := l.Append(context.Background(), wire)
	if err != nil {
		l.metrics.RecordSinkError(sinkName)
		l.logger.Error("append escrow event", "type", wire.Type, "error", err)
		return
	}
	l.mu.Lock()
	forward := l.forward
	l.mu.Unlock()
	if forward == nil {
		return
	}
	stamped := *wire
	stamped.Seq = rec.Seq
	stamped.Hash = rec.Hash
	forward.Emit(persisted{evt: &stamped})
}

// PadAmount left-pads a decimal amount so lexical order matches numeric order.
func PadAmount(amount string) string {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return ""
	}
	if len(amount) >= amountDigits {
		return amount
	}
	return strings.Repeat("0", amountDigits-len(amount)) + amount
}

func chainHash(prev string, rec *Record) string {
	h := blake3.New(32, nil)
	h.Write([]byte(prev))
	h.Write([]byte{0})
	h.Write([]byte(rec.Type))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(rec.Timestamp, 10)))
	h.Write([]byte{0})
	h.Write([]byte(rec.Payload))
	return hex.EncodeToString(h.Sum(nil))
}

func recordFor(evt *types.Event) (*Record, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("eventlog: encode payload: %w", err)
	}
	rec := &Record{
		Type:      evt.Type,
		Actor:     evt.Attr("actor"),
		Recipient: evt.Attr("recipient"),
		Amount:    PadAmount(evt.Attr("amount")),
		Timestamp: evt.Timestamp,
		Payload:   string(payload),
	}
	if rec.Actor == "" {
		rec.Actor = evt.Attr("depositor")
	}
	if raw := evt.Attr("bountyId"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("eventlog: bounty id %q: %w", raw, err)
		}
		rec.BountyID = &id
	}
	return rec, nil
}

// Append stores evt at the head of the chain.
func (l *Log) Append(ctx context.Context, evt *types.Event) (*Record, error) {
	if evt == nil {
		return nil, errors.New("eventlog: nil event")
	}
	rec, err := recordFor(evt)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec.PrevHash = l.head
	rec.Hash = chainHash(l.head, rec)
	rec.CreatedAt = time.Now().UTC()
	if err := l.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("eventlog: insert: %w", err)
	}
	l.head = rec.Hash
	return rec, nil
}

// Head returns the hash of the most recent record.
func (l *Log) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// Filter narrows Query results. Zero values are ignored.
type Filter struct {
	Type      string
	BountyID  *uint64
	Address   string
	MinAmount string
	MaxAmount string
	From      int64
	To        int64
	AfterSeq  uint64
	Limit     int
}

const (
	defaultLimit = 100
	maxLimit     = 5000
)

func (f Filter) apply(q *gorm.DB) *gorm.DB {
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.BountyID != nil {
		q = q.Where("bounty_id = ?", *f.BountyID)
	}
	if f.Address != "" {
		q = q.Where("(actor = ? OR recipient = ?)", f.Address, f.Address)
	}
	if f.MinAmount != "" {
		q = q.Where("amount >= ?", PadAmount(f.MinAmount))
	}
	if f.MaxAmount != "" {
		q = q.Where("amount <> '' AND amount <= ?", PadAmount(f.MaxAmount))
	}
	if f.From > 0 {
		q = q.Where("timestamp >= ?", f.From)
	}
	if f.To > 0 {
		q = q.Where("timestamp <= ?", f.To)
	}
	if f.AfterSeq > 0 {
		q = q.Where("seq > ?", f.AfterSeq)
	}
	return q
}

// Query returns records matching f in sequence order. The last record's Seq
// is the cursor for the next page.
func (l *Log) Query(ctx context.Context, f Filter) ([]Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	var out []Record
	err := f.apply(l.db.WithContext(ctx).Model(&Record{})).Order("seq ASC").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("eventlog: query: %w", err)
	}
	return out, nil
}

// Verify walks the whole chain and returns the number of records checked.
func (l *Log) Verify(ctx context.Context) (int, error) {
	prev := ""
	count := 0
	var cursor uint64
	for {
		var page []Record
		err := l.db.WithContext(ctx).Where("seq > ?", cursor).Order("seq ASC").Limit(500).Find(&page).Error
		if err != nil {
			return count, fmt.Errorf("eventlog: verify: %w", err)
		}
		if len(page) == 0 {
			return count, nil
		}
		for i := range page {
			rec := &page[i]
			if rec.PrevHash != prev || chainHash(prev, rec) != rec.Hash {
				return count, fmt.Errorf("%w at seq %d", ErrChainBroken, rec.Seq)
			}
			prev = rec.Hash
			cursor = rec.Seq
			count++
		}
	}
}
