package eventlog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"bountyescrow/core/events"
	"bountyescrow/core/types"
)

type wireEvent struct{ evt *types.Event }

func (w wireEvent) EventType() string   { return w.evt.Type }
func (w wireEvent) Event() *types.Event { return w.evt }

func newTestLog(t *testing.T) *Log {
	t.Helper()
	db, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	log, err := New(db, nil)
	require.NoError(t, err)
	return log
}

func lockedEvent(id, amount string, ts int64) *types.Event {
	return &types.Event{
		Type:      "escrow.locked",
		Timestamp: ts,
		Attributes: map[string]string{
			"bountyId":  id,
			"depositor": "bty1depositor",
			"amount":    amount,
		},
	}
}

func TestAppendChainsHashes(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	first, err := log.Append(ctx, lockedEvent("1", "100", 10))
	require.NoError(t, err)
	require.Empty(t, first.PrevHash)
	require.Len(t, first.Hash, 64)
	require.Equal(t, "0000000000000000000000000000000000000100", first.Amount)
	require.NotNil(t, first.BountyID)
	require.EqualValues(t, 1, *first.BountyID)
	require.Equal(t, "bty1depositor", first.Actor)

	second, err := log.Append(ctx, lockedEvent("2", "5", 11))
	require.NoError(t, err)
	require.Equal(t, first.Hash, second.PrevHash)
	require.Equal(t, second.Hash, log.Head())
	require.Greater(t, second.Seq, first.Seq)

	n, err := log.Verify(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestVerifyDetectsTampering(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()
	for i, amount := range []string{"1", "2", "3"} {
		_, err := log.Append(ctx, lockedEvent("7", amount, int64(i)))
		require.NoError(t, err)
	}
	require.NoError(t, log.DB().Model(&Record{}).Where("seq = ?", 2).Update("payload", `{"type":"forged"}`).Error)

	n, err := log.Verify(ctx)
	require.True(t, errors.Is(err, ErrChainBroken))
	require.Equal(t, 1, n)
}

func TestNewResumesChainHead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	db, err := Open(DriverSQLite, path)
	require.NoError(t, err)
	log, err := New(db, nil)
	require.NoError(t, err)
	rec, err := log.Append(context.Background(), lockedEvent("1", "1", 1))
	require.NoError(t, err)

	reopened, err := New(db, nil)
	require.NoError(t, err)
	require.Equal(t, rec.Hash, reopened.Head())
	next, err := reopened.Append(context.Background(), lockedEvent("2", "1", 2))
	require.NoError(t, err)
	require.Equal(t, rec.Hash, next.PrevHash)
}

func TestQueryFilters(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()
	log.Emit(wireEvent{lockedEvent("1", "100", 10)})
	log.Emit(wireEvent{lockedEvent("2", "2000", 20)})
	log.Emit(wireEvent{&types.Event{
		Type:      "escrow.released",
		Timestamp: 30,
		Attributes: map[string]string{
			"bountyId":  "1",
			"recipient": "bty1contributor",
			"amount":    "100",
			"actor":     "bty1admin",
		},
	}})
	log.Emit(wireEvent{&types.Event{Type: "escrow.paused", Timestamp: 40, Attributes: map[string]string{"actor": "bty1admin"}}})

	all, err := log.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)

	one := uint64(1)
	byBounty, err := log.Query(ctx, Filter{BountyID: &one})
	require.NoError(t, err)
	require.Len(t, byBounty, 2)

	byType, err := log.Query(ctx, Filter{Type: "escrow.locked"})
	require.NoError(t, err)
	require.Len(t, byType, 2)

	byAddr, err := log.Query(ctx, Filter{Address: "bty1contributor"})
	require.NoError(t, err)
	require.Len(t, byAddr, 1)
	require.Equal(t, "escrow.released", byAddr[0].Type)

	big, err := log.Query(ctx, Filter{MinAmount: "1000"})
	require.NoError(t, err)
	require.Len(t, big, 1)
	require.EqualValues(t, 2, *big[0].BountyID)

	small, err := log.Query(ctx, Filter{MaxAmount: "500"})
	require.NoError(t, err)
	require.Len(t, small, 2)
	for _, rec := range small {
		require.EqualValues(t, 1, *rec.BountyID)
	}

	exact, err := log.Query(ctx, Filter{MinAmount: "100", MaxAmount: "100"})
	require.NoError(t, err)
	require.Len(t, exact, 2)

	between, err := log.Query(ctx, Filter{MinAmount: "150", MaxAmount: "5000"})
	require.NoError(t, err)
	require.Len(t, between, 1)
	require.Equal(t, "escrow.locked", between[0].Type)

	window, err := log.Query(ctx, Filter{From: 15, To: 35})
	require.NoError(t, err)
	require.Len(t, window, 2)

	page, err := log.Query(ctx, Filter{AfterSeq: all[1].Seq, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, all[2].Seq, page[0].Seq)

	evt, err := page[0].Event()
	require.NoError(t, err)
	require.Equal(t, "bty1contributor", evt.Attr("recipient"))
}

func TestEmitSwallowsBadEvents(t *testing.T) {
	log := newTestLog(t)
	log.Emit(wireEvent{&types.Event{Type: "escrow.locked", Attributes: map[string]string{"bountyId": "not-a-number"}}})
	all, err := log.Query(context.Background(), Filter{})
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestExportParquet(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := log.Append(ctx, lockedEvent("9", "42", int64(i)))
		require.NoError(t, err)
	}
	path := filepath.Join(t.TempDir(), "export", "events.parquet")
	n, err := log.ExportParquet(ctx, path, Filter{})
	require.NoError(t, err)
	require.Equal(t, 5, n)

	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(ParquetRow), 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	require.EqualValues(t, 5, pr.GetNumRows())

	rows := make([]ParquetRow, 5)
	require.NoError(t, pr.Read(&rows))
	require.Equal(t, "42", rows[0].Amount)
	require.Equal(t, "9", rows[0].BountyID)
	require.Equal(t, "escrow.locked", rows[0].Type)
	require.Equal(t, "bty1depositor", rows[0].Actor)
	require.Len(t, rows[4].Hash, 64)
	require.Equal(t, rows[3].Hash, rows[4].PrevHash)
}

type forwardSink struct{ got []*types.Event }

func (f *forwardSink) Emit(evt events.Event) { f.got = append(f.got, events.Wire(evt)) }

func TestEmitForwardsStampedEvents(t *testing.T) {
	log := newTestLog(t)
	sink := &forwardSink{}
	log.SetForward(sink)

	evt := lockedEvent("3", "70", 5)
	log.Emit(wireEvent{evt})
	log.Emit(wireEvent{lockedEvent("4", "80", 6)})

	require.Len(t, sink.got, 2)
	records, err := log.Query(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, records, 2)
	for i, rec := range records {
		require.Equal(t, rec.Seq, sink.got[i].Seq)
		require.Equal(t, rec.Hash, sink.got[i].Hash)
		require.NotContains(t, rec.Payload, `"seq"`)
	}
	require.Zero(t, evt.Seq, "the emitted event itself is not mutated")
}

func TestPadAmount(t *testing.T) {
	require.Equal(t, "", PadAmount(""))
	require.Len(t, PadAmount("1"), 40)
	require.Less(t, PadAmount("99"), PadAmount("100"))
	require.Equal(t, "7", trimAmount(PadAmount("7")))
	require.Equal(t, "0", trimAmount(PadAmount("0")))
}
