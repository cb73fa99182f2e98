package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"bountyescrow/config"
	"bountyescrow/core"
	"bountyescrow/crypto"
	"bountyescrow/native/escrow"
	"bountyescrow/storage/eventlog"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var (
	adminAddr    = [20]byte{0xAD}
	operatorAddr = [20]byte{0x0B}
	aliceAddr    = [20]byte{0xA1}
	bobAddr      = [20]byte{0xB0}
	custodyAddr  = [20]byte{0xCC}
)

const testNow = int64(1_700_000_000)

type testEnv struct {
	node   *core.Node
	server *Server
	ts     *httptest.Server
}

func newTestEnv(t *testing.T, tweak func(*ServerConfig)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		DataDir:   dir,
		DBBackend: config.BackendMemory,
		Escrow: config.Escrow{
			CustodyAddress:     crypto.FormatAddress(custodyAddr),
			ClaimWindowSeconds: 3600,
			RoleTTLSeconds:     86400,
			MaxBatchSize:       10,
		},
		RateLimit: config.RateLimit{WindowSeconds: 3600, MaxOperations: 100},
		EventLog:  config.EventLog{Driver: eventlog.DriverSQLite, DSN: filepath.Join(dir, "events.db")},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	node, err := core.NewNode(cfg, core.Options{Logger: logger, Now: func() int64 { return testNow }})
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Close() })

	_, err = node.ApplyBootstrap(context.Background(), &config.Bootstrap{
		Admin: crypto.FormatAddress(adminAddr),
		Roles: []config.RoleGrant{{Address: crypto.FormatAddress(operatorAddr), Role: "operator"}},
		Balances: []config.Allocation{
			{Address: crypto.FormatAddress(aliceAddr), Amount: "5000"},
			{Address: crypto.FormatAddress(bobAddr), Amount: "1000"},
		},
	})
	require.NoError(t, err)

	scfg := ServerConfig{Auth: AuthConfig{HMACSecret: testSecret}}
	if tweak != nil {
		tweak(&scfg)
	}
	server, err := NewServer(node.Engine(), node.EventLog(), node.Feed(), scfg, logger)
	require.NoError(t, err)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{node: node, server: server, ts: ts}
}

func token(t *testing.T, addr [20]byte) string {
	t.Helper()
	tok, err := IssueToken(testSecret, "", "", addr, time.Hour)
	require.NoError(t, err)
	return tok
}

type testResponse struct {
	status int
	header http.Header
	raw    []byte
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (env *testEnv) call(t *testing.T, headers map[string]string, method string, params interface{}) *testResponse {
	t.Helper()
	body := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		body["params"] = []interface{}{params}
	}
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/rpc", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Add(k, v)
	}
	resp, err := env.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := &testResponse{status: resp.StatusCode, header: resp.Header, raw: raw}
	require.NoError(t, json.Unmarshal(raw, out), string(raw))
	return out
}

func bearer(t *testing.T, addr [20]byte) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token(t, addr)}
}

func lockBody(id string, depositor [20]byte, amount string) map[string]interface{} {
	return map[string]interface{}{
		"bountyId":  id,
		"depositor": crypto.FormatAddress(depositor),
		"amount":    amount,
		"deadline":  testNow + 3600,
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := env.ts.Client().Get(env.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.Equal(t, "ok", health["status"])
	require.Equal(t, false, health["paused"])

	env.call(t, nil, "escrow_stats", nil)
	metrics, err := env.ts.Client().Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	text, err := io.ReadAll(metrics.Body)
	require.NoError(t, err)
	require.Contains(t, string(text), "bounty_rpc_requests_total")
}

func TestMutationsRequireToken(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.call(t, nil, "escrow_lock", lockBody("1", aliceAddr, "100"))
	require.Equal(t, http.StatusUnauthorized, resp.status)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	forged, err := IssueToken("another-secret-another-secret-xx", "", "", aliceAddr, time.Hour)
	require.NoError(t, err)
	resp = env.call(t, map[string]string{"Authorization": "Bearer " + forged}, "escrow_lock", lockBody("1", aliceAddr, "100"))
	require.Equal(t, http.StatusUnauthorized, resp.status)
	require.Equal(t, "invalid token", resp.Error.Message)

	// queries stay open
	resp = env.call(t, nil, "escrow_getPauseConfig", nil)
	require.Equal(t, http.StatusOK, resp.status)
	require.Nil(t, resp.Error)
}

func TestLockReleaseFlow(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.call(t, bearer(t, aliceAddr), "escrow_lock", lockBody("7", aliceAddr, "400"))
	require.Equal(t, http.StatusOK, resp.status, string(resp.raw))
	var esc escrowJSON
	require.NoError(t, json.Unmarshal(resp.Result, &esc))
	require.Equal(t, "7", esc.BountyID)
	require.Equal(t, "locked", esc.Status)
	require.Equal(t, "400", esc.RemainingAmount)

	resp = env.call(t, bearer(t, operatorAddr), "escrow_release", map[string]interface{}{
		"bountyId":    "7",
		"contributor": crypto.FormatAddress(bobAddr),
		"amount":      "150",
	})
	require.Equal(t, http.StatusOK, resp.status, string(resp.raw))
	require.NoError(t, json.Unmarshal(resp.Result, &esc))
	require.Equal(t, "partially_released", esc.Status)
	require.Equal(t, "250", esc.RemainingAmount)

	resp = env.call(t, nil, "bank_getBalance", map[string]string{"address": crypto.FormatAddress(bobAddr)})
	var bal balanceJSON
	require.NoError(t, json.Unmarshal(resp.Result, &bal))
	require.Equal(t, "1150", bal.Balance)

	resp = env.call(t, nil, "escrow_getBalance", nil)
	require.NoError(t, json.Unmarshal(resp.Result, &bal))
	require.Equal(t, "250", bal.Balance)
	require.Equal(t, crypto.FormatAddress(custodyAddr), bal.Address)

	resp = env.call(t, nil, "escrow_query", map[string]interface{}{"depositor": crypto.FormatAddress(aliceAddr)})
	var list queryResult
	require.NoError(t, json.Unmarshal(resp.Result, &list))
	require.EqualValues(t, 1, list.Total)
	require.Len(t, list.Escrows, 1)

	resp = env.call(t, nil, "escrow_stats", nil)
	var stats statsJSON
	require.NoError(t, json.Unmarshal(resp.Result, &stats))
	require.EqualValues(t, 1, stats.TotalBounties)
	require.Equal(t, "150", stats.TotalReleased)
}

func TestEscrowErrorMapping(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := bearer(t, aliceAddr)
	require.Equal(t, http.StatusOK, env.call(t, alice, "escrow_lock", lockBody("1", aliceAddr, "100")).status)

	cases := []struct {
		name    string
		headers map[string]string
		method  string
		params  interface{}
		status  int
		code    int
		message string
	}{
		{"duplicate bounty", alice, "escrow_lock", lockBody("1", aliceAddr, "100"), http.StatusConflict, codeEscrowConflict, "bounty_exists"},
		{"zero amount", alice, "escrow_lock", lockBody("2", aliceAddr, "0"), http.StatusBadRequest, codeEscrowInvalidParams, "invalid_amount"},
		{"insufficient balance", alice, "escrow_lock", lockBody("3", aliceAddr, "999999"), http.StatusConflict, codeEscrowConflict, "insufficient_balance"},
		{"foreign depositor", alice, "escrow_lock", lockBody("4", bobAddr, "10"), http.StatusForbidden, codeEscrowForbidden, "unauthorized"},
		{"missing bounty", nil, "escrow_getInfo", map[string]string{"bountyId": "99"}, http.StatusNotFound, codeEscrowNotFound, "bounty_not_found"},
		{"release without role", alice, "escrow_release", map[string]string{"bountyId": "1", "contributor": crypto.FormatAddress(bobAddr)}, http.StatusForbidden, codeEscrowForbidden, "unauthorized"},
		{"bad amount", alice, "escrow_lock", lockBody("5", aliceAddr, "ten"), http.StatusBadRequest, codeInvalidParams, "invalid_params"},
		{"unknown field", nil, "escrow_getInfo", map[string]string{"bountyId": "1", "extra": "x"}, http.StatusBadRequest, codeInvalidParams, "invalid_params"},
		{"unknown method", nil, "escrow_nope", nil, http.StatusNotFound, codeMethodNotFound, "method not found"},
		{"no claim", nil, "escrow_getPendingClaim", map[string]string{"bountyId": "1"}, http.StatusNotFound, codeEscrowNotFound, "claim_not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.call(t, tc.headers, tc.method, tc.params)
			require.Equal(t, tc.status, resp.status, string(resp.raw))
			require.NotNil(t, resp.Error)
			require.Equal(t, tc.code, resp.Error.Code)
			require.Equal(t, tc.message, resp.Error.Message)
		})
	}
}

func TestPauseBlocksLocks(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.call(t, bearer(t, adminAddr), "escrow_setPause", map[string]interface{}{"operation": "lock", "paused": true})
	require.Equal(t, http.StatusOK, resp.status, string(resp.raw))
	var pause pauseJSON
	require.NoError(t, json.Unmarshal(resp.Result, &pause))
	require.True(t, pause.LockPaused)
	require.False(t, pause.ReleasePaused)

	resp = env.call(t, bearer(t, aliceAddr), "escrow_lock", lockBody("1", aliceAddr, "100"))
	require.Equal(t, http.StatusServiceUnavailable, resp.status)
	require.Equal(t, "lock_paused", resp.Error.Message)

	resp = env.call(t, bearer(t, adminAddr), "escrow_setPause", map[string]interface{}{"operation": "everything", "paused": true})
	require.Equal(t, http.StatusBadRequest, resp.status)
}

func TestIdempotentReplay(t *testing.T) {
	env := newTestEnv(t, nil)
	headers := bearer(t, aliceAddr)
	headers[idempotencyHeader] = "lock-42"

	first := env.call(t, headers, "escrow_lock", lockBody("42", aliceAddr, "300"))
	require.Equal(t, http.StatusOK, first.status)
	require.Empty(t, first.header.Get("Idempotent-Replay"))

	second := env.call(t, headers, "escrow_lock", lockBody("42", aliceAddr, "300"))
	require.Equal(t, http.StatusOK, second.status)
	require.Equal(t, "true", second.header.Get("Idempotent-Replay"))
	require.JSONEq(t, string(first.raw), string(second.raw))

	bal, err := env.node.Engine().AccountBalance(aliceAddr)
	require.NoError(t, err)
	require.EqualValues(t, 4700, bal.Int64())

	// the same key under another caller is a fresh request
	other := bearer(t, bobAddr)
	other[idempotencyHeader] = "lock-42"
	resp := env.call(t, other, "escrow_lock", lockBody("42", bobAddr, "10"))
	require.Equal(t, http.StatusConflict, resp.status)
	require.Empty(t, resp.header.Get("Idempotent-Replay"))
}

func TestClientRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *ServerConfig) {
		cfg.RequestsPerMinute = 1
		cfg.Burst = 2
	})
	require.Equal(t, http.StatusOK, env.call(t, nil, "escrow_stats", nil).status)
	require.Equal(t, http.StatusOK, env.call(t, nil, "escrow_stats", nil).status)
	resp := env.call(t, nil, "escrow_stats", nil)
	require.Equal(t, http.StatusTooManyRequests, resp.status)
	require.Equal(t, codeRateLimited, resp.Error.Code)
}

func TestBatchLockWithCosigner(t *testing.T) {
	env := newTestEnv(t, nil)
	items := map[string]interface{}{"items": []interface{}{
		lockBody("10", aliceAddr, "100"),
		lockBody("11", bobAddr, "200"),
	}}

	resp := env.call(t, bearer(t, aliceAddr), "escrow_batchLock", items)
	require.Equal(t, http.StatusForbidden, resp.status, string(resp.raw))

	headers := bearer(t, aliceAddr)
	headers[CosignHeader] = "Bearer " + token(t, bobAddr)
	resp = env.call(t, headers, "escrow_batchLock", items)
	require.Equal(t, http.StatusOK, resp.status, string(resp.raw))
	var out batchResult
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	require.Equal(t, 2, out.Count)

	resp = env.call(t, nil, "escrow_getInfo", map[string]string{"bountyId": "11"})
	var esc escrowJSON
	require.NoError(t, json.Unmarshal(resp.Result, &esc))
	require.Equal(t, crypto.FormatAddress(bobAddr), esc.Depositor)
}

func TestApprovedRefundAndHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	require.Equal(t, http.StatusOK, env.call(t, bearer(t, aliceAddr), "escrow_lock", lockBody("3", aliceAddr, "500")).status)

	resp := env.call(t, nil, "escrow_getRefundEligibility", map[string]string{"bountyId": "3"})
	var elig eligibilityJSON
	require.NoError(t, json.Unmarshal(resp.Result, &elig))
	require.False(t, elig.DeadlinePassed)
	require.Equal(t, "500", elig.RemainingAmount)

	resp = env.call(t, bearer(t, adminAddr), "escrow_approveRefund", map[string]interface{}{
		"bountyId":  "3",
		"amount":    "200",
		"recipient": crypto.FormatAddress(bobAddr),
	})
	require.Equal(t, http.StatusOK, resp.status, string(resp.raw))

	resp = env.call(t, bearer(t, aliceAddr), "escrow_refund", map[string]interface{}{
		"bountyId": "3",
		"mode":     "partial",
		"amount":   "200",
	})
	require.Equal(t, http.StatusConflict, resp.status)
	require.Equal(t, "deadline_not_passed", resp.Error.Message)

	resp = env.call(t, bearer(t, aliceAddr), "escrow_refund", map[string]interface{}{
		"bountyId":  "3",
		"mode":      "custom",
		"amount":    "200",
		"recipient": crypto.FormatAddress(bobAddr),
	})
	require.Equal(t, http.StatusOK, resp.status, string(resp.raw))
	var esc escrowJSON
	require.NoError(t, json.Unmarshal(resp.Result, &esc))
	require.Equal(t, "partially_refunded", esc.Status)

	resp = env.call(t, nil, "escrow_getRefundHistory", map[string]string{"bountyId": "3"})
	var history []refundRecordJSON
	require.NoError(t, json.Unmarshal(resp.Result, &history))
	require.Len(t, history, 1)
	require.Equal(t, "200", history[0].Amount)
	require.Equal(t, "custom", history[0].Mode)
	require.Equal(t, crypto.FormatAddress(bobAddr), history[0].Recipient)
}

func TestEventsQuery(t *testing.T) {
	env := newTestEnv(t, nil)
	require.Equal(t, http.StatusOK, env.call(t, bearer(t, aliceAddr), "escrow_lock", lockBody("5", aliceAddr, "100")).status)

	resp := env.call(t, nil, "escrow_events", map[string]interface{}{"type": escrow.EventTypeLocked, "bountyId": "5"})
	require.Equal(t, http.StatusOK, resp.status, string(resp.raw))
	var out eventsResult
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	require.Len(t, out.Events, 1)
	require.Equal(t, "5", out.Events[0].Attributes["bountyId"])
	require.NotEmpty(t, out.Events[0].Hash)
	require.Equal(t, out.Events[0].Seq, out.Next)

	resp = env.call(t, nil, "escrow_events", map[string]interface{}{"type": escrow.EventTypeLocked, "minAmount": "100", "maxAmount": "100"})
	require.Equal(t, http.StatusOK, resp.status, string(resp.raw))
	out = eventsResult{}
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	require.Len(t, out.Events, 1)

	resp = env.call(t, nil, "escrow_events", map[string]interface{}{"type": escrow.EventTypeLocked, "maxAmount": "99"})
	require.Equal(t, http.StatusOK, resp.status, string(resp.raw))
	out = eventsResult{}
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	require.Empty(t, out.Events)

	resp = env.call(t, nil, "escrow_events", map[string]interface{}{"minAmount": "10", "maxAmount": "5"})
	require.Equal(t, http.StatusBadRequest, resp.status)

	resp = env.call(t, nil, "escrow_events", map[string]interface{}{"from": 10, "to": 5})
	require.Equal(t, http.StatusBadRequest, resp.status)
}

func readFrameUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, match func(streamFrame) bool) streamFrame {
	t.Helper()
	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var frame streamFrame
		require.NoError(t, json.Unmarshal(data, &frame))
		if match(frame) {
			return frame
		}
	}
}

func TestEventStreamReplaysThenGoesLive(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := bearer(t, aliceAddr)
	require.Equal(t, http.StatusOK, env.call(t, alice, "escrow_lock", lockBody("1", aliceAddr, "100")).status)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws/events?after=0"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	replayed := readFrameUntil(t, ctx, conn, func(f streamFrame) bool {
		return f.Type == escrow.EventTypeLocked
	})
	require.NotZero(t, replayed.Seq)
	require.NotEmpty(t, replayed.Hash)
	require.Equal(t, "1", replayed.Attributes["bountyId"])

	require.Equal(t, http.StatusOK, env.call(t, alice, "escrow_lock", lockBody("2", aliceAddr, "100")).status)
	live := readFrameUntil(t, ctx, conn, func(f streamFrame) bool {
		return f.Type == escrow.EventTypeLocked && f.Attributes["bountyId"] == "2"
	})
	require.Equal(t, testNow, live.Timestamp)
	require.Greater(t, live.Seq, replayed.Seq)
	require.NotEmpty(t, live.Hash)

	records, err := env.node.EventLog().Query(ctx, eventlog.Filter{AfterSeq: replayed.Seq, Type: escrow.EventTypeLocked})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, records[0].Seq, live.Seq)
	require.Equal(t, records[0].Hash, live.Hash)
}

func TestEventStreamRejectsBadCursor(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := env.ts.Client().Get(env.ts.URL + "/ws/events?after=abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
