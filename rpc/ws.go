package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"bountyescrow/core/types"
	"bountyescrow/storage/eventlog"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsBuffer       = 64
)

// streamFrame is one websocket message. Seq and Hash identify the audit log
// record behind the frame.
type streamFrame struct {
	Seq        uint64            `json:"seq,omitempty"`
	Type       string            `json:"type"`
	Timestamp  int64             `json:"timestamp"`
	Attributes map[string]string `json:"attributes"`
	Hash       string            `json:"hash,omitempty"`
}

// handleEventsWS streams ledger events. With ?after=<seq> the stream starts
// with the persisted events after that sequence number, then goes live.
// Live events already sent as part of the backlog are skipped.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		http.Error(w, "event feed unavailable", http.StatusServiceUnavailable)
		return
	}
	var after *uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid after cursor", http.StatusBadRequest)
			return
		}
		if s.audit == nil {
			http.Error(w, "event log unavailable", http.StatusServiceUnavailable)
			return
		}
		after = &seq
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Client frames are ignored; CloseRead cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, after); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			s.logger.Warn("event stream failed", "error", err)
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, after *uint64) error {
	updates, cancel := s.feed.Subscribe(wsBuffer)
	defer cancel()

	var sent uint64
	if after != nil {
		last, err := s.replayBacklog(ctx, conn, *after)
		if err != nil {
			return err
		}
		sent = last
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if evt.Seq != 0 && evt.Seq <= sent {
				continue
			}
			if err := writeFrame(ctx, conn, liveFrame(evt)); err != nil {
				return err
			}
		}
	}
}

// replayBacklog sends every persisted event after cursor and returns the
// sequence number of the last one sent.
func (s *Server) replayBacklog(ctx context.Context, conn *websocket.Conn, cursor uint64) (uint64, error) {
	for {
		records, err := s.audit.Query(ctx, eventlog.Filter{AfterSeq: cursor, Limit: 500})
		if err != nil {
			return cursor, err
		}
		if len(records) == 0 {
			return cursor, nil
		}
		for _, rec := range records {
			view, err := eventRecordToJSON(rec)
			if err != nil {
				return cursor, err
			}
			frame := streamFrame{
				Seq:        view.Seq,
				Type:       view.Type,
				Timestamp:  view.Timestamp,
				Attributes: view.Attributes,
				Hash:       view.Hash,
			}
			if err := writeFrame(ctx, conn, frame); err != nil {
				return cursor, err
			}
			cursor = rec.Seq
		}
	}
}

func liveFrame(evt *types.Event) streamFrame {
	return streamFrame{
		Seq:        evt.Seq,
		Type:       evt.Type,
		Timestamp:  evt.Timestamp,
		Attributes: evt.Attributes,
		Hash:       evt.Hash,
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame streamFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
