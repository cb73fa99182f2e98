package rpc

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	idempotencyHeader = "Idempotency-Key"
	maxIdempotencyKey = 128
)

// IdempotencyKey stores a replayable RPC response. Keys are scoped by the
// Authorization header so one caller cannot replay another's response.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:200"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

func (IdempotencyKey) TableName() string { return "rpc_idempotency_keys" }

func migrateIdempotency(db *gorm.DB) error {
	if err := db.AutoMigrate(&IdempotencyKey{}); err != nil {
		return fmt.Errorf("rpc: migrate idempotency keys: %w", err)
	}
	return nil
}

func scopedKey(r *http.Request, key string) string {
	sum := sha256.Sum256([]byte(r.Header.Get("Authorization")))
	return hex.EncodeToString(sum[:8]) + ":" + key
}

// withIdempotency replays the stored response for a repeated key. Server
// errors and throttled responses are not stored so they can be retried.
func (s *Server) withIdempotency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
		if key == "" || s.idempotency == nil {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKey {
			w.Header().Set("Content-Type", "application/json")
			writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "idempotency key too long", nil)
			return
		}
		scoped := scopedKey(r, key)

		var record IdempotencyKey
		err := s.idempotency.WithContext(r.Context()).First(&record, "key = ?", scoped).Error
		if err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(record.Status)
			_, _ = w.Write([]byte(record.Response))
			return
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warn("idempotency lookup failed", "error", err)
		}

		recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		if recorder.status >= http.StatusInternalServerError || recorder.status == http.StatusTooManyRequests {
			return
		}
		payload := IdempotencyKey{
			Key:       scoped,
			RequestID: uuid.NewString(),
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    recorder.status,
			Response:  recorder.buf.String(),
			CreatedAt: time.Now().UTC(),
		}
		if err := s.idempotency.Create(&payload).Error; err != nil {
			s.logger.Warn("store idempotent response", "error", err)
		}
	})
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
