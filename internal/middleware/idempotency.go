package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/groupmarket/backend/internal/services"
	"go.uber.org/zap"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	inFlightMarker    = "in-flight"
)

type storedResponse struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Idempotency replays the stored response for a repeated Idempotency-Key.
// Requests without the header, or without Redis, pass through.
type Idempotency struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewIdempotency(redisClient *redis.Client, ttl time.Duration, logger *zap.Logger) *Idempotency {
	return &Idempotency{redis: redisClient, ttl: ttl, logger: logger.Named("idempotency")}
}

func idempotencyKey(userID int64, key string) string {
	return fmt.Sprintf("idem:%d:%s", userID, key)
}

func (m *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(IdempotencyHeader)
		if m.redis == nil || header == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(header) > 128 {
			services.SendErrorResponse(w, "Idempotency key too long", http.StatusBadRequest, nil)
			return
		}

		var userID int64
		if id, ok := IdentityFrom(r.Context()); ok {
			userID = id.UserID
		}
		key := idempotencyKey(userID, header)
		ctx := r.Context()

		acquired, err := m.redis.SetNX(ctx, key, inFlightMarker, m.ttl).Result()
		if err != nil {
			m.logger.Warn("idempotency store unavailable", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		if !acquired {
			raw, err := m.redis.Get(ctx, key).Result()
			if err != nil || raw == inFlightMarker {
				services.SendErrorResponse(w, "Request with this idempotency key is in progress", http.StatusConflict, nil)
				return
			}
			var stored storedResponse
			if err := json.Unmarshal([]byte(raw), &stored); err != nil {
				services.SendErrorResponse(w, "Corrupt idempotency record", http.StatusInternalServerError, nil)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(stored.Status)
			w.Write(stored.Body)
			return
		}

		rec := &recorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		// server errors may be retried with the same key
		if rec.status >= http.StatusInternalServerError {
			m.redis.Del(ctx, key)
			return
		}
		data, _ := json.Marshal(storedResponse{Status: rec.status, Body: rec.body.Bytes()})
		if err := m.redis.Set(ctx, key, data, m.ttl).Err(); err != nil {
			m.logger.Warn("failed to store idempotent response", zap.String("key", key), zap.Error(err))
		}
	})
}
