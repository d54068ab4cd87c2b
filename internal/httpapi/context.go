package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	HeaderUserID         = "X-User-Id"
	HeaderCorrelationID  = "X-Correlation-Id"
	HeaderIdempotencyKey = "Idempotency-Key"
)

type ctxKey int

const (
	actorKey ctxKey = iota
	correlationKey
)

// withActor reads the acting user set by the upstream gateway. Requests
// without a valid user id are rejected before reaching a handler.
func withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(strings.TrimSpace(r.Header.Get(HeaderUserID)))
		if err != nil || id == uuid.Nil {
			writeErr(w, http.StatusUnauthorized, "missing or invalid "+HeaderUserID)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, id)))
	})
}

func actor(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(actorKey).(uuid.UUID)
	return id
}

// withCorrelationID propagates X-Correlation-Id, generating a ULID when the
// client sent none, and echoes it on the response.
func withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := strings.TrimSpace(r.Header.Get(HeaderCorrelationID))
		if corr == "" {
			corr = ulid.Make().String()
		}
		w.Header().Set(HeaderCorrelationID, corr)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey, corr)))
	})
}

func correlationID(ctx context.Context) string {
	c, _ := ctx.Value(correlationKey).(string)
	return c
}
