package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mintbay/auth"
	"mintbay/models"
)

type contextKey string

const (
	contextKeySession     contextKey = "session-claims"
	contextKeyIdempotency contextKey = "idempotency-key"
)

// sessionFromContext returns the authenticated session claims for the request.
func sessionFromContext(ctx context.Context) (*auth.SessionClaims, error) {
	claims, ok := ctx.Value(contextKeySession).(*auth.SessionClaims)
	if !ok || claims == nil {
		return nil, errors.New("no session in context")
	}
	return claims, nil
}

// sessionCookieName is the HTTP-only cookie carrying the session token.
const sessionCookieName = "mintbay_session"

// withSession requires a valid session token, via cookie or bearer header.
func (s *Server) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			if cookie, err := r.Cookie(sessionCookieName); err == nil {
				token = cookie.Value
			}
		}
		if token == "" {
			s.writeReason(w, http.StatusUnauthorized, reasonAuthRejected, "missing session")
			return
		}
		claims, err := s.Bridge.Sessions().Verify(token)
		if err != nil {
			s.writeReason(w, http.StatusUnauthorized, reasonAuthRejected, "invalid session")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeySession, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

// withIdempotency replays the stored response for a previously seen
// Idempotency-Key instead of re-executing the request. The key is claimed
// with a unique insert before the handler runs, so two concurrent carriers of
// the same key cannot both execute; the loser sees the claim. Server errors
// release the claim so the client can retry the work.
func withIdempotency(db *gorm.DB, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		claim := models.IdempotencyKey{
			Key:       key,
			RequestID: uuid.NewString(),
			Method:    r.Method,
			Path:      r.URL.Path,
			CreatedAt: time.Now(),
		}
		res := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoNothing: true,
		}).Create(&claim)
		if res.Error != nil {
			http.Error(w, "idempotency store unavailable", http.StatusInternalServerError)
			return
		}
		if res.RowsAffected == 0 {
			var record models.IdempotencyKey
			if err := db.First(&record, "key = ?", key).Error; err != nil || record.Status == 0 {
				// Claimed but not yet answered: the first carrier is still
				// executing.
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusConflict)
				_ = json.NewEncoder(w).Encode(map[string]string{"reason": "REQUEST_IN_FLIGHT"})
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(record.Status)
			_, _ = io.WriteString(w, record.Response)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		ctx := context.WithValue(r.Context(), contextKeyIdempotency, key)
		next.ServeHTTP(recorder, r.WithContext(ctx))

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		if status >= http.StatusInternalServerError {
			_ = db.Delete(&models.IdempotencyKey{}, "key = ?", key).Error
			return
		}
		_ = db.Model(&models.IdempotencyKey{}).Where("key = ?", key).Updates(map[string]any{
			"status":   status,
			"response": recorder.buf.String(),
		}).Error
	})
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    strings.Builder
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

// ipLimiter hands out one token bucket per client IP.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newIPLimiter(perMinute int) *ipLimiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &ipLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
	}
}

func (l *ipLimiter) allow(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	l.mu.Lock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

// withRateLimit rejects requests over the per-IP budget.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.nonceLimiter.allow(r.RemoteAddr) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"reason": "RATE_LIMITED"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
