package transport

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// relayLimiter throttles the mesh-facing /v1/relay and /v1/directory
// routes per source IP using a Redis fixed-window counter, so one
// misbehaving or compromised node can't flood this node's directory
// queries or relay delivery path. /ws is exempt: a device's own
// websocket attachment is long-lived and already bounded by
// connectionSet, not a per-request burst.
//
// Grounded on internal/middleware/ratelimit.go's abuse-detection shape
// (penalty box on repeated violations), trimmed from its full
// tiered/per-user/per-endpoint configuration down to the one axis a
// transport node's relay surface actually needs: per-source-IP request
// volume. The in-memory penalty box there is replaced with Redis TTLs
// throughout, since a mesh node's relay traffic comes from other nodes,
// not from a single process's in-memory view of recent attempts.
type relayLimiter struct {
	redisClient *redis.Client
	limit       int64
	window      time.Duration
	penalty     time.Duration
}

func newRelayLimiter(redisClient *redis.Client, limit int64, window, penalty time.Duration) *relayLimiter {
	return &relayLimiter{redisClient: redisClient, limit: limit, window: window, penalty: penalty}
}

// allow reports whether a request from ip may proceed, incrementing
// its window counter and placing it in a cooldown penalty once it
// crosses limit. Redis errors fail open: a directory outage on the
// rate-limit counter must not also take down relay delivery.
func (rl *relayLimiter) allow(ctx context.Context, ip string) bool {
	penaltyKey := "ratelimit:relay:penalty:" + ip
	inPenalty, err := rl.redisClient.Exists(ctx, penaltyKey).Result()
	if err != nil {
		log.Printf("transport: rate limiter redis error, failing open: %v", err)
		return true
	}
	if inPenalty > 0 {
		return false
	}

	windowKey := "ratelimit:relay:count:" + ip
	count, err := rl.redisClient.Incr(ctx, windowKey).Result()
	if err != nil {
		log.Printf("transport: rate limiter redis error, failing open: %v", err)
		return true
	}
	if count == 1 {
		rl.redisClient.Expire(ctx, windowKey, rl.window)
	}
	if count > rl.limit {
		rl.redisClient.Set(ctx, penaltyKey, 1, rl.penalty)
		return false
	}
	return true
}

func (rl *relayLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			ip = strings.Split(forwarded, ",")[0]
		}
		if !rl.allow(r.Context(), ip) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
