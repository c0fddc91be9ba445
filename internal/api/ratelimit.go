package api

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// ──────────────────────────────────────────────────────────────────────
// Admission Throttle
//
// Guards POST /evaluations, where every accepted request fans out into
// repository fetches and a model call. The monthly quota ledger bounds
// volume per billing window; this throttle bounds burst rate within it.
//
// Buckets are keyed by the authenticated user id — the same identity the
// ledger accounts against — so one tenant hammering admissions cannot
// starve others behind a shared NAT, and rotating IPs buys nothing.
// Unauthenticated probes (no caller id yet) fall back to the client IP.
//
// Stale buckets are pruned inline on a sampling of requests; the throttle
// owns no goroutine.
// ──────────────────────────────────────────────────────────────────────

const (
	bucketIdleTTL = 10 * time.Minute
	pruneEveryN   = 256 // admissions between prune sweeps
)

type callerBucket struct {
	tokens   float64
	lastSeen time.Time
}

// AdmissionLimiter is a token-bucket throttle over caller identities.
type AdmissionLimiter struct {
	refillPerSec float64
	burst        float64

	mu       sync.Mutex
	buckets  map[string]*callerBucket
	admitted int
}

// NewAdmissionLimiter allows `ratePerMin` admissions per minute per caller,
// with bursts of up to `burst`.
func NewAdmissionLimiter(ratePerMin, burst int) *AdmissionLimiter {
	return &AdmissionLimiter{
		refillPerSec: float64(ratePerMin) / 60.0,
		burst:        float64(burst),
		buckets:      make(map[string]*callerBucket),
	}
}

// allow spends one token for the caller, reporting how long until the next
// token when the bucket is dry.
func (l *AdmissionLimiter) allow(caller string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[caller]
	if !ok {
		b = &callerBucket{tokens: l.burst}
		l.buckets[caller] = b
	} else {
		b.tokens += now.Sub(b.lastSeen).Seconds() * l.refillPerSec
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
	}
	b.lastSeen = now

	l.admitted++
	if l.admitted%pruneEveryN == 0 {
		l.pruneLocked(now)
	}

	if b.tokens >= 1.0 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1.0-b.tokens)/l.refillPerSec*float64(time.Second))
	return false, wait
}

// pruneLocked drops buckets idle past the TTL. Caller holds the lock.
func (l *AdmissionLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-bucketIdleTTL)
	for caller, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, caller)
		}
	}
}

// Middleware enforces the throttle. It must sit behind AuthMiddleware so
// the caller identity is already resolved.
func (l *AdmissionLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := CallerID(c)
		if caller == "" {
			caller = "ip:" + c.ClientIP()
		}

		allowed, wait := l.allow(caller, time.Now())
		if !allowed {
			retrySecs := int(math.Ceil(wait.Seconds()))
			c.Header("Retry-After", strconv.Itoa(retrySecs))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"errorTag":   "RateLimited",
				"message":    "Admission rate limit exceeded; slow down and retry",
				"retryAfter": retrySecs,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
