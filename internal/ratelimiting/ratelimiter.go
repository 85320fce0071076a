package ratelimiting

import (
	"fmt"
	"net"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

type RateLimiter interface {
	Consume(key string) bool
}

type tokenBucketRateLimiter struct {
	limiterByKey    *ttlcache.Cache[string, *rate.Limiter]
	refillPerSecond int
	burstSize       int
}

func (rateLimiter *tokenBucketRateLimiter) Consume(key string) bool {
	limiter, _ := rateLimiter.limiterByKey.GetOrSet(key, rate.NewLimiter(rate.Limit(rateLimiter.refillPerSecond), rateLimiter.burstSize))
	return limiter.Value().Allow()
}

type RefillPerSecond int
type BurstSize int

func NewTokenBucketRateLimiter(refillPerSecond RefillPerSecond, burstSize BurstSize) (RateLimiter, func()) {
	limiterTTLCache := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](30 * time.Minute),
	)
	go limiterTTLCache.Start()

	return &tokenBucketRateLimiter{
		limiterByKey:    limiterTTLCache,
		refillPerSecond: int(refillPerSecond),
		burstSize:       int(burstSize),
	}, limiterTTLCache.Stop
}

// ConnectionRateLimiter limits incoming connections by their remote address.
type ConnectionRateLimiter interface {
	Consume(addr net.Addr) bool
	KeyFor(addr net.Addr) string
}

type addrBasedRateLimiter struct {
	limiter RateLimiter
	keyFunc func(addr net.Addr) string
}

func (rateLimiter *addrBasedRateLimiter) Consume(addr net.Addr) bool {
	return rateLimiter.limiter.Consume(rateLimiter.keyFunc(addr))
}

func (rateLimiter *addrBasedRateLimiter) KeyFor(addr net.Addr) string {
	return rateLimiter.keyFunc(addr)
}

func NewConnectionRateLimiter(limiter RateLimiter, keyFunc func(addr net.Addr) string) ConnectionRateLimiter {
	return &addrBasedRateLimiter{
		limiter: limiter,
		keyFunc: keyFunc,
	}
}

// IPKeyFunc buckets connections by remote IP, ignoring the ephemeral port.
func IPKeyFunc(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}

	return fmt.Sprintf("ip: %s", host)
}
