package ratelimiting

import (
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type mockedRateLimiter struct {
	consumeFunc func(key string) bool
}

func (m *mockedRateLimiter) Consume(key string) bool {
	return m.consumeFunc(key)
}

func tcpAddr(t *testing.T, addr string) net.Addr {
	t.Helper()
	resolved, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		t.Fatalf("failed to resolve %s: %v", addr, err)
	}
	return resolved
}

func TestTokenBucketRateLimiter(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping test in short mode")
	}
	rateLimiter, stop := NewTokenBucketRateLimiter(1, 2)
	defer stop()

	assert.True(t, rateLimiter.Consume("user2"))

	// Burst of 2
	assert.True(t, rateLimiter.Consume("user1"))
	assert.True(t, rateLimiter.Consume("user1"))
	assert.False(t, rateLimiter.Consume("user1"))

	time.Sleep(1000 * time.Millisecond)
	runtime.Gosched()

	// Refill rate of 1
	assert.True(t, rateLimiter.Consume("user1"))
	assert.False(t, rateLimiter.Consume("user1"))

	// Burst of 2 - even after refill
	assert.True(t, rateLimiter.Consume("user3"))
	assert.True(t, rateLimiter.Consume("user3"))
	assert.False(t, rateLimiter.Consume("user3"))

	assert.True(t, rateLimiter.Consume("user2"))
	assert.True(t, rateLimiter.Consume("user2"))
	assert.False(t, rateLimiter.Consume("user2"))
}

func TestIPKeyFunc(t *testing.T) {
	assert.Equal(t, "ip: 123.123.123.123", IPKeyFunc(tcpAddr(t, "123.123.123.123:51234")))
	assert.Equal(t, "ip: ::1", IPKeyFunc(tcpAddr(t, "[::1]:51234")))
}

func TestConnectionRateLimiter(t *testing.T) {
	var expectedKey string
	var allowed bool
	rateLimiter := &mockedRateLimiter{
		consumeFunc: func(key string) bool {
			t.Helper()
			assert.Equal(t, expectedKey, key)
			return allowed
		},
	}
	connLimiter := NewConnectionRateLimiter(rateLimiter, IPKeyFunc)

	expectedKey = "ip: 1.1.1.1"
	allowed = true
	assert.True(t, connLimiter.Consume(tcpAddr(t, "1.1.1.1:1000")))
	assert.True(t, connLimiter.Consume(tcpAddr(t, "1.1.1.1:1001")))
	allowed = false
	assert.False(t, connLimiter.Consume(tcpAddr(t, "1.1.1.1:1002")))

	expectedKey = "ip: 2.1.1.1"
	allowed = true
	assert.True(t, connLimiter.Consume(tcpAddr(t, "2.1.1.1:1000")))

	expectedKey = "ip: 1.1.1.1"
	allowed = false
	assert.False(t, connLimiter.Consume(tcpAddr(t, "1.1.1.1:1003")))
}
