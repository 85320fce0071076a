// Package client implements the cachedb client: a thin push/pull facade over
// one TCP connection, with pull deduplication.
//
// All Pull calls go through the dedup registry, so any number of concurrent
// pulls for the same key cost a single request on the wire. A background
// reply dispatcher goroutine owns all reads from the connection and resolves
// pending pulls as replies arrive.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cachedb/cachedb/internal/dedup"
	e "github.com/cachedb/cachedb/internal/errors"
	"github.com/cachedb/cachedb/internal/protocol"
	"github.com/cachedb/cachedb/internal/telemetry"
)

// DefaultPullTimeout bounds pulls whose context has no deadline of its own,
// so a silent peer can never strand a lead and its followers forever.
const DefaultPullTimeout = 10 * time.Second

type Client struct {
	conn     net.Conn
	registry *dedup.Registry
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	pullTimeout time.Duration

	// Serializes frame writes; never held across a blocking wait.
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(c *Client) {
		c.metrics = metrics
	}
}

// WithPullTimeout overrides DefaultPullTimeout. Zero disables the implicit
// deadline entirely; callers are then responsible for their own.
func WithPullTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.pullTimeout = timeout
	}
}

// Connect dials the server and starts the reply dispatcher.
func Connect(ctx context.Context, address string, options ...Option) (*Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %s", e.TransportError, address, err)
	}

	return New(conn, options...), nil
}

// New wraps an established connection. Used by Connect and by tests that
// supply their own pipe.
func New(conn net.Conn, options ...Option) *Client {
	client := &Client{
		conn:        conn,
		registry:    dedup.NewRegistry(),
		logger:      slog.New(slog.NewJSONHandler(os.Stdout, nil)),
		pullTimeout: DefaultPullTimeout,
		closed:      make(chan struct{}),
	}

	for _, option := range options {
		option(client)
	}

	go client.dispatchReplies()

	return client
}

// Push sends key/value to the server. Fire and forget: the protocol has no
// push acknowledgement.
func (c *Client) Push(ctx context.Context, key, val []byte) error {
	if err := c.send(protocol.Message{Op: protocol.OpPush, Key: key, Val: val}); err != nil {
		return err
	}

	c.metrics.RecordPush(ctx)
	return nil
}

// Pull fetches the value for key. Concurrent pulls for the same key share a
// single request: the first caller (the lead) sends it, everyone else waits
// for the same reply. A key the server does not have comes back as an empty
// value, indistinguishable on the wire from a stored empty value.
func (c *Client) Pull(ctx context.Context, key []byte) ([]byte, error) {
	if len(key) > protocol.MaxFieldSize {
		return nil, fmt.Errorf("%w: key too large (%d bytes)", e.ProtocolError, len(key))
	}

	if c.pullTimeout > 0 {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.pullTimeout)
			defer cancel()
		}
	}

	pending, role := c.registry.Join(key)
	c.metrics.RecordPull(ctx, role.String())

	switch role {
	case dedup.RoleResolved:
		// Raced with a reply that has not been consumed yet: take the value
		// without waiting or sending
		return pending.Result()
	case dedup.RoleLead:
		if err := c.send(protocol.Message{Op: protocol.OpPull, Key: key}); err != nil {
			// The request never hit the wire, so no reply will ever come.
			// Followers must not be left hanging on it.
			c.registry.Fail(pending, fmt.Errorf("%w: pull request was never sent", e.PeerFailure))
			_, _ = c.registry.Release(pending)
			return nil, err
		}
	case dedup.RoleFollower:
		// Just wait for the lead's reply
	}

	select {
	case <-pending.Done():
		return c.registry.Release(pending)
	case <-ctx.Done():
		c.registry.Detach(pending)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: no reply within deadline", e.TimeoutError)
		}
		return nil, ctx.Err()
	}
}

func (c *Client) send(msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return protocol.Write(c.conn, msg)
}

// Close shuts down the connection. Pending pulls are released with a failure
// by the dispatcher as it exits.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// dispatchReplies runs for the lifetime of the connection. It owns all reads
// on the socket: framed messages are decoded and matched against the pending
// pull registry. Any read or framing failure is fatal to the connection
// (framing is desynchronized beyond recovery), and every waiter is released
// with a failure rather than left blocked.
func (c *Client) dispatchReplies() {
	ctx := context.Background()

	for {
		msg, err := protocol.Read(c.conn)
		if err != nil {
			c.failConnection(err)
			return
		}

		switch msg.Op {
		case protocol.OpPullReply:
			if !c.registry.Resolve(msg.Key, msg.Val) {
				// Already retired (e.g. by timeout) or unsolicited; not an
				// error for the connection
				c.metrics.RecordDiscardedReply(ctx)
				c.logger.Debug("Discarding reply with no pending pull")
			}
		default:
			c.logger.Warn("Discarding server-bound message received by client", "op", msg.Op.String())
		}
	}
}

func (c *Client) failConnection(readErr error) {
	select {
	case <-c.closed:
		c.registry.FailAll(fmt.Errorf("%w: connection closed", e.PeerFailure))
		return
	default:
	}

	if errors.Is(readErr, io.EOF) {
		c.logger.Info("Connection closed by peer")
	} else {
		c.logger.Error("Reply dispatcher failed", "error", readErr.Error())
	}

	c.registry.FailAll(fmt.Errorf("%w: %s", e.PeerFailure, readErr))
	_ = c.Close()
}
