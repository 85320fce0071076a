// Package server implements the cachedb TCP listener: one goroutine per
// connection, all connections sharing a single store.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	e "github.com/cachedb/cachedb/internal/errors"
	"github.com/cachedb/cachedb/internal/logging"
	"github.com/cachedb/cachedb/internal/protocol"
	"github.com/cachedb/cachedb/internal/ratelimiting"
	"github.com/cachedb/cachedb/internal/reporting"
	"github.com/cachedb/cachedb/internal/store"
	"github.com/cachedb/cachedb/internal/telemetry"
)

type Server struct {
	store   *store.Store
	logger  *slog.Logger
	limiter ratelimiting.ConnectionRateLimiter
	metrics *telemetry.Metrics
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithConnectionRateLimiter(limiter ratelimiting.ConnectionRateLimiter) Option {
	return func(s *Server) {
		s.limiter = limiter
	}
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(s *Server) {
		s.metrics = metrics
	}
}

func New(store *store.Store, options ...Option) *Server {
	server := &Server{
		store:  store,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, nil)),
	}

	for _, option := range options {
		option(server)
	}

	return server
}

// Serve accepts connections until ctx is cancelled or the listener fails.
// On cancellation the listener and all connections are closed and Serve waits
// for the handlers to drain before returning.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	stopListener := context.AfterFunc(ctx, func() {
		_ = listener.Close()
	})
	defer stopListener()

	handlers := new(errgroup.Group)

	for {
		conn, err := listener.Accept()
		if err != nil {
			_ = handlers.Wait()
			if ctx.Err() != nil {
				s.logger.Info("Listener stopped")
				return nil
			}
			return fmt.Errorf("%w: accept: %s", e.TransportError, err)
		}

		if s.limiter != nil && !s.limiter.Consume(conn.RemoteAddr()) {
			s.logger.Info("Rejecting connection", "reason", "ratelimit exceeded", "key", s.limiter.KeyFor(conn.RemoteAddr()))
			_ = conn.Close()
			continue
		}

		s.metrics.RecordConnection(ctx)
		handlers.Go(func() error {
			s.handleConnection(ctx, conn)
			return nil
		})
	}
}

// handleConnection is the per-connection read loop: decode one message,
// apply it, repeat. Connections are independent; a failure here never
// affects the listener or the other connections.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	connectionID := uuid.New().String()
	remoteAddr := conn.RemoteAddr().String()

	logger := s.logger.With(
		slog.String("connectionID", connectionID),
		slog.String("remoteAddr", remoteAddr),
	)
	ctx = logging.AddToContext(ctx, logger)
	ctx = reporting.AddConnectionMetaToContext(ctx, connectionID, remoteAddr)

	defer reporting.ReportPanic(ctx)
	defer conn.Close()

	stopConn := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stopConn()

	logger.Info("Connection established")

	for {
		msg, err := protocol.Read(conn)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				logger.Info("Connection closed by peer")
			case ctx.Err() != nil:
				logger.Info("Connection closed during shutdown")
			case errors.Is(err, e.ProtocolError):
				// Framing is desynchronized; nothing on this connection can
				// be trusted anymore
				s.metrics.RecordProtocolError(ctx)
				logger.Error("Closing connection after protocol error", "error", err.Error())
				reporting.Report(ctx, err)
			default:
				logger.Info("Closing connection after read failure", "error", err.Error())
			}
			return
		}

		if err := s.handleMessage(ctx, conn, msg); err != nil {
			logger.Error("Closing connection after write failure", "error", err.Error())
			return
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, conn net.Conn, msg protocol.Message) error {
	switch msg.Op {
	case protocol.OpPush:
		s.store.Put(msg.Key, msg.Val)
		s.metrics.RecordPush(ctx)
		return nil
	case protocol.OpPull:
		// A key we don't have is answered with an empty value, not an error
		val, _ := s.store.Get(msg.Key)
		return protocol.Write(conn, protocol.Message{Op: protocol.OpPullReply, Key: msg.Key, Val: val})
	case protocol.OpPullReply:
		logging.FromContext(ctx).Warn("Discarding client-bound message received by server", "op", msg.Op.String())
		return nil
	}

	panic(fmt.Sprintf("logic error: decoded message with invalid op code %d", msg.Op))
}
