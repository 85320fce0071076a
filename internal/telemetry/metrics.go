package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/cachedb/cachedb"

// Metrics holds the instruments for the cache protocol. A nil *Metrics is
// valid and records nothing, so callers never have to branch on whether
// telemetry is configured.
type Metrics struct {
	pulls            metric.Int64Counter
	pushes           metric.Int64Counter
	repliesDiscarded metric.Int64Counter
	connections      metric.Int64Counter
	protocolErrors   metric.Int64Counter
}

func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)

	pulls, err := meter.Int64Counter(
		"cachedb.pulls",
		metric.WithDescription("Pull calls by dedup role (lead sends a request, follower and resolved do not)"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pulls counter: %w", err)
	}

	pushes, err := meter.Int64Counter(
		"cachedb.pushes",
		metric.WithDescription("Push operations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pushes counter: %w", err)
	}

	repliesDiscarded, err := meter.Int64Counter(
		"cachedb.replies_discarded",
		metric.WithDescription("Pull replies with no matching pending pull"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create replies_discarded counter: %w", err)
	}

	connections, err := meter.Int64Counter(
		"cachedb.connections",
		metric.WithDescription("Accepted server connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connections counter: %w", err)
	}

	protocolErrors, err := meter.Int64Counter(
		"cachedb.protocol_errors",
		metric.WithDescription("Connections failed due to malformed frames"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create protocol_errors counter: %w", err)
	}

	return &Metrics{
		pulls:            pulls,
		pushes:           pushes,
		repliesDiscarded: repliesDiscarded,
		connections:      connections,
		protocolErrors:   protocolErrors,
	}, nil
}

func (m *Metrics) RecordPull(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.pulls.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

func (m *Metrics) RecordPush(ctx context.Context) {
	if m == nil {
		return
	}
	m.pushes.Add(ctx, 1)
}

func (m *Metrics) RecordDiscardedReply(ctx context.Context) {
	if m == nil {
		return
	}
	m.repliesDiscarded.Add(ctx, 1)
}

func (m *Metrics) RecordConnection(ctx context.Context) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, 1)
}

func (m *Metrics) RecordProtocolError(ctx context.Context) {
	if m == nil {
		return
	}
	m.protocolErrors.Add(ctx, 1)
}
