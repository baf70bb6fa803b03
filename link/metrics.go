// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OpenTelemetry instruments for one receiver. The
// caller's process wires the actual MeterProvider (or leaves the
// no-op default); this module never mandates an exporter, consistent
// with spec.md not specifying an observability layer for the core.
type Metrics struct {
	meter metric.Meter

	creditIssuedTotal  metric.Int64Counter
	messagesPolled     metric.Int64Counter
	linkStateTransition metric.Int64Counter

	prefetchBufferSize metric.Int64UpDownCounter
	pendingQueueDepth  metric.Int64UpDownCounter
}

// NewMetrics creates the instrument set, scoped under the
// "amqp.receiver" meter name to sit alongside the teacher's
// "amqp-broker" meter.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{meter: otel.Meter("amqp.receiver")}

	var err error
	m.creditIssuedTotal, err = m.meter.Int64Counter(
		"amqp.receiver.credit.issued",
		metric.WithDescription("Total AMQP credit issued via flow frames"),
	)
	if err != nil {
		return nil, fmt.Errorf("create credit issued counter: %w", err)
	}

	m.messagesPolled, err = m.meter.Int64Counter(
		"amqp.receiver.messages.polled",
		metric.WithDescription("Total messages handed out of the prefetch buffer to callers"),
	)
	if err != nil {
		return nil, fmt.Errorf("create messages polled counter: %w", err)
	}

	m.linkStateTransition, err = m.meter.Int64Counter(
		"amqp.receiver.link.transitions",
		metric.WithDescription("Total link state transitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("create link transitions counter: %w", err)
	}

	m.prefetchBufferSize, err = m.meter.Int64UpDownCounter(
		"amqp.receiver.prefetch_buffer.size",
		metric.WithDescription("Current number of messages buffered ahead of caller demand"),
	)
	if err != nil {
		return nil, fmt.Errorf("create prefetch buffer gauge: %w", err)
	}

	m.pendingQueueDepth, err = m.meter.Int64UpDownCounter(
		"amqp.receiver.pending_queue.depth",
		metric.WithDescription("Current number of outstanding receive requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("create pending queue gauge: %w", err)
	}

	return m, nil
}

func (m *Metrics) recordCreditIssued(ctx context.Context, n uint32, linkName string) {
	if m == nil || n == 0 {
		return
	}
	m.creditIssuedTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("link", linkName)))
}

func (m *Metrics) recordMessagesPolled(ctx context.Context, n int, linkName string) {
	if m == nil || n == 0 {
		return
	}
	m.messagesPolled.Add(ctx, int64(n), metric.WithAttributes(attribute.String("link", linkName)))
}

func (m *Metrics) recordTransition(ctx context.Context, from, to LinkState, linkName string) {
	if m == nil {
		return
	}
	m.linkStateTransition.Add(ctx, 1, metric.WithAttributes(
		attribute.String("link", linkName),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}

func (m *Metrics) setPrefetchBufferSize(ctx context.Context, delta int64, linkName string) {
	if m == nil || delta == 0 {
		return
	}
	m.prefetchBufferSize.Add(ctx, delta, metric.WithAttributes(attribute.String("link", linkName)))
}

func (m *Metrics) setPendingQueueDepth(ctx context.Context, delta int64, linkName string) {
	if m == nil || delta == 0 {
		return
	}
	m.pendingQueueDepth.Add(ctx, delta, metric.WithAttributes(attribute.String("link", linkName)))
}
