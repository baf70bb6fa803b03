// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package link implements the core of a single-link AMQP 1.0 message
// receiver: credit accounting, a prefetch buffer, a FIFO of pending
// receive requests, and an integrated link lifecycle (open / close /
// recreate) with retry scheduling and token refresh.
//
// The package never speaks the AMQP wire protocol itself. It is driven
// by, and drives, a reactor-style AMQP engine that is supplied by the
// caller through the interfaces below.
package link

import (
	"context"
	"time"
)

// Symbol is an AMQP 1.0 symbol value (interned string), used for filter
// keys, capabilities, and message annotations.
type Symbol string

// Source describes the AMQP source negotiated for a receiver link.
type Source struct {
	Address      string
	Filter       map[Symbol]any
	Capabilities []Symbol
}

// Target describes the AMQP target negotiated for a receiver link.
type Target struct {
	Address string
}

// SenderSettleMode and ReceiverSettleMode mirror the AMQP 1.0
// negotiation fields; the receiver always requests unsettled/second as
// mandated by spec.md §4.4.
type SenderSettleMode int

type ReceiverSettleMode int

const (
	SenderSettleModeUnsettled SenderSettleMode = 0

	ReceiverSettleModeSecond ReceiverSettleMode = 1
)

// Message is the decoded representation of an AMQP message as handed
// to the core by the reactor after delivery settlement. Encoding and
// decoding of the wire format are out of scope for this module; the
// fields below are the structural subset the core and the settings
// provider need (grounded on amqp1/message.Message, trimmed of its
// wire Encode/Decode logic since that belongs to the external reactor).
type Message struct {
	MessageID             any
	ApplicationProperties map[string]any
	Annotations           map[Symbol]any
	Body                  []byte
	EnqueuedSequence      uint64
}

// Delivery represents one unsettled AMQP transfer awaiting settlement.
type Delivery interface {
	// Pending reports whether the delivery is still awaiting settlement.
	Pending() bool
	// Settle marks the delivery as accepted (second-mode explicit settlement).
	Settle()
}

// LinkEndpoint is the subset of an AMQP receiver-link primitive the
// core drives. It is implemented by the external reactor/engine; this
// module never implements it itself.
type LinkEndpoint interface {
	Open() error
	Close() error
	Flow(credits uint32)
	Credit() uint32
	LocalState() EndpointState
	RemoteState() EndpointState
	Name() string
	// RemoteProperties exposes peer-attached link properties (e.g. a
	// tracking id) once the link is open.
	RemoteProperties() map[Symbol]any
}

// EndpointState mirrors the AMQP engine's local/remote endpoint state
// (uninitialized / active / closed), independent of our own richer
// LinkState.
type EndpointState int

const (
	EndpointUninitialized EndpointState = iota
	EndpointActive
	EndpointClosed
)

// Session is the subset of an AMQP session primitive needed to attach
// a receiver link.
type Session interface {
	// Receiver creates (but does not open) a receiver link with the
	// given name, source, target, properties, desired capabilities and
	// settle modes, wiring the supplied Handler to its callbacks.
	Receiver(name string, src *Source, tgt *Target, properties map[Symbol]any,
		desiredCapabilities []Symbol, sender SenderSettleMode, receiver ReceiverSettleMode,
		h Handler) (LinkEndpoint, error)
}

// ReceiverSettingsProvider supplies the filter, properties, and desired
// capabilities used to (re)create the receiver link. It is consulted
// fresh on every open/recreate so that e.g. a resume-from-offset filter
// can be derived from the last message the caller actually saw.
type ReceiverSettingsProvider interface {
	GetFilter(lastReceived *Message) map[Symbol]any
	GetProperties() map[Symbol]any
	GetDesiredCapabilities() []Symbol
}

// CBSChannel sends a claims-based-security token ahead of opening an
// application link. Implemented by the external authentication channel.
type CBSChannel interface {
	SendToken(ctx context.Context, token string, audience string) error
}

// TokenProvider mints tokens for a given audience.
type TokenProvider interface {
	GetToken(ctx context.Context, audience string, validity time.Duration) (token string, err error)
}

// RetryPolicy decides whether and when to retry after an error,
// given the deadline remaining on the head-of-queue pending request (or
// zero if there is none). A false retry return means "do not retry";
// delay is then ignored.
type RetryPolicy interface {
	GetNextRetryInterval(clientID string, cause error, remaining time.Duration) (delay time.Duration, retry bool)
	IncrementRetryCount(clientID string)
	ResetRetryCount(clientID string)
}

// MessagingFactory is the non-owning handle to the surrounding
// connection/session factory. The factory outlives every receiver it
// creates; the core never takes ownership of it.
type MessagingFactory interface {
	OperationTimeout() time.Duration
	HostName() string
	ClientID() string

	// DispatchOnReactor enqueues job to run on the reactor goroutine,
	// optionally after delay (delay == 0 means "as soon as possible").
	DispatchOnReactor(job func(), delay time.Duration) (cancel func(), err error)

	GetSession(path string, onOpen func(Session), onOpenFailed func(error))
	RegisterForConnectionError(l LinkEndpoint)
	DeregisterForConnectionError(l LinkEndpoint)

	RetryPolicy() RetryPolicy
	CBSChannel() CBSChannel
	TokenProvider() TokenProvider
}

// Handler is the three-callback interface the reactor drives the core
// through, plus the close notification.
type Handler interface {
	OnOpenComplete(err error)
	OnReceiveComplete(d Delivery, m *Message)
	OnError(err error)
	OnClose(cause error)
}
