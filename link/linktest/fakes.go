// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package linktest provides in-memory fakes for every external
// collaborator link.Receiver depends on, grounded on the teacher's
// testutil package style (exported Test*/Fake* types, mutex-guarded
// state, small simulate-an-event helper methods) but built around
// link.MessagingFactory/Session/LinkEndpoint instead of a broker.
package linktest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fluxlink/amqpreceiver/link"
)

// FakeReactor is a link.MessagingFactory backed by a mutex instead of a
// dedicated goroutine: every dispatched job runs under the same lock, so
// two jobs never interleave, which is the observable guarantee the real
// single reactor thread gives link.Receiver (spec.md §5).
type FakeReactor struct {
	execMu sync.Mutex

	mu          sync.Mutex
	closed      bool
	clientID    string
	host        string
	opTimeout   time.Duration
	sessionErr  error
	lastSession *FakeSession
	lastLink    *FakeLinkEndpoint

	retry  link.RetryPolicy
	cbs    link.CBSChannel
	tokens link.TokenProvider
}

// NewFakeReactor constructs a reactor with the given collaborators.
func NewFakeReactor(clientID, host string, opTimeout time.Duration, retry link.RetryPolicy, cbs link.CBSChannel, tokens link.TokenProvider) *FakeReactor {
	return &FakeReactor{
		clientID:  clientID,
		host:      host,
		opTimeout: opTimeout,
		retry:     retry,
		cbs:       cbs,
		tokens:    tokens,
	}
}

func (f *FakeReactor) OperationTimeout() time.Duration { return f.opTimeout }
func (f *FakeReactor) HostName() string                { return f.host }
func (f *FakeReactor) ClientID() string                { return f.clientID }
func (f *FakeReactor) RetryPolicy() link.RetryPolicy   { return f.retry }
func (f *FakeReactor) CBSChannel() link.CBSChannel     { return f.cbs }
func (f *FakeReactor) TokenProvider() link.TokenProvider { return f.tokens }

func (f *FakeReactor) RegisterForConnectionError(link.LinkEndpoint)   {}
func (f *FakeReactor) DeregisterForConnectionError(link.LinkEndpoint) {}

// SetSessionError makes the next GetSession call fail with err; nil
// clears it.
func (f *FakeReactor) SetSessionError(err error) {
	f.mu.Lock()
	f.sessionErr = err
	f.mu.Unlock()
}

// LastLink returns the most recently created link endpoint, for test
// assertions and simulate-an-event calls.
func (f *FakeReactor) LastLink() *FakeLinkEndpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastLink
}

func (f *FakeReactor) GetSession(_ string, onOpen func(link.Session), onOpenFailed func(error)) {
	f.mu.Lock()
	err := f.sessionErr
	f.mu.Unlock()
	if err != nil {
		onOpenFailed(err)
		return
	}
	s := &FakeSession{reactor: f}
	f.mu.Lock()
	f.lastSession = s
	f.mu.Unlock()
	onOpen(s)
}

// DispatchOnReactor implements link.MessagingFactory. Immediate jobs run
// on their own goroutine but serialize on execMu; delayed jobs fire from
// a standard library timer and then serialize the same way, mirroring
// how link.Timer-driven callbacks must re-dispatch onto the reactor
// rather than mutate state from the timer's own goroutine.
func (f *FakeReactor) DispatchOnReactor(job func(), delay time.Duration) (func(), error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return nil, errors.New("fake reactor closed")
	}

	run := func() {
		f.mu.Lock()
		closed := f.closed
		f.mu.Unlock()
		if closed {
			return
		}
		f.execMu.Lock()
		defer f.execMu.Unlock()
		job()
	}

	if delay <= 0 {
		go run()
		return func() {}, nil
	}
	timer := time.AfterFunc(delay, run)
	return func() { timer.Stop() }, nil
}

// Shutdown makes every future dispatch fail with ErrSchedulerRejected,
// simulating the reactor going away.
func (f *FakeReactor) Shutdown() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// FakeSession is the link.Session a GetSession callback receives.
type FakeSession struct {
	reactor *FakeReactor

	mu         sync.Mutex
	receiverErr error
}

// SetReceiverError makes the next Receiver call fail with err.
func (s *FakeSession) SetReceiverError(err error) {
	s.mu.Lock()
	s.receiverErr = err
	s.mu.Unlock()
}

func (s *FakeSession) Receiver(name string, src *link.Source, tgt *link.Target, properties map[link.Symbol]any,
	desiredCapabilities []link.Symbol, sender link.SenderSettleMode, receiver link.ReceiverSettleMode,
	h link.Handler) (link.LinkEndpoint, error) {
	s.mu.Lock()
	err := s.receiverErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	ep := &FakeLinkEndpoint{
		name:       name,
		handler:    h,
		source:     src,
		target:     tgt,
		properties: map[link.Symbol]any{},
	}
	s.reactor.mu.Lock()
	s.reactor.lastLink = ep
	s.reactor.mu.Unlock()
	return ep, nil
}

// FakeLinkEndpoint is the link.LinkEndpoint created by FakeSession.Receiver,
// with Simulate* helpers that drive the link.Handler callbacks the way a
// real reactor would.
type FakeLinkEndpoint struct {
	name    string
	handler link.Handler
	source  *link.Source
	target  *link.Target

	mu         sync.Mutex
	local      link.EndpointState
	remote     link.EndpointState
	credit     uint32
	properties map[link.Symbol]any
	openErr    error
	closeErr   error
	flows      []uint32
}

// SetOpenError makes the next Open call fail with err.
func (e *FakeLinkEndpoint) SetOpenError(err error) {
	e.mu.Lock()
	e.openErr = err
	e.mu.Unlock()
}

// SetCloseError makes the next Close call fail with err.
func (e *FakeLinkEndpoint) SetCloseError(err error) {
	e.mu.Lock()
	e.closeErr = err
	e.mu.Unlock()
}

// SetRemoteProperty sets a remote link property (e.g. a tracking id)
// visible to RemoteProperties once the link is open.
func (e *FakeLinkEndpoint) SetRemoteProperty(key link.Symbol, value any) {
	e.mu.Lock()
	e.properties[key] = value
	e.mu.Unlock()
}

// Flows returns every credit value Flow was called with, in order.
func (e *FakeLinkEndpoint) Flows() []uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]uint32, len(e.flows))
	copy(out, e.flows)
	return out
}

func (e *FakeLinkEndpoint) Open() error {
	e.mu.Lock()
	err := e.openErr
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.local = link.EndpointActive
	e.mu.Unlock()
	return nil
}

func (e *FakeLinkEndpoint) Close() error {
	e.mu.Lock()
	err := e.closeErr
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.local = link.EndpointClosed
	e.mu.Unlock()
	return nil
}

func (e *FakeLinkEndpoint) Flow(credits uint32) {
	e.mu.Lock()
	e.credit += credits
	e.flows = append(e.flows, credits)
	e.mu.Unlock()
}

func (e *FakeLinkEndpoint) Credit() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.credit
}

func (e *FakeLinkEndpoint) LocalState() link.EndpointState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local
}

func (e *FakeLinkEndpoint) RemoteState() link.EndpointState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remote
}

func (e *FakeLinkEndpoint) Name() string { return e.name }

func (e *FakeLinkEndpoint) RemoteProperties() map[link.Symbol]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[link.Symbol]any, len(e.properties))
	for k, v := range e.properties {
		out[k] = v
	}
	return out
}

// SimulateAttachAck delivers a successful attach acknowledgement.
func (e *FakeLinkEndpoint) SimulateAttachAck() {
	e.mu.Lock()
	e.remote = link.EndpointActive
	e.mu.Unlock()
	e.handler.OnOpenComplete(nil)
}

// SimulateAttachFailure delivers an attach failure.
func (e *FakeLinkEndpoint) SimulateAttachFailure(cause error) {
	e.handler.OnOpenComplete(cause)
}

// SimulateDeliver hands a decoded, unsettled message to the handler.
func (e *FakeLinkEndpoint) SimulateDeliver(m *link.Message) {
	e.handler.OnReceiveComplete(&FakeDelivery{pending: true}, m)
}

// SimulateDetach delivers a peer detach with the given error (nil for a
// graceful detach with no error condition).
func (e *FakeLinkEndpoint) SimulateDetach(cause error) {
	e.mu.Lock()
	e.remote = link.EndpointClosed
	e.mu.Unlock()
	e.handler.OnError(cause)
}

// SimulateClose delivers a close notification with the given cause.
func (e *FakeLinkEndpoint) SimulateClose(cause error) {
	e.mu.Lock()
	e.remote = link.EndpointClosed
	e.local = link.EndpointClosed
	e.mu.Unlock()
	e.handler.OnClose(cause)
}

// FakeDelivery is a link.Delivery backed by a plain bool.
type FakeDelivery struct {
	mu      sync.Mutex
	pending bool
}

func (d *FakeDelivery) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *FakeDelivery) Settle() {
	d.mu.Lock()
	d.pending = false
	d.mu.Unlock()
}

// FakeCBSChannel records every token send, optionally failing.
type FakeCBSChannel struct {
	mu   sync.Mutex
	err  error
	sent []string
}

// SetError makes every future SendToken call fail with err; nil clears it.
func (c *FakeCBSChannel) SetError(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// SentCount reports how many tokens have been sent successfully.
func (c *FakeCBSChannel) SentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *FakeCBSChannel) SendToken(_ context.Context, token string, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, token)
	return nil
}

// FakeTokenProvider mints a fixed token, optionally failing.
type FakeTokenProvider struct {
	mu    sync.Mutex
	token string
	err   error
}

// NewFakeTokenProvider returns a provider that always mints token.
func NewFakeTokenProvider(token string) *FakeTokenProvider {
	return &FakeTokenProvider{token: token}
}

// SetError makes every future GetToken call fail with err; nil clears it.
func (p *FakeTokenProvider) SetError(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *FakeTokenProvider) GetToken(_ context.Context, _ string, _ time.Duration) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	return p.token, nil
}

// FixedRetryPolicy retries up to maxAttempts times per client id with a
// constant delay, then gives up. A maxAttempts of 0 never retries.
type FixedRetryPolicy struct {
	mu          sync.Mutex
	delay       time.Duration
	maxAttempts int
	attempts    map[string]int
}

// NewFixedRetryPolicy constructs a policy with the given bound and delay.
func NewFixedRetryPolicy(maxAttempts int, delay time.Duration) *FixedRetryPolicy {
	return &FixedRetryPolicy{maxAttempts: maxAttempts, delay: delay, attempts: make(map[string]int)}
}

func (p *FixedRetryPolicy) GetNextRetryInterval(clientID string, _ error, _ time.Duration) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attempts[clientID] >= p.maxAttempts {
		return 0, false
	}
	return p.delay, true
}

func (p *FixedRetryPolicy) IncrementRetryCount(clientID string) {
	p.mu.Lock()
	p.attempts[clientID]++
	p.mu.Unlock()
}

func (p *FixedRetryPolicy) ResetRetryCount(clientID string) {
	p.mu.Lock()
	p.attempts[clientID] = 0
	p.mu.Unlock()
}

// Attempts reports how many times clientID has been incremented.
func (p *FixedRetryPolicy) Attempts(clientID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[clientID]
}

// NoRetryPolicy never retries, used to exercise the non-transient /
// terminal-error paths.
type NoRetryPolicy struct{}

func (NoRetryPolicy) GetNextRetryInterval(string, error, time.Duration) (time.Duration, bool) {
	return 0, false
}
func (NoRetryPolicy) IncrementRetryCount(string) {}
func (NoRetryPolicy) ResetRetryCount(string)     {}

// FakeSettingsProvider supplies empty filters/properties/capabilities,
// sufficient for tests that don't exercise resume-from-offset filters.
type FakeSettingsProvider struct {
	Filter       map[link.Symbol]any
	Properties   map[link.Symbol]any
	Capabilities []link.Symbol
}

func (p *FakeSettingsProvider) GetFilter(*link.Message) map[link.Symbol]any { return p.Filter }
func (p *FakeSettingsProvider) GetProperties() map[link.Symbol]any         { return p.Properties }
func (p *FakeSettingsProvider) GetDesiredCapabilities() []link.Symbol      { return p.Capabilities }
