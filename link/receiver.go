// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrorContext is the read-only snapshot returned by Receiver.ErrorContext.
// Its link-derived fields (tracking id, credit, buffer size, last error)
// are drawn together under one mutex so a caller never observes a torn
// mix of pre- and post-transition values; Prefetch is read separately
// under the prefetch mutex (spec.md §4.1).
type ErrorContext struct {
	Host                string
	EntityPath          string
	LinkName            string
	TrackingID          string
	Prefetch            int
	Credit              uint32
	PrefetchBufferSize  int
	LastError           error
}

type errorSnapshot struct {
	trackingID         string
	credit             uint32
	prefetchBufferSize int
	lastErr            error
}

// Receiver is the public facade over one AMQP 1.0 receiver link: credit
// accounting, a prefetch buffer, a FIFO of outstanding receive requests,
// and the open/close/recreate link lifecycle (spec.md §3-§5). It
// implements Handler so the external reactor can drive it directly.
type Receiver struct {
	config  ReceiverConfig
	factory MessagingFactory
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *Metrics

	bridge   *ReactorBridge
	timer    *Timer
	tokenMgr *TokenManager
	breaker  *gobreaker.CircuitBreaker

	// state is written only from the reactor goroutine but read from any
	// goroutine (e.g. Receive's closed-receiver boundary check), hence
	// atomic rather than the reactor-thread-only discipline used for the
	// rest of the link-adjacent fields (spec.md §5).
	state atomic.Int32

	// prefetchMu guards the caller-visible prefetch target (spec.md §5).
	prefetchMu     sync.Mutex
	prefetchTarget int

	// timeoutMu guards the caller-visible receive timeout.
	timeoutMu      sync.Mutex
	receiveTimeout time.Duration

	// errMu guards the error-context snapshot (spec.md §5).
	errMu    sync.Mutex
	snapshot errorSnapshot

	// fallbackTrackingID is used in place of RemoteProperties' tracking
	// id when the peer never attaches one, so ErrorContext().TrackingID
	// is never silently empty (spec.md §4.1/§5).
	fallbackTrackingID string

	// Reactor-thread-only state below; never touched from any other
	// goroutine.
	session              Session
	endpoint             LinkEndpoint
	prefetchBuffer       *PrefetchBuffer
	pendingQueue         *PendingQueue
	credit               *CreditController
	lastReceivedMessage  *Message
	operationTimer       *TimerHandle
	operationTimerHead   *PendingReceive
	openTimer            *TimerHandle
	closeTimer           *TimerHandle
	openDeadline         TimeoutTracker

	openFuture     *future[struct{}]
	closeFuture    *future[struct{}]
	closeStartOnce sync.Once
}

// Create establishes a new receiver link and blocks until the open
// procedure completes, fails, or ctx is cancelled (spec.md §4.1,
// "create"). The returned Receiver is ready to Receive immediately.
func Create(ctx context.Context, cfg ReceiverConfig, factory MessagingFactory) (*Receiver, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.withDefaults()

	metrics, err := NewMetrics()
	if err != nil {
		cfg.Logger.Warn("metrics unavailable, continuing without them", slog.Any("error", err))
		metrics = nil
	}

	r := &Receiver{
		config:             cfg,
		factory:            factory,
		logger:             cfg.Logger,
		tracer:             otel.Tracer("amqp.receiver"),
		metrics:            metrics,
		prefetchTarget:     cfg.Prefetch,
		receiveTimeout:     cfg.OperationTimeout,
		prefetchBuffer:     NewPrefetchBuffer(),
		pendingQueue:       NewPendingQueue(),
		credit:             NewCreditController(cfg.Prefetch, minFlowIntervalSeconds(cfg.MinFlowInterval)),
		timer:              NewTimer(),
		openFuture:         newFuture[struct{}](),
		closeFuture:        newFuture[struct{}](),
		fallbackTrackingID: uuid.NewString(),
	}
	r.bridge = NewReactorBridge(factory)
	r.tokenMgr = NewTokenManager(cfg.audience(), factory.TokenProvider(), factory.CBSChannel(),
		r.bridge, cfg.TokenRefreshInterval, cfg.TokenValidity, cfg.Logger)
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "amqp-link-open:" + cfg.LinkName,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.CircuitBreaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.CircuitBreaker.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Info("circuit breaker state change", slog.String("breaker", name),
				slog.String("from", from.String()), slog.String("to", to.String()))
		},
	})
	r.state.Store(int32(StateUninitialized))

	ctx, span := r.tracer.Start(ctx, "receiver.create",
		trace.WithAttributes(attribute.String("host", cfg.Host), attribute.String("entity_path", cfg.EntityPath)))
	defer span.End()

	if err := r.tokenMgr.Start(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("start token manager: %w", err)
	}

	r.openDeadline = NewTimeoutTracker(cfg.OpenTimeout)
	r.openTimer = r.timer.Schedule(cfg.OpenTimeout, func() {
		_, _ = r.bridge.Dispatch(func() { r.onOpenTimeout() })
	})

	if _, err := r.bridge.Dispatch(func() { r.openProcedure() }); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if _, err := r.openFuture.wait(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return r, nil
}

func minFlowIntervalSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}

// --- State bookkeeping -----------------------------------------------

func (r *Receiver) getState() LinkState {
	return LinkState(r.state.Load())
}

func (r *Receiver) setState(s LinkState) {
	from := LinkState(r.state.Swap(int32(s)))
	if r.metrics != nil {
		r.metrics.recordTransition(context.Background(), from, s, r.config.LinkName)
	}
}

func (r *Receiver) isClosingOrClosed() bool {
	return r.getState().isClosingOrClosed()
}

// --- Open procedure (spec.md §4.4) ------------------------------------

// openProcedure runs on the reactor goroutine, both for the initial open
// and for every Errored -> Creating recreate.
func (r *Receiver) openProcedure() {
	if r.isClosingOrClosed() {
		return
	}
	r.setState(StateCreating)

	go func() {
		err := r.attemptTokenSend(context.Background())
		_, dispatchErr := r.bridge.Dispatch(func() {
			if err != nil {
				r.OnOpenComplete(err)
				return
			}
			r.factory.GetSession(r.config.EntityPath, r.onSessionOpen, r.onSessionOpenFailed)
		})
		if dispatchErr != nil {
			// Reactor already torn down; nothing left to do.
			return
		}
	}()
}

// attemptTokenSend wraps the CBS token send in the circuit breaker, so a
// streak of open failures stops hammering the CBS endpoint even before
// the injected RetryPolicy would back off (spec.md's breaker is purely
// additive and never supersedes RetryPolicy's authority over link state).
func (r *Receiver) attemptTokenSend(ctx context.Context) error {
	_, err := r.breaker.Execute(func() (any, error) {
		return nil, r.tokenMgr.SendNow(ctx)
	})
	return err
}

func (r *Receiver) onSessionOpen(s Session) {
	if r.isClosingOrClosed() {
		return
	}
	filter := r.config.SettingsProvider.GetFilter(r.lastReceivedMessage)
	src := &Source{Address: r.config.EntityPath, Filter: filter}
	tgt := &Target{Address: r.config.LinkName}
	properties := r.config.SettingsProvider.GetProperties()
	capabilities := r.config.SettingsProvider.GetDesiredCapabilities()

	endpoint, err := s.Receiver(r.config.LinkName, src, tgt, properties, capabilities,
		SenderSettleModeUnsettled, ReceiverSettleModeSecond, r)
	if err != nil {
		r.OnOpenComplete(err)
		return
	}
	r.session = s
	r.endpoint = endpoint
	r.factory.RegisterForConnectionError(endpoint)

	if err := endpoint.Open(); err != nil {
		r.OnOpenComplete(err)
	}
}

func (r *Receiver) onSessionOpenFailed(err error) {
	r.OnOpenComplete(err)
}

// OnOpenComplete implements Handler (spec.md §4.4, "on_open_complete").
func (r *Receiver) OnOpenComplete(err error) {
	if err == nil {
		if r.isClosingOrClosed() {
			if r.endpoint != nil {
				_ = r.endpoint.Close()
			}
			return
		}
		r.setState(StateOpen)
		r.openTimer.Cancel()
		r.setLastKnownLinkError(nil)
		r.factory.RetryPolicy().ResetRetryCount(r.factory.ClientID())

		flow := r.credit.OnOpenComplete(r.prefetchBuffer.Len())
		r.issueFlow(flow)
		r.updateSnapshot()
		r.openFuture.complete(struct{}{}, nil)
		return
	}

	r.setLastKnownLinkError(err)
	r.handleOpenRetryDecision(err)
}

func (r *Receiver) handleOpenRetryDecision(err error) {
	delay, retry := r.factory.RetryPolicy().GetNextRetryInterval(r.factory.ClientID(), err, r.openDeadline.Remaining())
	var le *LinkError
	if errors.As(err, &le) && !le.Transient {
		retry = false
	}
	r.setState(StateErrored)
	if retry {
		r.config.OnOpenRetry(r)
		r.scheduleRecreate(delay)
		return
	}
	r.setState(StateClosed)
	r.openTimer.Cancel()
	r.openFuture.complete(struct{}{}, err)
}

// onOpenTimeout fires when the open timer expires before the link
// reaches Open or a terminal state (spec.md §4.4 scenario 5).
func (r *Receiver) onOpenTimeout() {
	if r.openFuture.isDone() {
		return
	}
	cause := r.getLastKnownLinkError()
	var timeoutErr error
	if cause != nil {
		timeoutErr = fmt.Errorf("%w: %v", ErrOpenTimeout, cause)
	} else {
		timeoutErr = ErrOpenTimeout
	}
	r.setState(StateClosed)
	r.openFuture.complete(struct{}{}, timeoutErr)
}

// scheduleRecreate arms a delayed reactor job that re-enters the open
// procedure, guarded so a late timer never fires against an already
// closing/open link (spec.md §4.4).
func (r *Receiver) scheduleRecreate(delay time.Duration) {
	_, _ = r.bridge.DispatchAfter(delay, func() {
		if r.isClosingOrClosed() {
			return
		}
		if r.endpoint == nil || r.endpoint.LocalState() == EndpointClosed || r.endpoint.RemoteState() == EndpointClosed {
			r.factory.RetryPolicy().IncrementRetryCount(r.factory.ClientID())
			r.openProcedure()
		}
	})
}

// --- Error and close paths (spec.md §4.4) -----------------------------

// OnError implements Handler.
func (r *Receiver) OnError(err error) {
	r.prefetchBuffer.Clear()
	if r.endpoint != nil {
		r.factory.DeregisterForConnectionError(r.endpoint)
	}
	r.setLastKnownLinkError(err)
	r.updateSnapshot()

	if r.isClosingOrClosed() {
		r.closeTimer.Cancel()
		r.drainAll(ReceiveResult{})
		r.cancelOperationTimer()
		r.setState(StateClosed)
		r.closeFuture.complete(struct{}{}, nil)
		return
	}

	var remaining time.Duration
	if head := r.pendingQueue.PeekFront(); head != nil {
		remaining = head.Deadline().Remaining()
	}
	delay, retry := r.factory.RetryPolicy().GetNextRetryInterval(r.factory.ClientID(), err, remaining)
	var le *LinkError
	if errors.As(err, &le) && !le.Transient {
		retry = false
	}
	r.setState(StateErrored)
	if retry {
		r.scheduleRecreate(delay)
		return
	}
	r.setState(StateClosed)
	r.drainAll(classifyDrainResult(err))
	r.cancelOperationTimer()
}

// OnClose implements Handler: a peer/local detach with no distinct
// error condition funnels into the same handling as OnError (the Java
// source's onClose converts the ErrorCondition and delegates to onError).
func (r *Receiver) OnClose(cause error) {
	r.OnError(cause)
}

func classifyDrainResult(cause error) ReceiveResult {
	if IsTransient(cause) {
		return ReceiveResult{}
	}
	return ReceiveResult{Err: cause}
}

func (r *Receiver) drainAll(res ReceiveResult) {
	for _, req := range r.pendingQueue.DrainAll() {
		req.complete(res)
	}
}

// Close tears the link down, draining outstanding receives, and blocks
// until the close future completes or ctx is cancelled. Close is
// idempotent: every call after the first observes the same future
// (spec.md §4.1, §8).
func (r *Receiver) Close(ctx context.Context) error {
	r.closeStartOnce.Do(func() {
		r.tokenMgr.Cancel()
		r.closeTimer = r.timer.Schedule(r.config.CloseTimeout, func() {
			_, _ = r.bridge.Dispatch(func() { r.onCloseTimeout() })
		})
		_, err := r.bridge.Dispatch(func() { r.closeProcedure() })
		if err != nil {
			r.closeFuture.complete(struct{}{}, err)
		}
	})
	_, err := r.closeFuture.wait(ctx)
	return err
}

func (r *Receiver) closeProcedure() {
	switch r.getState() {
	case StateOpen:
		r.setState(StateClosing)
		if r.endpoint != nil {
			if err := r.endpoint.Close(); err != nil {
				r.closeTimer.Cancel()
				r.setState(StateClosed)
				r.closeFuture.complete(struct{}{}, err)
			}
			// Otherwise await OnClose/OnError for confirmation.
		} else {
			r.setState(StateClosed)
			r.closeTimer.Cancel()
			r.closeFuture.complete(struct{}{}, nil)
		}
	case StateClosed:
		r.closeTimer.Cancel()
		r.closeFuture.complete(struct{}{}, nil)
	default:
		// Creating, Errored, or Uninitialized: mark Closing so the
		// in-flight open attempt finishes straight into Closed once its
		// own callback (on_open_complete or on_error) observes it.
		r.setState(StateClosing)
	}
}

func (r *Receiver) onCloseTimeout() {
	if r.closeFuture.isDone() {
		return
	}
	r.setState(StateClosed)
	r.closeFuture.complete(struct{}{}, ErrCloseTimeout)
}

// --- Receive path (spec.md §4.1, §4.2) --------------------------------

// Receive waits for up to maxBatch messages, returning earlier if the
// configured receive timeout elapses first. ctx cancellation is
// advisory: it stops this call from waiting, but never cancels the
// underlying pending receive, which remains queued and may still be
// fulfilled (and simply go unread) later (spec.md §4.1).
func (r *Receiver) Receive(ctx context.Context, maxBatch int) ([]*Message, error) {
	if r.getState() == StateClosed {
		return nil, ErrAlreadyClosed
	}
	prefetch := r.GetPrefetch()
	if maxBatch < 1 || maxBatch > prefetch {
		return nil, ErrInvalidMaxBatch
	}

	ctx, span := r.tracer.Start(ctx, "receiver.receive",
		trace.WithAttributes(attribute.Int("max_batch", maxBatch)))
	defer span.End()

	timeout := r.GetReceiveTimeout()
	req := r.pendingQueue.Enqueue(NewTimeoutTracker(timeout), maxBatch)
	if r.metrics != nil {
		r.metrics.setPendingQueueDepth(ctx, 1, r.config.LinkName)
	}

	if _, err := r.bridge.Dispatch(func() { r.createAndReceive() }); err != nil {
		req.complete(ReceiveResult{Err: err})
	}

	batch, err := waitPendingReceive(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if r.metrics != nil {
		r.metrics.setPendingQueueDepth(ctx, -1, r.config.LinkName)
	}
	return batch, err
}

func waitPendingReceive(ctx context.Context, req *PendingReceive) ([]*Message, error) {
	select {
	case <-req.Done():
		res := req.Result()
		return res.Batch, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// createAndReceive runs on the reactor goroutine in response to every
// Receive call: it attempts an immediate match and (re)arms the single
// operation timer for the new head deadline (spec.md §4.2).
func (r *Receiver) createAndReceive() {
	matchPending(r.prefetchBuffer, r.pendingQueue, r.onMessagesDelivered)
	r.rescheduleOperationTimer()
	r.updateSnapshot()
}

func (r *Receiver) onMessagesDelivered(n int) {
	flow, shouldFlush := r.credit.OnMessagePolled(n)
	if shouldFlush {
		r.issueFlow(flow)
	}
	if r.metrics != nil {
		r.metrics.recordMessagesPolled(context.Background(), n, r.config.LinkName)
		r.metrics.setPrefetchBufferSize(context.Background(), -int64(n), r.config.LinkName)
	}
}

func (r *Receiver) issueFlow(n uint32) {
	if n == 0 || r.endpoint == nil {
		return
	}
	r.endpoint.Flow(n)
	if r.metrics != nil {
		r.metrics.recordCreditIssued(context.Background(), n, r.config.LinkName)
	}
}

// OnReceiveComplete implements Handler: a settled delivery arrives.
func (r *Receiver) OnReceiveComplete(d Delivery, m *Message) {
	if d != nil && d.Pending() {
		d.Settle()
	}
	r.lastReceivedMessage = m
	r.prefetchBuffer.Push(m)
	if r.metrics != nil {
		r.metrics.setPrefetchBufferSize(context.Background(), 1, r.config.LinkName)
	}
	matchPending(r.prefetchBuffer, r.pendingQueue, r.onMessagesDelivered)
	r.rescheduleOperationTimer()
	r.updateSnapshot()
}

// --- Operation timer (spec.md §4.2) -----------------------------------

func (r *Receiver) rescheduleOperationTimer() {
	head := r.pendingQueue.PeekFront()
	if head == nil {
		r.cancelOperationTimer()
		return
	}
	if head == r.operationTimerHead {
		return
	}
	r.cancelOperationTimer()
	deadline := head.Deadline()
	r.operationTimerHead = head
	r.operationTimer = r.timer.Schedule(deadline.Remaining(), func() {
		_, _ = r.bridge.Dispatch(func() { r.onOperationTimeout() })
	})
}

func (r *Receiver) cancelOperationTimer() {
	r.operationTimer.Cancel()
	r.operationTimer = nil
	r.operationTimerHead = nil
}

func (r *Receiver) onOperationTimeout() {
	next := expireDeadlines(r.pendingQueue)
	r.operationTimer = nil
	r.operationTimerHead = nil
	if next == nil {
		return
	}
	r.operationTimerHead = r.pendingQueue.PeekFront()
	r.operationTimer = r.timer.Schedule(next.Remaining(), func() {
		_, _ = r.bridge.Dispatch(func() { r.onOperationTimeout() })
	})
}

// --- Caller-facing accessors (spec.md §4.1) ---------------------------

// SetPrefetch changes the target prefetch, applying the resulting credit
// delta on the reactor goroutine.
func (r *Receiver) SetPrefetch(n int) error {
	if n <= 0 {
		return ErrInvalidPrefetch
	}
	r.prefetchMu.Lock()
	r.prefetchTarget = n
	r.prefetchMu.Unlock()

	_, err := r.bridge.Dispatch(func() {
		flow, shouldFlush := r.credit.SetPrefetchTarget(n)
		if shouldFlush {
			r.issueFlow(flow)
		}
		r.updateSnapshot()
	})
	return err
}

// GetPrefetch returns the current prefetch target.
func (r *Receiver) GetPrefetch() int {
	r.prefetchMu.Lock()
	defer r.prefetchMu.Unlock()
	return r.prefetchTarget
}

// SetReceiveTimeout changes the timeout applied to future Receive calls.
func (r *Receiver) SetReceiveTimeout(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidTimeout
	}
	r.timeoutMu.Lock()
	r.receiveTimeout = d
	r.timeoutMu.Unlock()
	return nil
}

// GetReceiveTimeout returns the timeout applied to future Receive calls.
func (r *Receiver) GetReceiveTimeout() time.Duration {
	r.timeoutMu.Lock()
	defer r.timeoutMu.Unlock()
	return r.receiveTimeout
}

// --- Error-context snapshot (spec.md §4.1, §5) ------------------------

func (r *Receiver) setLastKnownLinkError(err error) {
	r.errMu.Lock()
	r.snapshot.lastErr = err
	r.errMu.Unlock()
}

func (r *Receiver) getLastKnownLinkError() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.snapshot.lastErr
}

// updateSnapshot refreshes the error-context fields that change with
// link/credit/buffer activity. Reactor-thread only.
func (r *Receiver) updateSnapshot() {
	r.errMu.Lock()
	if r.endpoint != nil {
		r.snapshot.credit = r.endpoint.Credit()
		r.snapshot.trackingID = r.fallbackTrackingID
		if props := r.endpoint.RemoteProperties(); props != nil {
			if tid, ok := props[TrackingIDPropertyKey]; ok {
				r.snapshot.trackingID = fmt.Sprint(tid)
			}
		}
	}
	r.snapshot.prefetchBufferSize = r.prefetchBuffer.Len()
	r.errMu.Unlock()
}

// ErrorContext returns a consistent snapshot of link-error-adjacent
// state, safe to call from any goroutine.
func (r *Receiver) ErrorContext() ErrorContext {
	r.errMu.Lock()
	snap := r.snapshot
	r.errMu.Unlock()
	return ErrorContext{
		Host:               r.config.Host,
		EntityPath:         r.config.EntityPath,
		LinkName:           r.config.LinkName,
		TrackingID:         snap.trackingID,
		Prefetch:           r.GetPrefetch(),
		Credit:             snap.credit,
		PrefetchBufferSize: snap.prefetchBufferSize,
		LastError:          snap.lastErr,
	}
}

// State exposes the current link state, primarily for tests and
// diagnostics; it carries no contract beyond spec.md's transition table.
func (r *Receiver) State() LinkState {
	return r.getState()
}
