// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Sentinel errors for terminal request outcomes.
var (
	// ErrTimeout means no response arrived before the deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrConnectionLost means the socket dropped with the request in
	// flight, or no socket was available to send it.
	ErrConnectionLost = errors.New("connection lost")
	// ErrCancelled means the client was closed or the caller's context
	// was cancelled.
	ErrCancelled = errors.New("request cancelled")
	// ErrAuthRejected means the hub refused the access token.
	ErrAuthRejected = errors.New("authentication rejected")
)

// ConnectionState is the lifecycle state of the client.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateReconnecting
	StateShuttingDown
)

// String returns the lowercase name of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalJSON renders the state as its lowercase name.
func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Conn is the minimal socket surface the client needs. Satisfied by
// *websocket.Conn; tests substitute scripted connections.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Dialer establishes one Conn to the hub.
type Dialer func(ctx context.Context, url string) (Conn, error)

// websocketDialer dials with the gorilla default dialer.
func websocketDialer(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Config configures a Client.
type Config struct {
	// URL is the hub websocket endpoint.
	URL string
	// Token is presented during the auth handshake.
	Token string
	// RequestTimeout bounds each request; defaults to 10s.
	RequestTimeout time.Duration
	// BackoffCap bounds the reconnect delay; defaults to 60s.
	BackoffCap time.Duration
	// Dial defaults to the gorilla websocket dialer.
	Dial Dialer
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Status is a point-in-time view of the connection for the API.
type Status struct {
	State ConnectionState `json:"state"`
	// Attempt is the reconnect attempt number, 0 unless reconnecting.
	Attempt int `json:"attempt,omitempty"`
	// NextDelay is the wait before the next attempt, 0 unless
	// reconnecting.
	NextDelay time.Duration `json:"next_delay,omitempty"`
}

// Subscription is one registered event callback. Cancel is safe to
// call more than once.
type Subscription struct {
	topic     string
	callback  func(Frame)
	cancelled bool
}

// Client is the persistent duplex connection to the hub.
//
// # Description
//
// One lifecycle goroutine owns the socket: it dials, authenticates,
// re-arms subscriptions in registration order, and then serves as the
// single writer while a per-connection reader feeds inbound frames
// back to it. Requests from any goroutine are funneled through the
// write channel and correlated by id; a dropped socket fails every
// in-flight request with ErrConnectionLost and the loop re-dials on a
// capped exponential backoff.
//
// # Thread Safety
//
// All public methods are safe for concurrent use.
type Client struct {
	cfg    Config
	table  *CorrelationTable
	logger *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once

	writeCh chan writeRequest

	mu        sync.Mutex
	state     ConnectionState
	attempt   int
	nextDelay time.Duration
	subs      []*Subscription
	readyCh   chan struct{}
}

type writeRequest struct {
	frame Frame
	errCh chan error
}

// NewClient creates a client. It does not connect until Start.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.Dial == nil {
		cfg.Dial = websocketDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		cfg:     cfg,
		table:   NewCorrelationTable(),
		logger:  cfg.Logger.With("component", "realtime.Client"),
		done:    make(chan struct{}),
		writeCh: make(chan writeRequest),
		state:   StateDisconnected,
		readyCh: make(chan struct{}),
	}, nil
}

// Start launches the lifecycle goroutine. Subsequent calls are no-ops.
// Cancelling ctx shuts the client down the same way Close does.
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.ctx, c.cancel = context.WithCancel(ctx)
		go c.run()
	})
}

// Close shuts the client down and fails all in-flight requests with
// ErrCancelled. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.setState(StateShuttingDown, 0, 0)
		if c.cancel != nil {
			c.cancel()
			<-c.done
		}
		c.table.FailAll(ErrCancelled)
		c.setState(StateDisconnected, 0, 0)
	})
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentStatus returns the state plus reconnect detail.
func (c *Client) CurrentStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, Attempt: c.attempt, NextDelay: c.nextDelay}
}

// WaitReady blocks until the client reaches StateConnected or ctx is
// done.
func (c *Client) WaitReady(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.state == StateConnected {
			c.mu.Unlock()
			return nil
		}
		ready := c.readyCh
		c.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Subscribe registers a callback for events on topic. On every
// successful handshake the client re-issues subscriptions in the
// order they were registered, so callers observe no gap semantics
// beyond events lost while disconnected.
func (c *Client) Subscribe(topic string, callback func(Frame)) (*Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if callback == nil {
		return nil, fmt.Errorf("callback is required")
	}

	sub := &Subscription{topic: topic, callback: callback}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	connected := c.state == StateConnected
	c.mu.Unlock()

	if connected {
		c.sendSubscribe(topic)
	}
	return sub, nil
}

// Unsubscribe removes a subscription. Events already dispatched are
// unaffected.
func (c *Client) Unsubscribe(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub.cancelled = true
	kept := c.subs[:0]
	for _, s := range c.subs {
		if !s.cancelled {
			kept = append(kept, s)
		}
	}
	c.subs = kept
}

// Request sends one request frame and waits for its response.
//
// # Description
//
// The frame's Type and ID are assigned by the client. The outcome is
// exactly one of: the matching response, ErrTimeout, ErrConnectionLost,
// or ErrCancelled.
//
// # Inputs
//
//   - ctx: bounds the wait; its deadline tightens the configured
//     request timeout but never loosens it.
//   - frame: Command, Topic, and Payload of the request.
//
// # Outputs
//
//   - Frame: the correlated response frame.
//   - error: one of the sentinel outcomes above.
func (c *Client) Request(ctx context.Context, frame Frame) (Frame, error) {
	if c.State() != StateConnected {
		return Frame{}, fmt.Errorf("client not connected: %w", ErrConnectionLost)
	}

	deadline := time.Now().Add(c.cfg.RequestTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	id, outcomeCh := c.table.Register(deadline)
	frame.Type = FrameRequest
	frame.ID = id

	errCh := make(chan error, 1)
	select {
	case c.writeCh <- writeRequest{frame: frame, errCh: errCh}:
	case out := <-outcomeCh:
		// The connection dropped before the frame reached the writer
		return out.Frame, out.Err
	case <-ctx.Done():
		c.table.Fail(id, mapContextErr(ctx.Err()))
		return c.awaitOutcome(outcomeCh)
	case <-c.done:
		c.table.Fail(id, ErrCancelled)
		return c.awaitOutcome(outcomeCh)
	}

	if err := <-errCh; err != nil {
		// The lifecycle loop tears the connection down after a write
		// failure; fail this slot directly in case the request raced
		// ahead of FailAll.
		c.table.Fail(id, ErrConnectionLost)
		return c.awaitOutcome(outcomeCh)
	}

	select {
	case out := <-outcomeCh:
		return out.Frame, out.Err
	case <-ctx.Done():
		c.table.Fail(id, mapContextErr(ctx.Err()))
		return c.awaitOutcome(outcomeCh)
	}
}

// awaitOutcome drains the buffered outcome after the slot was claimed
// by someone. The winner's verdict stands even if this caller tried to
// fail the slot and lost the race.
func (c *Client) awaitOutcome(ch <-chan Outcome) (Frame, error) {
	out := <-ch
	return out.Frame, out.Err
}

func mapContextErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrCancelled
}

// =============================================================================
// Lifecycle
// =============================================================================

func (c *Client) run() {
	defer close(c.done)

	bo := newBackoff(c.cfg.BackoffCap)
	for {
		if c.ctx.Err() != nil {
			return
		}

		c.setState(StateConnecting, 0, 0)
		conn, err := c.cfg.Dial(c.ctx, c.cfg.URL)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("hub dial failed", "url", c.cfg.URL, "error", err)
			if !c.waitBackoff(bo) {
				return
			}
			continue
		}

		c.setState(StateAuthenticating, 0, 0)
		if err := c.handshake(conn); err != nil {
			conn.Close()
			if c.ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrAuthRejected) {
				c.logger.Error("hub rejected access token", "error", err)
			} else {
				c.logger.Warn("handshake failed", "error", err)
			}
			if !c.waitBackoff(bo) {
				return
			}
			continue
		}

		bo.reset()
		c.resubscribe(conn)
		c.setState(StateConnected, 0, 0)
		c.logger.Info("hub connection established", "url", c.cfg.URL)

		err = c.serve(conn)
		conn.Close()
		c.clearReady()

		if c.ctx.Err() != nil {
			c.table.FailAll(ErrCancelled)
			return
		}

		dropped := c.table.FailAll(ErrConnectionLost)
		c.logger.Warn("hub connection lost",
			"error", err, "failed_requests", dropped)
		if !c.waitBackoff(bo) {
			return
		}
	}
}

// handshake performs auth_required -> auth -> auth_ok|auth_invalid.
func (c *Client) handshake(conn Conn) error {
	var hello Frame
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("reading greeting: %w", err)
	}
	if hello.Type != FrameAuthRequired {
		return fmt.Errorf("unexpected greeting frame %q", hello.Type)
	}

	auth := Frame{Type: FrameAuth, AccessToken: c.cfg.Token}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}

	var verdict Frame
	if err := conn.ReadJSON(&verdict); err != nil {
		return fmt.Errorf("reading auth verdict: %w", err)
	}
	switch verdict.Type {
	case FrameAuthOK:
		return nil
	case FrameAuthInvalid:
		return fmt.Errorf("%w: %s", ErrAuthRejected, verdict.Message)
	default:
		return fmt.Errorf("unexpected auth verdict frame %q", verdict.Type)
	}
}

// resubscribe re-arms every live subscription in registration order.
// Runs on the lifecycle goroutine before the client is marked ready.
func (c *Client) resubscribe(conn Conn) {
	c.mu.Lock()
	topics := make([]string, 0, len(c.subs))
	seen := make(map[string]bool, len(c.subs))
	for _, sub := range c.subs {
		if !sub.cancelled && !seen[sub.topic] {
			topics = append(topics, sub.topic)
			seen[sub.topic] = true
		}
	}
	c.mu.Unlock()

	for _, topic := range topics {
		id, outcomeCh := c.table.Register(time.Now().Add(c.cfg.RequestTimeout))
		if err := conn.WriteJSON(subscribeFrame(id, topic)); err != nil {
			c.table.Fail(id, ErrConnectionLost)
			c.logger.Warn("resubscribe write failed", "topic", topic, "error", err)
			return
		}
		go c.logSubscribeOutcome(topic, outcomeCh)
	}
}

func (c *Client) logSubscribeOutcome(topic string, ch <-chan Outcome) {
	out := <-ch
	switch {
	case out.Err != nil:
		c.logger.Warn("subscription not confirmed", "topic", topic, "error", out.Err)
	case !out.Frame.Ok():
		c.logger.Warn("subscription rejected", "topic", topic, "error", out.Frame.Error)
	}
}

// sendSubscribe arms one topic on the live connection, used when a
// subscription is added while connected.
func (c *Client) sendSubscribe(topic string) {
	id, outcomeCh := c.table.Register(time.Now().Add(c.cfg.RequestTimeout))
	errCh := make(chan error, 1)
	select {
	case c.writeCh <- writeRequest{frame: subscribeFrame(id, topic), errCh: errCh}:
		if err := <-errCh; err != nil {
			c.table.Fail(id, ErrConnectionLost)
			return
		}
		go c.logSubscribeOutcome(topic, outcomeCh)
	case out := <-outcomeCh:
		// The connection dropped before the frame reached the writer.
		// The topic stays registered, so the next handshake arms it;
		// sending the stale frame on a later connection would double
		// the in-order resubscribe.
		c.logger.Debug("subscribe deferred to next connection",
			"topic", topic, "error", out.Err)
	case <-c.done:
		c.table.Fail(id, ErrCancelled)
	}
}

// serve is the per-connection select loop. It is the only goroutine
// writing to conn while the connection is live.
func (c *Client) serve(conn Conn) error {
	frames := make(chan Frame)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- f:
			case <-stop:
				return
			}
		}
	}()

	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()

		case wr := <-c.writeCh:
			err := conn.WriteJSON(wr.frame)
			wr.errCh <- err
			if err != nil {
				return fmt.Errorf("writing frame: %w", err)
			}

		case f := <-frames:
			c.dispatch(f)

		case err := <-readErr:
			return fmt.Errorf("reading frame: %w", err)

		case now := <-sweep.C:
			if n := c.table.Sweep(now); n > 0 {
				c.logger.Warn("requests timed out", "count", n)
			}
		}
	}
}

// dispatch routes one inbound frame.
func (c *Client) dispatch(f Frame) {
	switch f.Type {
	case FrameResponse:
		if !c.table.Resolve(f.ID, f) {
			// Late response for a request already timed out or failed
			c.logger.Debug("dropping unmatched response", "id", f.ID)
		}
	case FrameEvent:
		c.dispatchEvent(f)
	default:
		c.logger.Debug("ignoring frame", "type", f.Type)
	}
}

// dispatchEvent fans the event out to matching callbacks. A panicking
// callback is logged and does not affect its peers.
func (c *Client) dispatchEvent(f Frame) {
	c.mu.Lock()
	targets := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		if !sub.cancelled && sub.topic == f.Topic {
			targets = append(targets, sub)
		}
	}
	c.mu.Unlock()

	for _, sub := range targets {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("event callback panicked",
						"topic", f.Topic, "panic", r)
				}
			}()
			sub.callback(f)
		}()
	}
}

// waitBackoff sleeps the next backoff delay. Returns false when the
// client is shutting down.
func (c *Client) waitBackoff(bo *backoff) bool {
	delay := bo.next()
	c.setState(StateReconnecting, bo.attempt, delay)
	c.logger.Info("reconnecting to hub", "attempt", bo.attempt, "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Client) setState(state ConnectionState, attempt int, nextDelay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Close never yields the shutdown state back
	if c.state == StateShuttingDown && state != StateDisconnected {
		return
	}
	c.state = state
	c.attempt = attempt
	c.nextDelay = nextDelay
	if state == StateConnected {
		close(c.readyCh)
	}
}

// clearReady replaces the ready latch after a connection drops.
func (c *Client) clearReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readyCh = make(chan struct{})
}
