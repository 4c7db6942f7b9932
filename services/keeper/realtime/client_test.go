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
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a scripted in-memory connection. The test plays the hub
// side: frames pushed into in are read by the client, frames the
// client writes land in out.
type fakeConn struct {
	in     chan Frame
	out    chan Frame
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan Frame, 16),
		out:    make(chan Frame, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadJSON(v any) error {
	select {
	case f := <-c.in:
		*(v.(*Frame)) = f
		return nil
	case <-c.closed:
		return errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.out <- v.(Frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// dialerFor hands out the given connections in order; once exhausted,
// dials block until the context ends.
func dialerFor(conns ...*fakeConn) Dialer {
	ch := make(chan *fakeConn, len(conns))
	for _, c := range conns {
		ch <- c
	}
	return func(ctx context.Context, url string) (Conn, error) {
		select {
		case c := <-ch:
			return c, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func newTestClient(t *testing.T, dial Dialer) *Client {
	t.Helper()
	client, err := NewClient(Config{
		URL:            "ws://hub.test/api/websocket",
		Token:          "secret-token",
		RequestTimeout: 2 * time.Second,
		Dial:           dial,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

// playHandshake drives the hub side of the auth exchange.
func playHandshake(t *testing.T, conn *fakeConn) {
	t.Helper()
	conn.in <- Frame{Type: FrameAuthRequired}

	auth := readFrame(t, conn, 2*time.Second)
	require.Equal(t, FrameAuth, auth.Type)
	require.Equal(t, "secret-token", auth.AccessToken)

	conn.in <- Frame{Type: FrameAuthOK}
}

func readFrame(t *testing.T, conn *fakeConn, timeout time.Duration) Frame {
	t.Helper()
	select {
	case f := <-conn.out:
		return f
	case <-time.After(timeout):
		t.Fatal("timed out waiting for client frame")
		return Frame{}
	}
}

func waitReady(t *testing.T, client *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, client.WaitReady(ctx))
}

func TestClientHandshakeAndRequest(t *testing.T) {
	conn := newFakeConn()
	client := newTestClient(t, dialerFor(conn))
	client.Start(context.Background())

	playHandshake(t, conn)
	waitReady(t, client)
	assert.Equal(t, StateConnected, client.State())

	// Hub side: answer the one request
	go func() {
		req := readFrame(t, conn, 2*time.Second)
		ok := true
		conn.in <- Frame{
			Type:    FrameResponse,
			ID:      req.ID,
			Success: &ok,
			Payload: json.RawMessage(`{"pong":true}`),
		}
	}()

	resp, err := client.Request(context.Background(), Frame{Command: "ping"})
	require.NoError(t, err)
	assert.True(t, resp.Ok())
	assert.JSONEq(t, `{"pong":true}`, string(resp.Payload))
}

func TestClientAuthRejected(t *testing.T) {
	conn := newFakeConn()
	client := newTestClient(t, dialerFor(conn))
	client.Start(context.Background())

	conn.in <- Frame{Type: FrameAuthRequired}
	auth := readFrame(t, conn, 2*time.Second)
	require.Equal(t, FrameAuth, auth.Type)
	conn.in <- Frame{Type: FrameAuthInvalid, Message: "bad token"}

	// A rejected token re-enters the backoff loop rather than
	// connecting or giving up.
	require.Eventually(t, func() bool {
		return client.State() == StateReconnecting
	}, 3*time.Second, 10*time.Millisecond)

	status := client.CurrentStatus()
	assert.GreaterOrEqual(t, status.Attempt, 1)
	assert.Greater(t, status.NextDelay, time.Duration(0))
}

func TestClientUnmatchedResponseDropped(t *testing.T) {
	conn := newFakeConn()
	client := newTestClient(t, dialerFor(conn))
	client.Start(context.Background())

	playHandshake(t, conn)
	waitReady(t, client)

	// A response no one asked for must be ignored without side effects
	ok := true
	conn.in <- Frame{Type: FrameResponse, ID: 999, Success: &ok}

	go func() {
		req := readFrame(t, conn, 2*time.Second)
		conn.in <- Frame{Type: FrameResponse, ID: req.ID, Success: &ok}
	}()

	resp, err := client.Request(context.Background(), Frame{Command: "ping"})
	require.NoError(t, err)
	assert.True(t, resp.Ok())
}

func TestClientConnectionLostFailsInflight(t *testing.T) {
	conn := newFakeConn()
	client := newTestClient(t, dialerFor(conn))
	client.Start(context.Background())

	playHandshake(t, conn)
	waitReady(t, client)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := client.Request(context.Background(), Frame{Command: "hang"})
			errs <- err
		}()
	}

	// Wait until both requests are on the wire, then drop the socket
	require.Eventually(t, func() bool {
		return client.table.Pending() == 2
	}, 2*time.Second, 5*time.Millisecond)
	conn.Close()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrConnectionLost)
		case <-time.After(3 * time.Second):
			t.Fatal("in-flight request was not failed")
		}
	}
}

func TestClientResubscribeAfterReconnect(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	client := newTestClient(t, dialerFor(first, second))

	_, err := client.Subscribe("state_changed", func(Frame) {})
	require.NoError(t, err)
	_, err = client.Subscribe("config_updated", func(Frame) {})
	require.NoError(t, err)

	client.Start(context.Background())

	expectSubscriptions := func(conn *fakeConn) {
		t.Helper()
		ok := true
		for _, topic := range []string{"state_changed", "config_updated"} {
			sub := readFrame(t, conn, 3*time.Second)
			assert.Equal(t, FrameRequest, sub.Type)
			assert.Equal(t, CommandSubscribe, sub.Command)
			assert.Equal(t, topic, sub.Topic, "subscriptions must replay in registration order")
			conn.in <- Frame{Type: FrameResponse, ID: sub.ID, Success: &ok}
		}
	}

	playHandshake(t, first)
	expectSubscriptions(first)
	waitReady(t, client)

	first.Close()

	// Reconnect happens after one backoff step of about a second
	playHandshake(t, second)
	expectSubscriptions(second)
	waitReady(t, client)
}

func TestClientEventDispatchIsolation(t *testing.T) {
	conn := newFakeConn()
	client := newTestClient(t, dialerFor(conn))
	client.Start(context.Background())

	playHandshake(t, conn)
	waitReady(t, client)

	delivered := make(chan Frame, 1)
	_, err := client.Subscribe("state_changed", func(Frame) {
		panic("callback exploded")
	})
	require.NoError(t, err)
	_, err = client.Subscribe("state_changed", func(f Frame) {
		delivered <- f
	})
	require.NoError(t, err)

	conn.in <- Frame{
		Type:    FrameEvent,
		Topic:   "state_changed",
		Payload: json.RawMessage(`{"entity":"light.kitchen"}`),
	}

	select {
	case f := <-delivered:
		assert.JSONEq(t, `{"entity":"light.kitchen"}`, string(f.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("panicking sibling callback starved delivery")
	}
}

func TestClientRequestDeadline(t *testing.T) {
	conn := newFakeConn()
	client := newTestClient(t, dialerFor(conn))
	client.Start(context.Background())

	playHandshake(t, conn)
	waitReady(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Request(ctx, Frame{Command: "never_answered"})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestClientCloseIdempotent(t *testing.T) {
	conn := newFakeConn()
	client := newTestClient(t, dialerFor(conn))
	client.Start(context.Background())

	playHandshake(t, conn)
	waitReady(t, client)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Request(context.Background(), Frame{Command: "hang"})
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return client.table.Pending() == 1
	}, 2*time.Second, 5*time.Millisecond)

	client.Close()
	client.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(3 * time.Second):
		t.Fatal("in-flight request not cancelled on close")
	}
	assert.Equal(t, StateDisconnected, client.State())
}

func TestClientRequestWhileDisconnected(t *testing.T) {
	client := newTestClient(t, dialerFor())

	_, err := client.Request(context.Background(), Frame{Command: "ping"})
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestClientSubscribeSendUnblocksOnConnectionDrop(t *testing.T) {
	// No lifecycle goroutine is running, so nothing drains writeCh.
	// This is the window where the connection drops right after the
	// connected check in Subscribe.
	client := newTestClient(t, dialerFor())

	done := make(chan struct{})
	go func() {
		defer close(done)
		client.sendSubscribe("state_changed")
	}()

	assert.Eventually(t, func() bool { return client.table.Pending() == 1 },
		2*time.Second, 5*time.Millisecond)
	client.table.FailAll(ErrConnectionLost)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe send stayed blocked after the connection dropped")
	}
	assert.Equal(t, 0, client.table.Pending(),
		"the stale frame must not carry over to the next connection")
}
