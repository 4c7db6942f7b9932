// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package realtime maintains the persistent duplex connection to the
// hub. One Client owns the socket for the life of the process,
// reconnecting with capped exponential backoff, and multiplexes
// request/response traffic and event subscriptions over it through a
// correlation table.
package realtime

import "encoding/json"

// FrameType discriminates messages on the wire.
type FrameType string

const (
	// FrameAuthRequired is sent by the hub immediately after connect.
	FrameAuthRequired FrameType = "auth_required"
	// FrameAuth carries the access token to the hub.
	FrameAuth FrameType = "auth"
	// FrameAuthOK acknowledges a successful handshake.
	FrameAuthOK FrameType = "auth_ok"
	// FrameAuthInvalid rejects the presented token.
	FrameAuthInvalid FrameType = "auth_invalid"
	// FrameRequest is a client-initiated command expecting a response.
	FrameRequest FrameType = "request"
	// FrameResponse answers exactly one request by correlation id.
	FrameResponse FrameType = "response"
	// FrameEvent is an unsolicited hub notification on a topic.
	FrameEvent FrameType = "event"
)

// CommandSubscribe asks the hub to start delivering events for the
// frame's topic.
const CommandSubscribe = "subscribe"

// FrameError is the error detail of a failed response.
type FrameError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Frame is one message on the hub socket. Fields are populated
// per-type; absent fields are omitted on the wire.
type Frame struct {
	Type FrameType `json:"type"`

	// ID is the correlation id. Present on requests, responses, and
	// on events delivered for an id-bearing subscription.
	ID int64 `json:"id,omitempty"`

	// Command names the operation of a request.
	Command string `json:"command,omitempty"`

	// Topic scopes subscriptions and events.
	Topic string `json:"topic,omitempty"`

	// Payload is the type-specific body, left opaque to this package.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Success and Error are set on responses.
	Success *bool       `json:"success,omitempty"`
	Error   *FrameError `json:"error,omitempty"`

	// AccessToken is set only on auth frames.
	AccessToken string `json:"access_token,omitempty"`

	// Message carries human-readable detail on auth_invalid frames.
	Message string `json:"message,omitempty"`
}

// Ok reports whether a response frame succeeded. Responses without an
// explicit success flag count as successful.
func (f Frame) Ok() bool {
	return f.Success == nil || *f.Success
}

// subscribeFrame builds the request that re-arms a topic subscription.
func subscribeFrame(id int64, topic string) Frame {
	return Frame{
		Type:    FrameRequest,
		ID:      id,
		Command: CommandSubscribe,
		Topic:   topic,
	}
}
