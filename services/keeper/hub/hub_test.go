// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/HearthLocal/services/keeper/realtime"
	"github.com/AleutianAI/HearthLocal/services/keeper/validate"
)

// stubRequester records the last frame and plays back a canned
// response.
type stubRequester struct {
	last     realtime.Frame
	response realtime.Frame
	err      error
}

func (s *stubRequester) Request(ctx context.Context, frame realtime.Frame) (realtime.Frame, error) {
	s.last = frame
	return s.response, s.err
}

func okFrame(payload string) realtime.Frame {
	ok := true
	return realtime.Frame{
		Type:    realtime.FrameResponse,
		Success: &ok,
		Payload: json.RawMessage(payload),
	}
}

func TestReloadServiceCallMapping(t *testing.T) {
	tests := []struct {
		component   string
		wantDomain  string
		wantService string
	}{
		{"automations", "automation", "reload"},
		{"scripts", "script", "reload"},
		{"templates", "template", "reload"},
		{"core", "homeassistant", "reload_core_config"},
		{"all", "homeassistant", "reload_all"},
	}

	for _, tt := range tests {
		t.Run(tt.component, func(t *testing.T) {
			stub := &stubRequester{response: okFrame(`{}`)}
			svc, err := NewLiveReloadService(stub, nil)
			require.NoError(t, err)

			require.NoError(t, svc.Reload(context.Background(), tt.component))
			assert.Equal(t, "call_service", stub.last.Command)

			var call serviceCall
			require.NoError(t, json.Unmarshal(stub.last.Payload, &call))
			assert.Equal(t, tt.wantDomain, call.Domain)
			assert.Equal(t, tt.wantService, call.Service)
		})
	}
}

func TestReloadUnknownComponent(t *testing.T) {
	svc, err := NewLiveReloadService(&stubRequester{}, nil)
	require.NoError(t, err)

	err = svc.Reload(context.Background(), "dishwasher")
	assert.ErrorIs(t, err, ErrUnknownComponent)
}

func TestReloadHubRefusal(t *testing.T) {
	no := false
	stub := &stubRequester{response: realtime.Frame{
		Success: &no,
		Error:   &realtime.FrameError{Message: "service not loaded"},
	}}
	svc, err := NewLiveReloadService(stub, nil)
	require.NoError(t, err)

	err = svc.Reload(context.Background(), "automations")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service not loaded")
}

func TestReloadConnectionLostPropagates(t *testing.T) {
	stub := &stubRequester{err: realtime.ErrConnectionLost}
	svc, err := NewLiveReloadService(stub, nil)
	require.NoError(t, err)

	err = svc.Reload(context.Background(), "automations")
	assert.ErrorIs(t, err, realtime.ErrConnectionLost)
}

func TestExternalCheckerValid(t *testing.T) {
	stub := &stubRequester{response: okFrame(`{"result":"valid","errors":""}`)}
	checker, err := NewExternalChecker(stub, nil)
	require.NoError(t, err)

	result, err := checker.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, validate.StatusValid, result.Status)
	assert.Equal(t, "check_config", stub.last.Command)
}

func TestExternalCheckerInvalid(t *testing.T) {
	stub := &stubRequester{response: okFrame(
		`{"result":"invalid","errors":"Invalid config for [automation]\nexpected a dictionary"}`)}
	checker, err := NewExternalChecker(stub, nil)
	require.NoError(t, err)

	result, err := checker.Check(context.Background())
	require.NoError(t, err)
	require.Equal(t, validate.StatusInvalid, result.Status)
	require.Len(t, result.Diagnostics, 2)
	assert.Equal(t, "Invalid config for [automation]", result.Diagnostics[0].Message)
}

func TestExternalCheckerUnreachable(t *testing.T) {
	for _, sentinel := range []error{
		realtime.ErrTimeout,
		realtime.ErrConnectionLost,
		realtime.ErrCancelled,
	} {
		stub := &stubRequester{err: sentinel}
		checker, err := NewExternalChecker(stub, nil)
		require.NoError(t, err)

		result, err := checker.Check(context.Background())
		require.NoError(t, err)
		assert.Equal(t, validate.StatusUnreachable, result.Status, "sentinel %v", sentinel)
		assert.NotEmpty(t, result.Reason)
	}
}

func TestRESTClientBearerAndErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer rest-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/config":
			w.Write([]byte(`{"version":"2026.8"}`))
		case "/api/services/homeassistant/restart":
			assert.Equal(t, http.MethodPost, r.Method)
			w.Write([]byte(`[]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client, err := NewRESTClient(server.URL, "rest-token", 5*time.Second, nil)
	require.NoError(t, err)

	info, err := client.Info(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"2026.8"}`, string(info))

	require.NoError(t, client.RestartCore(context.Background()))

	_, err = client.do(context.Background(), http.MethodGet, "/api/missing", nil)
	assert.ErrorIs(t, err, ErrHubNotFound)

	bad, err := NewRESTClient(server.URL, "wrong", 5*time.Second, nil)
	require.NoError(t, err)
	_, err = bad.Info(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}
