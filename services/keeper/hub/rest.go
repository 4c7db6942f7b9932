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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// REST error sentinels.
var (
	// ErrUnauthorized means the hub rejected the bearer token.
	ErrUnauthorized = errors.New("hub rejected credentials")
	// ErrHubNotFound means the endpoint does not exist on this hub.
	ErrHubNotFound = errors.New("hub endpoint not found")
)

// RESTClient covers the hub endpoints the websocket does not carry:
// instance info and restarts.
type RESTClient struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// NewRESTClient creates a client for the hub REST API.
func NewRESTClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) (*RESTClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With("component", "hub.RESTClient"),
	}, nil
}

// Info returns the hub's instance configuration document.
func (c *RESTClient) Info(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/api/config", nil)
}

// RestartCore asks the hub to restart itself. Used when an edit
// touches configuration that no live reload covers.
func (c *RESTClient) RestartCore(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/api/services/homeassistant/restart", map[string]any{})
	return err
}

func (c *RESTClient) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling hub %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading hub response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w (%s %s)", ErrUnauthorized, method, path)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w (%s %s)", ErrHubNotFound, method, path)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("hub returned %d for %s %s: %s",
			resp.StatusCode, method, path, strings.TrimSpace(string(payload)))
	}
	return payload, nil
}
