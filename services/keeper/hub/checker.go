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
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/HearthLocal/services/keeper/realtime"
	"github.com/AleutianAI/HearthLocal/services/keeper/validate"
)

// ExternalChecker asks the hub itself to validate the configuration
// tree. The hub's verdict is authoritative: it resolves includes,
// schemas, and integration constraints no local parse can.
//
// Transport failures surface as StatusUnreachable so callers never
// mistake "could not ask" for "valid".
type ExternalChecker struct {
	requester Requester
	logger    *slog.Logger
}

// checkConfigResult mirrors the hub's check_config response payload.
type checkConfigResult struct {
	Result string `json:"result"`
	Errors string `json:"errors"`
}

// NewExternalChecker creates a checker over the given requester.
func NewExternalChecker(requester Requester, logger *slog.Logger) (*ExternalChecker, error) {
	if requester == nil {
		return nil, fmt.Errorf("requester is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExternalChecker{
		requester: requester,
		logger:    logger.With("component", "hub.ExternalChecker"),
	}, nil
}

// Check runs the hub's config check and translates its verdict.
func (c *ExternalChecker) Check(ctx context.Context) (validate.Result, error) {
	resp, err := c.requester.Request(ctx, realtime.Frame{Command: "check_config"})
	if err != nil {
		switch {
		case errors.Is(err, realtime.ErrTimeout),
			errors.Is(err, realtime.ErrConnectionLost),
			errors.Is(err, realtime.ErrCancelled):
			return validate.Unreachable(fmt.Sprintf("hub unavailable: %v", err)), nil
		default:
			return validate.Result{}, fmt.Errorf("requesting config check: %w", err)
		}
	}

	if !resp.Ok() {
		detail := "config check call failed"
		if resp.Error != nil {
			detail = resp.Error.Message
		}
		return validate.Unreachable(detail), nil
	}

	var result checkConfigResult
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		return validate.Result{}, fmt.Errorf("decoding config check result: %w", err)
	}

	if result.Result == "valid" {
		return validate.Valid(), nil
	}
	return validate.Invalid(parseCheckErrors(result.Errors)...), nil
}

// parseCheckErrors splits the hub's free-form error text into one
// diagnostic per non-empty line.
func parseCheckErrors(text string) []validate.Diagnostic {
	var diags []validate.Diagnostic
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		diags = append(diags, validate.Diagnostic{Message: line})
	}
	if len(diags) == 0 {
		diags = append(diags, validate.Diagnostic{Message: "configuration rejected by hub"})
	}
	return diags
}
