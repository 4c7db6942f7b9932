// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validate

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Checker produces a verdict on the configuration tree.
//
// Implementations must express transport and availability failures as
// a StatusUnreachable result, not as an error. The error return is
// reserved for invariant violations inside the checker itself.
type Checker interface {
	Check(ctx context.Context) (Result, error)
}

// Gate wraps a Checker with a deadline and structured logging.
//
// # Description
//
// Gate is the single entry point the mutation pipeline uses to decide
// whether edited configuration may be loaded. It never retries: a
// StatusUnreachable verdict propagates unchanged so the caller can
// roll back rather than guess.
//
// # Thread Safety
//
// Safe for concurrent use. The underlying Checker must be as well.
type Gate struct {
	checker Checker
	timeout time.Duration
	logger  *slog.Logger
}

// NewGate creates a gate over the given checker. A zero timeout
// disables the per-check deadline.
func NewGate(checker Checker, timeout time.Duration, logger *slog.Logger) (*Gate, error) {
	if checker == nil {
		return nil, fmt.Errorf("checker is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		checker: checker,
		timeout: timeout,
		logger:  logger.With("component", "validate.Gate"),
	}, nil
}

// Check runs the checker once and returns its verdict.
//
// # Outputs
//
//   - Result: the verdict. A deadline hit on the checker surfaces as
//     StatusUnreachable with the context error as the reason.
//   - error: non-nil only for checker-internal failures.
func (g *Gate) Check(ctx context.Context) (Result, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := g.checker.Check(ctx)
	elapsed := time.Since(start)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			g.logger.Warn("config check deadline exceeded",
				"elapsed", elapsed, "error", ctxErr)
			return Unreachable(fmt.Sprintf("check timed out: %v", ctxErr)), nil
		}
		g.logger.Error("config check failed", "elapsed", elapsed, "error", err)
		return Result{}, fmt.Errorf("running config check: %w", err)
	}

	switch result.Status {
	case StatusValid:
		g.logger.Info("config check passed", "elapsed", elapsed)
	case StatusInvalid:
		g.logger.Warn("config check rejected tree",
			"elapsed", elapsed, "diagnostics", len(result.Diagnostics))
	case StatusUnreachable:
		g.logger.Warn("config check unreachable",
			"elapsed", elapsed, "reason", result.Reason)
	}
	return result, nil
}
