// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hub adapts the realtime connection and the hub's REST API
// into the narrow collaborators the rest of the service needs:
// reloading components, checking configuration, and a handful of
// management endpoints the websocket does not carry.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/HearthLocal/services/keeper/realtime"
)

// Requester is the slice of the realtime client the hub collaborators
// use. Tests substitute scripted implementations.
type Requester interface {
	Request(ctx context.Context, frame realtime.Frame) (realtime.Frame, error)
}

// ErrUnknownComponent means the component name has no reload target.
var ErrUnknownComponent = fmt.Errorf("unknown reload component")

// serviceCall is the payload of a call_service request.
type serviceCall struct {
	Domain  string `json:"domain"`
	Service string `json:"service"`
}

// reloadTargets maps a component name to the hub service that reloads
// it. "all" asks the hub to reload everything reloadable in one call.
var reloadTargets = map[string]serviceCall{
	"automations": {Domain: "automation", Service: "reload"},
	"scripts":     {Domain: "script", Service: "reload"},
	"templates":   {Domain: "template", Service: "reload"},
	"core":        {Domain: "homeassistant", Service: "reload_core_config"},
	"all":         {Domain: "homeassistant", Service: "reload_all"},
}

// Components returns the reloadable component names.
func Components() []string {
	names := make([]string, 0, len(reloadTargets))
	for name := range reloadTargets {
		names = append(names, name)
	}
	return names
}

// LiveReloadService pushes edited configuration into the running hub
// without a restart.
type LiveReloadService struct {
	requester Requester
	logger    *slog.Logger
}

// NewLiveReloadService creates a reload service over the given
// requester.
func NewLiveReloadService(requester Requester, logger *slog.Logger) (*LiveReloadService, error) {
	if requester == nil {
		return nil, fmt.Errorf("requester is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveReloadService{
		requester: requester,
		logger:    logger.With("component", "hub.LiveReloadService"),
	}, nil
}

// Reload asks the hub to reload one component.
//
// # Inputs
//
//   - ctx: bounds the round trip to the hub.
//   - component: one of Components().
//
// # Outputs
//
//   - error: ErrUnknownComponent for unknown names, otherwise the
//     realtime sentinel describing why the call did not succeed.
func (s *LiveReloadService) Reload(ctx context.Context, component string) error {
	target, ok := reloadTargets[component]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownComponent, component)
	}

	payload, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("encoding reload call: %w", err)
	}

	resp, err := s.requester.Request(ctx, realtime.Frame{
		Command: "call_service",
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("reloading %s: %w", component, err)
	}
	if !resp.Ok() {
		detail := ""
		if resp.Error != nil {
			detail = resp.Error.Message
		}
		return fmt.Errorf("hub refused reload of %s: %s", component, detail)
	}

	s.logger.Info("component reloaded",
		"reload_component", component,
		"domain", target.Domain, "service", target.Service)
	return nil
}
