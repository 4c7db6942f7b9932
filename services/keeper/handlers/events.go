// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/HearthLocal/services/keeper/datatypes"
	"github.com/AleutianAI/HearthLocal/services/keeper/realtime"
)

// EventSource is the subscription surface of the realtime client.
type EventSource interface {
	Subscribe(topic string, callback func(realtime.Frame)) (*realtime.Subscription, error)
	Unsubscribe(sub *realtime.Subscription)
}

// relayUpgrader upgrades API connections for the event relay. The
// service sits on a trusted local network behind token auth, so
// origin checks are not enforced.
var relayUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// RelayEvents streams hub events for one topic to an API client over
// a websocket. One subscription per relay connection; it is released
// when the client disconnects. Events arriving faster than the client
// drains them are dropped, never buffered unboundedly.
func RelayEvents(source EventSource, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "handlers.RelayEvents")

	return func(c *gin.Context) {
		topic := c.Query("topic")
		if topic == "" {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "topic is required"})
			return
		}

		conn, err := relayUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade already wrote the error response
			return
		}
		defer conn.Close()

		events := make(chan realtime.Frame, 32)
		sub, err := source.Subscribe(topic, func(f realtime.Frame) {
			select {
			case events <- f:
			default:
				// Slow consumer; drop rather than stall the dispatcher
			}
		})
		if err != nil {
			log.Warn("relay subscription failed", "topic", topic, "error", err)
			return
		}
		defer source.Unsubscribe(sub)

		// Reader exists only to notice the client going away
		clientGone := make(chan struct{})
		go func() {
			defer close(clientGone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		log.Info("event relay opened", "topic", topic)
		for {
			select {
			case f := <-events:
				if err := conn.WriteJSON(f); err != nil {
					log.Debug("relay write failed", "topic", topic, "error", err)
					return
				}
			case <-clientGone:
				log.Info("event relay closed", "topic", topic)
				return
			}
		}
	}
}
