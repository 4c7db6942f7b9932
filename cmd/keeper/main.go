// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command keeper runs the HearthLocal configuration keeper.
//
// The keeper sits next to a Home Assistant instance, owns its YAML
// configuration tree, and exposes a small HTTP API for validated,
// versioned mutations. Every write goes through the same arc:
// snapshot, edit, validate against the live hub, reload, commit.
//
// # Environment Variables
//
//   - KEEPER_PORT: HTTP server port (default: 8099)
//   - KEEPER_TREE_ROOT: configuration tree to manage (default: /config)
//   - KEEPER_DATA_DIR: snapshot archives and index (default: /data/keeper)
//   - KEEPER_HUB_URL: hub websocket endpoint (default: ws://homeassistant:8123/api/websocket)
//   - KEEPER_HUB_TOKEN: long-lived hub access token
//   - KEEPER_API_TOKEN: bearer token for this API (standalone mode)
//   - KEEPER_SUPERVISOR_MODE: "true" behind a supervisor ingress
//
// # Usage
//
//	# Serve the API
//	keeper serve
//
//	# Offline history maintenance (hub not required)
//	keeper snapshot -m "before migration"
//	keeper history --limit 20
//	keeper restore 42-9f3c01ab57de
//	keeper prune --retain 50
package main

import (
	"log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
