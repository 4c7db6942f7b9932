// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the keeper service:
// bearer-token authentication and write-rate limiting.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// AuthConfig selects how bearer tokens are checked.
//
// In supervisor mode the ingress in front of this service has already
// authenticated the caller, so any non-empty bearer token passes. In
// standalone mode the token must match APIToken exactly.
type AuthConfig struct {
	SupervisorMode bool
	APIToken       string
}

// TokenAuth creates a Gin middleware that authenticates requests with
// a bearer token.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func TokenAuth(cfg AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)

		if !authorized(cfg, token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}
		c.Next()
	}
}

func authorized(cfg AuthConfig, token string) bool {
	if cfg.SupervisorMode {
		return token != ""
	}
	if cfg.APIToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(cfg.APIToken)) == 1
}

// extractBearerToken extracts the token from the Authorization header.
// Returns empty string if the header is missing or malformed. The
// "Bearer" prefix is case-insensitive per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
