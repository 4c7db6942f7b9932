// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newAuthRouter(cfg AuthConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(TokenAuth(cfg))
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return router
}

func doRequest(router *gin.Engine, method, path, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestTokenAuthStandalone(t *testing.T) {
	router := newAuthRouter(AuthConfig{APIToken: "dev-token"})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"exact match", "Bearer dev-token", http.StatusOK},
		{"case-insensitive scheme", "bearer dev-token", http.StatusOK},
		{"wrong token", "Bearer other", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"malformed header", "dev-token", http.StatusUnauthorized},
		{"basic scheme", "Basic dev-token", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(router, http.MethodGet, "/ping", tt.header)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestTokenAuthSupervisorMode(t *testing.T) {
	router := newAuthRouter(AuthConfig{SupervisorMode: true})

	// The ingress already authenticated the caller; any bearer passes
	assert.Equal(t, http.StatusOK,
		doRequest(router, http.MethodGet, "/ping", "Bearer anything").Code)
	assert.Equal(t, http.StatusUnauthorized,
		doRequest(router, http.MethodGet, "/ping", "").Code)
}

func TestTokenAuthEmptyAPITokenLocksOut(t *testing.T) {
	router := newAuthRouter(AuthConfig{})

	assert.Equal(t, http.StatusUnauthorized,
		doRequest(router, http.MethodGet, "/ping", "Bearer ").Code)
	assert.Equal(t, http.StatusUnauthorized,
		doRequest(router, http.MethodGet, "/ping", "Bearer x").Code)
}

func TestWriteRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(WriteRateLimit(0.001, 2))
	handler := func(c *gin.Context) { c.Status(http.StatusOK) }
	router.POST("/write", handler)
	router.GET("/read", handler)

	// Burst of 2 writes passes, the third is throttled
	assert.Equal(t, http.StatusOK, doRequest(router, http.MethodPost, "/write", "").Code)
	assert.Equal(t, http.StatusOK, doRequest(router, http.MethodPost, "/write", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, doRequest(router, http.MethodPost, "/write", "").Code)

	// Reads are never throttled
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, doRequest(router, http.MethodGet, "/read", "").Code)
	}
}
