// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package keeper wires the service together: the snapshot store, the
// realtime hub connection, the mutation pipeline, the tree watcher,
// and the HTTP API, supervised as one unit.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/HearthLocal/pkg/logging"
	"github.com/AleutianAI/HearthLocal/services/keeper/config"
	"github.com/AleutianAI/HearthLocal/services/keeper/history"
	"github.com/AleutianAI/HearthLocal/services/keeper/hub"
	"github.com/AleutianAI/HearthLocal/services/keeper/middleware"
	"github.com/AleutianAI/HearthLocal/services/keeper/observability"
	"github.com/AleutianAI/HearthLocal/services/keeper/pipeline"
	"github.com/AleutianAI/HearthLocal/services/keeper/realtime"
	"github.com/AleutianAI/HearthLocal/services/keeper/routes"
	"github.com/AleutianAI/HearthLocal/services/keeper/validate"
	"github.com/AleutianAI/HearthLocal/services/keeper/watcher"
)

// shutdownGrace bounds how long in-flight HTTP requests may finish
// after a shutdown signal.
const shutdownGrace = 15 * time.Second

// Service is the assembled keeper.
type Service struct {
	cfg    config.Config
	logger *logging.Logger

	store    *history.Store
	client   *realtime.Client
	pipeline *pipeline.Pipeline
	watcher  *watcher.TreeWatcher
	rest     *hub.RESTClient
	router   *gin.Engine

	otelShutdown func(context.Context) error
}

// New builds the service from validated configuration.
func New(cfg config.Config, logger *logging.Logger) (*Service, error) {
	if logger == nil {
		logger = logging.Default()
	}
	slogger := logger.Slog()

	store, err := history.NewStore(history.Config{
		TreeRoot:       cfg.TreeRoot,
		DataDir:        cfg.DataDir,
		IgnorePatterns: cfg.IgnorePatterns,
		Logger:         slogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating history store: %w", err)
	}

	client, err := realtime.NewClient(realtime.Config{
		URL:            cfg.HubURL,
		Token:          cfg.HubToken,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         slogger,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating realtime client: %w", err)
	}

	reloader, err := hub.NewLiveReloadService(client, slogger)
	if err != nil {
		store.Close()
		return nil, err
	}
	checker, err := hub.NewExternalChecker(client, slogger)
	if err != nil {
		store.Close()
		return nil, err
	}
	gate, err := validate.NewGate(checker, cfg.ValidateTimeout, slogger)
	if err != nil {
		store.Close()
		return nil, err
	}
	preflight, err := validate.NewLocalChecker(cfg.TreeRoot, cfg.IgnorePatterns)
	if err != nil {
		store.Close()
		return nil, err
	}

	treeWatcher, err := watcher.New(cfg.TreeRoot, slogger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating tree watcher: %w", err)
	}

	pipe, err := pipeline.New(pipeline.Config{
		TreeRoot:  cfg.TreeRoot,
		Store:     store,
		Gate:      gate,
		Reloader:  reloader,
		Preflight: preflight,
		Dirty:     treeWatcher,
		Retain:    cfg.RetainSnapshots,
		Logger:    slogger,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating pipeline: %w", err)
	}

	rest, err := hub.NewRESTClient(restBaseURL(cfg), cfg.HubToken, cfg.RequestTimeout, slogger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating hub REST client: %w", err)
	}

	svc := &Service{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		client:   client,
		pipeline: pipe,
		watcher:  treeWatcher,
		rest:     rest,
	}

	pipeline.SetMetricsEnabled(cfg.MetricsEnabled)
	var httpMetrics *observability.HTTPMetrics
	if cfg.MetricsEnabled {
		httpMetrics = observability.InitHTTPMetrics()
		shutdown, otelErr := observability.InitOTel()
		if otelErr != nil {
			slogger.Warn("otel bootstrap failed, instruments disabled", "error", otelErr)
		} else {
			svc.otelShutdown = shutdown
		}
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	routes.SetupRoutes(router, routes.Dependencies{
		TreeRoot: cfg.TreeRoot,
		Pipeline: pipe,
		Store:    store,
		Gate:     gate,
		Reloader: reloader,
		Status:   client,
		Core:     rest,
		Events:   client,
		Auth: middleware.AuthConfig{
			SupervisorMode: cfg.SupervisorMode,
			APIToken:       cfg.APIToken,
		},
		HTTPMetrics:     httpMetrics,
		WritesPerSecond: 2,
		WriteBurst:      5,
		Logger:          slogger,
	})
	svc.router = router

	return svc, nil
}

// Run starts the HTTP server, the hub connection, and the tree
// watcher, and blocks until ctx ends or a component fails.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	s.client.Start(ctx)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.router,
	}

	g.Go(func() error {
		s.logger.Info("keeper API listening", "port", s.cfg.Port,
			"tree_root", s.cfg.TreeRoot, "supervisor_mode", s.cfg.SupervisorMode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return s.watcher.Run(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown did not finish cleanly", "error", err)
		}
		s.client.Close()
		return nil
	})

	err := g.Wait()

	if s.otelShutdown != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if flushErr := s.otelShutdown(flushCtx); flushErr != nil {
			s.logger.Warn("otel shutdown failed", "error", flushErr)
		}
	}
	if closeErr := s.store.Close(); closeErr != nil {
		s.logger.Warn("history store close failed", "error", closeErr)
	}
	return err
}

// Store exposes the snapshot store for offline CLI commands.
func (s *Service) Store() *history.Store {
	return s.store
}

// restBaseURL derives the hub REST endpoint from the websocket URL
// when no explicit one is configured.
func restBaseURL(cfg config.Config) string {
	if cfg.HubRESTURL != "" {
		return cfg.HubRESTURL
	}
	u, err := url.Parse(cfg.HubURL)
	if err != nil {
		return cfg.HubURL
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = ""
	return u.String()
}
