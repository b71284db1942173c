// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package status serves a running job's health, per-rank progress and
// metrics over HTTP.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/gridsched/services/gridsched/simulation"
)

// ServiceVersion is reported by /health.
const ServiceVersion = "0.1.0"

// Source provides the progress snapshot served by /v1/status.
type Source interface {
	Snapshot() simulation.Snapshot
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server is the status HTTP server.
//
// Thread Safety: Safe for concurrent use after New.
type Server struct {
	engine  *gin.Engine
	source  Source
	logger  *slog.Logger
	started time.Time
	srv     *http.Server
}

// New builds the router. metrics may be nil, in which case /metrics
// answers 404.
//
// Routes:
//
//	GET /health                 liveness and version
//	GET /v1/status              progress of every rank
//	GET /v1/status/ranks/:rank  progress of one rank
//	GET /metrics                Prometheus exposition
func New(source Source, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:  gin.New(),
		source:  source,
		logger:  logger.With("component", "status"),
		started: time.Now(),
	}
	s.engine.Use(gin.Recovery())
	s.engine.Use(otelgin.Middleware("gridsched-status"))

	s.engine.GET("/health", s.handleHealth)
	v1 := s.engine.Group("/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/status/ranks/:rank", s.handleRank)
	if metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(metrics))
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on addr and serves in the background. It returns the
// bound address, which differs from addr when addr asks for port 0.
func (s *Server) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("status listen %s: %w", addr, err)
	}
	s.srv = &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server stopped", "error", err)
		}
	}()
	s.logger.Info("status server listening", "addr", ln.Addr().String())
	return ln.Addr().String(), nil
}

// Shutdown stops a started server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	if s.source == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "no run in progress"})
		return
	}
	c.JSON(http.StatusOK, s.source.Snapshot())
}

func (s *Server) handleRank(c *gin.Context) {
	if s.source == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "no run in progress"})
		return
	}
	rank, err := strconv.Atoi(c.Param("rank"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "rank must be an integer"})
		return
	}
	snap := s.source.Snapshot()
	if rank < 0 || rank >= len(snap.Ranks) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: fmt.Sprintf("rank %d not in run of %d ranks", rank, len(snap.Ranks))})
		return
	}
	c.JSON(http.StatusOK, snap.Ranks[rank])
}
