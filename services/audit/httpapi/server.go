// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package httpapi exposes an optional HTTP sidecar for health checks
// and session administration. The MCP stdio transport remains the only
// audit path; this listener is observability and ops only.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianAudit/services/audit/datatypes"
	"github.com/AleutianAI/AleutianAudit/services/audit/engine"
)

// Server is the optional HTTP sidecar.
type Server struct {
	eng    *engine.Engine
	logger *slog.Logger
	srv    *http.Server
}

// NewServer creates the sidecar bound to addr.
//
// Inputs:
//
//	eng - The audit engine.
//	addr - Listen address (e.g. "127.0.0.1:8931").
//	logger - Logger for structured logging. If nil, uses slog.Default().
func NewServer(eng *engine.Engine, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		eng:    eng,
		logger: logger.With(slog.String("component", "http_api")),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealth)
	router.GET("/stats", s.handleStats)

	v1 := router.Group("/v1/audit")
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.DELETE("/sessions/:id", s.handleDeleteSession)
	v1.POST("/sessions/:id/kill", s.handleKillSession)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving. Blocks until the listener fails or Shutdown
// runs; a clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("HTTP sidecar listening", slog.String("addr", s.srv.Addr))
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleHealth reports liveness plus auditor availability.
func (s *Server) handleHealth(c *gin.Context) {
	available := s.eng.AuditorAvailable(c.Request.Context())
	status := http.StatusOK
	if !available {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":            statusWord(available),
		"auditor_available": available,
	})
}

// handleStats returns runtime counters.
func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.eng.Snapshot(c.Request.Context()))
}

// handleListSessions returns loaded session summaries.
func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.eng.ListSessions(c.Request.Context())})
}

// handleGetSession returns one session snapshot.
func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.eng.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// handleDeleteSession purges a session entirely.
func (s *Server) handleDeleteSession(c *gin.Context) {
	if err := s.eng.PurgeSession(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleKillSession terminates a session without deleting its record.
func (s *Server) handleKillSession(c *gin.Context) {
	sess, err := s.eng.KillSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// writeError maps typed errors onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch datatypes.KindOf(err) {
	case datatypes.KindSessionNotFound:
		status = http.StatusNotFound
	case datatypes.KindInputInvalid:
		status = http.StatusBadRequest
	case datatypes.KindSessionLimit, datatypes.KindQueueFull:
		status = http.StatusTooManyRequests
	case datatypes.KindSessionCorrupt:
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{
		"error": err.Error(),
		"kind":  string(datatypes.KindOf(err)),
	})
}

func statusWord(healthy bool) string {
	if healthy {
		return "ok"
	}
	return "degraded"
}
