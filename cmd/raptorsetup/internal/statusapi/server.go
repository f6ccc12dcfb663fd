// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package statusapi serves read-only installer state over HTTP.
//
// Routes:
//
//	GET /status       health of the configured server
//	GET /runs         in-flight run (if any) and recent history
//	GET /runs/:id     one recorded run
//	GET /runs/events  websocket stream of run progress
//	GET /metrics      Prometheus exposition
//
// The events stream is only available when the API is hosted by the
// process running the installation (install --serve). Nothing here can
// start or stop anything.
package statusapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/history"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/monitor"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/pipeline"
	"github.com/AleutianAI/RaptorSetup/pkg/logging"
)

// DefaultAddr is where Serve listens when no address is given.
const DefaultAddr = "127.0.0.1:9464"

const defaultListLimit = 20

// StatusSource checks the configured server.
type StatusSource interface {
	Status(ctx context.Context) monitor.Status
}

// RunSource reports the in-flight run.
type RunSource interface {
	Running() bool
	Current() *pipeline.Run
}

// EventSource streams progress of the in-flight run.
type EventSource interface {
	Events(buffer int) (events <-chan pipeline.Event, cancel func())
}

// InstallLock reports whether an installer holds the host lock,
// possibly from another process.
type InstallLock interface {
	Holder() (pid int, held bool)
}

// HistorySource reads recorded runs.
type HistorySource interface {
	List(ctx context.Context, limit int) ([]*pipeline.Run, error)
	Get(ctx context.Context, id uuid.UUID) (*pipeline.Run, error)
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	monitor.Status
	Healthy      bool `json:"healthy"`
	RunPending   bool `json:"run_in_progress"`
	InstallerPID int  `json:"installer_pid,omitempty"`
}

// RunsResponse is returned by GET /runs.
type RunsResponse struct {
	Current *pipeline.Run   `json:"current,omitempty"`
	Recent  []*pipeline.Run `json:"recent"`
}

// Server holds the route handlers. History may be nil when the history
// database could not be opened; the run routes then serve only the
// in-flight run.
type Server struct {
	status  StatusSource
	runs    RunSource
	history HistorySource
	events  EventSource
	lock    InstallLock
	logger  *logging.Logger
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithEvents enables GET /runs/events.
func WithEvents(src EventSource) Option {
	return func(s *Server) { s.events = src }
}

// WithInstallLock makes /status report installs running in other
// processes.
func WithInstallLock(lock InstallLock) Option {
	return func(s *Server) { s.lock = lock }
}

// New creates a Server. A nil logger is replaced with a quiet one.
func New(status StatusSource, runs RunSource, hist HistorySource, logger *logging.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{status: status, runs: runs, history: hist, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine with tracing middleware and all routes.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("raptorsetup-status"))

	router.GET("/status", s.handleStatus)
	router.GET("/runs", s.handleListRuns)
	router.GET("/runs/events", s.handleEvents)
	router.GET("/runs/:id", s.handleGetRun)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

// Serve listens on addr until ctx is cancelled, then shuts down with a
// five second grace period.
func (s *Server) Serve(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.logger.Info("status api stopped")
		return nil
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	st := s.status.Status(c.Request.Context())
	resp := StatusResponse{
		Status:     st,
		Healthy:    st.Healthy(),
		RunPending: s.runs.Running(),
	}
	if s.lock != nil {
		if pid, held := s.lock.Holder(); held {
			resp.RunPending = true
			resp.InstallerPID = pid
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListRuns(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "limit must be a non-negative integer",
				Code:  "INVALID_PARAMETER",
			})
			return
		}
		limit = n
	}

	resp := RunsResponse{Current: s.runs.Current(), Recent: []*pipeline.Run{}}
	if s.history != nil {
		runs, err := s.history.List(c.Request.Context(), limit)
		if err != nil {
			s.logger.Error("list runs failed", "error", err.Error())
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error: err.Error(),
				Code:  "LIST_RUNS_FAILED",
			})
			return
		}
		if runs != nil {
			resp.Recent = runs
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetRun(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "run id must be a UUID",
			Code:  "INVALID_PARAMETER",
		})
		return
	}

	if cur := s.runs.Current(); cur != nil && cur.ID == id {
		c.JSON(http.StatusOK, cur)
		return
	}

	if s.history == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: history.ErrNotFound.Error(), Code: "RUN_NOT_FOUND"})
		return
	}
	run, err := s.history.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "RUN_NOT_FOUND"})
			return
		}
		s.logger.Error("get run failed", "run_id", id.String(), "error", err.Error())
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "GET_RUN_FAILED"})
		return
	}
	c.JSON(http.StatusOK, run)
}
