// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package statusapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/pipeline"
)

const (
	eventBuffer  = 64
	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// EventMessage is one websocket frame on /runs/events. Run carries no
// secrets: pipeline.Run never serializes its configuration.
type EventMessage struct {
	Kind      pipeline.EventKind   `json:"kind"`
	RunID     string               `json:"run_id"`
	RunStatus pipeline.RunStatus   `json:"run_status"`
	Step      *pipeline.StepResult `json:"step,omitempty"`
	Run       *pipeline.Run        `json:"run,omitempty"`
}

func newEventMessage(e pipeline.Event) EventMessage {
	msg := EventMessage{
		Kind:      e.Kind,
		RunID:     e.RunID.String(),
		RunStatus: e.RunStatus,
		Run:       e.Run,
	}
	if e.Kind == pipeline.EventStepStarted || e.Kind == pipeline.EventStepFinished {
		step := e.Step
		msg.Step = &step
	}
	return msg
}

// handleEvents streams run progress until the client goes away or the
// server shuts down. Frames dropped by a full buffer are not replayed;
// clients resync from GET /runs.
func (s *Server) handleEvents(c *gin.Context) {
	if s.events == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "run events are only served by the installing process (install --serve)",
			Code:  "EVENTS_UNAVAILABLE",
		})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade the websocket", "error", err.Error())
		return
	}
	defer ws.Close()

	events, cancel := s.events.Events(eventBuffer)
	defer cancel()

	// The client never sends anything; reading only surfaces its close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("events client connected", "remote", c.Request.RemoteAddr)
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			s.logger.Debug("events client disconnected", "remote", c.Request.RemoteAddr)
			return
		case e, ok := <-events:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeTimeout))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(newEventMessage(e)); err != nil {
				s.logger.Warn("failed to write event", "kind", string(e.Kind), "error", err.Error())
				return
			}
		}
	}
}
