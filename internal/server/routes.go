package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/zulandar/interviewer/internal/archive"
	"github.com/zulandar/interviewer/internal/convo"
	"github.com/zulandar/interviewer/internal/media"
	"github.com/zulandar/interviewer/internal/pipeline"
	"go.uber.org/zap"
)

// registerRoutes sets up all routes on the Gin router.
func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/health", s.handleHealth)
	router.GET("/ws", gin.WrapH(s.hub))
	router.GET("/media/:name", s.handleMedia)

	api := router.Group("/api")
	api.POST("/sessions", s.handleCreateSession)
	api.GET("/sessions", s.handleListSessions)
	api.GET("/sessions/:id", s.handleGetSession)
	api.DELETE("/sessions/:id", s.handleEndSession)
	api.GET("/sessions/:id/messages", s.handleMessages)
	api.GET("/sessions/:id/events", s.handleEvents)
	api.POST("/webhooks/livekit", s.handleWebhook)
}

type createSessionRequest struct {
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata"`
}

type sessionResponse struct {
	SessionID  string      `json:"sessionId"`
	Token      string      `json:"token"`
	LiveKitURL string      `json:"livekitUrl"`
	Name       string      `json:"name,omitempty"`
	State      convo.State `json:"state,omitempty"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength != 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Name is required"})
		return
	}

	id := uuid.NewString()
	if _, err := s.store.Create(id, name, req.Metadata); err != nil {
		s.logger.Error("create session failed", zap.String("room", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create session"})
		return
	}
	token, err := s.tokens.Issue(id, name, name)
	if err != nil {
		s.store.Remove(id)
		s.logger.Error("issue token failed", zap.String("room", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token"})
		return
	}
	s.logger.Info("session created", zap.String("room", id), zap.String("participant", name))
	c.JSON(http.StatusCreated, sessionResponse{SessionID: id, Token: token, LiveKitURL: s.liveKitURL})
}

func (s *Server) handleListSessions(c *gin.Context) {
	ids := s.store.IDs()
	out := make([]gin.H, 0, len(ids))
	for _, id := range ids {
		room, ok := s.store.Get(id)
		if !ok {
			continue
		}
		phase := s.orch.Phase(id)
		out = append(out, gin.H{
			"sessionId": id,
			"name":      room.Participant,
			"state":     room.State,
			"phase":     phase,
			"speaking":  phase.Busy(),
			"messages":  len(room.Messages),
			"createdAt": room.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) handleGetSession(c *gin.Context) {
	id := c.Param("id")
	room, ok := s.store.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	identity := c.Query("name")
	if identity == "" {
		identity = room.Participant
	}
	token, err := s.tokens.Issue(id, identity, identity)
	if err != nil {
		s.logger.Error("issue token failed", zap.String("room", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token"})
		return
	}
	c.JSON(http.StatusOK, sessionResponse{
		SessionID:  id,
		Token:      token,
		LiveKitURL: s.liveKitURL,
		Name:       room.Participant,
		State:      room.State,
	})
}

func (s *Server) handleEndSession(c *gin.Context) {
	if !s.orch.EndSession(c.Request.Context(), c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Session ended successfully"})
}

// handleMessages serves the live transcript, falling back to the archive
// once the room has closed.
func (s *Server) handleMessages(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.store.Get(id); ok {
		c.JSON(http.StatusOK, gin.H{"sessionId": id, "live": true, "messages": s.store.Messages(id)})
		return
	}
	if s.db != nil {
		iv, err := archive.Show(s.db, id)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"sessionId": id, "live": false, "messages": archive.Messages(iv)})
			return
		case !errors.Is(err, archive.ErrNotFound):
			s.logger.Error("archive lookup failed", zap.String("room", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "archive unavailable"})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
}

func (s *Server) handleWebhook(c *gin.Context) {
	evt, err := s.webhooks.Receive(c.Request)
	if err != nil {
		s.logger.Warn("webhook rejected", zap.Error(err))
		if errors.Is(err, media.ErrInvalidWebhook) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook processing failed"})
		return
	}
	s.logger.Info("webhook",
		zap.String("event", evt.Name), zap.String("room", evt.Room),
		zap.String("participant", evt.Participant), zap.String("track", evt.TrackSID))
	s.dispatch(c, evt)
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (s *Server) dispatch(c *gin.Context, evt media.Event) {
	if evt.Room == "" {
		return
	}
	ctx := c.Request.Context()
	switch evt.Name {
	case media.EventTrackPublished:
		s.orch.OnTrackPublished(ctx, evt.Room, evt.Participant, pipeline.Track{
			SID:    evt.TrackSID,
			Kind:   evt.TrackKind,
			Source: evt.TrackSource,
		})
	case media.EventTrackUnpublished:
		s.orch.OnTrackUnpublished(evt.Room, evt.Participant, evt.TrackSID)
	case media.EventParticipantJoined:
		s.orch.OnParticipantJoined(evt.Room, evt.Participant)
	case media.EventParticipantLeft:
		s.orch.OnParticipantLeft(evt.Room, evt.Participant)
	case media.EventRoomFinished:
		s.orch.OnRoomFinished(ctx, evt.Room)
	}
}

func (s *Server) handleMedia(c *gin.Context) {
	if s.artifacts == nil {
		c.Status(http.StatusNotFound)
		return
	}
	path, ok := s.artifacts.Lookup(c.Param("name"))
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.File(path)
}

func (s *Server) handleHealth(c *gin.Context) {
	egress := 0
	if s.egress != nil {
		egress = len(s.egress.Active(""))
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"rooms":   s.store.Len(),
		"active":  s.orch.Rooms(),
		"egress":  egress,
		"clients": s.hub.Clients(),
	})
}
