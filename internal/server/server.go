// Package server exposes the interviewer over HTTP: session management,
// media webhooks, the push channel and synthesized audio.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/interviewer/internal/convo"
	"github.com/zulandar/interviewer/internal/media"
	"github.com/zulandar/interviewer/internal/pipeline"
	"github.com/zulandar/interviewer/internal/push"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultHeartbeat = 15 * time.Second
	shutdownTimeout  = 10 * time.Second
)

// Orchestrator is the pipeline surface the HTTP handlers drive.
type Orchestrator interface {
	OnTrackPublished(ctx context.Context, room, participant string, track pipeline.Track)
	OnTrackUnpublished(room, participant, trackSID string)
	OnParticipantJoined(room, participant string)
	OnParticipantLeft(room, participant string)
	OnRoomFinished(ctx context.Context, room string)
	EndSession(ctx context.Context, room string) bool
	Phase(room string) pipeline.Phase
	Rooms() int
}

// TokenIssuer mints media join tokens.
type TokenIssuer interface {
	Issue(room, identity, name string) (string, error)
}

// WebhookReceiver authenticates and decodes media webhooks.
type WebhookReceiver interface {
	Receive(r *http.Request) (media.Event, error)
}

// ArtifactLookup resolves synthesized audio file names.
type ArtifactLookup interface {
	Lookup(name string) (string, bool)
}

// EgressLister reports active audio extractions.
type EgressLister interface {
	Active(room string) []media.Key
}

// Server holds the dependencies shared by all handlers.
type Server struct {
	store      *convo.Store
	orch       Orchestrator
	tokens     TokenIssuer
	webhooks   WebhookReceiver
	hub        *push.Hub
	artifacts  ArtifactLookup
	egress     EgressLister
	db         *gorm.DB
	liveKitURL string
	corsOrigin string
	heartbeat  time.Duration
	logger     *zap.Logger
}

// Opts holds parameters for creating a Server.
type Opts struct {
	Store        *convo.Store
	Orchestrator Orchestrator
	Tokens       TokenIssuer
	Webhooks     WebhookReceiver
	Hub          *push.Hub
	Artifacts    ArtifactLookup // optional; /media is disabled without it
	Egress       EgressLister   // optional; health reports 0 egress without it
	DB           *gorm.DB       // optional archive for finished transcripts
	LiveKitURL   string
	CORSOrigin   string
	Heartbeat    time.Duration // SSE heartbeat interval
	Logger       *zap.Logger
}

// New validates opts and creates a Server.
func New(opts Opts) (*Server, error) {
	switch {
	case opts.Store == nil:
		return nil, fmt.Errorf("server: store is required")
	case opts.Orchestrator == nil:
		return nil, fmt.Errorf("server: orchestrator is required")
	case opts.Tokens == nil:
		return nil, fmt.Errorf("server: token issuer is required")
	case opts.Webhooks == nil:
		return nil, fmt.Errorf("server: webhook receiver is required")
	case opts.Hub == nil:
		return nil, fmt.Errorf("server: hub is required")
	}
	s := &Server{
		store:      opts.Store,
		orch:       opts.Orchestrator,
		tokens:     opts.Tokens,
		webhooks:   opts.Webhooks,
		hub:        opts.Hub,
		artifacts:  opts.Artifacts,
		egress:     opts.Egress,
		db:         opts.DB,
		liveKitURL: opts.LiveKitURL,
		corsOrigin: opts.CORSOrigin,
		heartbeat:  opts.Heartbeat,
		logger:     opts.Logger,
	}
	if s.heartbeat <= 0 {
		s.heartbeat = defaultHeartbeat
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

// Handler builds the gin router.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(s.logger), cors(s.corsOrigin))
	s.registerRoutes(router)
	return router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Hijacked websocket connections are not tracked by Shutdown.
		s.hub.Close()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
