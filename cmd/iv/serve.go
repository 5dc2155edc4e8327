package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/interviewer/internal/config"
	"github.com/zulandar/interviewer/internal/convo"
	"github.com/zulandar/interviewer/internal/media"
	"github.com/zulandar/interviewer/internal/pipeline"
	"github.com/zulandar/interviewer/internal/push"
	"github.com/zulandar/interviewer/internal/server"
	"github.com/zulandar/interviewer/internal/stt"
	"go.uber.org/zap"
)

// drainTimeout bounds in-flight turns and archive writes on shutdown.
const drainTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the interviewer HTTP server",
		Long: `Starts the HTTP server that creates interview sessions, receives LiveKit
webhooks, and runs one audio pipeline per room:

  candidate audio -> egress -> ffmpeg -> Deepgram -> LLM -> TTS -> ingress

Stops gracefully on SIGINT or SIGTERM, archiving open interviews.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to interviewer config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides server.port)")
	return cmd
}

// turnRouter forwards push frames to the orchestrator. The hub and the
// orchestrator reference each other, so the orchestrator is attached after
// both exist and before the server starts.
type turnRouter struct {
	orch *pipeline.Orchestrator
}

func (r *turnRouter) HasSession(room string) bool {
	return r.orch.HasSession(room)
}

func (r *turnRouter) Enqueue(room, speaker, text string, seed bool) bool {
	return r.orch.Enqueue(room, speaker, text, seed)
}

func (r *turnRouter) Greet(room, participant, text string) bool {
	return r.orch.Greet(room, participant, text)
}

func (r *turnRouter) EndSession(ctx context.Context, room string) bool {
	return r.orch.EndSession(ctx, room)
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	gormDB, err := openArchive(cfg.Archive)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}

	store, err := convo.NewStore(convo.StoreOpts{
		SystemPrompt: cfg.LLM.SystemPrompt,
		IdleTimeout:  cfg.Session.IdleTimeout,
	})
	if err != nil {
		return err
	}

	control, err := media.NewLiveKit(media.LiveKitOpts{
		URL:       cfg.LiveKit.URL,
		APIKey:    cfg.LiveKit.APIKey,
		APISecret: cfg.LiveKit.APISecret,
	})
	if err != nil {
		return err
	}
	transcriber, err := stt.NewDeepgram(stt.DeepgramOpts{
		APIKey:   cfg.Deepgram.APIKey,
		Endpoint: cfg.Deepgram.Endpoint,
		Model:    cfg.Deepgram.Model,
		Logger:   logger.Named("stt"),
	})
	if err != nil {
		return err
	}
	bridge, err := media.NewBridge(media.BridgeOpts{
		Control:       control,
		Decoder:       &media.FFmpeg{Binary: cfg.Pipeline.FFmpegBinary},
		Transcriber:   transcriber,
		EgressBaseURL: cfg.LiveKit.EgressURL,
		PublicBaseURL: cfg.Pipeline.PublicBaseURL,
		AIIdentity:    cfg.LiveKit.AIIdentity,
		AIName:        cfg.LiveKit.AIName,
		Logger:        logger.Named("media"),
	})
	if err != nil {
		return err
	}
	artifacts, err := pipeline.NewArtifacts(pipeline.ArtifactOpts{
		Dir:           cfg.Pipeline.ArtifactDir,
		Grace:         cfg.Pipeline.ArtifactGrace,
		RemoveIngress: bridge.RemoveIngress,
		Logger:        logger.Named("artifacts"),
	})
	if err != nil {
		return err
	}

	generator, err := newGenerator(cfg.LLM)
	if err != nil {
		return err
	}
	synthesizer, err := newSynthesizer(cfg.TTS)
	if err != nil {
		return err
	}
	sinks, err := newSinks(cfg, gormDB, logger)
	if err != nil {
		return err
	}

	router := &turnRouter{}
	hub, err := push.NewHub(push.HubOpts{
		Handler:     router,
		CheckOrigin: originChecker(cfg.Server.CORSOrigin),
		Logger:      logger.Named("push"),
	})
	if err != nil {
		return err
	}
	orch, err := pipeline.New(pipeline.Opts{
		Store:             store,
		Bridge:            bridge,
		Generator:         generator,
		Synthesizer:       synthesizer,
		Artifacts:         artifacts,
		Notifier:          hub,
		Sinks:             sinks,
		AIIdentity:        cfg.LiveKit.AIIdentity,
		Greeting:          cfg.Pipeline.Greeting,
		FallbackReply:     pipeline.DefaultFallbackReply,
		GenerateTimeout:   cfg.LLM.Timeout,
		SynthesizeTimeout: cfg.TTS.Timeout,
		Logger:            logger.Named("pipeline"),
	})
	if err != nil {
		return err
	}
	router.orch = orch

	sweeper, err := convo.NewSweeper(convo.SweeperOpts{
		Store:     store,
		Schedule:  cfg.Session.SweepSchedule,
		OnExpired: orch.RoomExpired,
		Logger:    logger.Named("sweeper"),
	})
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	tokens, err := media.NewTokenIssuer(cfg.LiveKit.APIKey, cfg.LiveKit.APISecret, cfg.LiveKit.TokenTTL)
	if err != nil {
		return err
	}
	webhooks, err := media.NewWebhookVerifier(cfg.LiveKit.APIKey, cfg.LiveKit.APISecret)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Opts{
		Store:        store,
		Orchestrator: orch,
		Tokens:       tokens,
		Webhooks:     webhooks,
		Hub:          hub,
		Artifacts:    artifacts,
		Egress:       bridge,
		DB:           gormDB,
		LiveKitURL:   cfg.LiveKit.URL,
		CORSOrigin:   cfg.Server.CORSOrigin,
		Logger:       logger.Named("http"),
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Interviewer listening on :%d (llm: %s, tts: %s, archive: %s)\n",
		cfg.Server.Port, cfg.LLM.Provider, cfg.TTS.Provider, cfg.Archive.Driver)
	runErr := srv.Run(ctx, fmt.Sprintf(":%d", cfg.Server.Port))
	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer drainCancel()
	if err := orch.Shutdown(drainCtx); err != nil {
		logger.Warn("pipeline shutdown incomplete", zap.Error(err))
	}
	bridge.StopAll()
	return runErr
}

// originChecker restricts websocket upgrades to the configured CORS origin.
// Requests without an Origin header come from non-browser clients.
func originChecker(origin string) func(*http.Request) bool {
	if origin == "" || origin == "*" {
		return nil
	}
	return func(r *http.Request) bool {
		got := r.Header.Get("Origin")
		return got == "" || got == origin
	}
}
