// Package server exposes the HTTP surface of the orchestration engine:
// role mailboxes, student response intake, pipeline status, the run
// event log and the walkie signaling relay.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/lecternhq/lectern/internal/audiobridge"
	"github.com/lecternhq/lectern/internal/config"
	"github.com/lecternhq/lectern/internal/dispatch"
	"github.com/lecternhq/lectern/internal/lesson"
	"github.com/lecternhq/lectern/internal/mailbox"
	"github.com/lecternhq/lectern/internal/pipeline"
	"github.com/lecternhq/lectern/internal/respond"
	"github.com/lecternhq/lectern/internal/rules"
	"github.com/lecternhq/lectern/internal/runlog"
	"github.com/lecternhq/lectern/internal/walkie"
)

// Options configures a Server. Config and Logger are required; a nil
// Bridge builds the real PulseAudio bridge from the config.
type Options struct {
	Config *config.Config
	Logger zerolog.Logger
	Bridge BridgeService
}

// Server wires the subsystems behind the HTTP API.
type Server struct {
	cfg      *config.Config
	logger   zerolog.Logger
	mail     *mailbox.Registry
	dispatch *dispatch.Dispatcher
	tracker  *pipeline.Tracker
	log      *runlog.Log
	runs     *runlog.Allocator
	respond  *respond.Handler
	lessons  *lesson.Expander
	relay    *walkie.Relay
	bridge   *bridgeManager
	tlsReady atomic.Bool
	router   *gin.Engine
}

// New assembles a Server from configuration.
func New(opts Options) *Server {
	cfg := opts.Config

	runs := runlog.NewAllocator(cfg.LogsDir, cfg.LegacyRunPrefix)
	log := runlog.New(runlog.Options{
		LogsDir:   cfg.LogsDir,
		Logger:    opts.Logger,
		Normalize: runs.Normalize,
	})
	mail := mailbox.NewRegistry()
	d := dispatch.New(mail, log)
	tracker := pipeline.NewTracker(pipeline.DefaultCapacity)

	bridge := opts.Bridge
	if bridge == nil {
		bridge = audiobridge.New(audiobridge.Config{
			SinkName:       cfg.Audio.SinkName,
			SourceName:     cfg.Audio.SourceName,
			LogsDir:        cfg.LogsDir,
			SegmentSeconds: cfg.Audio.SegmentSeconds,
		})
	}
	manager := newBridgeManager(bridge, log)

	s := &Server{
		cfg:      cfg,
		logger:   opts.Logger,
		mail:     mail,
		dispatch: d,
		tracker:  tracker,
		log:      log,
		runs:     runs,
		lessons:  lesson.New(rules.NewStore(cfg.RulesDir), d, log),
		relay: walkie.New(walkie.Options{
			Log:        log,
			SessionTTL: time.Duration(cfg.Walkie.SessionTTLSeconds) * time.Second,
		}),
		bridge: manager,
	}
	s.respond = &respond.Handler{
		Dispatch: d,
		Pipeline: tracker,
		Log:      log,
		Runs:     runs,
		Capture:  manager,
		Noise: respond.NoiseConfig{
			MinLength: cfg.Noise.MinLength,
			RepeatRun: cfg.Noise.RepeatRun,
			SymbolSet: cfg.Noise.SymbolSet,
		},
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s.registerRoutes(router)
	s.router = router
	return s
}

// Router returns the HTTP handler, used directly by tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// EventLog exposes the run event log for co-hosted subsystems such as
// the archiver.
func (s *Server) EventLog() *runlog.Log {
	return s.log
}

// Pipeline exposes the segment tracker for the archiver.
func (s *Server) Pipeline() *pipeline.Tracker {
	return s.tracker
}

// Start warms the audio bridge, launches the HTTPS mirror when TLS is
// configured, and serves HTTP until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	// Create the virtual devices before any client asks for them.
	s.bridge.ensure()
	s.startHTTPSMirror(ctx)
	s.log.Record("walkie_info", s.walkieInfoPayload(), "info")

	srv := &http.Server{
		Addr:    s.cfg.Addr(),
		Handler: s.router,
	}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	s.logger.Info().Str("addr", s.cfg.Addr()).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// startHTTPSMirror serves the same routes over TLS so phone browsers
// can open the transmitter page with microphone access.
func (s *Server) startHTTPSMirror(ctx context.Context) {
	wc := s.cfg.Walkie
	if !wc.EnableTLS {
		s.tlsReady.Store(false)
		payload := s.walkieInfoPayload()
		payload["note"] = "walkie TLS is disabled; HTTPS mirror not started"
		s.log.Record("walkie_info", payload, "warn")
		return
	}
	if !fileExists(wc.TLSCertPath) || !fileExists(wc.TLSKeyPath) {
		s.tlsReady.Store(false)
		payload := s.walkieInfoPayload()
		payload["note"] = "TLS cert/key missing; walkie endpoints unavailable until files exist"
		s.log.Record("walkie_info", payload, "error")
		return
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%d", wc.TLSPort),
		Handler: s.router,
	}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()
	go func() {
		s.tlsReady.Store(true)
		payload := s.walkieInfoPayload()
		payload["note"] = "HTTPS mirror started for walkie pages and signaling"
		s.log.Record("walkie_info", payload, "info")

		err := srv.ListenAndServeTLS(wc.TLSCertPath, wc.TLSKeyPath)
		if err != nil && err != http.ErrServerClosed {
			s.tlsReady.Store(false)
			payload := s.walkieInfoPayload()
			payload["note"] = "HTTPS mirror failed"
			payload["error"] = err.Error()
			s.log.Record("walkie_info", payload, "error")
		}
	}()
}

// walkieTLSReady reports whether walkie endpoints may serve. With TLS
// disabled they always may; with TLS enabled the cert, key and mirror
// must all be in place.
func (s *Server) walkieTLSReady() bool {
	wc := s.cfg.Walkie
	if !wc.EnableTLS {
		return true
	}
	return fileExists(wc.TLSCertPath) && fileExists(wc.TLSKeyPath) && s.tlsReady.Load()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
