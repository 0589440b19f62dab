// Package server wires the HTTP surface: health endpoints and the WebSocket
// entry point that spawns relay sessions.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"

	"github.com/voxrelay/voxrelay/pkg/relay/config"
	"github.com/voxrelay/voxrelay/pkg/relay/gemini"
	"github.com/voxrelay/voxrelay/pkg/relay/lifecycle"
	"github.com/voxrelay/voxrelay/pkg/relay/mw"
	"github.com/voxrelay/voxrelay/pkg/relay/protocol"
	"github.com/voxrelay/voxrelay/pkg/relay/registry"
	"github.com/voxrelay/voxrelay/pkg/relay/session"
	"github.com/voxrelay/voxrelay/pkg/relay/transcode"
	"github.com/voxrelay/voxrelay/pkg/relay/workflow"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	flow       session.Flow
	dialer     gemini.Dialer
	transcoder session.Transcoder

	sessions  *registry.Registry
	lifecycle *lifecycle.Lifecycle
	cron      *cron.Cron
}

// Options override the default collaborators, mainly for tests.
type Options struct {
	Flow       session.Flow
	Dialer     gemini.Dialer
	Transcoder session.Transcoder
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	flow := opts.Flow
	if flow == nil {
		flow = workflow.New(cfg.WorkflowBaseURL, cfg.ConfigFetchTimeout, logger)
	}

	dialer := opts.Dialer
	if dialer == nil {
		d, err := gemini.NewDialer(ctx, cfg.GeminiAPIKey, cfg.OutputSampleRate)
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		dialer = d
	}

	transcoder := opts.Transcoder
	if transcoder == nil {
		transcoder = &transcode.FFmpeg{
			Path:       cfg.FFmpegPath,
			SampleRate: cfg.InputSampleRate,
			Timeout:    cfg.TranscodeTimeout,
		}
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		mux:        http.NewServeMux(),
		flow:       flow,
		dialer:     dialer,
		transcoder: transcoder,
		sessions:   registry.New(),
		lifecycle:  &lifecycle.Lifecycle{},
		cron:       cron.New(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/readyz", s.handleReady)
	s.mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if s.lifecycle.IsDraining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"draining"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.lifecycle.IsDraining() {
		http.Error(w, "server is draining", http.StatusServiceUnavailable)
		return
	}

	token := strings.TrimSpace(r.URL.Query().Get("session"))

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if len(token) < protocol.MinTokenLength {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid session token"), deadline)
		_ = conn.Close()
		return
	}

	var unregister func()
	sess := session.New(token, conn, s.sessionConfig(), session.Deps{
		Logger:     s.logger,
		Flow:       s.flow,
		Dialer:     s.dialer,
		Transcoder: s.transcoder,
		Unregister: func() {
			if unregister != nil {
				unregister()
			}
		},
	})
	unregister = s.sessions.Register(token, registry.Handle{
		Teardown:     sess.Teardown,
		Notify:       sess.NotifyShutdown,
		LastActivity: sess.LastActivity,
	})

	s.logger.Info("session accepted", "session_id", sess.ID(), "remote", r.RemoteAddr)
	if err := sess.Run(r.Context()); err != nil {
		s.logger.Warn("session ended with error", "session_id", sess.ID(), "error", err)
	}
}

func (s *Server) sessionConfig() session.Config {
	return session.Config{
		ConfigFetchTimeout:  s.cfg.ConfigFetchTimeout,
		InitWatchdog:        s.cfg.InitWatchdog,
		InitBackoffStep:     s.cfg.InitBackoffStep,
		IdleTimeout:         s.cfg.IdleTimeout,
		HealthInterval:      s.cfg.HealthInterval,
		FunctionCallTimeout: s.cfg.FunctionCallTimeout,
		WriteTimeout:        s.cfg.WSWriteTimeout,
		PingInterval:        s.cfg.WSPingInterval,
		MaxJSONMessage:      s.cfg.MaxJSONMessage,
		MaxAudioFrameBytes:  s.cfg.MaxAudioFrameBytes,
		InputSampleRate:     s.cfg.InputSampleRate,
		OutputSampleRate:    s.cfg.OutputSampleRate,
	}
}

// StartSweeper schedules periodic eviction of idle sessions.
func (s *Server) StartSweeper() error {
	if s.cfg.SweepInterval <= 0 {
		return nil
	}
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.SweepInterval), func() {
		if evicted := s.sessions.Sweep(time.Now(), s.cfg.IdleTimeout); evicted > 0 {
			s.logger.Info("idle sessions evicted", "count", evicted)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

func (s *Server) StopSweeper() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

func (s *Server) SetDraining(draining bool) {
	s.lifecycle.SetDraining(draining)
}

// NotifyShutdown warns every live session that the server is going away.
func (s *Server) NotifyShutdown(message string) int {
	return s.sessions.NotifyShutdownAll("server_shutdown", message)
}

// DrainSessions waits for live sessions to finish, bounded by ctx.
func (s *Server) DrainSessions(ctx context.Context) bool {
	return s.sessions.Wait(ctx)
}

func (s *Server) TeardownSessions(reason string) int {
	return s.sessions.TeardownAll(reason)
}

func (s *Server) SessionCount() int {
	return s.sessions.Count()
}
