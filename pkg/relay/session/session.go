// Package session holds the per-connection state machine that relays a
// browser WebSocket to a live model connection.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/voxrelay/voxrelay/pkg/relay/gemini"
	"github.com/voxrelay/voxrelay/pkg/relay/protocol"
	"github.com/voxrelay/voxrelay/pkg/relay/workflow"
)

type State string

const (
	StateInitializing    State = "initializing"
	StateConfigured      State = "configured"
	StateModelConnecting State = "model_connecting"
	StateModelActive     State = "model_active"
	StateTerminated      State = "terminated"
	StateFailed          State = "failed"
)

const initAttempts = 3

// Config carries the session's tunables. Zero fields fall back to defaults.
type Config struct {
	ConfigFetchTimeout  time.Duration
	InitWatchdog        time.Duration
	InitBackoffStep     time.Duration
	IdleTimeout         time.Duration
	HealthInterval      time.Duration
	FunctionCallTimeout time.Duration

	WriteTimeout       time.Duration
	PingInterval       time.Duration
	MaxJSONMessage     int64
	MaxAudioFrameBytes int

	InputSampleRate  int
	OutputSampleRate int
}

func (c Config) withDefaults() Config {
	if c.ConfigFetchTimeout <= 0 {
		c.ConfigFetchTimeout = 15 * time.Second
	}
	if c.InitWatchdog <= 0 {
		c.InitWatchdog = 45 * time.Second
	}
	if c.InitBackoffStep <= 0 {
		c.InitBackoffStep = 2 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.FunctionCallTimeout <= 0 {
		c.FunctionCallTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.MaxJSONMessage <= 0 {
		c.MaxJSONMessage = 1 << 20
	}
	if c.MaxAudioFrameBytes <= 0 {
		c.MaxAudioFrameBytes = 512 << 10
	}
	if c.InputSampleRate <= 0 {
		c.InputSampleRate = 16000
	}
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = 24000
	}
	return c
}

// Flow is the workflow engine surface the session depends on.
type Flow interface {
	FetchSessionConfig(ctx context.Context, token string, extra url.Values) (*workflow.SessionConfig, error)
	RouteFunctionCall(ctx context.Context, token string, call workflow.FunctionCall) (map[string]any, error)
	SaveTurn(ctx context.Context, token string, turn protocol.Turn) error
	NotifyConnected(ctx context.Context, token string)
}

// Transcoder converts one complete compressed utterance to linear PCM.
type Transcoder interface {
	Transcode(ctx context.Context, in []byte) ([]byte, error)
}

type wsConn interface {
	wsWriter
	ReadMessage() (messageType int, data []byte, err error)
	SetReadLimit(limit int64)
}

type Deps struct {
	Logger     *slog.Logger
	Flow       Flow
	Dialer     gemini.Dialer
	Transcoder Transcoder
	Unregister func()
}

type initResult struct {
	cfg *workflow.SessionConfig
	err error
}

type dialResult struct {
	conn  gemini.Conn
	cfg   *workflow.SessionConfig
	model string
	err   error
}

type transcodeResult struct {
	pcm []byte
	err error
}

// Session owns one client connection end to end: WebSocket reads, the model
// connection, timers, and the outbound writer all funnel into a single event
// loop, so state transitions and turn mutations need no locking.
type Session struct {
	id     string
	token  string
	logger *slog.Logger
	cfg    Config

	flow       Flow
	dialer     gemini.Dialer
	transcoder Transcoder
	unregister func()

	ws wsConn

	ctx    context.Context
	cancel context.CancelFunc

	state State

	sessionID string
	userID    string
	model     string
	external  gemini.ExternalConfig

	conn   gemini.Conn
	turns  *TurnTracker
	buffer UtteranceBuffer

	priority chan outboundFrame
	normal   chan outboundFrame

	clientCh    chan []byte
	initCh      chan initResult
	initFailCh  chan error
	dialCh      chan dialResult
	transcodeCh chan transcodeResult

	// audioGen stamps outbound audio frames; an interruption bumps it so the
	// writer drops chunks of the superseded generation still in the queue.
	audioGen atomic.Int64

	lastActivity atomic.Int64

	userData map[string]any

	transcodeInFlight bool
	pendingText       []string
	paused            bool

	teardownOnce sync.Once
}

func New(token string, ws wsConn, cfg Config, deps Deps) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		id:            uuid.NewString(),
		token:         token,
		logger:        logger,
		cfg:           cfg.withDefaults(),
		flow:          deps.Flow,
		dialer:        deps.Dialer,
		transcoder:    deps.Transcoder,
		unregister:    deps.Unregister,
		ws:            ws,
		ctx:           ctx,
		cancel:        cancel,
		state:         StateInitializing,
		turns:         NewTurnTracker(),
		priority:      make(chan outboundFrame, 64),
		normal:        make(chan outboundFrame, 256),
		clientCh:      make(chan []byte, 32),
		initCh:        make(chan initResult, 1),
		initFailCh:    make(chan error, initAttempts),
		dialCh:      make(chan dialResult, 1),
		transcodeCh: make(chan transcodeResult, 1),
		userData:    make(map[string]any),
	}
	s.touch()
	return s
}

func (s *Session) ID() string { return s.id }

// Teardown begins shutdown. Safe to call more than once and from any
// goroutine; it never blocks.
func (s *Session) Teardown(reason string) {
	s.teardownOnce.Do(func() {
		s.logger.Info("session teardown", "session_id", s.id, "reason", reason)
		s.cancel()
	})
}

// NotifyShutdown queues a shutdown warning for the client without blocking.
func (s *Session) NotifyShutdown(code, message string) error {
	frame := outboundFrame{payload: mustJSON(protocol.ServerErrorEvent{
		Type:      "error",
		Message:   message,
		Retryable: true,
	})}
	select {
	case s.priority <- frame:
		return nil
	default:
		return fmt.Errorf("session %s: notify queue full (%s)", s.id, code)
	}
}

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Run drives the session until the client disconnects, the session fails, or
// parent is canceled.
func (s *Session) Run(parent context.Context) error {
	defer s.cancel()
	if s.unregister != nil {
		defer s.unregister()
	}

	stopWatch := context.AfterFunc(parent, func() { s.Teardown("server shutdown") })
	defer stopWatch()

	s.ws.SetReadLimit(s.cfg.MaxJSONMessage)

	writerDone := make(chan error, 1)
	go func() {
		writerDone <- (&outboundWriter{
			ws:         s.ws,
			ctx:        s.ctx,
			cfg:        s.cfg,
			priority: s.priority,
			normal:   s.normal,
			isStale:  s.isStaleAudio,
		}).Run()
	}()

	go s.readLoop()
	go s.initialize(s.ctx)

	watchdog := time.NewTimer(s.cfg.InitWatchdog)
	defer watchdog.Stop()
	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()
	health := time.NewTicker(s.cfg.HealthInterval)
	defer health.Stop()

	var modelEvents <-chan gemini.Event

	defer func() {
		if s.conn != nil {
			_ = s.conn.Close()
			s.conn = nil
		}
	}()

	clientCh := s.clientCh
	for {
		select {
		case <-s.ctx.Done():
			return <-writerDone

		case raw, ok := <-clientCh:
			if !ok {
				clientCh = nil
				s.Teardown("client disconnected")
				continue
			}
			s.touch()
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.cfg.IdleTimeout)
			s.handleClientFrame(raw, &modelEvents)

		case res := <-s.initCh:
			watchdog.Stop()
			s.handleInitResult(res)

		case err := <-s.initFailCh:
			s.sendPriorityJSON(protocol.ServerSessionInitFailed{
				Type:      "session_initialization_failed",
				Message:   err.Error(),
				Retryable: true,
			})

		case res := <-s.dialCh:
			s.handleDialResult(res, &modelEvents)

		case ev, ok := <-modelEvents:
			if !ok {
				modelEvents = nil
				continue
			}
			s.handleModelEvent(ev, &modelEvents)

		case res := <-s.transcodeCh:
			s.handleTranscodeResult(res)

		case <-watchdog.C:
			if s.state == StateInitializing {
				s.sendPriorityJSON(protocol.ServerSessionInitFailed{
					Type:      "session_initialization_failed",
					Message:   "initialization watchdog expired",
					Retryable: true,
				})
			}

		case <-idle.C:
			s.state = StateTerminated
			s.Teardown("idle timeout")

		case <-health.C:
			if time.Since(s.LastActivity()) > 2*s.cfg.HealthInterval {
				s.sendPriorityJSON(protocol.ServerHealthCheck{Type: "health_check"})
			}

		case err := <-writerDone:
			s.Teardown("client write failure")
			return err
		}
	}
}

func (s *Session) readLoop() {
	defer close(s.clientCh)
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		select {
		case s.clientCh <- data:
		case <-s.ctx.Done():
			return
		}
	}
}

// initialize fetches the session configuration, retrying with linearly
// increasing backoff. Non-final failures surface to the client as retryable;
// the exhausted result lands on initCh.
func (s *Session) initialize(ctx context.Context) {
	attempt := 0
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return time.Duration(attempt) * s.cfg.InitBackoffStep, false
	})

	failures := 0
	var cfg *workflow.SessionConfig
	err := retry.Do(ctx, retry.WithMaxRetries(initAttempts-1, backoff), func(ctx context.Context) error {
		fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.ConfigFetchTimeout)
		defer cancel()
		got, fetchErr := s.flow.FetchSessionConfig(fetchCtx, s.token, nil)
		if fetchErr != nil {
			failures++
			if failures < initAttempts {
				select {
				case s.initFailCh <- fetchErr:
				default:
				}
			}
			return retry.RetryableError(fetchErr)
		}
		cfg = got
		return nil
	})

	select {
	case s.initCh <- initResult{cfg: cfg, err: err}:
	case <-ctx.Done():
	}
}

func (s *Session) handleInitResult(res initResult) {
	if res.err != nil {
		s.state = StateFailed
		s.sendPriorityJSON(protocol.ServerSessionInitFailed{
			Type:      "session_initialization_failed",
			Message:   res.err.Error(),
			Retryable: false,
		})
		s.Teardown("initialization failed")
		return
	}
	s.applyConfig(res.cfg)
	s.state = StateConfigured
	s.logger.Info("session initialized",
		"session_id", s.id, "external_session_id", s.sessionID, "model", s.model)
	s.sendPriorityJSON(protocol.ServerSessionInitialized{
		Type:      "session_initialized",
		SessionID: s.sessionID,
	})
}

func (s *Session) applyConfig(cfg *workflow.SessionConfig) {
	if cfg == nil {
		return
	}
	s.sessionID = cfg.SessionID
	s.userID = cfg.UserID
	s.model = cfg.Config.Model
	s.external = gemini.ParseExternalConfig(cfg.Config.Config)
}

func (s *Session) handleClientFrame(raw []byte, modelEvents *<-chan gemini.Event) {
	msg, err := protocol.DecodeClientMessage(raw)
	if err != nil {
		s.sendPriorityJSON(protocol.ServerErrorEvent{Type: "error", Message: err.Error()})
		return
	}

	switch m := msg.(type) {
	case protocol.ClientConnect:
		s.startConnect(false)
	case protocol.ClientConnectWithUserData:
		s.mergeUserData(m.UserData)
		s.startConnect(true)
	case protocol.ClientAudioInput:
		s.handleAudioInput(m)
	case protocol.ClientAudioInputPCM:
		s.handleAudioInputPCM(m)
	case protocol.ClientTextInput:
		s.handleTextInput(m.Text)
	case protocol.ClientUserInfoUpdate:
		s.mergeUserData(m.UserData)
	case protocol.ClientDisconnect:
		s.disconnectModel(modelEvents, "client requested")
	case protocol.ClientPing:
		s.sendPriorityJSON(protocol.ServerPong{
			Type:       "pong",
			PingID:     m.PingID,
			ServerTime: time.Now().UnixMilli(),
		})
	case protocol.ClientConversationPaused:
		s.paused = true
		s.mergeUserData(m.UserData)
	case protocol.ClientConversationResumed:
		s.paused = false
		s.mergeUserData(m.UserData)
	}
}

func (s *Session) mergeUserData(data map[string]any) {
	for key, value := range data {
		s.userData[key] = value
	}
}

func (s *Session) userParams() url.Values {
	params := url.Values{}
	for key, value := range s.userData {
		params.Set(key, fmt.Sprint(value))
	}
	return params
}

func (s *Session) startConnect(refetch bool) {
	switch s.state {
	case StateConfigured:
	case StateModelConnecting, StateModelActive:
		s.sendPriorityJSON(protocol.ServerErrorEvent{Type: "error", Message: "model connection already open"})
		return
	default:
		s.sendPriorityJSON(protocol.ServerErrorEvent{Type: "error", Message: "session is not initialized", Retryable: true})
		return
	}

	s.state = StateModelConnecting
	extra := s.userParams()

	go func(model string, ext gemini.ExternalConfig) {
		var refreshed *workflow.SessionConfig
		if refetch {
			fetchCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ConfigFetchTimeout)
			cfg, err := s.flow.FetchSessionConfig(fetchCtx, s.token, extra)
			cancel()
			if err != nil {
				s.deliverDial(dialResult{err: err})
				return
			}
			refreshed = cfg
			model = cfg.Config.Model
			ext = gemini.ParseExternalConfig(cfg.Config.Config)
		}

		connectCfg := gemini.BuildConnectConfig(gemini.Classify(model), ext)
		conn, err := s.dialer.Dial(s.ctx, model, connectCfg)
		s.deliverDial(dialResult{conn: conn, cfg: refreshed, model: model, err: err})
	}(s.model, s.external)
}

func (s *Session) deliverDial(res dialResult) {
	select {
	case s.dialCh <- res:
	case <-s.ctx.Done():
		if res.conn != nil {
			_ = res.conn.Close()
		}
	}
}

func (s *Session) handleDialResult(res dialResult, modelEvents *<-chan gemini.Event) {
	if s.state != StateModelConnecting {
		if res.conn != nil {
			_ = res.conn.Close()
		}
		return
	}
	if res.err != nil {
		s.state = StateConfigured
		s.sendPriorityJSON(protocol.ServerGeminiConnectionFailed{
			Type:      "gemini_connection_failed",
			Message:   res.err.Error(),
			Retryable: !isQuotaError(res.err.Error()),
		})
		return
	}

	s.applyConfig(res.cfg)
	if res.model != "" {
		s.model = res.model
	}
	s.conn = res.conn
	*modelEvents = res.conn.Events()
	s.state = StateModelActive
	s.logger.Info("model connected", "session_id", s.id, "model", s.model)
	s.sendPriorityJSON(protocol.ServerGeminiConnected{Type: "gemini_connected"})

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConfigFetchTimeout)
		defer cancel()
		s.flow.NotifyConnected(ctx, s.token)
	}()
}

func (s *Session) disconnectModel(modelEvents *<-chan gemini.Event, reason string) {
	if s.conn == nil {
		return
	}
	_ = s.conn.Close()
	s.conn = nil
	*modelEvents = nil
	if s.state == StateModelActive || s.state == StateModelConnecting {
		s.state = StateConfigured
	}
	s.sendPriorityJSON(protocol.ServerGeminiDisconnected{
		Type:      "gemini_disconnected",
		Reason:    reason,
		Retryable: true,
	})
}

func (s *Session) handleAudioInput(m protocol.ClientAudioInput) {
	if s.state != StateModelActive || s.conn == nil {
		s.sendPriorityJSON(protocol.ServerErrorEvent{Type: "error", Message: "model connection is not active", Retryable: true})
		return
	}
	if s.paused {
		return
	}

	if m.AudioData != "" {
		data, err := base64.StdEncoding.DecodeString(m.AudioData)
		if err != nil {
			s.sendPriorityJSON(protocol.ServerErrorEvent{Type: "error", Message: "audio_input.audioData is not valid base64"})
			return
		}
		if len(data) > s.cfg.MaxAudioFrameBytes {
			s.sendPriorityJSON(protocol.ServerErrorEvent{Type: "error", Message: "audio frame too large"})
			return
		}
		s.buffer.Append(data)
	}

	if m.IsEndOfSpeech {
		s.flushUtterance()
	}
}

func (s *Session) handleAudioInputPCM(m protocol.ClientAudioInputPCM) {
	if s.state != StateModelActive || s.conn == nil {
		s.sendPriorityJSON(protocol.ServerErrorEvent{Type: "error", Message: "model connection is not active", Retryable: true})
		return
	}
	if s.paused {
		return
	}

	data, err := base64.StdEncoding.DecodeString(m.AudioData)
	if err != nil {
		s.sendPriorityJSON(protocol.ServerErrorEvent{Type: "error", Message: "audio_input_pcm.audioData is not valid base64"})
		return
	}
	if len(data) > s.cfg.MaxAudioFrameBytes {
		s.sendPriorityJSON(protocol.ServerErrorEvent{Type: "error", Message: "audio frame too large"})
		return
	}

	rate := m.SampleRate
	if rate == 0 {
		rate = s.cfg.InputSampleRate
	}
	if err := s.conn.SendAudio(data, rate); err != nil {
		s.logger.Warn("pcm forward failed", "session_id", s.id, "error", err)
	}
}

// flushUtterance takes the accumulated legacy fragments and transcodes them
// off the event loop. An empty utterance degrades to end-of-stream only.
func (s *Session) flushUtterance() {
	input := s.buffer.Flush()
	if len(input) == 0 {
		s.modelEndOfStream()
		return
	}

	s.transcodeInFlight = true
	go func() {
		pcm, err := s.transcoder.Transcode(s.ctx, input)
		select {
		case s.transcodeCh <- transcodeResult{pcm: pcm, err: err}:
		case <-s.ctx.Done():
		}
	}()
}

func (s *Session) handleTranscodeResult(res transcodeResult) {
	s.transcodeInFlight = false

	if s.state == StateModelActive && s.conn != nil {
		if res.err != nil || len(res.pcm) == 0 {
			if res.err != nil {
				s.logger.Warn("transcode failed, sending end of stream only",
					"session_id", s.id, "error", res.err)
			}
			s.modelEndOfStream()
		} else {
			if err := s.conn.SendAudio(res.pcm, s.cfg.InputSampleRate); err != nil {
				s.logger.Warn("audio forward failed", "session_id", s.id, "error", err)
			}
			s.modelEndOfStream()
		}
	}

	// Text that arrived while the flush was in flight goes out now, keeping
	// spoken audio ahead of typed text.
	pending := s.pendingText
	s.pendingText = nil
	for _, text := range pending {
		s.sendTypedText(text)
	}
}

func (s *Session) handleTextInput(text string) {
	if s.state != StateModelActive || s.conn == nil {
		s.sendPriorityJSON(protocol.ServerErrorEvent{Type: "error", Message: "model connection is not active", Retryable: true})
		return
	}
	if s.transcodeInFlight {
		s.pendingText = append(s.pendingText, text)
		return
	}
	if s.buffer.Len() > 0 {
		s.flushUtterance()
		s.pendingText = append(s.pendingText, text)
		return
	}
	s.sendTypedText(text)
}

func (s *Session) sendTypedText(text string) {
	if s.conn == nil {
		return
	}
	s.turns.SetTypedInput(text)
	if err := s.conn.SendText(text); err != nil {
		s.logger.Warn("text forward failed", "session_id", s.id, "error", err)
		return
	}
	s.modelEndOfStream()
}

func (s *Session) modelEndOfStream() {
	if s.conn == nil {
		return
	}
	if err := s.conn.SendEndOfStream(); err != nil {
		s.logger.Warn("end of stream failed", "session_id", s.id, "error", err)
	}
}

func (s *Session) handleModelEvent(ev gemini.Event, modelEvents *<-chan gemini.Event) {
	switch e := ev.(type) {
	case gemini.SetupCompleteEvent:
		s.sendPriorityJSON(protocol.ServerSetupComplete{Type: "gemini_setup_complete"})

	case gemini.InputTranscriptionEvent:
		s.turns.AppendUser(e.Text)
		s.sendNormalJSON(protocol.ServerInputTranscription{
			Type: "input_transcription", Text: e.Text, IsFinal: false,
		})

	case gemini.OutputTranscriptionEvent:
		s.turns.AppendAI(e.Text)
		s.sendNormalJSON(protocol.ServerOutputTranscription{
			Type: "output_transcription", Text: e.Text,
		})

	case gemini.TextDeltaEvent:
		s.turns.AppendAI(e.Text)
		s.sendNormalJSON(protocol.ServerTextResponse{Type: "text_response", Text: e.Text})

	case gemini.AudioChunkEvent:
		s.relayAudioChunk(e)

	case gemini.TurnCompleteEvent:
		s.finalizeTurn(false)

	case gemini.InterruptedEvent:
		s.audioGen.Add(1)
		s.sendPriorityJSON(protocol.ServerInterrupted{Type: "interrupted"})
		s.finalizeTurn(true)

	case gemini.ToolCallEvent:
		s.handleToolCalls(e)

	case gemini.UsageEvent:
		s.sendNormalJSON(protocol.ServerUsageMetadata{Type: "usage_metadata", Usage: e.Usage})

	case gemini.GoAwayEvent:
		s.logger.Info("model connection going away", "session_id", s.id)

	case gemini.ClosedEvent:
		*modelEvents = nil
		if s.conn != nil {
			_ = s.conn.Close()
			s.conn = nil
		}
		reason := "connection closed"
		retryable := true
		if e.Err != nil {
			reason = e.Err.Error()
			retryable = !isQuotaError(reason)
		}
		if s.state == StateModelActive || s.state == StateModelConnecting {
			s.state = StateConfigured
		}
		s.logger.Info("model disconnected", "session_id", s.id, "reason", reason)
		s.sendPriorityJSON(protocol.ServerGeminiDisconnected{
			Type: "gemini_disconnected", Reason: reason, Retryable: retryable,
		})
	}
}

func (s *Session) relayAudioChunk(e gemini.AudioChunkEvent) {
	frame := outboundFrame{
		payload: mustJSON(protocol.ServerAudioChunkPCM{
			Type:       "ai_audio_chunk_pcm",
			AudioData:  base64.StdEncoding.EncodeToString(e.Data),
			SampleRate: e.SampleRate,
		}),
		isTurnAudio: true,
		generation:  s.audioGen.Load(),
	}
	select {
	case s.normal <- frame:
	default:
		// Drop rather than stall the loop when the client cannot keep up.
	}
}

// finalizeTurn emits the finalized turn exactly once, persists it off-loop,
// and resets for the next exchange.
func (s *Session) finalizeTurn(interrupted bool) {
	if user := strings.TrimSpace(s.turns.UserMessage()); user != "" {
		s.sendNormalJSON(protocol.ServerInputTranscription{
			Type: "input_transcription", Text: user, IsFinal: true,
		})
	}

	turn, ok := s.turns.Finalize(interrupted, time.Now().UTC())
	if ok {
		s.sendNormalJSON(protocol.ServerConversationTurnComplete{
			Type:        "conversation_turn_complete",
			Turn:        turn,
			Interrupted: interrupted,
		})
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConfigFetchTimeout)
			defer cancel()
			if err := s.flow.SaveTurn(ctx, s.token, turn); err != nil {
				s.logger.Warn("turn persistence failed",
					"session_id", s.id, "turn_id", turn.TurnID, "error", err)
			}
		}()
	}

	s.sendNormalJSON(protocol.ServerTurnComplete{Type: "turn_complete"})
	s.buffer.Reset()
}

func (s *Session) handleToolCalls(e gemini.ToolCallEvent) {
	conn := s.conn
	for _, call := range e.Calls {
		s.sendPriorityJSON(protocol.ServerFunctionExecuting{
			Type:         "function_executing",
			FunctionName: call.Name,
			FunctionID:   call.ID,
		})
		go s.runFunctionCall(conn, call)
	}
}

// runFunctionCall routes one tool invocation and always returns a terminating
// response to the model, wrapping failures in a structured error payload.
func (s *Session) runFunctionCall(conn gemini.Conn, call gemini.FunctionCall) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.FunctionCallTimeout)
	defer cancel()

	result, err := s.flow.RouteFunctionCall(ctx, s.token, workflow.FunctionCall{
		ID:   call.ID,
		Name: call.Name,
		Args: call.Args,
	})
	success := err == nil
	payload := result
	if err != nil {
		s.logger.Warn("function routing failed",
			"session_id", s.id, "function", call.Name, "error", err)
		payload = map[string]any{"error": err.Error()}
	}

	if conn != nil {
		if sendErr := conn.SendToolResult(call.ID, call.Name, payload); sendErr != nil {
			s.logger.Warn("tool result send failed",
				"session_id", s.id, "function", call.Name, "error", sendErr)
			success = false
		}
	}

	s.sendPriorityJSON(protocol.ServerFunctionCompleted{
		Type:         "function_completed",
		FunctionName: call.Name,
		FunctionID:   call.ID,
		Success:      success,
	})
}

func (s *Session) isStaleAudio(generation int64) bool {
	return generation < s.audioGen.Load()
}

func (s *Session) sendPriorityJSON(v any) {
	s.enqueue(s.priority, outboundFrame{payload: mustJSON(v)})
}

func (s *Session) sendNormalJSON(v any) {
	s.enqueue(s.normal, outboundFrame{payload: mustJSON(v)})
}

func (s *Session) enqueue(ch chan<- outboundFrame, frame outboundFrame) {
	select {
	case ch <- frame:
	case <-s.ctx.Done():
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

var quotaMarkers = []string{"quota", "billing", "resource_exhausted", "resource exhausted", "payment required"}

// isQuotaError reports whether an error message points at account quota or
// billing, which clients must not retry.
func isQuotaError(message string) bool {
	lower := strings.ToLower(message)
	for _, marker := range quotaMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
