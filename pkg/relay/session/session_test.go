package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/voxrelay/voxrelay/pkg/relay/gemini"
	"github.com/voxrelay/voxrelay/pkg/relay/protocol"
	"github.com/voxrelay/voxrelay/pkg/relay/workflow"
)

type fakeClientConn struct {
	fakeWS
	inbound chan []byte
}

func (f *fakeClientConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.inbound
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return websocket.TextMessage, data, nil
}

func (f *fakeClientConn) SetReadLimit(int64) {}

type fakeFlow struct {
	mu         sync.Mutex
	failures   int
	config     workflow.SessionConfig
	fetchCalls int
	lastParams url.Values

	routeResult map[string]any
	routeErr    error
	routed      []workflow.FunctionCall

	saved    []protocol.Turn
	notified int
}

func (f *fakeFlow) FetchSessionConfig(_ context.Context, _ string, extra url.Values) (*workflow.SessionConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	f.lastParams = extra
	if f.fetchCalls <= f.failures {
		return nil, fmt.Errorf("engine unavailable (attempt %d)", f.fetchCalls)
	}
	cfg := f.config
	return &cfg, nil
}

func (f *fakeFlow) RouteFunctionCall(_ context.Context, _ string, call workflow.FunctionCall) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routed = append(f.routed, call)
	return f.routeResult, f.routeErr
}

func (f *fakeFlow) SaveTurn(_ context.Context, _ string, turn protocol.Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, turn)
	return nil
}

func (f *fakeFlow) NotifyConnected(context.Context, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified++
}

func (f *fakeFlow) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

func (f *fakeFlow) savedTurns() []protocol.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Turn, len(f.saved))
	copy(out, f.saved)
	return out
}

type toolResult struct {
	id      string
	name    string
	payload map[string]any
}

type fakeModelConn struct {
	mu     sync.Mutex
	events chan gemini.Event
	ops    []string
	audio  [][]byte
	texts  []string
	tools  []toolResult
	closed bool
}

func newFakeModelConn() *fakeModelConn {
	return &fakeModelConn{events: make(chan gemini.Event, 16)}
}

func (c *fakeModelConn) Events() <-chan gemini.Event { return c.events }

func (c *fakeModelConn) SendAudio(pcm []byte, _ int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, "audio")
	c.audio = append(c.audio, append([]byte(nil), pcm...))
	return nil
}

func (c *fakeModelConn) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, "text")
	c.texts = append(c.texts, text)
	return nil
}

func (c *fakeModelConn) SendEndOfStream() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, "eos")
	return nil
}

func (c *fakeModelConn) SendToolResult(id, name string, payload map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = append(c.tools, toolResult{id: id, name: name, payload: payload})
	return nil
}

func (c *fakeModelConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeModelConn) opsSnapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.ops))
	copy(out, c.ops)
	return out
}

func (c *fakeModelConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func sessionConfig() workflow.SessionConfig {
	return workflow.SessionConfig{
		Success:   true,
		SessionID: "sess-abc",
		UserID:    "user-1",
		Config: workflow.ModelConfig{
			Model:  "gemini-2.0-flash-live-001",
			Config: map[string]any{"voiceName": "Puck"},
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sessionFixture struct {
	t          *testing.T
	client     *fakeClientConn
	flow       *fakeFlow
	dialer     *testDialer
	transcoder *fakeTranscoder
	sess       *Session
	done       chan error
	cursor     int
}

type testDialer struct {
	mu     sync.Mutex
	err    error
	conns  []*fakeModelConn
	models []string
}

func (d *testDialer) Dial(_ context.Context, model string, _ *genai.LiveConnectConfig) (gemini.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.models = append(d.models, model)
	if d.err != nil {
		return nil, d.err
	}
	conn := newFakeModelConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *testDialer) conn(i int) *fakeModelConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *testDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.models)
}

type fakeTranscoder struct {
	mu     sync.Mutex
	out    []byte
	err    error
	gate   chan struct{}
	inputs [][]byte
}

func (tc *fakeTranscoder) Transcode(ctx context.Context, in []byte) ([]byte, error) {
	if tc.gate != nil {
		select {
		case <-tc.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.inputs = append(tc.inputs, append([]byte(nil), in...))
	return tc.out, tc.err
}

func (tc *fakeTranscoder) inputCount() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.inputs)
}

func startSession(t *testing.T, flow *fakeFlow, dialer *testDialer, tc *fakeTranscoder, cfg Config) *sessionFixture {
	t.Helper()

	if cfg.InitBackoffStep == 0 {
		cfg.InitBackoffStep = time.Millisecond
	}
	client := &fakeClientConn{inbound: make(chan []byte, 16)}
	sess := New("tok-1234567890", client, cfg, Deps{
		Logger:     discardLogger(),
		Flow:       flow,
		Dialer:     dialer,
		Transcoder: tc,
	})

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(context.Background())
		// Close so both waitDone and the cleanup below can observe completion.
		close(done)
	}()

	f := &sessionFixture{
		t:          t,
		client:     client,
		flow:       flow,
		dialer:     dialer,
		transcoder: tc,
		sess:       sess,
		done:       done,
	}
	t.Cleanup(func() {
		sess.Teardown("test cleanup")
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("session did not stop on teardown")
		}
	})
	return f
}

func (f *sessionFixture) send(raw string) {
	f.client.inbound <- []byte(raw)
}

// nextEvent scans forward through the written frames and returns the first
// event of the wanted type, skipping unrelated ones.
func (f *sessionFixture) nextEvent(wantType string) map[string]any {
	f.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frames := f.client.snapshot()
		for f.cursor < len(frames) {
			raw := frames[f.cursor]
			f.cursor++
			var event map[string]any
			if err := json.Unmarshal(raw, &event); err != nil {
				f.t.Fatalf("bad frame %s: %v", raw, err)
			}
			if event["type"] == wantType {
				return event
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	f.t.Fatalf("timed out waiting for %q event", wantType)
	return nil
}

func (f *sessionFixture) waitDone() {
	f.t.Helper()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		f.t.Fatal("session did not terminate")
	}
}

func (f *sessionFixture) connectModel() *fakeModelConn {
	f.t.Helper()
	f.nextEvent("session_initialized")
	f.send(`{"type":"connect_gemini"}`)
	f.nextEvent("gemini_connected")
	conn := f.dialer.conn(f.dialer.dials() - 1)
	if conn == nil {
		f.t.Fatal("no model connection recorded")
	}
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionInitializeSuccess(t *testing.T) {
	flow := &fakeFlow{config: sessionConfig()}
	f := startSession(t, flow, &testDialer{}, &fakeTranscoder{}, Config{})

	event := f.nextEvent("session_initialized")
	if event["sessionId"] != "sess-abc" {
		t.Fatalf("sessionId=%v, want sess-abc", event["sessionId"])
	}
	if flow.fetchCount() != 1 {
		t.Fatalf("fetchCalls=%d, want 1", flow.fetchCount())
	}
}

func TestSessionInitializeRetriesThenSucceeds(t *testing.T) {
	flow := &fakeFlow{config: sessionConfig(), failures: 2}
	f := startSession(t, flow, &testDialer{}, &fakeTranscoder{}, Config{})

	for i := 0; i < 2; i++ {
		event := f.nextEvent("session_initialization_failed")
		if event["retryable"] != true {
			t.Fatalf("intermediate failure %d retryable=%v, want true", i+1, event["retryable"])
		}
	}

	f.nextEvent("session_initialized")
	if flow.fetchCount() != 3 {
		t.Fatalf("fetchCalls=%d, want 3", flow.fetchCount())
	}
}

func TestSessionInitializeExhaustedTerminates(t *testing.T) {
	flow := &fakeFlow{config: sessionConfig(), failures: 3}
	f := startSession(t, flow, &testDialer{}, &fakeTranscoder{}, Config{})

	f.nextEvent("session_initialization_failed")
	f.nextEvent("session_initialization_failed")
	final := f.nextEvent("session_initialization_failed")
	if final["retryable"] != false {
		t.Fatalf("final failure retryable=%v, want false", final["retryable"])
	}

	f.waitDone()
	if flow.fetchCount() != 3 {
		t.Fatalf("fetchCalls=%d, want 3", flow.fetchCount())
	}
}

func TestSessionConnectAndRelayTurn(t *testing.T) {
	flow := &fakeFlow{config: sessionConfig()}
	dialer := &testDialer{}
	f := startSession(t, flow, dialer, &fakeTranscoder{}, Config{})
	conn := f.connectModel()

	conn.events <- gemini.SetupCompleteEvent{}
	conn.events <- gemini.InputTranscriptionEvent{Text: "what time "}
	conn.events <- gemini.InputTranscriptionEvent{Text: "is it"}
	conn.events <- gemini.OutputTranscriptionEvent{Text: "It is noon."}
	conn.events <- gemini.AudioChunkEvent{Data: []byte{1, 2, 3}, SampleRate: 24000}
	conn.events <- gemini.TurnCompleteEvent{}

	f.nextEvent("gemini_setup_complete")

	partial := f.nextEvent("input_transcription")
	if partial["isFinal"] != false {
		t.Fatalf("first input_transcription isFinal=%v, want false", partial["isFinal"])
	}

	f.nextEvent("output_transcription")

	audio := f.nextEvent("ai_audio_chunk_pcm")
	wantData := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	if audio["audioData"] != wantData {
		t.Fatalf("audioData=%v, want %q", audio["audioData"], wantData)
	}
	if audio["sampleRate"] != float64(24000) {
		t.Fatalf("sampleRate=%v, want 24000", audio["sampleRate"])
	}

	finalInput := f.nextEvent("input_transcription")
	if finalInput["isFinal"] != true || finalInput["text"] != "what time is it" {
		t.Fatalf("final input_transcription=%v", finalInput)
	}

	turnEvent := f.nextEvent("conversation_turn_complete")
	turn, _ := turnEvent["turn"].(map[string]any)
	if turn == nil {
		t.Fatalf("conversation_turn_complete missing turn: %v", turnEvent)
	}
	if turn["turnId"] != float64(1) {
		t.Fatalf("turnId=%v, want 1", turn["turnId"])
	}
	if turn["userMessage"] != "what time is it" || turn["aiResponse"] != "It is noon." {
		t.Fatalf("turn=%v", turn)
	}
	if turn["inputMethod"] != protocol.InputMethodVoice {
		t.Fatalf("inputMethod=%v, want voice", turn["inputMethod"])
	}

	f.nextEvent("turn_complete")

	waitFor(t, "turn persistence", func() bool { return len(flow.savedTurns()) == 1 })
	waitFor(t, "connect notification", func() bool {
		flow.mu.Lock()
		defer flow.mu.Unlock()
		return flow.notified == 1
	})
}

func TestSessionEmptyTurnNotEmitted(t *testing.T) {
	flow := &fakeFlow{config: sessionConfig()}
	f := startSession(t, flow, &testDialer{}, &fakeTranscoder{}, Config{})
	conn := f.connectModel()

	conn.events <- gemini.TurnCompleteEvent{}
	f.nextEvent("turn_complete")

	conn.events <- gemini.OutputTranscriptionEvent{Text: "hello"}
	conn.events <- gemini.TurnCompleteEvent{}

	turnEvent := f.nextEvent("conversation_turn_complete")
	turn, _ := turnEvent["turn"].(map[string]any)
	if turn["turnId"] != float64(1) {
		t.Fatalf("turnId=%v, want 1 (empty turn must not consume an id)", turn["turnId"])
	}
}

func TestSessionConnectWithUserDataRefetches(t *testing.T) {
	flow := &fakeFlow{config: sessionConfig()}
	f := startSession(t, flow, &testDialer{}, &fakeTranscoder{}, Config{})

	f.nextEvent("session_initialized")
	f.send(`{"type":"connect_gemini_with_user_data","userData":{"plan":"pro"}}`)
	f.nextEvent("gemini_connected")

	if flow.fetchCount() != 2 {
		t.Fatalf("fetchCalls=%d, want refetch before dialing", flow.fetchCount())
	}
	flow.mu.Lock()
	params := flow.lastParams
	flow.mu.Unlock()
	if params.Get("plan") != "pro" {
		t.Fatalf("refetch params=%v, want plan=pro", params)
	}
}

func TestSessionConnectWhileActiveRejected(t *testing.T) {
	flow := &fakeFlow{config: sessionConfig()}
	dialer := &testDialer{}
	f := startSession(t, flow, dialer, &fakeTranscoder{}, Config{})
	f.connectModel()

	f.send(`{"type":"connect_gemini"}`)
	event := f.nextEvent("error")
	if event["message"] != "model connection already open" {
		t.Fatalf("message=%v", event["message"])
	}
	if dialer.dials() != 1 {
		t.Fatalf("dials=%d, want 1", dialer.dials())
	}
}

func TestSessionQuotaFailureNotRetryable(t *testing.T) {
	flow := &fakeFlow{config: sessionConfig()}
	dialer := &testDialer{err: errors.New("RESOURCE_EXHAUSTED: quota exceeded for project")}
	f := startSession(t, flow, dialer, &fakeTranscoder{}, Config{})

	f.nextEvent("session_initialized")
	f.send(`{"type":"connect_gemini"}`)

	event := f.nextEvent("gemini_connection_failed")
	if event["retryable"] != false {
		t.Fatalf("retryable=%v, want false for quota errors", event["retryable"])
	}

	// Back in configured state: a later connect attempt dials again.
	dialer.mu.Lock()
	dialer.err = nil
	dialer.mu.Unlock()
	f.send(`{"type":"connect_gemini"}`)
	f.nextEvent("gemini_connected")
}

func TestSessionLegacyAudioFlush(t *testing.T) {
	flow := &fakeFlow{config: sessionConfig()}
	dialer := &testDialer{}
	tc := &fakeTranscoder{out: []byte("pcm-data")}
	f := startSession(t, flow, dialer, tc, Config{})
	conn := f.connectModel()

	chunk1 := base64.StdEncoding.EncodeToString([]byte("webm-1"))
	chunk2 := base64.StdEncoding.EncodeToString([]byte("webm-2"))
	f.send(`{"type":"audio_input","audioData":"` + chunk1 + `"}`)
	f.send(`{"type":"audio_input","audioData":"` + chunk2 + `","isEndOfSpeech":true}`)

	waitFor(t, "audio forwarding", func() bool {
		ops := conn.opsSnapshot()
		return len(ops) == 2 && ops[0] == "audio" && ops[1] == "eos"
	})

	tc.mu.Lock()
	input := tc.inputs[0]
	tc.mu.Unlock()
	if string(input) != "webm-1webm-2" {
		t.Fatalf("transcoder input=%q, want concatenated fragments", input)
	}

	conn.mu.Lock()
	forwarded := conn.audio[0]
	conn.mu.Unlock()
	if string(forwarded) != "pcm-data" {
		t.Fatalf("forwarded audio=%q, want transcoded pcm", forwarded)
	}
}

func TestSessionEmptyUtteranceSendsEndOfStreamOnly(t *testing.T) {
	flow := &fakeFlow{config: sessionConfig()}
	tc := &fakeTranscoder{out: []byte("unused")}
	f := startSession(t, flow, &testDialer{}, tc, Config{})
	conn := f.connectModel()

	f.send(`{"type":"audio_input","isEndOfSpeech":true}`)

	waitFor(t, "end of stream", func() bool {
		ops := conn.opsSnapshot()
		return len(ops) == 1 && ops[0] == "eos"
	})
	if tc.inputCount() != 0 {
		t.Fatal("transcoder should not run for an empty utterance")
	}
}

func TestSessionTranscodeFailureDegradesToEndOfStream(t *testing.T) {
	flow := &fakeFlow{config: sessionConfig()}
	tc := &fakeTranscoder{err: errors.New("ffmpeg exploded")}
	f := startSession(t, flow, &testDialer{}, tc, Config{})
	conn := f.connectModel()

	chunk := base64.StdEncoding.EncodeToString([]byte("bad-audio"))
	f.send(`{"type":"audio_input","audioData":"` + chunk + `","isEndOfSpeech":true}`)

	waitFor(t, "end of stream after failed transcode", func() bool {
		ops := conn.opsSnapshot()
		return len(ops) == 1 && ops[0] == "eos"
	})
}

func TestSessionTextWaitsForInFlightFlush(t *testing.T) {
	flow := &fakeFlow{config: sessionConfig()}
	gate := make(chan struct{})
	tc := &fakeTranscoder{out: []byte("pcm"), gate: gate}
	f := startSession(t, flow, &testDialer{}, tc, Config{})
	conn := f.connectModel()

	chunk := base64.StdEncoding.EncodeToString([]byte("speech"))
	f.send(`{"type":"audio_input","audioData":"` + chunk + `","isEndOfSpeech":true}`)
	f.send(`{"type":"text_input","text":"and also this"}`)

	// Text must not reach the model while the flush is still transcoding.
	time.Sleep(20 * time.Millisecond)
	if ops := conn.opsSnapshot(); len(ops) != 0 {
		t.Fatalf("ops=%v before transcode finished", ops)
	}

	close(gate)
	waitFor(t, "audio then text ordering", func() bool {
		ops := conn.opsSnapshot()
		return len(ops) == 4 &&
			ops[0] == "audio" && ops[1] == "eos" &&
			ops[2] == "text" && ops[3] == "eos"
	})

	conn.mu.Lock()
	text := conn.texts[0]
	conn.mu.Unlock()
	if text != "and also this" {
		t.Fatalf("text=%q", text)
	}
}

func TestSessionPCMInputForwardsDirectly(t *testing.T) {
	flow := &fakeFlow{config: sessionConfig()}
	tc := &fakeTranscoder{}
	f := startSession(t, flow, &testDialer{}, tc, Config{})
	conn := f.connectModel()

	data := base64.StdEncoding.EncodeToString([]byte("raw-pcm"))
	f.send(`{"type":"audio_input_pcm","audioData":"` + data + `","sampleRate":16000}`)

	waitFor(t, "direct pcm forwarding", func() bool {
		ops := conn.opsSnapshot()
		return len(ops) == 1 && ops[0] == "audio"
	})
	if tc.inputCount() != 0 {
		t.Fatal("pcm input should bypass the transcoder")
	}
}

func TestSessionAudioBeforeConnectRejected(t *testing.T) {
	flow := &fakeFlow{config: sessionConfig()}
	f := startSession(t, flow, &testDialer{}, &fakeTranscoder{}, Config{})
	f.nextEvent("session_initialized")

	chunk := base64.StdEncoding.EncodeToString([]byte("early"))
	f.send(`{"type":"audio_input","audioData":"` + chunk + `"}`)

	event := f.nextEvent("error")
	if event["message"] != "model connection is not active" {
		t.Fatalf("message=%v", event["message"])
	}
}

func TestSessionInterruption(t *testing.T) {
	flow := &fakeFlow{config: sessionConfig()}
	f := startSession(t, flow, &testDialer{}, &fakeTranscoder{}, Config{})
	conn := f.connectModel()

	conn.events <- gemini.OutputTranscriptionEvent{Text: "let me tell you about"}
	conn.events <- gemini.InterruptedEvent{}

	f.nextEvent("interrupted")
	turnEvent := f.nextEvent("conversation_turn_complete")
	if turnEvent["interrupted"] != true {
		t.Fatalf("interrupted=%v, want true", turnEvent["interrupted"])
	}
	turn, _ := turnEvent["turn"].(map[string]any)
	if turn["interrupted"] != true {
		t.Fatalf("turn.interrupted=%v, want true", turn["interrupted"])
	}

	if !f.sess.isStaleAudio(0) {
		t.Fatal("audio queued before the interruption should be stale")
	}
	if f.sess.isStaleAudio(1) {
		t.Fatal("audio of the next generation must not be stale")
	}
}

func TestSessionAudioAfterEmptyInterruptedTurnStillPlays(t *testing.T) {
	flow := &fakeFlow{config: sessionConfig()}
	f := startSession(t, flow, &testDialer{}, &fakeTranscoder{}, Config{})
	conn := f.connectModel()

	// Barge-in before any transcript text: the turn is empty, so its id is
	// not consumed, but the suppression must not carry into the next turn.
	conn.events <- gemini.AudioChunkEvent{Data: []byte{9, 9}, SampleRate: 24000}
	conn.events <- gemini.InterruptedEvent{}

	f.nextEvent("interrupted")
	f.nextEvent("turn_complete")

	conn.events <- gemini.OutputTranscriptionEvent{Text: "hello again"}
	conn.events <- gemini.AudioChunkEvent{Data: []byte{1, 2, 3}, SampleRate: 24000}
	conn.events <- gemini.TurnCompleteEvent{}

	// The pre-interrupt chunk may or may not beat the interruption to the
	// wire; the second turn's chunk must arrive either way.
	wantData := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	for {
		audio := f.nextEvent("ai_audio_chunk_pcm")
		if audio["audioData"] == wantData {
			break
		}
	}

	turnEvent := f.nextEvent("conversation_turn_complete")
	turn, _ := turnEvent["turn"].(map[string]any)
	if turn["turnId"] != float64(1) {
		t.Fatalf("turnId=%v, want 1 (empty interrupted turn keeps the id)", turn["turnId"])
	}
}

func TestSessionToolCallRouting(t *testing.T) {
	flow := &fakeFlow{config: sessionConfig(), routeResult: map[string]any{"status": "booked"}}
	f := startSession(t, flow, &testDialer{}, &fakeTranscoder{}, Config{})
	conn := f.connectModel()

	conn.events <- gemini.ToolCallEvent{Calls: []gemini.FunctionCall{{
		ID:   "call-1",
		Name: "book_meeting",
		Args: map[string]any{"when": "tomorrow"},
	}}}

	executing := f.nextEvent("function_executing")
	if executing["functionName"] != "book_meeting" || executing["functionId"] != "call-1" {
		t.Fatalf("function_executing=%v", executing)
	}

	completed := f.nextEvent("function_completed")
	if completed["success"] != true {
		t.Fatalf("success=%v, want true", completed["success"])
	}

	waitFor(t, "tool result", func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.tools) == 1
	})
	conn.mu.Lock()
	result := conn.tools[0]
	conn.mu.Unlock()
	if result.id != "call-1" || result.name != "book_meeting" {
		t.Fatalf("tool result=%+v", result)
	}
	if result.payload["status"] != "booked" {
		t.Fatalf("payload=%v", result.payload)
	}
}

func TestSessionToolCallFailureReportsError(t *testing.T) {
	flow := &fakeFlow{config: sessionConfig(), routeErr: errors.New("webhook returned 500")}
	f := startSession(t, flow, &testDialer{}, &fakeTranscoder{}, Config{})
	conn := f.connectModel()

	conn.events <- gemini.ToolCallEvent{Calls: []gemini.FunctionCall{{ID: "call-2", Name: "lookup"}}}

	f.nextEvent("function_executing")
	completed := f.nextEvent("function_completed")
	if completed["success"] != false {
		t.Fatalf("success=%v, want false", completed["success"])
	}

	waitFor(t, "error tool result", func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.tools) == 1
	})
	conn.mu.Lock()
	payload := conn.tools[0].payload
	conn.mu.Unlock()
	if payload["error"] == nil {
		t.Fatalf("payload=%v, want error field", payload)
	}
}

func TestSessionPingPong(t *testing.T) {
	flow := &fakeFlow{config: sessionConfig()}
	f := startSession(t, flow, &testDialer{}, &fakeTranscoder{}, Config{})
	f.nextEvent("session_initialized")

	f.send(`{"type":"ping","pingId":"p-42"}`)
	pong := f.nextEvent("pong")
	if pong["pingId"] != "p-42" {
		t.Fatalf("pingId=%v, want p-42", pong["pingId"])
	}
	if serverTime, _ := pong["serverTime"].(float64); serverTime <= 0 {
		t.Fatalf("serverTime=%v, want positive epoch millis", pong["serverTime"])
	}
}

func TestSessionClientDisconnectAndReconnect(t *testing.T) {
	flow := &fakeFlow{config: sessionConfig()}
	dialer := &testDialer{}
	f := startSession(t, flow, dialer, &fakeTranscoder{}, Config{})
	conn := f.connectModel()

	f.send(`{"type":"disconnect_gemini"}`)
	event := f.nextEvent("gemini_disconnected")
	if event["retryable"] != true {
		t.Fatalf("retryable=%v, want true", event["retryable"])
	}
	waitFor(t, "model connection close", conn.isClosed)

	f.send(`{"type":"connect_gemini"}`)
	f.nextEvent("gemini_connected")
	if dialer.dials() != 2 {
		t.Fatalf("dials=%d, want 2", dialer.dials())
	}
}

func TestSessionModelClosedReturnsToConfigured(t *testing.T) {
	flow := &fakeFlow{config: sessionConfig()}
	dialer := &testDialer{}
	f := startSession(t, flow, dialer, &fakeTranscoder{}, Config{})
	conn := f.connectModel()

	conn.events <- gemini.ClosedEvent{Err: errors.New("read: connection reset")}
	close(conn.events)

	event := f.nextEvent("gemini_disconnected")
	if event["retryable"] != true {
		t.Fatalf("retryable=%v, want true for transport errors", event["retryable"])
	}

	f.send(`{"type":"connect_gemini"}`)
	f.nextEvent("gemini_connected")
	if dialer.dials() != 2 {
		t.Fatalf("dials=%d, want 2", dialer.dials())
	}
}

func TestSessionClientCloseTearsDown(t *testing.T) {
	flow := &fakeFlow{config: sessionConfig()}
	f := startSession(t, flow, &testDialer{}, &fakeTranscoder{}, Config{})
	conn := f.connectModel()

	close(f.client.inbound)
	f.waitDone()
	waitFor(t, "model connection close", conn.isClosed)
}

func TestSessionTeardownStopsPromptly(t *testing.T) {
	flow := &fakeFlow{config: sessionConfig()}
	f := startSession(t, flow, &testDialer{}, &fakeTranscoder{}, Config{
		PingInterval: time.Hour,
	})
	f.nextEvent("session_initialized")

	start := time.Now()
	f.sess.Teardown("operator request")
	f.waitDone()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("teardown took %v, want well under the ping interval", elapsed)
	}
}

func TestSessionIdleTimeout(t *testing.T) {
	flow := &fakeFlow{config: sessionConfig()}
	f := startSession(t, flow, &testDialer{}, &fakeTranscoder{}, Config{
		IdleTimeout: 50 * time.Millisecond,
	})

	f.nextEvent("session_initialized")
	f.waitDone()
}

func TestSessionMalformedMessageGetsErrorReply(t *testing.T) {
	flow := &fakeFlow{config: sessionConfig()}
	f := startSession(t, flow, &testDialer{}, &fakeTranscoder{}, Config{})
	f.nextEvent("session_initialized")

	f.send(`{"type":"no_such_kind"}`)
	event := f.nextEvent("error")
	if event["message"] == "" {
		t.Fatal("error event should carry a message")
	}
}
