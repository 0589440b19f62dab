package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"google.golang.org/genai"
)

const eventBuffer = 256

// Conn is one live bidirectional model session. Send methods are safe for
// concurrent use; receive-side failures surface as a terminal ClosedEvent on
// Events rather than as send errors.
type Conn interface {
	Events() <-chan Event
	SendAudio(pcm []byte, sampleRate int) error
	SendText(text string) error
	SendEndOfStream() error
	SendToolResult(id, name string, payload map[string]any) error
	Close() error
}

// Dialer opens model sessions.
type Dialer interface {
	Dial(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (Conn, error)
}

// NewDialer builds a Dialer backed by the Gemini API.
func NewDialer(ctx context.Context, apiKey string, outputSampleRate int) (Dialer, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &liveDialer{client: client, outputSampleRate: outputSampleRate}, nil
}

type liveDialer struct {
	client           *genai.Client
	outputSampleRate int
}

func (d *liveDialer) Dial(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (Conn, error) {
	session, err := d.client.Live.Connect(ctx, model, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini connect: %w", err)
	}
	c := &liveConn{
		session:          session,
		events:           make(chan Event, eventBuffer),
		done:             make(chan struct{}),
		outputSampleRate: d.outputSampleRate,
	}
	go c.receiveLoop()
	return c, nil
}

type liveConn struct {
	session          *genai.Session
	events           chan Event
	done             chan struct{}
	outputSampleRate int

	sendMu    sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

func (c *liveConn) Events() <-chan Event { return c.events }

func (c *liveConn) SendAudio(pcm []byte, sampleRate int) error {
	if len(pcm) == 0 {
		return nil
	}
	return c.send(func(s *genai.Session) error {
		return s.SendRealtimeInput(genai.LiveRealtimeInput{
			Media: &genai.Blob{
				Data:     pcm,
				MIMEType: "audio/pcm;rate=" + strconv.Itoa(sampleRate),
			},
		})
	})
}

func (c *liveConn) SendText(text string) error {
	return c.send(func(s *genai.Session) error {
		return s.SendClientContent(genai.LiveClientContentInput{
			Turns: []*genai.Content{{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: text}},
			}},
			TurnComplete: genai.Ptr(true),
		})
	})
}

func (c *liveConn) SendEndOfStream() error {
	return c.send(func(s *genai.Session) error {
		return s.SendRealtimeInput(genai.LiveRealtimeInput{AudioStreamEnd: true})
	})
}

// SendToolResult returns a function response to the model with the interrupt
// scheduling hint so the result preempts the current generation.
func (c *liveConn) SendToolResult(id, name string, payload map[string]any) error {
	return c.send(func(s *genai.Session) error {
		return s.SendToolResponse(genai.LiveToolResponseInput{
			FunctionResponses: []*genai.FunctionResponse{{
				ID:         id,
				Name:       name,
				Response:   payload,
				Scheduling: genai.FunctionResponseSchedulingInterrupt,
			}},
		})
	})
}

func (c *liveConn) send(fn func(*genai.Session) error) error {
	if c.closed.Load() {
		return fmt.Errorf("gemini connection is closed")
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return fn(c.session)
}

func (c *liveConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		err = c.session.Close()
	})
	return err
}

func (c *liveConn) receiveLoop() {
	defer close(c.events)
	for {
		msg, err := c.session.Receive()
		if err != nil {
			if c.closed.Load() {
				c.emit(ClosedEvent{})
				return
			}
			c.emit(ClosedEvent{Err: err})
			return
		}
		for _, event := range TranslateServerMessage(msg, c.outputSampleRate) {
			c.emit(event)
		}
	}
}

// emit delivers one event to the consumer. Audio chunks are droppable when
// the buffer is full; everything else carries session semantics (turn
// boundaries, interruptions, tool calls) and must not be lost, so those block
// until the consumer catches up or the connection is closed.
func (c *liveConn) emit(event Event) {
	if _, droppable := event.(AudioChunkEvent); droppable {
		select {
		case c.events <- event:
		default:
		}
		return
	}
	select {
	case c.events <- event:
	case <-c.done:
	}
}

// TranslateServerMessage maps one model server message to its tagged events,
// in the order the session should process them.
func TranslateServerMessage(msg *genai.LiveServerMessage, outputSampleRate int) []Event {
	if msg == nil {
		return nil
	}
	var events []Event

	if msg.SetupComplete != nil {
		events = append(events, SetupCompleteEvent{})
	}

	if sc := msg.ServerContent; sc != nil {
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			events = append(events, InputTranscriptionEvent{Text: sc.InputTranscription.Text})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			events = append(events, OutputTranscriptionEvent{Text: sc.OutputTranscription.Text})
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					events = append(events, TextDeltaEvent{Text: part.Text})
				}
				if part.InlineData != nil && len(part.InlineData.Data) > 0 {
					events = append(events, AudioChunkEvent{
						Data:       part.InlineData.Data,
						SampleRate: outputSampleRate,
					})
				}
			}
		}
		if sc.Interrupted {
			events = append(events, InterruptedEvent{})
		}
		if sc.TurnComplete {
			events = append(events, TurnCompleteEvent{})
		}
	}

	if tc := msg.ToolCall; tc != nil && len(tc.FunctionCalls) > 0 {
		call := ToolCallEvent{}
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			call.Calls = append(call.Calls, FunctionCall{
				ID:   fc.ID,
				Name: fc.Name,
				Args: fc.Args,
			})
		}
		if len(call.Calls) > 0 {
			events = append(events, call)
		}
	}

	if msg.UsageMetadata != nil {
		if raw, err := json.Marshal(msg.UsageMetadata); err == nil {
			events = append(events, UsageEvent{Usage: raw})
		}
	}

	if msg.GoAway != nil {
		events = append(events, GoAwayEvent{})
	}

	return events
}
