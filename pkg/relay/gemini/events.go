package gemini

import "encoding/json"

// Event is one tagged event from the model connection's receive loop.
type Event interface {
	eventType() string
}

type SetupCompleteEvent struct{}

func (SetupCompleteEvent) eventType() string { return "setup_complete" }

// InputTranscriptionEvent carries a partial transcription of the user's
// speech.
type InputTranscriptionEvent struct {
	Text string
}

func (InputTranscriptionEvent) eventType() string { return "input_transcription" }

// OutputTranscriptionEvent carries a transcription fragment of the model's
// spoken output.
type OutputTranscriptionEvent struct {
	Text string
}

func (OutputTranscriptionEvent) eventType() string { return "output_transcription" }

// TextDeltaEvent carries a fragment of the model's text response.
type TextDeltaEvent struct {
	Text string
}

func (TextDeltaEvent) eventType() string { return "text_delta" }

// AudioChunkEvent carries one PCM chunk of the model's spoken output.
type AudioChunkEvent struct {
	Data       []byte
	SampleRate int
}

func (AudioChunkEvent) eventType() string { return "audio_chunk" }

type TurnCompleteEvent struct{}

func (TurnCompleteEvent) eventType() string { return "turn_complete" }

type InterruptedEvent struct{}

func (InterruptedEvent) eventType() string { return "interrupted" }

// FunctionCall is one tool invocation requested by the model.
type FunctionCall struct {
	ID   string
	Name string
	Args map[string]any
}

type ToolCallEvent struct {
	Calls []FunctionCall
}

func (ToolCallEvent) eventType() string { return "tool_call" }

// UsageEvent forwards the model's usage metadata verbatim.
type UsageEvent struct {
	Usage json.RawMessage
}

func (UsageEvent) eventType() string { return "usage" }

// GoAwayEvent signals the server intends to close the connection soon.
type GoAwayEvent struct{}

func (GoAwayEvent) eventType() string { return "go_away" }

// ClosedEvent is the terminal event on the channel. Err is nil on a clean
// remote close.
type ClosedEvent struct {
	Err error
}

func (ClosedEvent) eventType() string { return "closed" }
