package session

import (
	"strings"
	"time"

	"github.com/voxrelay/voxrelay/pkg/relay/protocol"
)

// TurnTracker accumulates one user/AI exchange at a time. Turn ids start at 1
// and are consumed only when a turn is emitted: an empty completion signal
// leaves the reserved id for the next non-empty turn.
type TurnTracker struct {
	nextID      int
	userMessage strings.Builder
	aiResponse  strings.Builder
	inputMethod string
}

func NewTurnTracker() *TurnTracker {
	return &TurnTracker{
		nextID:      1,
		inputMethod: protocol.InputMethodVoice,
	}
}

// CurrentID is the id reserved for the turn in progress.
func (t *TurnTracker) CurrentID() int {
	return t.nextID
}

// AppendUser accumulates a partial input transcription fragment.
func (t *TurnTracker) AppendUser(text string) {
	t.userMessage.WriteString(text)
}

// AppendAI accumulates an output transcription or text fragment.
func (t *TurnTracker) AppendAI(text string) {
	t.aiResponse.WriteString(text)
}

// SetTypedInput records a typed user message, replacing any transcription and
// marking the turn as text input.
func (t *TurnTracker) SetTypedInput(text string) {
	t.userMessage.Reset()
	t.userMessage.WriteString(text)
	t.inputMethod = protocol.InputMethodText
}

func (t *TurnTracker) UserMessage() string {
	return t.userMessage.String()
}

func (t *TurnTracker) AIResponse() string {
	return t.aiResponse.String()
}

// Finalize emits the accumulated turn and resets for the next one. A turn
// with no user message and no AI response is not emitted and its id is not
// consumed.
func (t *TurnTracker) Finalize(interrupted bool, now time.Time) (protocol.Turn, bool) {
	user := strings.TrimSpace(t.userMessage.String())
	ai := strings.TrimSpace(t.aiResponse.String())
	method := t.inputMethod

	t.userMessage.Reset()
	t.aiResponse.Reset()
	t.inputMethod = protocol.InputMethodVoice

	if user == "" && ai == "" {
		return protocol.Turn{}, false
	}

	turn := protocol.Turn{
		TurnID:      t.nextID,
		UserMessage: user,
		InputMethod: method,
		AIResponse:  ai,
		Interrupted: interrupted,
		Timestamp:   now,
	}
	t.nextID++
	return turn, true
}
