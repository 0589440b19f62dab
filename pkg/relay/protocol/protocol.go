package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MinTokenLength is the minimum accepted length for the opaque session token
// carried in the `session` query parameter.
const MinTokenLength = 10

const (
	InputMethodVoice = "voice"
	InputMethodText  = "text"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// Turn is one finalized user/AI exchange as delivered to the client and the
// persistence collaborator.
type Turn struct {
	TurnID      int       `json:"turnId"`
	UserMessage string    `json:"userMessage"`
	InputMethod string    `json:"inputMethod"`
	AIResponse  string    `json:"aiResponse"`
	Interrupted bool      `json:"interrupted"`
	Timestamp   time.Time `json:"timestamp"`
}

// Client -> server messages.

type ClientConnect struct {
	Type string `json:"type"`
}

type ClientConnectWithUserData struct {
	Type     string         `json:"type"`
	UserData map[string]any `json:"userData,omitempty"`
}

type ClientAudioInput struct {
	Type          string `json:"type"`
	AudioData     string `json:"audioData"`
	IsEndOfSpeech bool   `json:"isEndOfSpeech"`
}

type ClientAudioInputPCM struct {
	Type       string `json:"type"`
	AudioData  string `json:"audioData"`
	SampleRate int    `json:"sampleRate,omitempty"`
}

type ClientTextInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ClientUserInfoUpdate struct {
	Type     string         `json:"type"`
	UserData map[string]any `json:"userData"`
}

type ClientDisconnect struct {
	Type string `json:"type"`
}

type ClientPing struct {
	Type   string `json:"type"`
	PingID string `json:"pingId,omitempty"`
}

type ClientConversationPaused struct {
	Type     string         `json:"type"`
	UserData map[string]any `json:"userData,omitempty"`
}

type ClientConversationResumed struct {
	Type     string         `json:"type"`
	UserData map[string]any `json:"userData,omitempty"`
}

// DecodeClientMessage parses one JSON text frame from the client into its
// typed message, validating required fields. Unknown or malformed frames
// yield a *DecodeError so the session can reply without tearing down.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "connect_gemini":
		var msg ClientConnect
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid connect_gemini frame", "")
		}
		return msg, nil
	case "connect_gemini_with_user_data":
		var msg ClientConnectWithUserData
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid connect_gemini_with_user_data frame", "")
		}
		return msg, nil
	case "audio_input":
		var msg ClientAudioInput
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_input frame", "")
		}
		if strings.TrimSpace(msg.AudioData) == "" && !msg.IsEndOfSpeech {
			return nil, badRequest("audio_input.audioData is required", "audioData")
		}
		return msg, nil
	case "audio_input_pcm":
		var msg ClientAudioInputPCM
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_input_pcm frame", "")
		}
		if strings.TrimSpace(msg.AudioData) == "" {
			return nil, badRequest("audio_input_pcm.audioData is required", "audioData")
		}
		if msg.SampleRate < 0 {
			return nil, badRequest("audio_input_pcm.sampleRate must be >= 0", "sampleRate")
		}
		return msg, nil
	case "text_input":
		var msg ClientTextInput
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text_input frame", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("text_input.text is required", "text")
		}
		return msg, nil
	case "user_info_update":
		var msg ClientUserInfoUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid user_info_update frame", "")
		}
		if len(msg.UserData) == 0 {
			return nil, badRequest("user_info_update.userData is required", "userData")
		}
		return msg, nil
	case "disconnect_gemini":
		var msg ClientDisconnect
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid disconnect_gemini frame", "")
		}
		return msg, nil
	case "ping":
		var msg ClientPing
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid ping frame", "")
		}
		return msg, nil
	case "conversation_paused":
		var msg ClientConversationPaused
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid conversation_paused frame", "")
		}
		return msg, nil
	case "conversation_resumed":
		var msg ClientConversationResumed
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid conversation_resumed frame", "")
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported message type", "type")
	}
}

// Server -> client events.

type ServerSessionInitialized struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
}

type ServerSessionInitFailed struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type ServerGeminiConnected struct {
	Type string `json:"type"`
}

type ServerGeminiConnectionFailed struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type ServerGeminiDisconnected struct {
	Type      string `json:"type"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

type ServerSetupComplete struct {
	Type string `json:"type"`
}

type ServerInputTranscription struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
}

type ServerOutputTranscription struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ServerTextResponse struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ServerAudioChunkPCM struct {
	Type       string `json:"type"`
	AudioData  string `json:"audioData"`
	SampleRate int    `json:"sampleRate"`
}

type ServerTurnComplete struct {
	Type string `json:"type"`
}

type ServerConversationTurnComplete struct {
	Type        string `json:"type"`
	Turn        Turn   `json:"turn"`
	Interrupted bool   `json:"interrupted,omitempty"`
}

type ServerInterrupted struct {
	Type string `json:"type"`
}

type ServerFunctionExecuting struct {
	Type         string `json:"type"`
	FunctionName string `json:"functionName"`
	FunctionID   string `json:"functionId"`
}

type ServerFunctionCompleted struct {
	Type         string `json:"type"`
	FunctionName string `json:"functionName"`
	FunctionID   string `json:"functionId"`
	Success      bool   `json:"success"`
}

type ServerErrorEvent struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

type ServerPong struct {
	Type       string `json:"type"`
	PingID     string `json:"pingId,omitempty"`
	ServerTime int64  `json:"serverTime"`
}

type ServerHealthCheck struct {
	Type string `json:"type"`
}

type ServerUsageMetadata struct {
	Type  string          `json:"type"`
	Usage json.RawMessage `json:"usage,omitempty"`
}
