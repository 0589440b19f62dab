package gemini

import (
	"strings"

	"google.golang.org/genai"
)

// Family selects the per-model-family connection preset.
type Family string

const (
	// FamilyHalfCascade covers the older half-cascade audio models.
	FamilyHalfCascade Family = "half-cascade"
	// FamilyNativeAudio covers the native-audio dialog models.
	FamilyNativeAudio Family = "native-audio"
)

// Classify maps a model name to its family. Names carrying a "2.0" marker are
// half-cascade; everything else is treated as native audio.
func Classify(model string) Family {
	if strings.Contains(model, "2.0") {
		return FamilyHalfCascade
	}
	return FamilyNativeAudio
}

// preset is a family's default connection settings, overridable per session.
type preset struct {
	voiceName               string
	startSensitivity        genai.StartSensitivity
	endSensitivity          genai.EndSensitivity
	compressionTriggerToken int64
	compressionTargetTokens int64
}

var presets = map[Family]preset{
	FamilyHalfCascade: {
		voiceName:               "Aoede",
		startSensitivity:        genai.StartSensitivityHigh,
		endSensitivity:          genai.EndSensitivityHigh,
		compressionTriggerToken: 25600,
		compressionTargetTokens: 12800,
	},
	FamilyNativeAudio: {
		voiceName:               "Leda",
		startSensitivity:        genai.StartSensitivityHigh,
		endSensitivity:          genai.EndSensitivityLow,
		compressionTriggerToken: 25600,
		compressionTargetTokens: 12800,
	},
}

// ExternalConfig is the per-session configuration supplied by the workflow
// engine, decoded from its free-form JSON.
type ExternalConfig struct {
	SystemInstruction string
	VoiceName         string
	Tools             []*genai.Tool
	AffectiveDialog   bool
	ProactiveAudio    bool
}

// ParseExternalConfig extracts the recognized fields from the engine's
// free-form config object. Unknown keys are ignored.
func ParseExternalConfig(raw map[string]any) ExternalConfig {
	var ext ExternalConfig
	if raw == nil {
		return ext
	}
	if s, ok := raw["systemInstruction"].(string); ok {
		ext.SystemInstruction = strings.TrimSpace(s)
	}
	if s, ok := raw["voiceName"].(string); ok {
		ext.VoiceName = strings.TrimSpace(s)
	}
	if b, ok := raw["enableAffectiveDialog"].(bool); ok {
		ext.AffectiveDialog = b
	}
	if b, ok := raw["proactiveAudio"].(bool); ok {
		ext.ProactiveAudio = b
	}
	ext.Tools = NormalizeTools(raw["tools"])
	return ext
}

// NormalizeTools accepts the engine's tools value in either shape — a list of
// tool objects or a single keyed object — and produces an ordered tool list:
// the search capability first, then one combined function-declaration tool.
func NormalizeTools(raw any) []*genai.Tool {
	var entries []map[string]any
	switch v := raw.(type) {
	case []any:
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				entries = append(entries, m)
			}
		}
	case map[string]any:
		entries = append(entries, v)
	default:
		return nil
	}

	var searchTool *genai.Tool
	var declarations []*genai.FunctionDeclaration

	for _, entry := range entries {
		if _, ok := entry["googleSearch"]; ok {
			searchTool = &genai.Tool{GoogleSearch: &genai.GoogleSearch{}}
		}
		if _, ok := entry["google_search"]; ok {
			searchTool = &genai.Tool{GoogleSearch: &genai.GoogleSearch{}}
		}
		for _, key := range []string{"functionDeclarations", "function_declarations"} {
			list, ok := entry[key].([]any)
			if !ok {
				continue
			}
			for _, item := range list {
				decl, ok := item.(map[string]any)
				if !ok {
					continue
				}
				name, _ := decl["name"].(string)
				if strings.TrimSpace(name) == "" {
					continue
				}
				fd := &genai.FunctionDeclaration{Name: strings.TrimSpace(name)}
				if desc, ok := decl["description"].(string); ok {
					fd.Description = desc
				}
				if params, ok := decl["parameters"]; ok {
					fd.ParametersJsonSchema = params
				}
				declarations = append(declarations, fd)
			}
		}
	}

	var tools []*genai.Tool
	if searchTool != nil {
		tools = append(tools, searchTool)
	}
	if len(declarations) > 0 {
		tools = append(tools, &genai.Tool{FunctionDeclarations: declarations})
	}
	return tools
}

// HasFunctionDeclarations reports whether any tool carries function
// declarations.
func HasFunctionDeclarations(tools []*genai.Tool) bool {
	for _, tool := range tools {
		if tool != nil && len(tool.FunctionDeclarations) > 0 {
			return true
		}
	}
	return false
}

// BuildConnectConfig layers the external per-session configuration over the
// family preset. Affective dialog and proactive audio are both forced off
// when function declarations are present; the two features are incompatible
// with tool use on the native-audio family.
func BuildConnectConfig(family Family, ext ExternalConfig) *genai.LiveConnectConfig {
	p := presets[family]

	voice := p.voiceName
	if ext.VoiceName != "" {
		voice = ext.VoiceName
	}

	cfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
		RealtimeInputConfig: &genai.RealtimeInputConfig{
			AutomaticActivityDetection: &genai.AutomaticActivityDetection{
				StartOfSpeechSensitivity: p.startSensitivity,
				EndOfSpeechSensitivity:   p.endSensitivity,
			},
		},
		ContextWindowCompression: &genai.ContextWindowCompressionConfig{
			TriggerTokens: genai.Ptr[int64](p.compressionTriggerToken),
			SlidingWindow: &genai.SlidingWindow{
				TargetTokens: genai.Ptr[int64](p.compressionTargetTokens),
			},
		},
	}

	if ext.SystemInstruction != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: ext.SystemInstruction}},
		}
	}
	cfg.Tools = ext.Tools

	affective := ext.AffectiveDialog
	proactive := ext.ProactiveAudio
	if HasFunctionDeclarations(ext.Tools) {
		affective = false
		proactive = false
	}
	if affective {
		cfg.EnableAffectiveDialog = genai.Ptr(true)
	}
	if proactive {
		cfg.Proactivity = &genai.ProactivityConfig{ProactiveAudio: genai.Ptr(true)}
	}

	return cfg
}
