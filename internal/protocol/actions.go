package protocol

import (
	"encoding/json"
	"strings"
)

// Action is one structured step in an action response. Parameters are
// opaque to the broker; only Type is validated.
type Action struct {
	Type       string         `json:"actionType"`
	Parameters map[string]any `json:"parameters"`
	Duration   float64        `json:"duration"`
	Delay      float64        `json:"delay"`
	Priority   int            `json:"priority"`
}

// ActionResponse is published on <ns>/assistant_response/<sessionId> for
// action requests.
type ActionResponse struct {
	RequestID string   `json:"requestId"`
	NPCID     string   `json:"npcId,omitempty"`
	Success   bool     `json:"success"`
	Error     string   `json:"error"`
	Actions   []Action `json:"actions"`
	Reasoning string   `json:"reasoning"`
}

// allowedActionTypes is the fixed allow-list; actions of any other type
// are dropped from the model output.
var allowedActionTypes = map[string]bool{
	"move":       true,
	"dance":      true,
	"emotion":    true,
	"speak":      true,
	"gesture":    true,
	"animation":  true,
	"hint":       true,
	"path":       true,
	"break_wall": true,
}

const fallbackTranscriptLimit = 100

type rawActionOutput struct {
	Actions   []Action `json:"actions"`
	Reasoning string   `json:"reasoning"`
}

// ParseActionOutput turns raw model text into validated actions. Markdown
// fences are stripped before parsing. When the model emits unparseable
// JSON the result degrades to a single speak action carrying a truncated
// transcript rather than failing the request.
func ParseActionOutput(modelText string) ([]Action, string) {
	text := strings.TrimSpace(modelText)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var parsed rawActionOutput
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return []Action{fallbackSpeakAction(modelText)}, "generated fallback speak action due to parsing error"
	}

	actions := make([]Action, 0, len(parsed.Actions))
	for _, a := range parsed.Actions {
		if !allowedActionTypes[a.Type] {
			continue
		}
		if a.Parameters == nil {
			a.Parameters = map[string]any{}
		}
		if a.Duration <= 0 {
			a.Duration = 1.0
		}
		actions = append(actions, a)
	}

	reasoning := parsed.Reasoning
	if reasoning == "" {
		reasoning = "action generated successfully"
	}
	return actions, reasoning
}

func fallbackSpeakAction(modelText string) Action {
	text := strings.TrimSpace(modelText)
	if len(text) > fallbackTranscriptLimit {
		text = text[:fallbackTranscriptLimit]
	}
	return Action{
		Type:       "speak",
		Parameters: map[string]any{"text": text, "volume": 0.7},
		Duration:   2.0,
		Priority:   1,
	}
}
