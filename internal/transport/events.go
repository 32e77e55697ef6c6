package transport

import "encoding/json"

// Inbound event kinds.
const (
	EventReady        = "ready"
	EventAudio        = "audio"
	EventTranscript   = "transcript"
	EventThinking     = "thinking"
	EventFunctionCall = "function_call"
	EventResponseDone = "response_done"
	EventInterrupt    = "interrupt"
	EventError        = "error"
)

// Outbound frame kinds.
const (
	FrameAudio  = "audio"
	FrameText   = "text"
	FrameCommit = "commit"
	FrameCancel = "cancel"
)

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Event is one inbound protocol frame. Type is always set; the other
// fields are populated per kind: Data for audio (base64 PCM) and
// transcript text, Role for transcript, Tool for thinking, Name and
// Result for function_call, Message for error.
type Event struct {
	Type    string          `json:"type"`
	Data    string          `json:"data,omitempty"`
	Role    string          `json:"role,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Name    string          `json:"name,omitempty"`
	Result  *FunctionResult `json:"result,omitempty"`
	Message string          `json:"message,omitempty"`
}

// FunctionResult is the result payload of a function_call event. The
// backend attaches arbitrary extra fields next to success; they are kept
// in Fields so the UI can display them.
type FunctionResult struct {
	Success bool
	Fields  map[string]any
}

func (r *FunctionResult) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	if v, ok := m["success"].(bool); ok {
		r.Success = v
	}
	delete(m, "success")
	if len(m) > 0 {
		r.Fields = m
	}
	return nil
}

func (r FunctionResult) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Fields)+1)
	for k, v := range r.Fields {
		m[k] = v
	}
	m["success"] = r.Success
	return json.Marshal(m)
}

// frame is one outbound protocol frame.
type frame struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}
