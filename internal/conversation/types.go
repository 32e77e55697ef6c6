package conversation

import (
	"github.com/casepruis/app.famly-sub001/internal/transport"
)

// State is the externally-visible conversation lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateListening
	StateThinking
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Mode selects who delimits utterances.
type Mode int

const (
	// ModeAlwaysOn streams the microphone continuously; the backend's
	// voice-activity detection decides utterance boundaries.
	ModeAlwaysOn Mode = iota
	// ModePushToTalk brackets one utterance per StartListening/StopListening
	// pair; StopListening commits the utterance for processing.
	ModePushToTalk
)

// Transport is the duplex connection to the realtime backend.
type Transport interface {
	Open(authToken, language string) error
	Events() <-chan transport.Event
	SendText(text string) error
	Commit() error
	Cancel() error
	Close() error
}

// Player queues synthesized audio chunks for gap-free playback.
type Player interface {
	Enqueue(chunk string)
	Flush()
	IsPlaying() bool
	// SetOnDrain registers the natural-drain notification.
	SetOnDrain(fn func())
}

// Capture controls the microphone pipeline. Frames flow from capture to
// the transport directly; the session only decides when capture runs.
type Capture interface {
	Start() error
	Stop()
}

// Callbacks are the UI observers. All fields are optional. Transcript
// deltas for the assistant role accumulate; user-role text replaces the
// previous utterance wholesale.
type Callbacks struct {
	OnState        func(State)
	OnTranscript   func(role, text string)
	OnFunctionCall func(name string, result *transport.FunctionResult)
	OnError        func(message string)
}
