// Package conversation orchestrates one realtime voice conversation:
// it owns the lifecycle states, reacts to transport events, drives the
// capture and playback components, and exposes the interruption and
// cancellation contract to the UI.
package conversation

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/casepruis/app.famly-sub001/internal/pcm"
	"github.com/casepruis/app.famly-sub001/internal/transport"
)

var (
	// ErrNotActive is returned by operations that require a started session.
	ErrNotActive = errors.New("conversation: session not active")
	// ErrWrongMode is returned by push-to-talk operations on an always-on session.
	ErrWrongMode = errors.New("conversation: operation requires push-to-talk mode")
)

// Thinking-cue cadence: first cue after the initial delay without
// response audio, then repeating until audio starts or the response ends.
const (
	cueInitialDelay = 500 * time.Millisecond
	cueRepeat       = 1500 * time.Millisecond
	cueFreqHz       = 440
	cueDuration     = 180 * time.Millisecond
	cueAmplitude    = 0.2
)

// thinkingCue is the synthesized tone played while the backend works.
func thinkingCue() string {
	return pcm.EncodeBase64(pcm.SineTone(cueFreqHz, pcm.SampleRate, cueDuration, cueAmplitude))
}

// Session is one conversation. It is created idle, started at most once
// at a time, and returns to idle on Stop or on any transport error. A
// stopped session may be started again; that opens a fresh connection.
type Session struct {
	transport Transport
	player    Player
	capture   Capture
	mode      Mode
	cb        Callbacks

	mu       sync.Mutex
	state    State
	active   bool
	cueTimer *time.Timer
	// respAudio marks that response audio began for the current turn, which
	// permanently suppresses the thinking cue for that turn.
	respAudio bool
}

// NewSession wires a session over its collaborators. Callbacks fields may
// be nil.
func NewSession(tr Transport, player Player, cap Capture, mode Mode, cb Callbacks) *Session {
	return &Session{transport: tr, player: player, capture: cap, mode: mode, cb: cb}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Active reports whether the session is started and not torn down.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Start opens the transport and begins the conversation. Idempotent: a
// second Start while active is a no-op and opens no second connection.
// On failure the session returns to idle and the error is surfaced both
// on the error callback and the return value.
func (s *Session) Start(authToken, language string) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = true
	s.respAudio = false
	s.mu.Unlock()

	s.player.SetOnDrain(s.playbackDrained)
	s.setState(StateConnecting)

	if err := s.transport.Open(authToken, language); err != nil {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
		s.setState(StateIdle)
		s.reportError(err.Error())
		return err
	}

	go s.eventLoop(s.transport.Events())
	return nil
}

// Stop ends the conversation: capture stops, playback flushes, the
// transport closes, and the session returns to idle. Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.cancelCueLocked()
	s.mu.Unlock()

	s.capture.Stop()
	s.player.Flush()
	_ = s.transport.Close()
	s.setState(StateIdle)
}

// StartListening begins microphone capture for one push-to-talk utterance.
func (s *Session) StartListening() error {
	if s.mode != ModePushToTalk {
		return ErrWrongMode
	}
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if !active {
		return ErrNotActive
	}
	if err := s.capture.Start(); err != nil {
		s.reportError(err.Error())
		return err
	}
	return nil
}

// StopListening ends the utterance: capture stops so no further frames
// are sent, then the utterance is committed for processing.
func (s *Session) StopListening() error {
	if s.mode != ModePushToTalk {
		return ErrWrongMode
	}
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if !active {
		return ErrNotActive
	}
	s.capture.Stop()
	if err := s.transport.Commit(); err != nil {
		return fmt.Errorf("conversation: commit utterance: %w", err)
	}
	return nil
}

// CancelResponse abandons the in-flight response: local playback stops
// immediately and the backend is asked to stop generating. Whether the
// backend answers with response_done or silence, no further audio plays.
func (s *Session) CancelResponse() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return ErrNotActive
	}
	s.cancelCueLocked()
	s.mu.Unlock()

	s.player.Flush()
	err := s.transport.Cancel()
	s.setState(StateListening)
	return err
}

// SendText sends a typed message over the live conversation.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if !active {
		return ErrNotActive
	}
	return s.transport.SendText(text)
}

func (s *Session) eventLoop(events <-chan transport.Event) {
	for ev := range events {
		s.handle(ev)
	}
}

// handle is the single dispatch point for inbound transport events.
func (s *Session) handle(ev transport.Event) {
	switch ev.Type {
	case transport.EventReady:
		s.handleReady()
	case transport.EventTranscript:
		s.handleTranscript(ev)
	case transport.EventThinking:
		if ev.Tool != "" {
			log.Printf("Assistant invoking tool: %s", ev.Tool)
		}
		s.enterThinking()
	case transport.EventAudio:
		s.handleAudio(ev)
	case transport.EventFunctionCall:
		if s.cb.OnFunctionCall != nil {
			s.cb.OnFunctionCall(ev.Name, ev.Result)
		}
	case transport.EventResponseDone:
		s.handleResponseDone()
	case transport.EventInterrupt:
		s.handleInterrupt()
	case transport.EventError:
		s.fail(ev.Message)
	default:
		log.Printf("Ignoring unknown event type: %s", ev.Type)
	}
}

func (s *Session) handleReady() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.setState(StateListening)

	// Capture starts only once the backend is ready to receive audio. In
	// push-to-talk mode it waits for StartListening instead.
	if s.mode == ModeAlwaysOn {
		if err := s.capture.Start(); err != nil {
			s.fail(err.Error())
		}
	}
}

func (s *Session) handleTranscript(ev transport.Event) {
	if s.cb.OnTranscript != nil {
		s.cb.OnTranscript(ev.Role, ev.Data)
	}
	if ev.Role == transport.RoleUser {
		// A complete user utterance triggers backend processing.
		s.mu.Lock()
		listening := s.active && s.state == StateListening
		s.mu.Unlock()
		if listening {
			s.enterThinking()
		}
	}
}

func (s *Session) enterThinking() {
	s.mu.Lock()
	if !s.active || s.state == StateSpeaking {
		s.mu.Unlock()
		return
	}
	s.respAudio = false
	s.scheduleCueLocked(cueInitialDelay)
	s.mu.Unlock()
	s.setState(StateThinking)
}

func (s *Session) handleAudio(ev transport.Event) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.respAudio = true
	s.cancelCueLocked()
	s.mu.Unlock()

	s.setState(StateSpeaking)
	s.player.Enqueue(ev.Data)
}

func (s *Session) handleResponseDone() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.cancelCueLocked()
	thinking := s.state == StateThinking
	s.mu.Unlock()

	// A response that produced audio ends on playback drain instead.
	if thinking {
		s.setState(StateListening)
	}
}

// handleInterrupt preempts everything: the user spoke over a playing
// response, so playback is flushed before any new audio can be queued.
func (s *Session) handleInterrupt() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.cancelCueLocked()
	s.mu.Unlock()

	s.player.Flush()
	s.setState(StateListening)
}

// playbackDrained fires when queued response audio finishes naturally.
func (s *Session) playbackDrained() {
	s.mu.Lock()
	speaking := s.active && s.state == StateSpeaking
	s.mu.Unlock()
	if speaking {
		s.setState(StateListening)
	}
}

// fail tears the session down after an unrecoverable error. There is no
// automatic reconnection; the user restarts explicitly.
func (s *Session) fail(msg string) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.cancelCueLocked()
	s.mu.Unlock()

	s.capture.Stop()
	s.player.Flush()
	_ = s.transport.Close()
	s.setState(StateIdle)
	s.reportError(msg)
}

// scheduleCueLocked arms the thinking-cue timer if it is not already
// armed. Caller holds mu.
func (s *Session) scheduleCueLocked(d time.Duration) {
	if s.cueTimer != nil {
		return
	}
	s.cueTimer = time.AfterFunc(d, s.cueFired)
}

// cancelCueLocked disarms the cue timer. Caller holds mu.
func (s *Session) cancelCueLocked() {
	if s.cueTimer != nil {
		s.cueTimer.Stop()
		s.cueTimer = nil
	}
}

func (s *Session) cueFired() {
	s.mu.Lock()
	if !s.active || s.state != StateThinking || s.respAudio {
		s.cueTimer = nil
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	// Never cue over audible playback, even leftover audio from the
	// previous turn.
	if s.player.IsPlaying() {
		s.mu.Lock()
		s.cueTimer = nil
		s.mu.Unlock()
		return
	}
	s.player.Enqueue(thinkingCue())

	s.mu.Lock()
	if s.cueTimer != nil {
		s.cueTimer.Reset(cueRepeat)
	}
	s.mu.Unlock()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	cb := s.cb.OnState
	s.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}

func (s *Session) reportError(msg string) {
	if s.cb.OnError != nil {
		s.cb.OnError(msg)
	}
}
