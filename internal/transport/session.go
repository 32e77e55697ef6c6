// Package transport owns the realtime duplex connection to the speech
// backend: outbound audio and control frames, inbound events decoded
// into a tagged union and delivered on a channel.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/casepruis/app.famly-sub001/internal/pcm"
)

var (
	// ErrNoAuthToken is returned by Open when no auth token is available.
	ErrNoAuthToken = errors.New("transport: no auth token available")
	// ErrClosed is returned by text and control sends on a closed session.
	ErrClosed = errors.New("transport: connection closed")
)

// defaultReadyTimeout is the ceiling on waiting for the backend's ready
// acknowledgement after the socket opens.
const defaultReadyTimeout = 10 * time.Second

// outboundQueueDepth bounds the audio writer queue. The capture callback
// must never block, so a full queue drops the frame.
const outboundQueueDepth = 64

// Session is one duplex connection to the realtime endpoint. A Session
// may be opened, closed, and opened again; each Open yields a fresh
// Events channel that is closed when that connection ends.
type Session struct {
	rawURL string
	dialer *websocket.Dialer

	// ReadyTimeout overrides the ready-acknowledgement ceiling. Set it
	// before Open; zero means the default 10s.
	ReadyTimeout time.Duration

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	stopped   bool
	stopCh    chan struct{}
	// outFrames carries every outbound frame to the single writer
	// goroutine, so wire order matches send order across audio and
	// control frames.
	outFrames chan frame
	events    chan Event

	// writeMu serializes all writes on the socket.
	writeMu sync.Mutex
}

// NewSession creates a session for the given realtime endpoint URL
// (ws:// or wss://). It does not connect.
func NewSession(rawURL string) *Session {
	return &Session{
		rawURL: rawURL,
		dialer: &websocket.Dialer{HandshakeTimeout: defaultReadyTimeout},
	}
}

// Open establishes the connection, authenticating with the token and
// announcing the conversation language as query parameters, and waits
// for the backend's ready acknowledgement. Calling Open while already
// open is a no-op; calling it while a previous connection is mid-teardown
// force-closes the stale one first.
func (s *Session) Open(authToken, language string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}
	if s.conn != nil {
		// Stale connection still tearing down.
		_ = s.conn.Close()
		s.conn = nil
	}
	if authToken == "" {
		return ErrNoAuthToken
	}

	u, err := url.Parse(s.rawURL)
	if err != nil {
		return fmt.Errorf("transport: parse endpoint url: %w", err)
	}
	q := u.Query()
	q.Set("token", authToken)
	q.Set("language", language)
	u.RawQuery = q.Encode()

	conn, resp, err := s.dialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil {
			log.Printf("Realtime connection failed with status: %d", resp.StatusCode)
		}
		return fmt.Errorf("transport: connect: %w", err)
	}

	timeout := s.ReadyTimeout
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	ready, err := awaitReady(conn, timeout)
	if err != nil {
		_ = conn.Close()
		return err
	}

	s.conn = conn
	s.connected = true
	s.stopped = false
	s.stopCh = make(chan struct{})
	s.outFrames = make(chan frame, outboundQueueDepth)
	s.events = make(chan Event, 100)
	s.events <- ready

	go s.readLoop(conn, s.stopCh, s.events)
	go s.writeLoop(conn, s.stopCh, s.outFrames)

	log.Println("Realtime connection established")
	return nil
}

// awaitReady reads the first frame under a deadline and verifies it is
// the ready acknowledgement.
func awaitReady(conn *websocket.Conn, timeout time.Duration) (Event, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Event{}, fmt.Errorf("transport: set handshake deadline: %w", err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return Event{}, fmt.Errorf("transport: ready acknowledgement: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return Event{}, fmt.Errorf("transport: clear handshake deadline: %w", err)
	}
	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		return Event{}, fmt.Errorf("transport: decode handshake frame: %w", err)
	}
	if ev.Type != EventReady {
		return Event{}, fmt.Errorf("transport: expected ready acknowledgement, got %q", ev.Type)
	}
	return ev, nil
}

// Events returns the inbound event channel of the current connection.
// The channel is closed when the connection ends, whether by Close or by
// a network error (which is delivered as a final error event).
func (s *Session) Events() <-chan Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events
}

// Connected reports whether the session currently holds an open connection.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// SendAudioFrame queues one raw PCM16LE frame for transmission. It never
// blocks: a full queue drops the frame with a log line, and sends on a
// closed session are silently ignored so the capture callback cannot
// fail mid-teardown.
func (s *Session) SendAudioFrame(pcmFrame []byte) {
	s.mu.RLock()
	connected := s.connected
	out := s.outFrames
	s.mu.RUnlock()
	if !connected {
		return
	}
	select {
	case out <- frame{Type: FrameAudio, Data: pcm.EncodeBase64(pcmFrame)}:
	default:
		log.Println("Outbound audio queue full, dropping frame")
	}
}

// SendText sends a text frame. Errors on a closed session.
func (s *Session) SendText(text string) error {
	return s.writeControl(frame{Type: FrameText, Data: text})
}

// Commit signals end-of-utterance, triggering backend processing.
func (s *Session) Commit() error {
	return s.writeControl(frame{Type: FrameCommit})
}

// Cancel requests the backend abandon the in-flight response.
func (s *Session) Cancel() error {
	return s.writeControl(frame{Type: FrameCancel})
}

// writeControl queues a control frame behind any pending audio so the
// backend sees frames in send order; a commit can never overtake the
// tail of its own utterance. Write failures surface on the event path.
func (s *Session) writeControl(f frame) error {
	s.mu.RLock()
	connected := s.connected
	out := s.outFrames
	stopCh := s.stopCh
	s.mu.RUnlock()
	if !connected {
		return ErrClosed
	}
	select {
	case out <- f:
		return nil
	case <-stopCh:
		return ErrClosed
	}
}

// Close tears down the connection. Safe to call multiple times.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	_ = s.conn.Close()
	s.conn = nil
	s.connected = false
	log.Println("Realtime connection closed")
	return nil
}

// markDisconnected flips the session closed after a read-path failure so
// subsequent sends error out instead of writing to a dead socket.
func (s *Session) markDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
}

// readLoop decodes inbound frames and delivers them in arrival order.
// It is the sole producer on events and closes the channel on exit.
func (s *Session) readLoop(conn *websocket.Conn, stopCh chan struct{}, events chan Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in readLoop: %v", r)
		}
	}()
	defer close(events)
	for {
		select {
		case <-stopCh:
			return
		default:
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stopCh:
				// Expected: the socket was closed underneath us.
			default:
				s.markDisconnected()
				events <- Event{Type: EventError, Message: fmt.Sprintf("connection lost: %v", err)}
			}
			return
		}
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			log.Printf("Error unmarshaling inbound frame: %v", err)
			continue
		}
		if ev.Type == "" {
			log.Println("Inbound frame missing type field")
			continue
		}
		select {
		case events <- ev:
		case <-stopCh:
			return
		}
	}
}

// writeLoop is the only writer of data frames, draining the outbound
// queue in order so capture hand-off stays non-blocking. Write failures
// are surfaced by the read path.
func (s *Session) writeLoop(conn *websocket.Conn, stopCh chan struct{}, outFrames chan frame) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in writeLoop: %v", r)
		}
	}()
	for {
		select {
		case <-stopCh:
			return
		case f := <-outFrames:
			s.writeMu.Lock()
			err := conn.WriteJSON(f)
			s.writeMu.Unlock()
			if err != nil {
				log.Printf("Error sending %s frame: %v", f.Type, err)
				s.markDisconnected()
				return
			}
		}
	}
}
