package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/casepruis/app.famly-sub001/internal/pcm"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// realtimeStub is a minimal backend: it records the upgrade request,
// sends ready unless told not to, and forwards every client frame.
type realtimeStub struct {
	srv       *httptest.Server
	dials     int32
	skipReady bool
	firstType string // overrides the handshake frame type when set
	frames    chan Event
	conns     chan *websocket.Conn

	mu        sync.Mutex
	lastToken string
	lastLang  string
}

func newRealtimeStub(t *testing.T) *realtimeStub {
	t.Helper()
	s := &realtimeStub{
		frames:    make(chan Event, 64),
		firstType: EventReady,
		conns:     make(chan *websocket.Conn, 4),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.dials, 1)
		s.mu.Lock()
		s.lastToken = r.URL.Query().Get("token")
		s.lastLang = r.URL.Query().Get("language")
		s.mu.Unlock()
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		s.conns <- conn
		if !s.skipReady {
			_ = conn.WriteJSON(Event{Type: s.firstType})
		}
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ev Event
			if err := json.Unmarshal(msg, &ev); err != nil {
				continue
			}
			s.frames <- ev
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *realtimeStub) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *realtimeStub) query() (token, language string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastToken, s.lastLang
}

func (s *realtimeStub) nextFrame(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-s.frames:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for client frame")
		return Event{}
	}
}

func TestOpen_RequiresAuthToken(t *testing.T) {
	stub := newRealtimeStub(t)
	sess := NewSession(stub.wsURL())
	if err := sess.Open("", "en-US"); !errors.Is(err, ErrNoAuthToken) {
		t.Fatalf("expected ErrNoAuthToken, got %v", err)
	}
	if atomic.LoadInt32(&stub.dials) != 0 {
		t.Fatalf("connection attempted despite missing token")
	}
}

func TestOpen_AuthenticatesAndDeliversReady(t *testing.T) {
	stub := newRealtimeStub(t)
	sess := NewSession(stub.wsURL())
	if err := sess.Open("tok-123", "nl-NL"); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Close()

	if token, lang := stub.query(); token != "tok-123" || lang != "nl-NL" {
		t.Fatalf("query params: token=%q language=%q", token, lang)
	}
	select {
	case ev := <-sess.Events():
		if ev.Type != EventReady {
			t.Fatalf("first event %q, want ready", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no ready event delivered")
	}
	if !sess.Connected() {
		t.Fatalf("expected connected session")
	}
}

func TestOpen_IdempotentWhileOpen(t *testing.T) {
	stub := newRealtimeStub(t)
	sess := NewSession(stub.wsURL())
	if err := sess.Open("tok", "en-US"); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Close()
	if err := sess.Open("tok", "en-US"); err != nil {
		t.Fatalf("second open should be a no-op, got %v", err)
	}
	if got := atomic.LoadInt32(&stub.dials); got != 1 {
		t.Fatalf("expected exactly one dial, got %d", got)
	}
}

func TestOpen_TimesOutWithoutReady(t *testing.T) {
	stub := newRealtimeStub(t)
	stub.skipReady = true
	sess := NewSession(stub.wsURL())
	sess.ReadyTimeout = 100 * time.Millisecond
	start := time.Now()
	err := sess.Open("tok", "en-US")
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("open did not respect ready timeout")
	}
	if sess.Connected() {
		t.Fatalf("session must not report connected after failed handshake")
	}
}

func TestOpen_RejectsUnexpectedHandshakeFrame(t *testing.T) {
	stub := newRealtimeStub(t)
	stub.firstType = EventAudio
	sess := NewSession(stub.wsURL())
	if err := sess.Open("tok", "en-US"); err == nil {
		t.Fatalf("expected handshake error for non-ready first frame")
	}
}

func TestOutboundFrames(t *testing.T) {
	stub := newRealtimeStub(t)
	sess := NewSession(stub.wsURL())
	if err := sess.Open("tok", "en-US"); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Close()
	<-sess.Events() // ready

	raw := pcm.Int16ToBytes([]int16{100, -100, 3000})
	sess.SendAudioFrame(raw)
	if ev := stub.nextFrame(t); ev.Type != FrameAudio || ev.Data != pcm.EncodeBase64(raw) {
		t.Fatalf("audio frame: type=%q data=%q", ev.Type, ev.Data)
	}

	if err := sess.SendText("add milk to the list"); err != nil {
		t.Fatalf("send text: %v", err)
	}
	if ev := stub.nextFrame(t); ev.Type != FrameText || ev.Data != "add milk to the list" {
		t.Fatalf("text frame: %+v", ev)
	}

	if err := sess.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if ev := stub.nextFrame(t); ev.Type != FrameCommit {
		t.Fatalf("commit frame: %+v", ev)
	}

	if err := sess.Cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ev := stub.nextFrame(t); ev.Type != FrameCancel {
		t.Fatalf("cancel frame: %+v", ev)
	}
}

func TestCommitFollowsQueuedAudio(t *testing.T) {
	stub := newRealtimeStub(t)
	sess := NewSession(stub.wsURL())
	if err := sess.Open("tok", "en-US"); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Close()
	<-sess.Events() // ready

	// Hold the socket writer so frames pile up in the outbound queue,
	// then commit while audio is still pending.
	sess.writeMu.Lock()
	raw := pcm.Int16ToBytes([]int16{1, -2, 3, -4})
	for i := 0; i < 5; i++ {
		sess.SendAudioFrame(raw)
	}
	if err := sess.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	sess.writeMu.Unlock()

	var types []string
	for i := 0; i < 6; i++ {
		types = append(types, stub.nextFrame(t).Type)
	}
	for i := 0; i < 5; i++ {
		if types[i] != FrameAudio {
			t.Fatalf("wire order %v: frame %d is %q, want audio", types, i, types[i])
		}
	}
	if types[5] != FrameCommit {
		t.Fatalf("wire order %v: commit must follow all queued audio", types)
	}
}

func TestInboundEventDecoding(t *testing.T) {
	stub := newRealtimeStub(t)
	sess := NewSession(stub.wsURL())
	if err := sess.Open("tok", "en-US"); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Close()
	<-sess.Events() // ready

	conn := <-stub.conns
	payloads := []string{
		`{"type":"transcript","role":"user","data":"hello"}`,
		`{"type":"thinking","tool":"create_task"}`,
		`{"type":"function_call","name":"create_task","result":{"success":true,"task_id":"t1"}}`,
		`{"type":"response_done"}`,
	}
	for _, p := range payloads {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(p)); err != nil {
			t.Fatalf("server write: %v", err)
		}
	}

	next := func() Event {
		select {
		case ev := <-sess.Events():
			return ev
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for event")
			return Event{}
		}
	}
	if ev := next(); ev.Type != EventTranscript || ev.Role != RoleUser || ev.Data != "hello" {
		t.Fatalf("transcript event: %+v", ev)
	}
	if ev := next(); ev.Type != EventThinking || ev.Tool != "create_task" {
		t.Fatalf("thinking event: %+v", ev)
	}
	ev := next()
	if ev.Type != EventFunctionCall || ev.Name != "create_task" {
		t.Fatalf("function_call event: %+v", ev)
	}
	if ev.Result == nil || !ev.Result.Success || ev.Result.Fields["task_id"] != "t1" {
		t.Fatalf("function_call result: %+v", ev.Result)
	}
	if ev := next(); ev.Type != EventResponseDone {
		t.Fatalf("response_done event: %+v", ev)
	}
}

func TestNetworkErrorSurfacesAsErrorEvent(t *testing.T) {
	stub := newRealtimeStub(t)
	sess := NewSession(stub.wsURL())
	if err := sess.Open("tok", "en-US"); err != nil {
		t.Fatalf("open: %v", err)
	}
	<-sess.Events() // ready

	conn := <-stub.conns
	_ = conn.Close() // backend drops the connection

	var sawError bool
	deadline := time.After(2 * time.Second)
	for !sawError {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				t.Fatalf("events closed without an error event")
			}
			if ev.Type == EventError {
				sawError = true
			}
		case <-deadline:
			t.Fatalf("no error event after backend close")
		}
	}
	// Channel closes after the terminal error.
	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Fatalf("expected events channel closed after error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("events channel not closed after error")
	}
	if err := sess.SendText("hi"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after disconnect, got %v", err)
	}
}

func TestSendsOnClosedSession(t *testing.T) {
	sess := NewSession("ws://127.0.0.1:0")
	sess.SendAudioFrame([]byte{1, 2}) // must not panic
	if err := sess.SendText("x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := sess.Commit(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := sess.Cancel(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("close on never-opened session: %v", err)
	}
}
