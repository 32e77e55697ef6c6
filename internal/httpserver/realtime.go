package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/casepruis/app.famly-sub001/internal/pcm"
	"github.com/casepruis/app.famly-sub001/internal/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// bargeRMS is the voice-energy level at which inbound audio interrupts an
// in-flight response.
const bargeRMS = 500.0

// audioChunkPacing spaces synthesized response chunks so clients observe
// a streaming response rather than a burst.
const audioChunkPacing = 80 * time.Millisecond

// handleRealtime authenticates the token query parameter, upgrades, sends
// the ready acknowledgement, and serves the conversation loop.
func (s *Server) handleRealtime(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" || (s.opts.AuthToken != "" && token != s.opts.AuthToken) {
		return c.String(http.StatusUnauthorized, "invalid token")
	}
	language := c.QueryParam("language")
	if language == "" {
		language = s.opts.Language
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("httpserver: upgrade realtime socket: %w", err)
	}
	conn := &realtimeConn{ws: ws, opts: s.opts, language: language}
	go conn.serve()
	return nil
}

// realtimeConn is one mock conversation.
type realtimeConn struct {
	ws       *websocket.Conn
	opts     Options
	language string

	// writeMu serializes frames from the reader and the responder.
	writeMu sync.Mutex

	mu         sync.Mutex
	responding bool
	respCtx    context.Context
	cancelResp context.CancelFunc
	heardAudio bool
}

func (c *realtimeConn) serve() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in realtime conn: %v", r)
		}
	}()
	defer c.ws.Close()

	c.send(transport.Event{Type: transport.EventReady})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.stopResponse()
			return
		}
		var ev transport.Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			log.Printf("Dropping malformed client frame: %v", err)
			continue
		}
		switch ev.Type {
		case transport.FrameAudio:
			c.handleAudio(ev.Data)
		case transport.FrameText:
			c.startResponse(ev.Data)
		case transport.FrameCommit:
			c.startResponse(c.takeUtterance())
		case transport.FrameCancel:
			c.stopResponse()
			c.send(transport.Event{Type: transport.EventResponseDone})
		default:
			log.Printf("Ignoring unknown client frame type: %s", ev.Type)
		}
	}
}

// handleAudio watches inbound frames for voice energy. Loud audio during
// an in-flight response barges in: the response is abandoned and the
// client is told to stop playback.
func (c *realtimeConn) handleAudio(data string) {
	raw, err := pcm.DecodeBase64(data)
	if err != nil {
		log.Printf("Dropping malformed audio frame: %v", err)
		return
	}
	c.mu.Lock()
	c.heardAudio = true
	responding := c.responding
	c.mu.Unlock()
	if responding && pcm.RMS(pcm.BytesToInt16(raw)) >= bargeRMS {
		c.stopResponse()
		c.send(transport.Event{Type: transport.EventInterrupt})
	}
}

// takeUtterance resolves what a commit refers to. The mock does not
// transcribe, so a committed audio utterance gets a placeholder.
func (c *realtimeConn) takeUtterance() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.heardAudio {
		return ""
	}
	c.heardAudio = false
	return "(voice utterance)"
}

func (c *realtimeConn) startResponse(utterance string) {
	if utterance == "" {
		return
	}
	c.stopResponse()
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.responding = true
	c.respCtx = ctx
	c.cancelResp = cancel
	c.mu.Unlock()
	go c.respond(ctx, utterance)
}

func (c *realtimeConn) stopResponse() {
	c.mu.Lock()
	cancel := c.cancelResp
	c.responding = false
	c.respCtx = nil
	c.cancelResp = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// finishResponse clears responder state only if it still belongs to the
// given turn, so a finished turn cannot tear down its successor.
func (c *realtimeConn) finishResponse(ctx context.Context) {
	c.mu.Lock()
	if c.respCtx == ctx {
		c.responding = false
		c.respCtx = nil
		c.cancelResp = nil
	}
	c.mu.Unlock()
}

// respond plays out one simulated assistant turn: user transcript,
// thinking, optional function call, reply transcript, streamed audio,
// response_done. It stops silently when cancelled.
func (c *realtimeConn) respond(ctx context.Context, utterance string) {
	defer c.finishResponse(ctx)

	c.send(transport.Event{Type: transport.EventTranscript, Role: transport.RoleUser, Data: utterance})

	if fn := functionFor(utterance); fn != "" {
		c.send(transport.Event{Type: transport.EventThinking, Tool: fn})
		if !c.pace(ctx, audioChunkPacing) {
			return
		}
		c.send(transport.Event{
			Type:   transport.EventFunctionCall,
			Name:   fn,
			Result: &transport.FunctionResult{Success: true},
		})
	} else {
		c.send(transport.Event{Type: transport.EventThinking})
	}

	reply := c.replyText(ctx, utterance)
	if ctx.Err() != nil {
		return
	}
	c.send(transport.Event{Type: transport.EventTranscript, Role: transport.RoleAssistant, Data: reply})

	// Stream a short synthesized voice: a few paced tone chunks.
	for _, freq := range []int{520, 480, 440} {
		if !c.pace(ctx, audioChunkPacing) {
			return
		}
		tone := pcm.SineTone(freq, pcm.SampleRate, 120*time.Millisecond, 0.25)
		c.send(transport.Event{Type: transport.EventAudio, Data: pcm.EncodeBase64(tone)})
	}
	if !c.pace(ctx, audioChunkPacing) {
		return
	}
	c.send(transport.Event{Type: transport.EventResponseDone})
}

// pace sleeps between streamed chunks, reporting false when cancelled.
func (c *realtimeConn) pace(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *realtimeConn) replyText(ctx context.Context, utterance string) string {
	if c.opts.Replier != nil {
		reply, err := c.opts.Replier.Reply(ctx, c.language, utterance)
		if err == nil && reply != "" {
			return reply
		}
		if err != nil && ctx.Err() == nil {
			log.Printf("Replier failed, using canned reply: %v", err)
		}
	}
	return "Okay, done."
}

func (c *realtimeConn) send(ev transport.Event) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(ev); err != nil {
		log.Printf("Error writing realtime frame: %v", err)
	}
}

// functionFor maps an utterance to the organizer function it would
// invoke. Keyword matching is enough for a development mock.
func functionFor(utterance string) string {
	lower := strings.ToLower(utterance)
	switch {
	case strings.Contains(lower, "task"):
		return "create_task"
	case strings.Contains(lower, "event"), strings.Contains(lower, "appointment"):
		return "create_event"
	case strings.Contains(lower, "member"):
		return "add_family_member"
	default:
		return ""
	}
}
