package capture

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/casepruis/app.famly-sub001/internal/pcm"
)

type fakeSource struct {
	mu       sync.Mutex
	blocks   [][]int16
	startErr error
	started  bool
	stopped  chan struct{}
}

func newFakeSource(blocks [][]int16) *fakeSource {
	return &fakeSource{blocks: blocks, stopped: make(chan struct{})}
}

func (f *fakeSource) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		f.started = false
		close(f.stopped)
	}
	return nil
}

func (f *fakeSource) ReadBlock() ([]int16, error) {
	f.mu.Lock()
	if len(f.blocks) > 0 {
		b := f.blocks[0]
		f.blocks = f.blocks[1:]
		f.mu.Unlock()
		return b, nil
	}
	f.mu.Unlock()
	// Block like a real device with no audio until stopped.
	<-f.stopped
	return nil, errors.New("device stopped")
}

func (f *fakeSource) Close() error { return nil }

func block(sample int16) []int16 {
	b := make([]int16, BlockFrames)
	for i := range b {
		b[i] = sample
	}
	return b
}

func TestPipeline_ForwardsEncodedFrames(t *testing.T) {
	src := newFakeSource([][]int16{block(1), block(2)})
	var mu sync.Mutex
	var frames [][]byte
	p := NewPipeline(src, func(frame []byte) {
		mu.Lock()
		frames = append(frames, frame)
		mu.Unlock()
	})
	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(frames)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if len(frames[0]) != BlockFrames*2 {
		t.Fatalf("expected %d bytes per frame, got %d", BlockFrames*2, len(frames[0]))
	}
	if got := pcm.BytesToInt16(frames[1])[0]; got != 2 {
		t.Fatalf("expected second frame sample 2, got %d", got)
	}
}

func TestPipeline_StartFailureSurfacesError(t *testing.T) {
	src := newFakeSource(nil)
	src.startErr = errors.New("permission denied")
	p := NewPipeline(src, nil)
	if err := p.Start(); err == nil {
		t.Fatalf("expected error from device start failure")
	}
	if p.Running() {
		t.Fatalf("pipeline must not report running after failed start")
	}
}

func TestPipeline_StartIdempotentWhileRunning(t *testing.T) {
	src := newFakeSource(nil)
	p := NewPipeline(src, nil)
	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("second start should be a no-op, got %v", err)
	}
	p.Stop()
	p.Stop() // idempotent
	if p.Running() {
		t.Fatalf("expected stopped pipeline")
	}
}

func TestPipeline_NoFramesAfterStop(t *testing.T) {
	blocks := make([][]int16, 64)
	for i := range blocks {
		blocks[i] = block(int16(i))
	}
	src := newFakeSource(blocks)
	var count int32
	p := NewPipeline(src, func([]byte) { atomic.AddInt32(&count, 1) })
	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	p.Stop()
	after := atomic.LoadInt32(&count)
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&count); got != after {
		t.Fatalf("frames emitted after Stop: %d -> %d", after, got)
	}
}

func TestPipeline_StopWaitsForInFlightDelivery(t *testing.T) {
	blocks := make([][]int16, 256)
	for i := range blocks {
		blocks[i] = block(int16(i))
	}
	src := newFakeSource(blocks)
	var count int32
	p := NewPipeline(src, func([]byte) {
		// A slow consumer keeps deliveries in flight while Stop runs.
		time.Sleep(3 * time.Millisecond)
		atomic.AddInt32(&count, 1)
	})
	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&count) == 0 {
		time.Sleep(time.Millisecond)
	}
	p.Stop()
	after := atomic.LoadInt32(&count)
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&count); got != after {
		t.Fatalf("frame delivered after Stop returned: %d -> %d", after, got)
	}
}

func TestPipeline_TracksVoiceActivity(t *testing.T) {
	src := newFakeSource([][]int16{block(8000)})
	p := NewPipeline(src, nil)
	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !p.RecentlyDetectedVoice(time.Second) {
		time.Sleep(2 * time.Millisecond)
	}
	p.Stop()
	if !p.RecentlyDetectedVoice(time.Second) {
		t.Fatalf("expected voice activity recorded for loud block")
	}
	if p.Level() < voiceRMS {
		t.Fatalf("expected level at least %v, got %v", voiceRMS, p.Level())
	}
}
