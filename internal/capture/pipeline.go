// Package capture acquires raw audio from the input device and hands
// fixed-size encoded frames to the transport for the lifetime of an
// active conversation.
package capture

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/casepruis/app.famly-sub001/internal/pcm"
)

// BlockFrames is the number of samples per captured block.
const BlockFrames = 4096

// Source abstracts the input device. ReadBlock blocks until a full block
// of samples is available or the source is stopped.
type Source interface {
	Start() error
	Stop() error
	ReadBlock() ([]int16, error)
	Close() error
}

// FrameFunc receives one encoded PCM16LE frame per captured block. It must
// not block on network I/O.
type FrameFunc func(frame []byte)

// Pipeline frames microphone audio into blocks and forwards them encoded.
// It is mode-agnostic: push-to-talk and always-on callers differ only in
// when they call Start and Stop.
type Pipeline struct {
	src     Source
	onFrame FrameFunc

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	lastVoice time.Time
	level     float64

	// deliverMu is held while a frame is handed to onFrame. Stop acquires
	// it after signalling the loop, so no frame trails a returned Stop.
	deliverMu sync.Mutex
}

// voiceRMS is the energy threshold above which a block counts as voice.
const voiceRMS = 250.0

// NewPipeline constructs a pipeline over the given source. onFrame is
// invoked synchronously for every captured block.
func NewPipeline(src Source, onFrame FrameFunc) *Pipeline {
	return &Pipeline{src: src, onFrame: onFrame}
}

// Start begins capturing. Device errors are returned to the caller rather
// than thrown; the caller surfaces them to the user. Idempotent while
// running.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	if err := p.src.Start(); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("capture: start input device: %w", err)
	}
	p.running = true
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh
	p.mu.Unlock()

	go p.run(stopCh)
	return nil
}

// Stop disconnects the source and releases the device. Idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()
	if err := p.src.Stop(); err != nil {
		log.Printf("capture: stop input device: %v", err)
	}
	// Wait out any frame delivery already in flight.
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()
}

// Running reports whether the pipeline is actively capturing.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Level returns the RMS energy of the most recent block, for UI metering.
func (p *Pipeline) Level() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// RecentlyDetectedVoice reports whether voice energy was observed within
// the given window.
func (p *Pipeline) RecentlyDetectedVoice(window time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastVoice) <= window
}

func (p *Pipeline) run(stopCh chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		default:
		}
		block, err := p.src.ReadBlock()
		if err != nil {
			select {
			case <-stopCh:
				// Expected: the device read aborted because we stopped it.
			default:
				log.Printf("capture: read error: %v", err)
			}
			return
		}
		rms := pcm.RMS(block)
		p.mu.Lock()
		p.level = rms
		if rms >= voiceRMS {
			p.lastVoice = time.Now()
		}
		running := p.running
		p.mu.Unlock()
		if !running {
			return
		}
		if p.onFrame == nil {
			continue
		}
		p.deliverMu.Lock()
		select {
		case <-stopCh:
			// Stopped between the running check and delivery; the block is
			// stale and must not reach the transport.
			p.deliverMu.Unlock()
			return
		default:
		}
		p.onFrame(pcm.Int16ToBytes(block))
		p.deliverMu.Unlock()
	}
}
