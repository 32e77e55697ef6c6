// Package playback serializes synthesized audio chunks into gap-free
// playback on a single output device and supports immediate interruption.
package playback

import (
	"log"
	"sync"

	"github.com/casepruis/app.famly-sub001/internal/pcm"
)

// Output is the audio sink a Queue plays through. Play blocks until the
// chunk has finished sounding or Stop aborts it.
type Output interface {
	Play(samples []int16) error
	// Stop halts the currently-sounding chunk immediately, even mid-sample.
	// It must be safe to call when nothing is playing.
	Stop()
	Close() error
}

// Queue plays base64-encoded PCM16 chunks strictly in arrival order.
// Enqueue starts the playback loop on demand; only one loop runs at a time.
type Queue struct {
	out     Output
	onDrain func()

	mu      sync.Mutex
	chunks  []string
	playing bool
	// gen increments on every Flush so an in-flight loop iteration can tell
	// its chunk was interrupted rather than finished.
	gen uint64
}

// NewQueue constructs a queue over the given output. onDrain, if non-nil,
// fires when the queue empties by playing out naturally (not on Flush).
func NewQueue(out Output, onDrain func()) *Queue {
	return &Queue{out: out, onDrain: onDrain}
}

// SetOnDrain replaces the natural-drain callback, for consumers wired up
// after construction.
func (q *Queue) SetOnDrain(fn func()) {
	q.mu.Lock()
	q.onDrain = fn
	q.mu.Unlock()
}

// Enqueue appends a chunk and starts the playback loop if it is not
// already running.
func (q *Queue) Enqueue(chunk string) {
	q.mu.Lock()
	q.chunks = append(q.chunks, chunk)
	start := !q.playing
	if start {
		q.playing = true
	}
	gen := q.gen
	q.mu.Unlock()
	if start {
		go q.loop(gen)
	}
}

// IsPlaying reports whether the playback loop is actively producing sound.
func (q *Queue) IsPlaying() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Flush drops all queued chunks and force-stops the chunk currently
// sounding. No-op when nothing is queued or playing.
func (q *Queue) Flush() {
	q.mu.Lock()
	q.chunks = nil
	q.gen++
	wasPlaying := q.playing
	q.mu.Unlock()
	if wasPlaying {
		q.out.Stop()
	}
}

// loop drains the queue. gen is the generation the loop last observed; a
// mismatch with q.gen means a Flush intervened, so the drain callback is
// suppressed for this emptying.
func (q *Queue) loop(gen uint64) {
	for {
		q.mu.Lock()
		if len(q.chunks) == 0 {
			q.playing = false
			flushed := q.gen != gen
			drained := q.onDrain
			q.mu.Unlock()
			if !flushed && drained != nil {
				drained()
			}
			return
		}
		chunk := q.chunks[0]
		q.chunks = q.chunks[1:]
		gen = q.gen
		q.mu.Unlock()

		raw, err := pcm.DecodeBase64(chunk)
		if err != nil {
			// Isolated chunk corruption must not end the call.
			log.Printf("playback: skipping malformed chunk: %v", err)
			continue
		}
		if err := q.out.Play(pcm.BytesToInt16(raw)); err != nil {
			log.Printf("playback: output error: %v", err)
		}

		q.mu.Lock()
		flushed := q.gen != gen
		if flushed {
			// Interrupted mid-chunk: the queue was already cleared and the
			// drain callback must not fire for a flush.
			q.playing = len(q.chunks) > 0
			stillPlaying := q.playing
			gen = q.gen
			q.mu.Unlock()
			if !stillPlaying {
				return
			}
			continue
		}
		q.mu.Unlock()
	}
}
