package playback

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/casepruis/app.famly-sub001/internal/pcm"
)

// PortAudioOutput plays mono 24kHz PCM on the default output device.
// The process must call portaudio.Initialize before constructing one.
type PortAudioOutput struct {
	mu      sync.Mutex
	stream  *portaudio.Stream
	buf     []int16
	started bool
	// aborted interrupts an in-flight Play between buffer writes.
	aborted atomic.Bool
}

// NewPortAudioOutput opens the default output stream with the given
// per-write buffer size in frames.
func NewPortAudioOutput(framesPerBuffer int) (*PortAudioOutput, error) {
	if framesPerBuffer <= 0 {
		framesPerBuffer = 1024
	}
	o := &PortAudioOutput{buf: make([]int16, framesPerBuffer)}
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(pcm.SampleRate), framesPerBuffer, o.buf)
	if err != nil {
		return nil, err
	}
	o.stream = stream
	return o, nil
}

// Play writes the chunk to the device in buffer-sized slices and returns
// when the last slice has been handed to the driver, or early when Stop
// aborts the stream.
func (o *PortAudioOutput) Play(samples []int16) error {
	o.aborted.Store(false)
	if err := o.ensureStarted(); err != nil {
		return err
	}
	size := len(o.buf)
	for off := 0; off < len(samples); off += size {
		if o.aborted.Load() {
			return nil
		}
		end := off + size
		if end > len(samples) {
			end = len(samples)
		}
		n := copy(o.buf, samples[off:end])
		for i := n; i < size; i++ {
			o.buf[i] = 0
		}
		if err := o.write(); err != nil {
			if o.aborted.Load() {
				return nil
			}
			return err
		}
	}
	return nil
}

// Stop aborts the stream immediately, dropping any driver-buffered audio.
func (o *PortAudioOutput) Stop() {
	o.aborted.Store(true)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started && o.stream != nil {
		_ = o.stream.Abort()
		o.started = false
	}
}

// Close releases the stream.
func (o *PortAudioOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stream == nil {
		return nil
	}
	err := o.stream.Close()
	o.stream = nil
	o.started = false
	return err
}

func (o *PortAudioOutput) ensureStarted() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stream == nil {
		return errors.New("playback: output closed")
	}
	if o.started {
		return nil
	}
	if err := o.stream.Start(); err != nil {
		return err
	}
	o.started = true
	return nil
}

func (o *PortAudioOutput) write() error {
	o.mu.Lock()
	stream := o.stream
	started := o.started
	o.mu.Unlock()
	if stream == nil || !started {
		return errors.New("playback: stream not running")
	}
	return stream.Write()
}
