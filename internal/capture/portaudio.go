package capture

import (
	"errors"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/casepruis/app.famly-sub001/internal/pcm"
)

// PortAudioSource reads mono 24kHz blocks from the default input device.
// The process must call portaudio.Initialize before constructing one.
type PortAudioSource struct {
	mu      sync.Mutex
	stream  *portaudio.Stream
	buf     []int16
	started bool
}

// NewPortAudioSource opens the default input stream with BlockFrames
// samples per read.
func NewPortAudioSource() (*PortAudioSource, error) {
	s := &PortAudioSource{buf: make([]int16, BlockFrames)}
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(pcm.SampleRate), BlockFrames, s.buf)
	if err != nil {
		return nil, err
	}
	s.stream = stream
	return s, nil
}

func (s *PortAudioSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return errors.New("capture: source closed")
	}
	if s.started {
		return nil
	}
	if err := s.stream.Start(); err != nil {
		return err
	}
	s.started = true
	return nil
}

func (s *PortAudioSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil || !s.started {
		return nil
	}
	s.started = false
	return s.stream.Abort()
}

// ReadBlock blocks until the device fills one block. The returned slice is
// a copy and safe to retain.
func (s *PortAudioSource) ReadBlock() ([]int16, error) {
	s.mu.Lock()
	stream := s.stream
	started := s.started
	s.mu.Unlock()
	if stream == nil || !started {
		return nil, errors.New("capture: source not started")
	}
	if err := stream.Read(); err != nil {
		return nil, err
	}
	out := make([]int16, len(s.buf))
	copy(out, s.buf)
	return out, nil
}

func (s *PortAudioSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	err := s.stream.Close()
	s.stream = nil
	s.started = false
	return err
}
