// Package pcm converts between the float sample representation used by
// audio devices and the 16-bit little-endian PCM the realtime wire
// protocol carries, plus the base64 framing used for text-safe transport.
package pcm

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// SampleRate is the mono sample rate used on both the capture and the
// playback path.
const SampleRate = 24000

// FloatToPCM16 scales float samples in [-1, 1] to signed 16-bit PCM,
// little-endian. Samples outside the range are clamped.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		var v int16
		if f < 0 {
			v = int16(f * 32768)
		} else {
			v = int16(f * 32767)
		}
		binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(v))
	}
	return out
}

// PCM16ToFloat is the inverse of FloatToPCM16. Negative samples divide by
// 32768 and positive by 32767 so both ends of the range map back to ±1.
func PCM16ToFloat(b []byte) []float32 {
	n := len(b) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(b[i*2 : i*2+2]))
		if v < 0 {
			out[i] = float32(v) / 32768
		} else {
			out[i] = float32(v) / 32767
		}
	}
	return out
}

// EncodeBase64 encodes raw PCM bytes for a JSON frame.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBase64 decodes a frame payload. Malformed input is an error, not
// an empty buffer.
func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	return b, nil
}

// Int16ToBytes packs samples as PCM16LE.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(s))
	}
	return out
}

// BytesToInt16 unpacks PCM16LE. A trailing odd byte is ignored.
func BytesToInt16(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2 : i*2+2]))
	}
	return out
}

// RMS returns the root-mean-square energy of a PCM block. Used for the
// mic level display and voice-activity tracking.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// SineTone synthesizes a mono PCM16LE tone. The conversation layer plays it
// as the audible "still thinking" cue while waiting on response audio.
func SineTone(freqHz int, sampleRateHz int, d time.Duration, amp float64) []byte {
	if freqHz <= 0 || sampleRateHz <= 0 || d <= 0 {
		return nil
	}
	if amp <= 0 || amp > 1 {
		amp = 0.2
	}
	samples := int(float64(sampleRateHz) * d.Seconds())
	if samples <= 0 {
		samples = 1
	}
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		t := float64(i) / float64(sampleRateHz)
		v := amp * math.Sin(2*math.Pi*float64(freqHz)*t)
		binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(int16(v*32767)))
	}
	return out
}
