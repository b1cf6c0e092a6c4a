package frames

import (
	"sync/atomic"
	"time"
)

type Codec string

const (
	CodecMulaw Codec = "mulaw"
	CodecPCM16 Codec = "pcm16"
)

const (
	// TelephonyRate is the sample rate shared by every transport and provider.
	TelephonyRate = 8000
	// FrameInterval is the duration of one outbound frame.
	FrameInterval = 20 * time.Millisecond
	// MulawFrameBytes is the payload size of one FrameInterval of µ-law audio.
	MulawFrameBytes = TelephonyRate * int(FrameInterval/time.Millisecond) / 1000
)

// AudioFrame is a timestamped chunk of encoded samples. Frames never outlive
// the transport boundary and are not persisted.
type AudioFrame struct {
	Seq        uint64
	Timestamp  time.Time
	Payload    []byte
	Codec      Codec
	SampleRate int
}

func NewMulawFrame(seq uint64, ts time.Time, payload []byte) AudioFrame {
	return AudioFrame{
		Seq:        seq,
		Timestamp:  ts,
		Payload:    payload,
		Codec:      CodecMulaw,
		SampleRate: TelephonyRate,
	}
}

func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || len(f.Payload) == 0 {
		return 0
	}
	samples := len(f.Payload)
	if f.Codec == CodecPCM16 {
		samples /= 2
	}
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Clone copies the payload so the frame can be retained after the producer
// reuses its buffer.
func (f AudioFrame) Clone() AudioFrame {
	f.Payload = append([]byte(nil), f.Payload...)
	return f
}

// Sequencer hands out monotonically increasing sequence numbers.
type Sequencer struct {
	n atomic.Uint64
}

func (s *Sequencer) Next() uint64 { return s.n.Add(1) }

// Chunk splits an audio buffer into fixed-size frames. The final frame is
// padded with µ-law silence so every frame covers one FrameInterval.
func Chunk(seq *Sequencer, data []byte, size int, now func() time.Time) []AudioFrame {
	if size <= 0 {
		size = MulawFrameBytes
	}
	if now == nil {
		now = time.Now
	}
	out := make([]AudioFrame, 0, len(data)/size+1)
	for len(data) > 0 {
		n := size
		if len(data) < n {
			n = len(data)
		}
		buf := make([]byte, size)
		copy(buf, data[:n])
		for i := n; i < size; i++ {
			buf[i] = MulawSilence
		}
		out = append(out, NewMulawFrame(seq.Next(), now(), buf))
		data = data[n:]
	}
	return out
}

// MulawSilence is the µ-law encoding of a zero sample.
const MulawSilence byte = 0xFF

func Silence(seq *Sequencer, n int) []AudioFrame {
	out := make([]AudioFrame, n)
	for i := range out {
		buf := make([]byte, MulawFrameBytes)
		for j := range buf {
			buf[j] = MulawSilence
		}
		out[i] = NewMulawFrame(seq.Next(), time.Now(), buf)
	}
	return out
}
