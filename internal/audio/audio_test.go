package audio

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestRMSZeroBuffers(t *testing.T) {
	for _, n := range []int{0, 1, 128, 4096} {
		if got := RMS(make([]float32, n)); got != 0 {
			t.Fatalf("RMS(zeros[%d]) = %v, want 0", n, got)
		}
		if got := RMSPCM16(make([]int16, n)); got != 0 {
			t.Fatalf("RMSPCM16(zeros[%d]) = %v, want 0", n, got)
		}
	}
}

func TestRMSKnownSignals(t *testing.T) {
	if got := RMS([]float32{0.5, -0.5, 0.5, -0.5}); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("RMS(square 0.5) = %v, want 0.5", got)
	}
	if got := RMS([]float32{1, 0}); math.Abs(got-math.Sqrt(0.5)) > 1e-9 {
		t.Fatalf("RMS([1 0]) = %v, want %v", got, math.Sqrt(0.5))
	}
	if got := RMSPCM16([]int16{-32768, -32768}); math.Abs(got-1) > 1e-9 {
		t.Fatalf("RMSPCM16(full scale) = %v, want 1", got)
	}
}

func TestEncodeDecodeWAVHeader(t *testing.T) {
	pcm := Float32ToPCM16LE(make([]float32, 16000*2))
	blob, err := EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	if len(blob) != 44+len(pcm) {
		t.Fatalf("len(blob) = %d, want %d", len(blob), 44+len(pcm))
	}

	info, data, err := DecodeWAV(blob)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if info.SampleRate != 16000 || info.Channels != 1 || info.BitsPerSample != 16 {
		t.Fatalf("info = %+v, want 16000Hz mono 16-bit", info)
	}
	if len(data) != len(pcm) {
		t.Fatalf("len(data) = %d, want %d", len(data), len(pcm))
	}

	d, err := WAVDuration(blob)
	if err != nil {
		t.Fatalf("WAVDuration() error = %v", err)
	}
	if d != 2*time.Second {
		t.Fatalf("WAVDuration() = %v, want 2s", d)
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	_, _, err := DecodeWAV([]byte("definitely not audio"))
	if !errors.Is(err, ErrInvalidWAV) {
		t.Fatalf("DecodeWAV() error = %v, want ErrInvalidWAV", err)
	}
}

func TestFloat32ToPCM16Clamps(t *testing.T) {
	got := PCM16LEToFloat32(Float32ToPCM16LE([]float32{2, -2, 0}))
	if got[0] < 0.99 || got[1] > -0.99 || got[2] != 0 {
		t.Fatalf("round trip = %v, want clamped [~1 ~-1 0]", got)
	}
}

func TestRoundDuration(t *testing.T) {
	if got := RoundDuration(2340 * time.Millisecond); got != 2300*time.Millisecond {
		t.Fatalf("RoundDuration(2.34s) = %v, want 2.3s", got)
	}
	if got := RoundDuration(2350 * time.Millisecond); got != 2400*time.Millisecond {
		t.Fatalf("RoundDuration(2.35s) = %v, want 2.4s", got)
	}
}

func TestClipStore(t *testing.T) {
	s := NewClipStore()
	blob := []byte{1, 2, 3}
	h := s.Put(blob)
	if !IsClipHandle(h) {
		t.Fatalf("handle %q missing clip prefix", h)
	}
	blob[0] = 9
	got, ok := s.Get(h)
	if !ok || got[0] != 1 {
		t.Fatalf("Get() = %v, %v, want stored copy", got, ok)
	}
	s.Delete(h)
	if _, ok := s.Get(h); ok {
		t.Fatalf("Get() after Delete ok = true")
	}
	if IsClipHandle("reply.mp3") {
		t.Fatalf("IsClipHandle(reply.mp3) = true")
	}
}
