package device

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hajimehoshi/go-mp3"

	"github.com/ent0n29/lexivoice/internal/audio"
)

var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Clip is decoded, interleaved audio ready for an output stream.
type Clip struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Duration of the clip as decoded.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	frames := len(c.Samples) / c.Channels
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// Decode turns a WAV (PCM16) or MP3 blob into samples. The container is
// sniffed from the blob; contentType is only a hint for error messages.
func Decode(blob []byte, contentType string) (Clip, error) {
	switch {
	case len(blob) >= 12 && string(blob[0:4]) == "RIFF":
		return decodeWAV(blob)
	case looksLikeMP3(blob):
		return decodeMP3(blob)
	default:
		return Clip{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, contentType)
	}
}

func decodeWAV(blob []byte) (Clip, error) {
	info, pcm, err := audio.DecodeWAV(blob)
	if err != nil {
		return Clip{}, err
	}
	if info.BitsPerSample != 16 {
		return Clip{}, fmt.Errorf("%w: %d-bit wav", ErrUnsupportedFormat, info.BitsPerSample)
	}
	return Clip{
		Samples:    audio.PCM16LEToFloat32(pcm),
		SampleRate: info.SampleRate,
		Channels:   max(info.Channels, 1),
	}, nil
}

// go-mp3 always yields 16-bit little-endian stereo.
func decodeMP3(blob []byte) (Clip, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(blob))
	if err != nil {
		return Clip{}, fmt.Errorf("decode mp3: %w", err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return Clip{}, fmt.Errorf("decode mp3: %w", err)
	}
	return Clip{
		Samples:    audio.PCM16LEToFloat32(pcm),
		SampleRate: dec.SampleRate(),
		Channels:   2,
	}, nil
}

func looksLikeMP3(blob []byte) bool {
	if len(blob) >= 3 && string(blob[0:3]) == "ID3" {
		return true
	}
	// MPEG frame sync.
	return len(blob) >= 2 && blob[0] == 0xFF && blob[1]&0xE0 == 0xE0
}
