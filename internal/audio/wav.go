package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

var ErrInvalidWAV = errors.New("invalid wav container")

// WAVInfo describes the fmt/data chunks of a PCM WAV blob.
type WAVInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	DataSize      int
}

// Duration is derived from the header fields alone.
func (i WAVInfo) Duration() time.Duration {
	frameBytes := i.Channels * i.BitsPerSample / 8
	if i.SampleRate <= 0 || frameBytes <= 0 {
		return 0
	}
	frames := i.DataSize / frameBytes
	return time.Duration(frames) * time.Second / time.Duration(i.SampleRate)
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	dataSize := uint32(len(pcm))
	header := struct {
		Riff       [4]byte
		ChunkSize  uint32
		Wave       [4]byte
		Fmt        [4]byte
		FmtSize    uint32
		Format     uint16
		Channels   uint16
		SampleRate uint32
		ByteRate   uint32
		BlockAlign uint16
		Bits       uint16
		Data       [4]byte
		DataSize   uint32
	}{
		Riff:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:  36 + dataSize,
		Wave:       [4]byte{'W', 'A', 'V', 'E'},
		Fmt:        [4]byte{'f', 'm', 't', ' '},
		FmtSize:    16,
		Format:     audioFormat,
		Channels:   numChannels,
		SampleRate: uint32(sampleRate),
		ByteRate:   uint32(sampleRate * numChannels * bitsPerSample / 8),
		BlockAlign: numChannels * bitsPerSample / 8,
		Bits:       bitsPerSample,
		Data:       [4]byte{'d', 'a', 't', 'a'},
		DataSize:   dataSize,
	}

	w := bufio.NewWriter(out)
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// DecodeWAV parses a PCM WAV blob and returns its header info and the raw
// sample bytes of the data chunk. Unknown chunks are skipped.
func DecodeWAV(blob []byte) (WAVInfo, []byte, error) {
	if len(blob) < 12 || string(blob[0:4]) != "RIFF" || string(blob[8:12]) != "WAVE" {
		return WAVInfo{}, nil, ErrInvalidWAV
	}

	var info WAVInfo
	haveFmt := false
	pos := 12
	for pos+8 <= len(blob) {
		id := string(blob[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(blob[pos+4 : pos+8]))
		body := pos + 8
		if size < 0 || body+size > len(blob) {
			// Truncated data chunk: keep what is there.
			if id == "data" && haveFmt {
				info.DataSize = len(blob) - body
				return info, blob[body:], nil
			}
			return WAVInfo{}, nil, fmt.Errorf("%w: chunk %q overruns blob", ErrInvalidWAV, id)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return WAVInfo{}, nil, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			if format := binary.LittleEndian.Uint16(blob[body : body+2]); format != 1 {
				return WAVInfo{}, nil, fmt.Errorf("%w: unsupported format %d", ErrInvalidWAV, format)
			}
			info.Channels = int(binary.LittleEndian.Uint16(blob[body+2 : body+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(blob[body+4 : body+8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(blob[body+14 : body+16]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return WAVInfo{}, nil, fmt.Errorf("%w: data before fmt", ErrInvalidWAV)
			}
			info.DataSize = size
			return info, blob[body : body+size], nil
		}
		pos = body + size + size%2
	}
	return WAVInfo{}, nil, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
}

// WAVDuration loads the blob metadata and returns the playable duration.
func WAVDuration(blob []byte) (time.Duration, error) {
	info, _, err := DecodeWAV(blob)
	if err != nil {
		return 0, err
	}
	return info.Duration(), nil
}

// RoundDuration rounds to a tenth of a second, as shown on audio bubbles.
func RoundDuration(d time.Duration) time.Duration {
	return d.Round(100 * time.Millisecond)
}

// Float32ToPCM16LE converts normalized samples to PCM16LE bytes, clamping to
// [-1, 1].
func Float32ToPCM16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(math.Round(v*32767))))
	}
	return out
}

// PCM16LEToFloat32 converts PCM16LE bytes back to normalized samples.
func PCM16LEToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}
