package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/ent0n29/lexivoice/internal/audio"
	"github.com/ent0n29/lexivoice/internal/logging"
	"github.com/ent0n29/lexivoice/internal/playback"
)

// Fetcher downloads backend audio by filename.
type Fetcher interface {
	FetchAudio(ctx context.Context, filename string) ([]byte, string, error)
}

// Sink receives interleaved frames for the sound card. Abort makes a Write
// blocked in the driver return; Close is only called once no Write is in
// progress.
type Sink interface {
	Write(frame []float32) error
	Abort() error
	Close() error
}

// SinkOpener opens an output sink for a clip format.
type SinkOpener func(sampleRate, channels, frames int) (Sink, error)

// Speaker resolves handles to clips, from the clip store for local
// recordings and from the backend otherwise, and plays them.
type Speaker struct {
	fetch Fetcher
	clips *audio.ClipStore
	open  SinkOpener
}

// NewSpeaker uses the default PortAudio output when open is nil.
func NewSpeaker(fetch Fetcher, clips *audio.ClipStore, open SinkOpener) *Speaker {
	if open == nil {
		open = openPortAudioSink
	}
	return &Speaker{fetch: fetch, clips: clips, open: open}
}

func (s *Speaker) Open(ctx context.Context, handle string) (playback.Track, error) {
	clip, err := s.Load(ctx, handle)
	if err != nil {
		return nil, err
	}
	return newSpeakerTrack(clip, s.open), nil
}

// Load fetches and decodes handle without opening an output stream.
func (s *Speaker) Load(ctx context.Context, handle string) (Clip, error) {
	var (
		blob        []byte
		contentType string
	)
	if audio.IsClipHandle(handle) {
		b, ok := s.clips.Get(handle)
		if !ok {
			return Clip{}, fmt.Errorf("clip %s not found", handle)
		}
		blob, contentType = b, "audio/wav"
	} else {
		if s.fetch == nil {
			return Clip{}, fmt.Errorf("no audio source for %s", handle)
		}
		b, ct, err := s.fetch.FetchAudio(ctx, handle)
		if err != nil {
			return Clip{}, err
		}
		blob, contentType = b, ct
	}
	clip, err := Decode(blob, contentType)
	if err != nil {
		return Clip{}, fmt.Errorf("decode %s: %w", handle, err)
	}
	return clip, nil
}

const framesPerWrite = 1024

type speakerTrack struct {
	clip Clip
	open SinkOpener

	// writeMu is held around sink.Write so Close never frees the sink
	// under an in-flight write.
	writeMu sync.Mutex

	mu      sync.Mutex
	sink    Sink
	pos     int
	playing bool
	writing bool
	closed  bool
	done    chan struct{}
}

func newSpeakerTrack(clip Clip, open SinkOpener) *speakerTrack {
	return &speakerTrack{clip: clip, open: open, done: make(chan struct{})}
}

func (t *speakerTrack) Play() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return playback.ErrTrackClosed
	}
	if t.sink == nil {
		sink, err := t.open(t.clip.SampleRate, t.clip.Channels, framesPerWrite)
		if err != nil {
			return fmt.Errorf("open output: %w", err)
		}
		t.sink = sink
	}
	t.playing = true
	if !t.writing {
		t.writing = true
		go t.write(t.done)
	}
	return nil
}

// write feeds the sink until the clip ends, the track pauses, or run is
// replaced.
func (t *speakerTrack) write(run chan struct{}) {
	step := framesPerWrite * t.clip.Channels
	frame := make([]float32, step)
	for {
		t.mu.Lock()
		if t.closed || !t.playing || t.done != run {
			t.writing = false
			t.mu.Unlock()
			return
		}
		if t.pos >= len(t.clip.Samples) {
			t.playing = false
			t.writing = false
			t.pos = 0
			close(run)
			t.done = make(chan struct{})
			t.mu.Unlock()
			return
		}
		n := copy(frame, t.clip.Samples[t.pos:])
		clear(frame[n:])
		t.pos += n
		t.mu.Unlock()

		if err := t.writeFrame(frame); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			t.mu.Lock()
			if !t.closed {
				logging.Warnw("speaker write failed", "error", err)
			}
			t.pos = len(t.clip.Samples)
			t.mu.Unlock()
		}
	}
}

func (t *speakerTrack) writeFrame(frame []float32) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink == nil {
		return playback.ErrTrackClosed
	}
	return sink.Write(frame)
}

func (t *speakerTrack) Pause() {
	t.mu.Lock()
	t.playing = false
	t.mu.Unlock()
}

func (t *speakerTrack) Rewind() {
	t.mu.Lock()
	t.pos = 0
	t.mu.Unlock()
}

func (t *speakerTrack) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.playing = false
	close(t.done)
	sink := t.sink
	t.sink = nil
	t.mu.Unlock()
	if sink == nil {
		return nil
	}
	if err := sink.Abort(); err != nil {
		logging.Debugw("abort output stream", "error", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return sink.Close()
}

func (t *speakerTrack) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

type portAudioSink struct {
	stream *portaudio.Stream
	out    []float32
}

func openPortAudioSink(sampleRate, channels, frames int) (Sink, error) {
	out := make([]float32, frames*channels)
	stream, err := portaudio.OpenDefaultStream(0, channels, float64(sampleRate), frames, out)
	if err != nil {
		return nil, fmt.Errorf("open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start output stream: %w", err)
	}
	return &portAudioSink{stream: stream, out: out}, nil
}

func (s *portAudioSink) Write(frame []float32) error {
	copy(s.out, frame)
	return s.stream.Write()
}

func (s *portAudioSink) Abort() error {
	return s.stream.Abort()
}

func (s *portAudioSink) Close() error {
	return s.stream.Close()
}
