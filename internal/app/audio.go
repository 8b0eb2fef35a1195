package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ent0n29/lexivoice/internal/audio"
	"github.com/ent0n29/lexivoice/internal/capture"
	"github.com/ent0n29/lexivoice/internal/config"
	"github.com/ent0n29/lexivoice/internal/device"
	"github.com/ent0n29/lexivoice/internal/logging"
	"github.com/ent0n29/lexivoice/internal/playback"
)

type audioSetup struct {
	mic      capture.Device
	player   playback.Player
	resolved string
	detail   string
	cleanup  func() error
}

// resolveAudio picks the microphone and speaker implementations. "auto"
// prefers portaudio and falls back to the headless mock pair.
func resolveAudio(cfg config.Config, fetch device.Fetcher, clips *audio.ClipStore) (audioSetup, error) {
	speaker := device.NewSpeaker(fetch, clips, nil)

	tryPortAudio := func() (audioSetup, error) {
		terminate, err := device.Initialize()
		if err != nil {
			return audioSetup{}, err
		}
		return audioSetup{
			mic:      device.Microphone{},
			player:   speaker,
			resolved: "portaudio",
			detail:   "portaudio default input and output devices",
			cleanup: func() error {
				terminate()
				return nil
			},
		}, nil
	}

	mock := audioSetup{
		mic: &capture.MockDevice{Signal: capture.SpeechThenSilence(2 * time.Second)},
		player: playback.NullPlayer{Duration: func(handle string) time.Duration {
			// Headless tracks last as long as the real audio would.
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			clip, err := speaker.Load(ctx, handle)
			if err != nil {
				logging.Debugw("mock playback length unknown", "handle", handle, "error", err)
				return 0
			}
			return clip.Duration()
		}},
		resolved: "mock",
		detail:   "synthetic microphone and silent playback",
	}

	switch cfg.AudioDevice {
	case "portaudio":
		setup, err := tryPortAudio()
		if err != nil {
			return audioSetup{}, fmt.Errorf("portaudio audio device init failed: %w", err)
		}
		return setup, nil
	case "mock":
		return mock, nil
	case "auto", "":
		setup, err := tryPortAudio()
		if err != nil {
			logging.Warnw("portaudio unavailable, using mock audio", "error", err)
			mock.detail = "synthetic microphone and silent playback (portaudio unavailable)"
			return mock, nil
		}
		return setup, nil
	default:
		return audioSetup{}, fmt.Errorf("invalid AUDIO_DEVICE: %q (expected auto|portaudio|mock)", cfg.AudioDevice)
	}
}
