package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/lexivoice/internal/audio"
	"github.com/ent0n29/lexivoice/internal/capture"
	"github.com/ent0n29/lexivoice/internal/config"
	"github.com/ent0n29/lexivoice/internal/conversation"
	"github.com/ent0n29/lexivoice/internal/gateway"
	"github.com/ent0n29/lexivoice/internal/history"
	"github.com/ent0n29/lexivoice/internal/httpapi"
	"github.com/ent0n29/lexivoice/internal/observability"
	"github.com/ent0n29/lexivoice/internal/playback"
	"github.com/ent0n29/lexivoice/internal/surface"
)

type AudioInfo struct {
	Device string
	Detail string
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Surfaces *surface.Manager
	Playback *playback.Orchestrator
	Recorder *capture.Recorder
	Gateway  *gateway.Client
	Metrics  *observability.Metrics
	Audio    AudioInfo

	// Cleanup should be called on shutdown to release the microphone,
	// speakers and database.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("history store init failed: %w", err)
	}

	gw, err := gateway.New(gateway.Options{
		BaseURL:    cfg.BackendBaseURL,
		AuthToken:  cfg.BackendAuthToken,
		Timeout:    cfg.BackendTimeout,
		MaxRetries: cfg.BackendMaxRetries,
		Metrics:    metrics,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("backend gateway init failed: %w", err)
	}

	clips := audio.NewClipStore()
	audioSetup, err := resolveAudio(cfg, gw, clips)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	orchestrator := playback.NewOrchestrator(gw, audioSetup.player, playback.Options{
		SingleVoice: cfg.PlaybackSingleVoice,
		Metrics:     metrics,
	})

	surfaces := surface.NewManager(cfg.SurfaceInactivityTimeout, metrics)

	prompts := promptsFrom(cfg.Prompts)
	api := httpapi.New(cfg, httpapi.Deps{
		Surfaces: surfaces,
		Playback: orchestrator,
		Gateway:  gw,
		Clips:    clips,
		History:  store,
		Metrics:  metrics,
		Prompts:  prompts,
		Loop: conversation.Options{
			Classifier:   conversation.NewClassifier(cfg.Prompts.StopPhrases),
			MaxMisses:    cfg.ConversationMaxMisses,
			SpeakCeiling: cfg.PlaybackCompletionCeiling,
		},
	})

	recorder, err := capture.NewRecorder(audioSetup.mic, capture.Options{
		SampleRate: cfg.AudioSampleRate,
		Silence: capture.SilenceConfig{
			Threshold:      cfg.SilenceThreshold,
			IdleTimeout:    cfg.SilenceIdleTimeout,
			SampleInterval: cfg.SilenceSampleInterval,
		},
		OnStateChange: api.CaptureStateChanged,
		OnFinalized:   api.CaptureFinalized,
		Metrics:       metrics,
	})
	if err != nil {
		if audioSetup.cleanup != nil {
			_ = audioSetup.cleanup()
		}
		_ = store.Close()
		return nil, fmt.Errorf("capture recorder init failed: %w", err)
	}
	api.AttachRecorder(recorder)

	cleanup := func() error {
		var errs []string
		surfaces.EndAll()
		if err := recorder.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		orchestrator.ReleaseAll()
		if audioSetup.cleanup != nil {
			if err := audioSetup.cleanup(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Surfaces: surfaces,
		Playback: orchestrator,
		Recorder: recorder,
		Gateway:  gw,
		Metrics:  metrics,
		Audio: AudioInfo{
			Device: audioSetup.resolved,
			Detail: audioSetup.detail,
		},
		Cleanup: cleanup,
	}, nil
}

func promptsFrom(p config.PromptOverrides) conversation.Prompts {
	return conversation.Prompts{
		Greeting:    p.Greeting,
		Instruction: p.InstructionPrompt,
		FollowUp:    p.FollowUpPrompt,
		Closing:     p.Closing,
		NotHeard:    p.NotHeard,
		NotCaught:   p.NotCaught,
		NoText:      p.NoText,
		ApplyFailed: p.ApplyFailed,
	}
}
