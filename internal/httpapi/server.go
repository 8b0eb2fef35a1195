package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/lexivoice/internal/audio"
	"github.com/ent0n29/lexivoice/internal/capture"
	"github.com/ent0n29/lexivoice/internal/config"
	"github.com/ent0n29/lexivoice/internal/conversation"
	"github.com/ent0n29/lexivoice/internal/gateway"
	"github.com/ent0n29/lexivoice/internal/history"
	"github.com/ent0n29/lexivoice/internal/observability"
	"github.com/ent0n29/lexivoice/internal/playback"
	"github.com/ent0n29/lexivoice/internal/recognition"
	"github.com/ent0n29/lexivoice/internal/surface"
)

// Deps are the long-lived components the API drives. Recorder may be set
// after New through AttachRecorder, since its hooks call back into the
// server.
type Deps struct {
	Surfaces *surface.Manager
	Playback *playback.Orchestrator
	Gateway  *gateway.Client
	Clips    *audio.ClipStore
	History  history.Store
	Recorder *capture.Recorder
	Metrics  *observability.Metrics

	// Loop is the template for every writing surface's conversation loop.
	Loop    conversation.Options
	Prompts conversation.Prompts
	// NewRecognizer builds the recognizer for a new surface. Defaults to a
	// RemoteRecognizer fed by transcript deliveries.
	NewRecognizer func(kind surface.Kind) recognition.Recognizer
}

type Server struct {
	cfg      config.Config
	deps     Deps
	metrics  *observability.Metrics
	hub      *hub
	upgrader websocket.Upgrader

	mu       sync.Mutex
	runtimes map[string]*runtime
}

func New(cfg config.Config, deps Deps) *Server {
	if deps.Clips == nil {
		deps.Clips = audio.NewClipStore()
	}
	if deps.NewRecognizer == nil {
		deps.NewRecognizer = func(surface.Kind) recognition.Recognizer { return &recognition.RemoteRecognizer{} }
	}
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		metrics:  deps.Metrics,
		hub:      newHub(deps.Metrics),
		runtimes: make(map[string]*runtime),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive the microphone and speakers.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
	deps.Surfaces.OnEnd(s.teardown)
	deps.Playback.Subscribe(s.onPlayback)
	return s
}

// AttachRecorder sets the capture recorder once it has been built with
// this server's hooks.
func (s *Server) AttachRecorder(rec *capture.Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deps.Recorder = rec
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Post("/v1/perf/latency/reset", s.handlePerfLatencyReset)
	r.Get("/v1/events/ws", s.handleEventsWS)

	r.Route("/v1/surfaces", func(r chi.Router) {
		r.Post("/", s.handleCreateSurface)
		r.Get("/", s.handleListSurfaces)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSurface)
			r.Post("/heartbeat", s.handleHeartbeat)
			r.Post("/end", s.handleEndSurface)
			r.Post("/transcript", s.handleTranscript)
			r.Get("/history", s.handleHistory)

			r.Post("/capture/start", s.handleCaptureStart)
			r.Post("/capture/stop", s.handleCaptureStop)
			r.Get("/capture/pending", s.handlePendingGet)
			r.Post("/capture/pending/send", s.handlePendingSend)
			r.Post("/capture/pending/discard", s.handlePendingDiscard)

			r.Get("/messages", s.handleListMessages)
			r.Post("/messages", s.handleSubmitText)
			r.Post("/messages/{mid}/toggle", s.handleToggleMessage)

			r.Post("/widget/activate", s.handleWidgetActivate)

			r.Post("/writing/process", s.handleWritingProcess)
			r.Get("/writing", s.handleWritingState)
			r.Post("/writing/cancel", s.handleWritingCancel)
		})
	})

	r.Route("/v1/playback", func(r chi.Router) {
		r.Get("/", s.handlePlaybackList)
		r.Post("/speak", s.handleSpeak)
		r.Post("/{channel}/toggle", s.handlePlaybackToggle)
		r.Post("/{channel}/stop", s.handlePlaybackStop)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_surfaces": s.deps.Surfaces.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	status := "ready"
	code := http.StatusOK
	if s.recorder() == nil {
		status = "starting"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":       status,
		"audio_device": s.cfg.AudioDevice,
		"backend":      s.cfg.BackendBaseURL,
	})
}

func (s *Server) recorder() *capture.Recorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deps.Recorder
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
