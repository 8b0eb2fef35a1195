package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ent0n29/lexivoice/internal/chat"
	"github.com/ent0n29/lexivoice/internal/conversation"
	"github.com/ent0n29/lexivoice/internal/history"
	"github.com/ent0n29/lexivoice/internal/logging"
	"github.com/ent0n29/lexivoice/internal/protocol"
	"github.com/ent0n29/lexivoice/internal/recognition"
	"github.com/ent0n29/lexivoice/internal/surface"
	"github.com/ent0n29/lexivoice/internal/widget"
	"github.com/ent0n29/lexivoice/internal/writing"
)

// runtime holds the per-surface components. Only the ones matching the
// surface kind are set.
type runtime struct {
	surface    *surface.Surface
	ctx        context.Context
	cancel     context.CancelFunc
	recognizer recognition.Recognizer
	session    *recognition.Session

	thread  *chat.Thread
	review  *chat.Review
	widget  *widget.Assistant
	writing *writing.Assistant
}

type createSurfaceRequest struct {
	Kind string `json:"kind"`
	Page string `json:"page"`
}

type surfaceResponse struct {
	*surface.Surface
	InactivityTTLMS int64  `json:"inactivity_ttl_ms"`
	Channel         string `json:"channel,omitempty"`
}

func (s *Server) handleCreateSurface(w http.ResponseWriter, r *http.Request) {
	var req createSurfaceRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	kind, err := surface.ParseKind(req.Kind)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_kind", "kind must be chatbot, widget or writing")
		return
	}

	sf := s.deps.Surfaces.Create(kind, req.Page)
	rt := s.mount(sf)
	logging.Infow("surface mounted", "surface_id", sf.ID, "kind", sf.Kind, "page", sf.Page)

	respondJSON(w, http.StatusCreated, surfaceResponse{
		Surface:         sf,
		InactivityTTLMS: s.cfg.SurfaceInactivityTimeout.Milliseconds(),
		Channel:         rt.channel(),
	})
}

func (s *Server) handleListSurfaces(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"surfaces": s.deps.Surfaces.List()})
}

func (s *Server) handleGetSurface(w http.ResponseWriter, r *http.Request) {
	sf, err := s.deps.Surfaces.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "surface_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sf)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Surfaces.Touch(chi.URLParam(r, "id")); err != nil {
		respondError(w, http.StatusNotFound, "surface_not_found", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEndSurface(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_surface_id", "missing surface id")
		return
	}
	sf, err := s.deps.Surfaces.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "surface_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sf)
}

type transcriptRequest struct {
	Text  string `json:"text"`
	Error string `json:"error"`
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtimeFor(w, r)
	if !ok {
		return
	}
	var req transcriptRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := rt.deliver(req.Text, req.Error); err != nil {
		switch {
		case errors.Is(err, recognition.ErrNotListening):
			respondError(w, http.StatusConflict, "not_listening", err.Error())
		default:
			respondError(w, http.StatusConflict, "not_remote", err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtimeFor(w, r)
	if !ok {
		return
	}
	if s.deps.History == nil {
		respondJSON(w, http.StatusOK, map[string]any{"messages": []any{}, "turns": []any{}})
		return
	}
	msgs, err := s.deps.History.RecentMessages(r.Context(), rt.surface.ID, 50)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_failed", err.Error())
		return
	}
	turns, err := s.deps.History.RecentTurns(r.Context(), rt.surface.ID, 50)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": msgs, "turns": turns})
}

// mount builds the runtime for a freshly created surface.
func (s *Server) mount(sf *surface.Surface) *runtime {
	ctx, cancel := context.WithCancel(context.Background())
	ctx = logging.WithFields(ctx, "surface_id", sf.ID, "kind", string(sf.Kind))
	rt := &runtime{surface: sf, ctx: ctx, cancel: cancel}

	switch sf.Kind {
	case surface.KindChatbot:
		rt.thread = chat.NewThread(s.deps.Gateway, s.deps.Playback, chat.Options{
			SurfaceID: sf.ID,
			Clips:     s.deps.Clips,
			Store:     s.deps.History,
			OnMessage: func(m chat.Message) {
				s.hub.publish(sf.ID, protocol.ChatMessage{Type: protocol.TypeChatMessage, SurfaceID: sf.ID, Message: m})
			},
		})
		rt.review = chat.NewReview(rt.thread)
	case surface.KindWidget:
		rt.attachRecognition(s)
		rt.widget = widget.NewAssistant(rt.session, s.deps.Gateway, s.deps.Playback, widget.Options{
			Page:    sf.Page,
			Channel: "widget:" + sf.ID,
			Prompts: s.deps.Prompts,
			OnListening: func(v bool) {
				s.hub.publish(sf.ID, protocol.ListeningState{Type: protocol.TypeListeningState, SurfaceID: sf.ID, Listening: v})
			},
		})
	case surface.KindWriting:
		rt.attachRecognition(s)
		loop := s.deps.Loop
		loop.Channel = "writing:" + sf.ID
		loop.Prompts = s.deps.Prompts.Merge(loop.Prompts)
		loop.Metrics = s.metrics
		loop.OnTurn = func(turn conversation.Turn) {
			s.hub.publish(sf.ID, protocol.ConversationTurn{Type: protocol.TypeConversationTurn, SurfaceID: sf.ID, Turn: turn})
			s.saveTurn(rt.ctx, sf.ID, "writing:"+sf.ID, turn)
		}
		rt.writing = writing.NewAssistant(ctx, s.deps.Gateway, s.deps.Playback, rt.session, writing.Options{
			Loop: loop,
			OnUpdate: func(st writing.State) {
				s.hub.publish(sf.ID, protocol.WritingState{Type: protocol.TypeWritingState, SurfaceID: sf.ID, State: st})
			},
		})
	}

	s.mu.Lock()
	s.runtimes[sf.ID] = rt
	s.mu.Unlock()
	return rt
}

func (rt *runtime) attachRecognition(s *Server) {
	id := rt.surface.ID
	rt.recognizer = s.deps.NewRecognizer(rt.surface.Kind)
	rt.session = recognition.NewSession(rt.recognizer, recognition.SessionOptions{
		Metrics: s.metrics,
		OnStateChange: func(st recognition.State) {
			s.hub.publish(id, protocol.RecognitionState{Type: protocol.TypeRecognitionState, SurfaceID: id, State: st.String()})
		},
	})
}

var errNotRemote = errors.New("surface recognition does not accept delivered transcripts")

// deliver completes the surface's waiting recognition cycle.
func (rt *runtime) deliver(text, failure string) error {
	rr, ok := rt.recognizer.(*recognition.RemoteRecognizer)
	if !ok {
		return errNotRemote
	}
	if failure = strings.TrimSpace(failure); failure != "" {
		if failure == "no_result" {
			return rr.End()
		}
		return rr.Fail(failure)
	}
	return rr.Deliver(text)
}

// channel is the playback channel the surface speaks on.
func (rt *runtime) channel() string {
	switch rt.surface.Kind {
	case surface.KindWidget:
		return "widget:" + rt.surface.ID
	case surface.KindWriting:
		return "writing:" + rt.surface.ID
	}
	return ""
}

// teardown runs when a surface is unmounted: its loop is cancelled, its
// recognition aborted, and its playback channels and clips released.
func (s *Server) teardown(sf *surface.Surface) {
	s.mu.Lock()
	rt := s.runtimes[sf.ID]
	delete(s.runtimes, sf.ID)
	rec := s.deps.Recorder
	s.mu.Unlock()
	if rt == nil {
		return
	}

	if rec != nil {
		if active := rec.Active(); active != nil && active.Owner() == sf.ID {
			active.Stop(true)
		}
	}
	if rt.writing != nil {
		rt.writing.Close()
	}
	if rt.widget != nil {
		rt.widget.Close()
	}
	if rt.session != nil {
		rt.session.Abort()
	}
	if rt.review != nil {
		rt.review.Discard()
	}
	if rt.thread != nil {
		rt.thread.Close()
	}
	if ch := rt.channel(); ch != "" {
		s.deps.Playback.Release(ch)
	}
	rt.cancel()
	logging.Infow("surface unmounted", "surface_id", sf.ID, "kind", sf.Kind)
}

func (s *Server) runtimeFor(w http.ResponseWriter, r *http.Request) (*runtime, bool) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	rt := s.runtimes[id]
	s.mu.Unlock()
	if rt == nil {
		respondError(w, http.StatusNotFound, "surface_not_found", surface.ErrNotFound.Error())
		return nil, false
	}
	_ = s.deps.Surfaces.Touch(id)
	return rt, true
}

func (s *Server) runtimeByID(id string) *runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtimes[id]
}

func (s *Server) saveTurn(ctx context.Context, surfaceID, channel string, turn conversation.Turn) {
	if s.deps.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := s.deps.History.SaveTurn(ctx, history.TurnRecord{
		ID:         uuid.NewString(),
		SurfaceID:  surfaceID,
		Channel:    channel,
		Index:      turn.Index,
		Transcript: turn.Transcript,
		Intent:     turn.IntentName,
		Applied:    turn.Applied,
		Failed:     turn.Failed,
		CreatedAt:  turn.At,
	})
	if err != nil {
		logging.WarnwCtx(ctx, "turn persist failed", "error", err)
	}
}
