package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ent0n29/lexivoice/internal/audio"
	"github.com/ent0n29/lexivoice/internal/capture"
	"github.com/ent0n29/lexivoice/internal/chat"
	"github.com/ent0n29/lexivoice/internal/logging"
	"github.com/ent0n29/lexivoice/internal/protocol"
	"github.com/ent0n29/lexivoice/internal/surface"
)

type captureStopRequest struct {
	Manual *bool `json:"manual"`
}

type pendingResponse struct {
	SessionID   string  `json:"session_id"`
	DurationSec float64 `json:"duration_sec"`
	SizeBytes   int     `json:"size_bytes"`
}

func (s *Server) handleCaptureStart(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.chatRuntime(w, r)
	if !ok {
		return
	}
	rec := s.recorder()
	if rec == nil {
		respondError(w, http.StatusServiceUnavailable, "capture_unavailable", "recorder not configured")
		return
	}

	sess, err := rec.StartFor(rt.ctx, rt.surface.ID)
	switch {
	case errors.Is(err, capture.ErrSessionBusy):
		respondError(w, http.StatusConflict, "capture_busy", err.Error())
		return
	case errors.Is(err, capture.ErrDeviceUnavailable):
		respondError(w, http.StatusServiceUnavailable, "device_unavailable", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "capture_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"session_id": sess.ID(),
		"state":      sess.State().String(),
		"started_at": sess.StartedAt(),
	})
}

func (s *Server) handleCaptureStop(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.chatRuntime(w, r)
	if !ok {
		return
	}
	var req captureStopRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	manual := true
	if req.Manual != nil {
		manual = *req.Manual
	}

	rec := s.recorder()
	var active *capture.Session
	if rec != nil {
		active = rec.Active()
	}
	if active == nil || active.Owner() != rt.surface.ID {
		respondJSON(w, http.StatusOK, map[string]any{"stopped": false})
		return
	}
	stopped := active.Stop(manual)
	respondJSON(w, http.StatusOK, map[string]any{"stopped": stopped, "session_id": active.ID()})
}

func (s *Server) handlePendingGet(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.chatRuntime(w, r)
	if !ok {
		return
	}
	res, ok := rt.review.Pending()
	if !ok {
		respondError(w, http.StatusNotFound, "nothing_pending", chat.ErrNothingPending.Error())
		return
	}
	respondJSON(w, http.StatusOK, pendingResponse{
		SessionID:   res.SessionID,
		DurationSec: audio.RoundDuration(res.Duration).Seconds(),
		SizeBytes:   len(res.Blob),
	})
}

func (s *Server) handlePendingSend(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.chatRuntime(w, r)
	if !ok {
		return
	}
	msg, err := rt.review.Send(rt.ctx)
	if errors.Is(err, chat.ErrNothingPending) {
		respondError(w, http.StatusNotFound, "nothing_pending", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusBadGateway, "backend_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, msg)
}

func (s *Server) handlePendingDiscard(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.chatRuntime(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"discarded": rt.review.Discard()})
}

// CaptureStateChanged is the recorder's state hook. owner is the surface
// that started the capture.
func (s *Server) CaptureStateChanged(sessionID, owner string, state capture.State) {
	s.hub.publish(owner, protocol.CaptureState{Type: protocol.TypeCaptureState, SessionID: sessionID, State: state.String()})
}

// CaptureFinalized routes a finished recording to the review of the
// surface that started it.
func (s *Server) CaptureFinalized(res capture.Result) {
	surfaceID := res.Owner

	ev := protocol.CaptureFinalized{
		Type:        protocol.TypeCaptureFinalized,
		SessionID:   res.SessionID,
		DurationSec: audio.RoundDuration(res.Duration).Seconds(),
		Manual:      res.Manual,
		Pending:     res.Manual && res.Err == nil,
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	s.hub.publish(surfaceID, ev)

	rt := s.runtimeByID(surfaceID)
	if rt == nil || rt.review == nil {
		logging.Debugw("capture result dropped", "session_id", res.SessionID, "surface_id", surfaceID)
		return
	}
	// Submission waits on the backend; keep it off the encoder goroutine.
	go func() {
		ctx, cancel := context.WithTimeout(rt.ctx, 2*time.Minute)
		defer cancel()
		_, err := rt.review.Accept(ctx, res)
		if err == nil {
			return
		}
		ev := protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SurfaceID: surfaceID,
			Code:      "submission_failed",
			Source:    "chat",
			Retryable: true,
			Detail:    err.Error(),
		}
		if errors.Is(err, capture.ErrDeviceLost) {
			ev.Code, ev.Source, ev.Retryable = "device_lost", "capture", false
		}
		logging.WarnwCtx(ctx, "recording not submitted", "session_id", res.SessionID, "code", ev.Code, "error", err)
		s.hub.publish(surfaceID, ev)
	}()
}

func (s *Server) chatRuntime(w http.ResponseWriter, r *http.Request) (*runtime, bool) {
	rt, ok := s.runtimeFor(w, r)
	if !ok {
		return nil, false
	}
	if rt.surface.Kind != surface.KindChatbot {
		respondError(w, http.StatusConflict, "wrong_surface_kind", "operation requires a chatbot surface")
		return nil, false
	}
	return rt, true
}
