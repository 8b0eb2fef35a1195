package httpapi

import (
	"errors"
	"net/http"

	"github.com/ent0n29/lexivoice/internal/recognition"
	"github.com/ent0n29/lexivoice/internal/surface"
	"github.com/ent0n29/lexivoice/internal/writing"
)

type processRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleWidgetActivate(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.kindRuntime(w, r, surface.KindWidget)
	if !ok {
		return
	}
	// Listening waits for a delivered transcript, so tie it to the surface
	// rather than to this request.
	act, err := rt.widget.Activate(rt.ctx)
	switch {
	case errors.Is(err, recognition.ErrUnsupported):
		respondError(w, http.StatusNotImplemented, "recognition_unsupported", err.Error())
	case errors.Is(err, recognition.ErrBusy):
		respondError(w, http.StatusConflict, "recognition_busy", err.Error())
	case err != nil && act.Transcript != "":
		respondError(w, http.StatusBadGateway, "backend_failed", err.Error())
	default:
		// A listen that ended without speech reports an empty activation.
		respondJSON(w, http.StatusOK, act)
	}
}

func (s *Server) handleWritingProcess(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.kindRuntime(w, r, surface.KindWriting)
	if !ok {
		return
	}
	var req processRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	res, err := rt.writing.Process(r.Context(), req.Text)
	switch {
	case errors.Is(err, writing.ErrEmptyText):
		respondError(w, http.StatusBadRequest, "empty_text", err.Error())
	case err != nil:
		respondError(w, http.StatusInternalServerError, "process_failed", err.Error())
	default:
		respondJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleWritingState(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.kindRuntime(w, r, surface.KindWriting)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, rt.writing.State())
}

func (s *Server) handleWritingCancel(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.kindRuntime(w, r, surface.KindWriting)
	if !ok {
		return
	}
	rt.writing.Close()
	respondJSON(w, http.StatusOK, rt.writing.State())
}

func (s *Server) kindRuntime(w http.ResponseWriter, r *http.Request, kind surface.Kind) (*runtime, bool) {
	rt, ok := s.runtimeFor(w, r)
	if !ok {
		return nil, false
	}
	if rt.surface.Kind != kind {
		respondError(w, http.StatusConflict, "wrong_surface_kind", "operation requires a "+string(kind)+" surface")
		return nil, false
	}
	return rt, true
}
