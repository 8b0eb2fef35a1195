package httpapi

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/lexivoice/internal/chat"
)

type submitTextRequest struct {
	Text        string `json:"text"`
	ImageBase64 string `json:"image_base64"`
	ImageName   string `json:"image_name"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.chatRuntime(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": rt.thread.Messages()})
}

func (s *Server) handleSubmitText(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.chatRuntime(w, r)
	if !ok {
		return
	}
	var req submitTextRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var image []byte
	if req.ImageBase64 != "" {
		raw, err := base64.StdEncoding.DecodeString(req.ImageBase64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_image", err.Error())
			return
		}
		image = raw
	}

	msg, err := rt.thread.SubmitText(r.Context(), req.Text, image, req.ImageName)
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		respondError(w, http.StatusBadRequest, "empty_message", err.Error())
	case err != nil && msg.ID == "":
		respondError(w, http.StatusInternalServerError, "chat_failed", err.Error())
	default:
		// A backend failure is part of the thread: the user bubble is
		// marked failed and the error reply appended.
		respondJSON(w, http.StatusOK, map[string]any{"message": msg, "messages": rt.thread.Messages()})
	}
}

func (s *Server) handleToggleMessage(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.chatRuntime(w, r)
	if !ok {
		return
	}
	state, err := rt.thread.Toggle(r.Context(), chi.URLParam(r, "mid"))
	switch {
	case errors.Is(err, chat.ErrMessageNotFound):
		respondError(w, http.StatusNotFound, "message_not_found", err.Error())
	case errors.Is(err, chat.ErrNoAudio):
		respondError(w, http.StatusConflict, "no_audio", err.Error())
	case err != nil:
		respondError(w, http.StatusInternalServerError, "toggle_failed", err.Error())
	default:
		respondJSON(w, http.StatusOK, map[string]any{"state": state.String()})
	}
}
