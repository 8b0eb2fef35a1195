package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/lexivoice/internal/playback"
	"github.com/ent0n29/lexivoice/internal/protocol"
)

type speakRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

type channelState struct {
	Channel string `json:"channel"`
	State   string `json:"state"`
	Handle  string `json:"handle,omitempty"`
}

func (s *Server) handlePlaybackList(w http.ResponseWriter, _ *http.Request) {
	channels := s.deps.Playback.Channels()
	out := make([]channelState, 0, len(channels))
	for _, ch := range channels {
		out = append(out, channelState{Channel: ch, State: s.deps.Playback.State(ch).String(), Handle: s.deps.Playback.Handle(ch)})
	}
	respondJSON(w, http.StatusOK, map[string]any{"channels": out})
}

// handleSpeak reads text aloud on a channel, the read-aloud buttons of the
// reading panels.
func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var req speakRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Channel = strings.TrimSpace(req.Channel)
	if req.Channel == "" {
		respondError(w, http.StatusBadRequest, "missing_channel", "channel is required")
		return
	}
	started := s.deps.Playback.Speak(r.Context(), req.Channel, req.Text)
	respondJSON(w, http.StatusOK, map[string]any{
		"started": started,
		"state":   s.deps.Playback.State(req.Channel).String(),
	})
}

func (s *Server) handlePlaybackToggle(w http.ResponseWriter, r *http.Request) {
	ch := chi.URLParam(r, "channel")
	state := s.deps.Playback.Toggle(r.Context(), ch)
	respondJSON(w, http.StatusOK, map[string]any{"channel": ch, "state": state.String()})
}

func (s *Server) handlePlaybackStop(w http.ResponseWriter, r *http.Request) {
	ch := chi.URLParam(r, "channel")
	s.deps.Playback.Stop(ch)
	respondJSON(w, http.StatusOK, map[string]any{"channel": ch, "state": s.deps.Playback.State(ch).String()})
}

// onPlayback fans orchestrator transitions out to websocket clients. It
// runs under the channel lock and must not call back into the orchestrator.
func (s *Server) onPlayback(ev playback.Event) {
	s.hub.publish("", protocol.PlaybackState{
		Type:    protocol.TypePlaybackState,
		Channel: ev.Channel,
		State:   ev.State.String(),
		Handle:  ev.Handle,
	})
}
