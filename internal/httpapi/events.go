package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/lexivoice/internal/logging"
	"github.com/ent0n29/lexivoice/internal/observability"
	"github.com/ent0n29/lexivoice/internal/protocol"
	"github.com/ent0n29/lexivoice/internal/surface"
)

// hub fans daemon events out to websocket subscribers. Publishing never
// blocks: a subscriber whose queue is full misses the event.
type hub struct {
	metrics *observability.Metrics

	mu   sync.RWMutex
	next int
	subs map[int]*subscriber
}

type subscriber struct {
	// surfaceID filters surface-scoped events; empty receives all.
	surfaceID string
	out       chan any
}

func newHub(metrics *observability.Metrics) *hub {
	return &hub{metrics: metrics, subs: make(map[int]*subscriber)}
}

func (h *hub) subscribe(surfaceID string, buffer int) (*subscriber, func()) {
	sub := &subscriber{surfaceID: surfaceID, out: make(chan any, buffer)}
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = sub
	h.mu.Unlock()
	return sub, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// publish delivers msg to subscribers of surfaceID and to unfiltered
// subscribers. An empty surfaceID is a daemon-wide event.
func (h *hub) publish(surfaceID string, msg any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if surfaceID != "" && sub.surfaceID != "" && sub.surfaceID != surfaceID {
			continue
		}
		select {
		case sub.out <- msg:
		default:
			t, _ := protocol.TypeOf(msg)
			h.metrics.WSMessage("drop_full", string(t))
		}
	}
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	surfaceID := strings.TrimSpace(r.URL.Query().Get("surface_id"))
	if surfaceID != "" {
		if _, err := s.deps.Surfaces.Get(surfaceID); err != nil {
			respondError(w, http.StatusNotFound, "surface_not_found", err.Error())
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ctx = logging.WithFields(ctx, "surface_id", surfaceID)

	sub, unsubscribe := s.hub.subscribe(surfaceID, 256)
	defer unsubscribe()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(30 * time.Second)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					cancel()
					return
				}
			case msg := <-sub.out:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					logging.DebugwCtx(ctx, "websocket write failed", "error", err)
					cancel()
					return
				}
				if t, ok := protocol.TypeOf(msg); ok {
					s.metrics.WSMessage("outbound", string(t))
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.sendError(sub, surfaceID, "invalid_client_message", err.Error())
			continue
		}
		if t, ok := protocol.TypeOf(parsed); ok {
			s.metrics.WSMessage("inbound", string(t))
		}
		if err := s.handleClientMessage(parsed, surfaceID); err != nil {
			s.sendError(sub, surfaceID, "client_message_rejected", err.Error())
		}
	}

	cancel()
	<-writerDone
}

func (s *Server) handleClientMessage(msg any, connSurface string) error {
	switch m := msg.(type) {
	case protocol.ClientTranscript:
		rt := s.runtimeByID(m.SurfaceID)
		if rt == nil {
			return surface.ErrNotFound
		}
		_ = s.deps.Surfaces.Touch(m.SurfaceID)
		return rt.deliver(m.Text, m.Error)
	case protocol.ClientControl:
		id := m.SurfaceID
		if id == "" {
			id = connSurface
		}
		switch m.Action {
		case protocol.ActionHeartbeat:
			if id == "" {
				return nil
			}
			return s.deps.Surfaces.Touch(id)
		case protocol.ActionStopCapture:
			if rec := s.recorder(); rec != nil {
				rec.Stop(true)
			}
			return nil
		case protocol.ActionStopPlayback:
			s.deps.Playback.Stop(m.Channel)
			return nil
		case protocol.ActionAbortListen, protocol.ActionCancelLoop:
			rt := s.runtimeByID(id)
			if rt == nil {
				return surface.ErrNotFound
			}
			if m.Action == protocol.ActionCancelLoop && rt.writing != nil {
				rt.writing.Close()
			}
			if rt.session != nil {
				rt.session.Abort()
			}
			return nil
		}
	}
	return nil
}

func (s *Server) sendError(sub *subscriber, surfaceID, code, detail string) {
	ev := protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SurfaceID: surfaceID,
		Code:      code,
		Source:    "api",
		Retryable: false,
		Detail:    detail,
	}
	select {
	case sub.out <- ev:
	default:
		// Keep websocket writes single-threaded; drop if the queue is saturated.
		s.metrics.WSMessage("drop_full", string(protocol.TypeErrorEvent))
	}
}
