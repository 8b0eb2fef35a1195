package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/lexivoice/internal/capture"
	"github.com/ent0n29/lexivoice/internal/config"
	"github.com/ent0n29/lexivoice/internal/conversation"
	"github.com/ent0n29/lexivoice/internal/gateway"
	"github.com/ent0n29/lexivoice/internal/history"
	"github.com/ent0n29/lexivoice/internal/playback"
	"github.com/ent0n29/lexivoice/internal/protocol"
	"github.com/ent0n29/lexivoice/internal/surface"
)

func fakeBackend() http.Handler {
	r := chi.NewRouter()
	r.Post("/api/tts", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"audio_filename": "tts.mp3"})
	})
	r.Post("/api/ask", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"response": "Hello there", "audio_filename": "reply.mp3"})
	})
	r.Post("/api/chat", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"response": "Sure.", "audio_filename": "answer.mp3"})
	})
	r.Post("/api/writing-assistant", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"improved_text":"Shorter text."}`))
	})
	r.Post("/api/writing-assistant-spelling", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"improved_text":""}`))
	})
	return r
}

type harness struct {
	srv      *Server
	ts       *httptest.Server
	surfaces *surface.Manager
	store    history.Store
}

func newHarness(t *testing.T, dev capture.Device) *harness {
	t.Helper()
	backend := httptest.NewServer(fakeBackend())
	t.Cleanup(backend.Close)

	gw, err := gateway.New(gateway.Options{BaseURL: backend.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("gateway.New() error = %v", err)
	}
	cfg := config.Config{SurfaceInactivityTimeout: 2 * time.Minute, AudioDevice: "mock"}
	surfaces := surface.NewManager(cfg.SurfaceInactivityTimeout, nil)
	store := history.NewInMemoryStore()
	srv := New(cfg, Deps{
		Surfaces: surfaces,
		Playback: playback.NewOrchestrator(gw, playback.NullPlayer{}, playback.Options{}),
		Gateway:  gw,
		History:  store,
		Loop:     conversation.Options{RelistenInterval: time.Millisecond},
	})
	if dev == nil {
		dev = &capture.MockDevice{Signal: capture.SpeechThenSilence(time.Minute)}
	}
	rec, err := capture.NewRecorder(dev, capture.Options{
		Silence: capture.SilenceConfig{
			Threshold:      0.01,
			IdleTimeout:    150 * time.Millisecond,
			SampleInterval: 20 * time.Millisecond,
		},
		OnStateChange: srv.CaptureStateChanged,
		OnFinalized:   srv.CaptureFinalized,
	})
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}
	srv.AttachRecorder(rec)
	t.Cleanup(func() { _ = rec.Close() })

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	t.Cleanup(surfaces.EndAll)
	return &harness{srv: srv, ts: ts, surfaces: surfaces, store: store}
}

func (h *harness) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()
	if out != nil {
		_ = json.NewDecoder(res.Body).Decode(out)
	}
	return res.StatusCode
}

func (h *harness) mount(t *testing.T, kind, page string) string {
	t.Helper()
	var created map[string]any
	if code := h.do(t, http.MethodPost, "/v1/surfaces", map[string]string{"kind": kind, "page": page}, &created); code != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", code, http.StatusCreated)
	}
	id, _ := created["surface_id"].(string)
	if id == "" {
		t.Fatalf("missing surface_id in create response: %+v", created)
	}
	return id
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCreateAndEndSurface(t *testing.T) {
	h := newHarness(t, nil)
	id := h.mount(t, "writing", "writing-assistant")

	if code := h.do(t, http.MethodPost, "/v1/surfaces/"+id+"/heartbeat", nil, nil); code != http.StatusNoContent {
		t.Fatalf("heartbeat status = %d, want %d", code, http.StatusNoContent)
	}
	var ended surface.Surface
	if code := h.do(t, http.MethodPost, "/v1/surfaces/"+id+"/end", nil, &ended); code != http.StatusOK {
		t.Fatalf("end status = %d, want %d", code, http.StatusOK)
	}
	if ended.Status != surface.StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, surface.StatusEnded)
	}
	if code := h.do(t, http.MethodGet, "/v1/surfaces/"+id+"/writing", nil, nil); code != http.StatusNotFound {
		t.Fatalf("writing after end status = %d, want %d", code, http.StatusNotFound)
	}
}

func TestCreateSurfaceRejectsUnknownKind(t *testing.T) {
	h := newHarness(t, nil)
	if code := h.do(t, http.MethodPost, "/v1/surfaces", map[string]string{"kind": "reader"}, nil); code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", code, http.StatusBadRequest)
	}
}

func TestChatbotTextExchange(t *testing.T) {
	h := newHarness(t, nil)
	id := h.mount(t, "chatbot", "")

	var out struct {
		Message  map[string]any   `json:"message"`
		Messages []map[string]any `json:"messages"`
	}
	if code := h.do(t, http.MethodPost, "/v1/surfaces/"+id+"/messages", map[string]string{"text": "hello"}, &out); code != http.StatusOK {
		t.Fatalf("submit status = %d, want %d", code, http.StatusOK)
	}
	if out.Message["status"] != "sent" {
		t.Fatalf("user status = %v, want sent", out.Message["status"])
	}
	if len(out.Messages) != 2 || out.Messages[1]["content"] != "Hello there" {
		t.Fatalf("messages = %+v", out.Messages)
	}

	userID, _ := out.Message["id"].(string)
	if code := h.do(t, http.MethodPost, "/v1/surfaces/"+id+"/messages/"+userID+"/toggle", nil, nil); code != http.StatusConflict {
		t.Fatalf("toggle text bubble status = %d, want %d", code, http.StatusConflict)
	}
	if code := h.do(t, http.MethodPost, "/v1/surfaces/"+id+"/messages", map[string]string{"text": "  "}, nil); code != http.StatusBadRequest {
		t.Fatalf("empty submit status = %d, want %d", code, http.StatusBadRequest)
	}

	var hist struct {
		Messages []history.MessageRecord `json:"messages"`
	}
	if code := h.do(t, http.MethodGet, "/v1/surfaces/"+id+"/history", nil, &hist); code != http.StatusOK {
		t.Fatalf("history status = %d", code)
	}
	if len(hist.Messages) != 2 {
		t.Fatalf("persisted messages = %d, want 2", len(hist.Messages))
	}
}

func TestCaptureAutoStopSubmitsRecording(t *testing.T) {
	h := newHarness(t, &capture.MockDevice{Signal: capture.SpeechThenSilence(100 * time.Millisecond)})
	id := h.mount(t, "chatbot", "")

	if code := h.do(t, http.MethodPost, "/v1/surfaces/"+id+"/capture/start", nil, nil); code != http.StatusCreated {
		t.Fatalf("capture start status = %d, want %d", code, http.StatusCreated)
	}
	eventually(t, "auto-stopped recording to be submitted", func() bool {
		var out struct {
			Messages []map[string]any `json:"messages"`
		}
		h.do(t, http.MethodGet, "/v1/surfaces/"+id+"/messages", nil, &out)
		return len(out.Messages) == 2 && out.Messages[0]["kind"] == "audio" && out.Messages[0]["status"] == "sent"
	})
	if code := h.do(t, http.MethodGet, "/v1/surfaces/"+id+"/capture/pending", nil, nil); code != http.StatusNotFound {
		t.Fatalf("pending status = %d, want %d", code, http.StatusNotFound)
	}
}

func TestCaptureManualStopWaitsForReview(t *testing.T) {
	h := newHarness(t, nil)
	id := h.mount(t, "chatbot", "")

	if code := h.do(t, http.MethodPost, "/v1/surfaces/"+id+"/capture/start", nil, nil); code != http.StatusCreated {
		t.Fatalf("capture start status = %d, want %d", code, http.StatusCreated)
	}
	if code := h.do(t, http.MethodPost, "/v1/surfaces/"+id+"/capture/start", nil, nil); code != http.StatusConflict {
		t.Fatalf("second start status = %d, want %d", code, http.StatusConflict)
	}
	time.Sleep(60 * time.Millisecond)

	var stop map[string]any
	h.do(t, http.MethodPost, "/v1/surfaces/"+id+"/capture/stop", nil, &stop)
	if stop["stopped"] != true {
		t.Fatalf("stop = %+v, want stopped", stop)
	}
	eventually(t, "manual recording to be held", func() bool {
		return h.do(t, http.MethodGet, "/v1/surfaces/"+id+"/capture/pending", nil, nil) == http.StatusOK
	})

	var msg map[string]any
	if code := h.do(t, http.MethodPost, "/v1/surfaces/"+id+"/capture/pending/send", nil, &msg); code != http.StatusOK {
		t.Fatalf("send status = %d, want %d", code, http.StatusOK)
	}
	if msg["kind"] != "audio" || msg["status"] != "sent" {
		t.Fatalf("sent message = %+v", msg)
	}
	if code := h.do(t, http.MethodPost, "/v1/surfaces/"+id+"/capture/pending/send", nil, nil); code != http.StatusNotFound {
		t.Fatalf("second send status = %d, want %d", code, http.StatusNotFound)
	}
}

func TestCaptureEventsFollowStartingSurface(t *testing.T) {
	h := newHarness(t, nil)
	a := h.mount(t, "chatbot", "")
	b := h.mount(t, "chatbot", "")

	wsURL := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/v1/events/ws?surface_id=" + a
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	var started map[string]any
	if code := h.do(t, http.MethodPost, "/v1/surfaces/"+a+"/capture/start", nil, &started); code != http.StatusCreated {
		t.Fatalf("capture start status = %d, want %d", code, http.StatusCreated)
	}
	if code := h.do(t, http.MethodPost, "/v1/surfaces/"+b+"/capture/start", nil, nil); code != http.StatusConflict {
		t.Fatalf("other surface start status = %d, want %d", code, http.StatusConflict)
	}
	var stop map[string]any
	h.do(t, http.MethodPost, "/v1/surfaces/"+b+"/capture/stop", nil, &stop)
	if stop["stopped"] != false {
		t.Fatalf("stop from other surface = %+v, want not stopped", stop)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var ev map[string]any
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		if ev["type"] == string(protocol.TypeCaptureState) && ev["state"] == "recording" {
			if ev["session_id"] != started["session_id"] {
				t.Fatalf("recording event session = %v, want %v", ev["session_id"], started["session_id"])
			}
			break
		}
	}

	h.do(t, http.MethodPost, "/v1/surfaces/"+a+"/capture/stop", nil, &stop)
	if stop["stopped"] != true {
		t.Fatalf("stop from owner = %+v, want stopped", stop)
	}
}

func TestCaptureRequiresChatbotSurface(t *testing.T) {
	h := newHarness(t, nil)
	id := h.mount(t, "widget", "home")
	if code := h.do(t, http.MethodPost, "/v1/surfaces/"+id+"/capture/start", nil, nil); code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", code, http.StatusConflict)
	}
}

func TestWritingLoopStopsOnDeliveredTranscript(t *testing.T) {
	h := newHarness(t, nil)
	id := h.mount(t, "writing", "writing-assistant")

	var res map[string]string
	if code := h.do(t, http.MethodPost, "/v1/surfaces/"+id+"/writing/process", map[string]string{"text": "a long draft"}, &res); code != http.StatusOK {
		t.Fatalf("process status = %d, want %d", code, http.StatusOK)
	}
	if res["working"] != "Shorter text." {
		t.Fatalf("working = %q, want improved text", res["working"])
	}

	eventually(t, "transcript to be accepted", func() bool {
		return h.do(t, http.MethodPost, "/v1/surfaces/"+id+"/transcript", map[string]string{"text": "no thanks"}, nil) == http.StatusAccepted
	})
	eventually(t, "loop to stop", func() bool {
		var st map[string]any
		h.do(t, http.MethodGet, "/v1/surfaces/"+id+"/writing", nil, &st)
		return st["outcome"] == "stopped" && st["running"] == false
	})
}

func TestTranscriptWithoutListenerConflicts(t *testing.T) {
	h := newHarness(t, nil)
	id := h.mount(t, "widget", "")
	if code := h.do(t, http.MethodPost, "/v1/surfaces/"+id+"/transcript", map[string]string{"text": "hi"}, nil); code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", code, http.StatusConflict)
	}
}

func TestWidgetGreetsThenAnswers(t *testing.T) {
	h := newHarness(t, nil)
	id := h.mount(t, "widget", "reading-assistance")

	var first map[string]any
	h.do(t, http.MethodPost, "/v1/surfaces/"+id+"/widget/activate", nil, &first)
	if first["greeted"] != true {
		t.Fatalf("first activation = %+v, want greeting", first)
	}

	done := make(chan map[string]any, 1)
	go func() {
		var act map[string]any
		h.do(t, http.MethodPost, "/v1/surfaces/"+id+"/widget/activate", nil, &act)
		done <- act
	}()
	eventually(t, "widget to listen", func() bool {
		return h.do(t, http.MethodPost, "/v1/surfaces/"+id+"/transcript", map[string]string{"text": "read it"}, nil) == http.StatusAccepted
	})
	select {
	case act := <-done:
		if act["transcript"] != "read it" || act["reply"] != "Sure." || act["played"] != true {
			t.Fatalf("activation = %+v", act)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("activation did not return")
	}
}

func TestEventsWebsocketStreamsPlayback(t *testing.T) {
	h := newHarness(t, nil)
	wsURL := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/v1/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	// The subscription is registered right after the upgrade.
	time.Sleep(20 * time.Millisecond)
	var spoke map[string]any
	h.do(t, http.MethodPost, "/v1/playback/speak", map[string]string{"channel": "reader", "text": "Hello"}, &spoke)
	if spoke["started"] != true {
		t.Fatalf("speak = %+v, want started", spoke)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var ev map[string]any
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		if ev["type"] == string(protocol.TypePlaybackState) && ev["channel"] == "reader" && ev["state"] == "playing" {
			break
		}
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"client_control","action":"dance"}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	for {
		var ev map[string]any
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		if ev["type"] == string(protocol.TypeErrorEvent) {
			if ev["code"] != "invalid_client_message" {
				t.Fatalf("error code = %v", ev["code"])
			}
			break
		}
	}
}

func TestCheckOrigin(t *testing.T) {
	h := newHarness(t, nil)
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://127.0.0.1:8765", true},
		{"https://evil.example", false},
		{"file://127.0.0.1:8765", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "http://127.0.0.1:8765/v1/events/ws", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		if got := h.srv.upgrader.CheckOrigin(req); got != tt.want {
			t.Fatalf("CheckOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestHealthAndLatency(t *testing.T) {
	h := newHarness(t, nil)
	if code := h.do(t, http.MethodGet, "/healthz", nil, nil); code != http.StatusOK {
		t.Fatalf("healthz status = %d", code)
	}
	if code := h.do(t, http.MethodGet, "/readyz", nil, nil); code != http.StatusOK {
		t.Fatalf("readyz status = %d", code)
	}
	var snap map[string]any
	if code := h.do(t, http.MethodGet, "/v1/perf/latency", nil, &snap); code != http.StatusOK {
		t.Fatalf("latency status = %d", code)
	}
	if _, ok := snap["generated_at"]; !ok {
		t.Fatalf("latency snapshot = %+v", snap)
	}
}
