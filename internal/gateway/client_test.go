package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

type fakeBackend struct {
	ttsHits     atomic.Int32
	ttsDelay    time.Duration
	ttsStatus   int
	ttsFilename string

	askHits   atomic.Int32
	askStatus int
	// askDrop closes the connection after reading the request.
	askDrop bool
	ttsDrop bool

	mu          sync.Mutex
	lastForm    map[string]string
	lastFiles   map[string][]byte
	lastAuth    string
	lastChat    map[string]string
	improveJSON string
}

func (b *fakeBackend) router() http.Handler {
	r := chi.NewRouter()
	r.Post("/api/tts", func(w http.ResponseWriter, r *http.Request) {
		b.ttsHits.Add(1)
		if b.ttsDrop {
			dropConnection(w, r)
			return
		}
		if b.ttsDelay > 0 {
			time.Sleep(b.ttsDelay)
		}
		if b.ttsStatus != 0 {
			w.WriteHeader(b.ttsStatus)
			_, _ = w.Write([]byte(`{"message":"TTS failed"}`))
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"audio_filename": b.ttsFilename})
	})
	r.Post("/api/ask", func(w http.ResponseWriter, r *http.Request) {
		b.askHits.Add(1)
		if b.askDrop {
			dropConnection(w, r)
			return
		}
		if b.askStatus != 0 {
			w.WriteHeader(b.askStatus)
			return
		}
		b.captureForm(r)
		_ = json.NewEncoder(w).Encode(map[string]any{"response": "Hello there", "audio_filename": "reply.mp3"})
	})
	r.Post("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		b.lastChat = body
		b.lastAuth = r.Header.Get("Authorization")
		b.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"response": "Sure.", "audio_filename": nil})
	})
	r.Post("/api/writing-assistant", func(w http.ResponseWriter, r *http.Request) {
		b.captureForm(r)
		b.mu.Lock()
		body := b.improveJSON
		b.mu.Unlock()
		if body == "" {
			body = `{"improved_text":"Shorter text."}`
		}
		_, _ = w.Write([]byte(body))
	})
	r.Post("/api/writing-assistant-spelling", func(w http.ResponseWriter, r *http.Request) {
		b.captureForm(r)
		_, _ = w.Write([]byte(`{"improvedText":"recieve -> receive"}`))
	})
	r.Get("/api/audio/{filename}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3" + chi.URLParam(r, "filename")))
	})
	return r
}

// dropConnection reads the request and closes the socket without replying.
func dropConnection(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("response writer cannot hijack")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		panic(err)
	}
	_ = conn.Close()
}

func (b *fakeBackend) captureForm(r *http.Request) {
	_ = r.ParseMultipartForm(8 << 20)
	form := map[string]string{}
	files := map[string][]byte{}
	if r.MultipartForm != nil {
		for k, v := range r.MultipartForm.Value {
			form[k] = v[0]
		}
		for k, fhs := range r.MultipartForm.File {
			f, err := fhs[0].Open()
			if err != nil {
				continue
			}
			data, _ := io.ReadAll(f)
			_ = f.Close()
			files[k] = data
		}
	}
	b.mu.Lock()
	b.lastForm = form
	b.lastFiles = files
	b.mu.Unlock()
}

func newTestClient(t *testing.T, b *fakeBackend, opts Options) *Client {
	t.Helper()
	srv := httptest.NewServer(b.router())
	t.Cleanup(srv.Close)
	opts.BaseURL = srv.URL + "/"
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Millisecond
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestSynthesizeReturnsFilename(t *testing.T) {
	b := &fakeBackend{ttsFilename: "abc123.mp3"}
	c := newTestClient(t, b, Options{})

	got, err := c.Synthesize(context.Background(), "Hi, I'm Lexi.")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if got != "abc123.mp3" {
		t.Fatalf("Synthesize() = %q, want abc123.mp3", got)
	}
}

func TestSynthesizeEmptyTextSkipsRequest(t *testing.T) {
	b := &fakeBackend{ttsFilename: "x.mp3"}
	c := newTestClient(t, b, Options{})

	got, err := c.Synthesize(context.Background(), "   ")
	if err != nil || got != "" {
		t.Fatalf("Synthesize(blank) = %q, %v, want empty and nil", got, err)
	}
	if b.ttsHits.Load() != 0 {
		t.Fatalf("tts hits = %d, want 0", b.ttsHits.Load())
	}
}

func TestSynthesizeMissingFilenameIsNothingToPlay(t *testing.T) {
	b := &fakeBackend{}
	c := newTestClient(t, b, Options{})

	got, err := c.Synthesize(context.Background(), "hello")
	if err != nil || got != "" {
		t.Fatalf("Synthesize() = %q, %v, want empty and nil", got, err)
	}
}

func TestSynthesizeFailureRetriesAndClassifies(t *testing.T) {
	b := &fakeBackend{ttsStatus: http.StatusServiceUnavailable}
	c := newTestClient(t, b, Options{MaxRetries: 2})

	_, err := c.Synthesize(context.Background(), "hello")
	if !errors.Is(err, ErrSynthesisFailed) {
		t.Fatalf("Synthesize() error = %v, want ErrSynthesisFailed", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusServiceUnavailable {
		t.Fatalf("Synthesize() error = %v, want StatusError 503", err)
	}
	if got := b.ttsHits.Load(); got != 3 {
		t.Fatalf("tts hits = %d, want 3", got)
	}
}

func TestSynthesizeClientErrorIsNotRetried(t *testing.T) {
	b := &fakeBackend{ttsStatus: http.StatusBadRequest}
	c := newTestClient(t, b, Options{MaxRetries: 3})

	if _, err := c.Synthesize(context.Background(), "hello"); err == nil {
		t.Fatalf("Synthesize() error = nil, want failure")
	}
	if got := b.ttsHits.Load(); got != 1 {
		t.Fatalf("tts hits = %d, want 1", got)
	}
}

func TestSynthesizeDedupesConcurrentIdenticalText(t *testing.T) {
	b := &fakeBackend{ttsFilename: "same.mp3", ttsDelay: 200 * time.Millisecond}
	c := newTestClient(t, b, Options{})

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.Synthesize(context.Background(), "same words")
		}(i)
	}
	wg.Wait()

	if got := b.ttsHits.Load(); got != 1 {
		t.Fatalf("tts hits = %d, want 1", got)
	}
	for i, r := range results {
		if r != "same.mp3" {
			t.Fatalf("results[%d] = %q, want same.mp3", i, r)
		}
	}
}

func TestAskSendsMultipartAudio(t *testing.T) {
	b := &fakeBackend{}
	c := newTestClient(t, b, Options{})

	reply, err := c.Ask(context.Background(), AskRequest{Audio: []byte("RIFFdata")})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if reply.Response != "Hello there" || reply.AudioFilename != "reply.mp3" {
		t.Fatalf("Ask() = %+v, want response and filename", reply)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if string(b.lastFiles["audio"]) != "RIFFdata" {
		t.Fatalf("audio part = %q, want RIFFdata", b.lastFiles["audio"])
	}
	if _, ok := b.lastForm["text"]; ok {
		t.Fatalf("text field sent for audio-only ask")
	}
}

func TestChatSendsPageAndBearerToken(t *testing.T) {
	b := &fakeBackend{}
	c := newTestClient(t, b, Options{AuthToken: "tok"})

	reply, err := c.Chat(context.Background(), "what is this page", "Writing Assistant")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if reply.Response != "Sure." || reply.AudioFilename != "" {
		t.Fatalf("Chat() = %+v, want text reply without audio", reply)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastAuth != "Bearer tok" {
		t.Fatalf("Authorization = %q, want Bearer tok", b.lastAuth)
	}
	if b.lastChat["message"] != "what is this page" || b.lastChat["page"] != "Writing Assistant" {
		t.Fatalf("chat body = %v", b.lastChat)
	}
}

func TestApplyInstructionPayload(t *testing.T) {
	b := &fakeBackend{}
	c := newTestClient(t, b, Options{})

	got, err := c.ApplyInstruction(context.Background(), "make it shorter", "A long draft.")
	if err != nil {
		t.Fatalf("ApplyInstruction() error = %v", err)
	}
	if got != "Shorter text." {
		t.Fatalf("ApplyInstruction() = %q, want Shorter text.", got)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	want := "INSTRUCTION: make it shorter\n\nTEXT:\nA long draft."
	if b.lastForm["text"] != want {
		t.Fatalf("text field = %q, want %q", b.lastForm["text"], want)
	}
}

func TestCheckSpellingAcceptsCamelCaseField(t *testing.T) {
	b := &fakeBackend{}
	c := newTestClient(t, b, Options{})

	got, err := c.CheckSpelling(context.Background(), "I recieve")
	if err != nil {
		t.Fatalf("CheckSpelling() error = %v", err)
	}
	if got != "recieve -> receive" {
		t.Fatalf("CheckSpelling() = %q", got)
	}
}

func TestAudioURLEscapesFilename(t *testing.T) {
	c, err := New(Options{BaseURL: "http://localhost:5000/"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := c.AudioURL("my reply.mp3"); got != "http://localhost:5000/api/audio/my%20reply.mp3" {
		t.Fatalf("AudioURL() = %q", got)
	}
}

func TestFetchAudio(t *testing.T) {
	b := &fakeBackend{}
	c := newTestClient(t, b, Options{})

	body, ct, err := c.FetchAudio(context.Background(), "reply.mp3")
	if err != nil {
		t.Fatalf("FetchAudio() error = %v", err)
	}
	if string(body) != "ID3reply.mp3" || ct != "audio/mpeg" {
		t.Fatalf("FetchAudio() = %q, %q", body, ct)
	}
}

func TestNetworkErrorIsClassified(t *testing.T) {
	c, err := New(Options{BaseURL: "http://127.0.0.1:1", BackoffBase: time.Millisecond})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := c.Chat(context.Background(), "hi", "Home"); !errors.Is(err, ErrNetwork) {
		t.Fatalf("Chat() error = %v, want ErrNetwork", err)
	}
}

func TestAskIsNotResentAfterLostResponse(t *testing.T) {
	b := &fakeBackend{askDrop: true}
	c := newTestClient(t, b, Options{MaxRetries: 3})

	if _, err := c.Ask(context.Background(), AskRequest{Audio: []byte("RIFF")}); !errors.Is(err, ErrNetwork) {
		t.Fatalf("Ask() error = %v, want ErrNetwork", err)
	}
	if got := b.askHits.Load(); got != 1 {
		t.Fatalf("ask hits = %d, want 1", got)
	}
}

func TestAskRetriesOnlyUnprocessedStatus(t *testing.T) {
	tests := []struct {
		status int
		want   int32
	}{
		{http.StatusBadGateway, 1},
		{http.StatusInternalServerError, 1},
		{http.StatusServiceUnavailable, 3},
		{http.StatusTooManyRequests, 3},
	}
	for _, tt := range tests {
		b := &fakeBackend{askStatus: tt.status}
		c := newTestClient(t, b, Options{MaxRetries: 2})
		if _, err := c.Ask(context.Background(), AskRequest{Text: "hi"}); err == nil {
			t.Fatalf("Ask() with status %d error = nil", tt.status)
		}
		if got := b.askHits.Load(); got != tt.want {
			t.Fatalf("status %d: ask hits = %d, want %d", tt.status, got, tt.want)
		}
	}
}

func TestSynthesizeRetriesLostResponse(t *testing.T) {
	b := &fakeBackend{ttsDrop: true}
	c := newTestClient(t, b, Options{MaxRetries: 2})

	if _, err := c.Synthesize(context.Background(), "hello"); err == nil {
		t.Fatalf("Synthesize() error = nil")
	}
	if got := b.ttsHits.Load(); got != 3 {
		t.Fatalf("tts hits = %d, want 3", got)
	}
}
