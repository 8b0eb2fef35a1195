package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ent0n29/lexivoice/internal/logging"
	"github.com/ent0n29/lexivoice/internal/observability"
	"github.com/ent0n29/lexivoice/internal/reliability"
)

type Options struct {
	BaseURL    string
	AuthToken  string
	Timeout    time.Duration
	MaxRetries int
	// BackoffBase is the first retry delay; it doubles up to BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	HTTPClient  *http.Client
	Metrics     *observability.Metrics
}

// Client talks to the speech/assistant backend.
type Client struct {
	base        string
	token       string
	http        *http.Client
	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration
	metrics     *observability.Metrics
	synth       singleflight.Group
}

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("backend base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("backend base url: %w", err)
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 200 * time.Millisecond
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 2 * time.Second
	}
	return &Client{
		base:        base,
		token:       strings.TrimSpace(opts.AuthToken),
		http:        hc,
		maxRetries:  opts.MaxRetries,
		backoffBase: opts.BackoffBase,
		backoffCap:  opts.BackoffCap,
		metrics:     opts.Metrics,
	}, nil
}

// AudioURL resolves a backend audio filename.
func (c *Client) AudioURL(filename string) string {
	return c.base + "/api/audio/" + url.PathEscape(filename)
}

// Synthesize requests speech for text and returns the audio filename. Empty
// text, or a response without a filename, yields "" and no error.
// Concurrent calls for the same text share one request.
func (c *Client) Synthesize(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}

	ch := c.synth.DoChan(text, func() (any, error) {
		var out struct {
			AudioFilename string `json:"audio_filename"`
		}
		err := c.do(context.WithoutCancel(ctx), "tts", func(ctx context.Context) (*http.Request, error) {
			return c.jsonRequest(ctx, "/api/tts", map[string]string{"text": text}, false)
		}, &out)
		return strings.TrimSpace(out.AudioFilename), err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type AskRequest struct {
	Text      string
	Image     []byte
	ImageName string
	// Audio is a WAV recording sent as recording.wav.
	Audio []byte
}

type Reply struct {
	Response      string `json:"response"`
	AudioFilename string `json:"audio_filename"`
}

// Ask submits text, an image, or a recording to the assistant.
func (c *Client) Ask(ctx context.Context, req AskRequest) (Reply, error) {
	var out Reply
	err := c.do(ctx, "ask", func(ctx context.Context) (*http.Request, error) {
		fields := map[string]string{}
		if strings.TrimSpace(req.Text) != "" {
			fields["text"] = req.Text
		}
		var files []formFile
		if len(req.Image) > 0 {
			name := req.ImageName
			if name == "" {
				name = "image.png"
			}
			files = append(files, formFile{field: "image", name: name, data: req.Image})
		}
		if len(req.Audio) > 0 {
			files = append(files, formFile{field: "audio", name: "recording.wav", data: req.Audio})
		}
		return c.multipartRequest(ctx, "/api/ask", fields, files)
	}, &out)
	return out, err
}

// Chat sends a floating-assistant message tagged with the hosting page.
func (c *Client) Chat(ctx context.Context, message, page string) (Reply, error) {
	var out Reply
	err := c.do(ctx, "chat", func(ctx context.Context) (*http.Request, error) {
		return c.jsonRequest(ctx, "/api/chat", map[string]string{"message": message, "page": page}, true)
	}, &out)
	return out, err
}

// ImproveWriting returns the backend's improved version of text.
func (c *Client) ImproveWriting(ctx context.Context, text string) (string, error) {
	return c.writing(ctx, "writing-assistant", "/api/writing-assistant", text)
}

// CheckSpelling returns the backend's list of spelling mistakes in text.
func (c *Client) CheckSpelling(ctx context.Context, text string) (string, error) {
	return c.writing(ctx, "writing-assistant-spelling", "/api/writing-assistant-spelling", text)
}

// ApplyInstruction asks the backend to revise working according to a spoken
// instruction.
func (c *Client) ApplyInstruction(ctx context.Context, instruction, working string) (string, error) {
	return c.ImproveWriting(ctx, InstructionPayload(instruction, working))
}

// InstructionPayload is the text body sent for a voice instruction.
func InstructionPayload(instruction, working string) string {
	return "INSTRUCTION: " + instruction + "\n\nTEXT:\n" + working
}

func (c *Client) writing(ctx context.Context, endpoint, path, text string) (string, error) {
	var out struct {
		ImprovedText      string `json:"improved_text"`
		ImprovedTextCamel string `json:"improvedText"`
	}
	err := c.do(ctx, endpoint, func(ctx context.Context) (*http.Request, error) {
		return c.multipartRequest(ctx, path, map[string]string{"text": text}, nil)
	}, &out)
	if err != nil {
		return "", err
	}
	if out.ImprovedText != "" {
		return out.ImprovedText, nil
	}
	return out.ImprovedTextCamel, nil
}

// FetchAudio downloads a backend audio file.
func (c *Client) FetchAudio(ctx context.Context, filename string) ([]byte, string, error) {
	var body []byte
	var contentType string
	err := c.attempts(ctx, "audio", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.AudioURL(filename), nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		res, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNetwork, err)
		}
		defer res.Body.Close()
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			return statusError("audio", res)
		}
		body, err = io.ReadAll(res.Body)
		if err != nil {
			return fmt.Errorf("%w: read audio: %w", ErrNetwork, err)
		}
		contentType = res.Header.Get("Content-Type")
		return nil
	})
	return body, contentType, err
}

type formFile struct {
	field string
	name  string
	data  []byte
}

func (c *Client) jsonRequest(ctx context.Context, path string, payload any, auth bool) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth && c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) multipartRequest(ctx context.Context, path string, fields map[string]string, files []formFile) (*http.Request, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write field %s: %w", k, err)
		}
	}
	for _, f := range files {
		w, err := mw.CreateFormFile(f.field, f.name)
		if err != nil {
			return nil, fmt.Errorf("create form file %s: %w", f.field, err)
		}
		if _, err := w.Write(f.data); err != nil {
			return nil, fmt.Errorf("write form file %s: %w", f.field, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req, nil
}

// do sends the request built by build, retrying transient failures, and
// decodes a JSON response into out.
func (c *Client) do(ctx context.Context, endpoint string, build func(context.Context) (*http.Request, error), out any) error {
	return c.attempts(ctx, endpoint, func(ctx context.Context) error {
		req, err := build(ctx)
		if err != nil {
			return err
		}
		res, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNetwork, err)
		}
		defer res.Body.Close()

		if res.StatusCode < 200 || res.StatusCode >= 300 {
			return statusError(endpoint, res)
		}
		body, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
		if err != nil {
			return fmt.Errorf("%w: read response: %w", ErrNetwork, err)
		}
		if len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%w: decode %s response: %w", ErrNetwork, endpoint, err)
		}
		return nil
	})
}

func (c *Client) attempts(ctx context.Context, endpoint string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if serr := reliability.Sleep(ctx, reliability.ExponentialBackoff(attempt-1, c.backoffBase, c.backoffCap)); serr != nil {
				return serr
			}
		}
		started := time.Now()
		err = fn(ctx)
		c.metrics.ObserveGatewayRequest(endpoint, outcome(err), time.Since(started))
		if err == nil || !retryable(endpoint, err) || ctx.Err() != nil {
			break
		}
		logging.DebugwCtx(ctx, "backend request retry", "endpoint", endpoint, "attempt", attempt+1, "error", err)
	}
	if err != nil {
		logging.WarnwCtx(ctx, "backend request failed", "endpoint", endpoint, "error", err)
	}
	return err
}

func statusError(endpoint string, res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
	kind := ErrNetwork
	if endpoint == "tts" {
		kind = ErrSynthesisFailed
	}
	return &StatusError{Endpoint: endpoint, Status: res.StatusCode, Body: strings.TrimSpace(string(body)), kind: kind}
}

// submissions are not repeated once the backend may have acted on them.
var submissions = map[string]bool{"ask": true, "chat": true}

func retryable(endpoint string, err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		if submissions[endpoint] {
			return reliability.IsUnprocessedHTTPStatus(se.Status)
		}
		return reliability.IsRetryableHTTPStatus(se.Status)
	}
	if submissions[endpoint] {
		return reliability.IsUnsentRequestError(err)
	}
	return reliability.IsRetryableNetworkError(err)
}

func outcome(err error) string {
	var se *StatusError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &se):
		return fmt.Sprintf("status_%d", se.Status)
	default:
		return "error"
	}
}
