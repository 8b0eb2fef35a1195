package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/lexivoice/internal/protocol"
)

type options struct {
	baseURL        string
	draft          string
	turns          int
	startDelay     time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
}

type createSurfaceResponse struct {
	SurfaceID string `json:"surface_id"`
}

type wsEnvelope struct {
	Type      string          `json:"type"`
	SurfaceID string          `json:"surface_id,omitempty"`
	State     json.RawMessage `json:"state,omitempty"`
	Code      string          `json:"code,omitempty"`
	Detail    string          `json:"detail,omitempty"`
}

var defaultInstructions = []string{
	"make it shorter",
	"make it more formal",
	"add a closing sentence",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfvoice: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfvoice: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string
	var startDelayMS int
	var interTurnMS int
	var turnTimeoutMS int

	fs := flag.NewFlagSet("perfvoice", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8765", "lexivoice base URL")
	fs.StringVar(&cfg.draft, "draft", "this is a draft that needs sum work before it can be sent", "text handed to the writing assistant")
	fs.IntVar(&cfg.turns, "turns", 3, "number of spoken instructions to replay")
	fs.IntVar(&startDelayMS, "start-delay-ms", 300, "delay before the first instruction in milliseconds")
	fs.IntVar(&interTurnMS, "inter-turn-ms", 100, "delay between turns in milliseconds")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 30000, "timeout waiting for conversation_turn per turn in milliseconds")
	fs.StringVar(&textsRaw, "texts", "", "instructions separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if strings.TrimSpace(cfg.draft) == "" {
		return options{}, fmt.Errorf("draft must not be empty")
	}
	if startDelayMS < 0 {
		startDelayMS = 0
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.startDelay = time.Duration(startDelayMS) * time.Millisecond
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultInstructions...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty instructions")
		}
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 2 * time.Minute}
	surfaceID, err := createSurface(ctx, httpClient, cfg.baseURL)
	if err != nil {
		return fmt.Errorf("create surface: %w", err)
	}
	defer func() {
		_ = postJSON(context.Background(), httpClient, cfg.baseURL+"/v1/surfaces/"+url.PathEscape(surfaceID)+"/end", nil, nil)
	}()

	wsURL, err := wsURLForSurface(cfg.baseURL, surfaceID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	listeningCh := make(chan struct{}, 32)
	turnCh := make(chan struct{}, 32)
	readErrCh := make(chan error, 1)
	go readLoop(conn, listeningCh, turnCh, readErrCh, cfg.verbose)

	if cfg.verbose {
		fmt.Printf("perfvoice: surface=%s turns=%d\n", surfaceID, cfg.turns)
	}
	processStart := time.Now()
	if err := postJSON(ctx, httpClient, cfg.baseURL+"/v1/surfaces/"+url.PathEscape(surfaceID)+"/writing/process", map[string]string{"text": cfg.draft}, nil); err != nil {
		return fmt.Errorf("process draft: %w", err)
	}
	if cfg.verbose {
		fmt.Printf("perfvoice: process took %s\n", time.Since(processStart).Round(time.Millisecond))
	}
	if cfg.startDelay > 0 {
		time.Sleep(cfg.startDelay)
	}

	var latencies []time.Duration
	for i := 0; i <= cfg.turns; i++ {
		text := "no thanks"
		if i < cfg.turns {
			text = cfg.texts[i%len(cfg.texts)]
		}
		if err := awaitSignal(listeningCh, readErrCh, cfg.turnTimeout); err != nil {
			return fmt.Errorf("turn %d await listening: %w", i+1, err)
		}
		if cfg.verbose {
			fmt.Printf("perfvoice: turn %d text=%q\n", i+1, text)
		}
		sent := time.Now()
		msg := protocol.ClientTranscript{
			Type:      protocol.TypeClientTranscript,
			SurfaceID: surfaceID,
			Text:      text,
			TSMs:      sent.UnixMilli(),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("turn %d send transcript: %w", i+1, err)
		}
		if err := awaitSignal(turnCh, readErrCh, cfg.turnTimeout); err != nil {
			return fmt.Errorf("turn %d await conversation_turn: %w", i+1, err)
		}
		latencies = append(latencies, time.Since(sent))
		if cfg.interTurnDelay > 0 && i < cfg.turns {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	fmt.Println(summarize(latencies))
	var snapshot json.RawMessage
	if err := getJSON(ctx, httpClient, cfg.baseURL+"/v1/perf/latency", &snapshot); err == nil && cfg.verbose {
		fmt.Printf("perfvoice: backend latency %s\n", string(snapshot))
	}
	return nil
}

func createSurface(ctx context.Context, client *http.Client, baseURL string) (string, error) {
	var out createSurfaceResponse
	if err := postJSON(ctx, client, baseURL+"/v1/surfaces", map[string]string{"kind": "writing", "page": "writing-assistant"}, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SurfaceID) == "" {
		return "", fmt.Errorf("missing surface_id in response")
	}
	return out.SurfaceID, nil
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, body, out any) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(client, req, out)
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return doJSON(client, req, out)
}

func doJSON(client *http.Client, req *http.Request, out any) error {
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func wsURLForSurface(baseURL, surfaceID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/events/ws"
	q := u.Query()
	q.Set("surface_id", surfaceID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, listeningCh, turnCh chan<- struct{}, readErrCh chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case string(protocol.TypeRecognitionState):
			var state string
			if json.Unmarshal(env.State, &state) == nil && state == "listening" {
				signal(listeningCh)
			}
		case string(protocol.TypeConversationTurn):
			signal(turnCh)
		case string(protocol.TypeErrorEvent):
			if verbose {
				fmt.Fprintf(os.Stderr, "perfvoice: error_event code=%s detail=%s\n", env.Code, env.Detail)
			}
		}
	}
}

func signal(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func awaitSignal(ch <-chan struct{}, readErrCh <-chan error, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case err := <-readErrCh:
		return err
	case <-timer.C:
		return fmt.Errorf("timeout after %s", timeout)
	}
}

// summarize renders min/p50/max turn latency.
func summarize(latencies []time.Duration) string {
	if len(latencies) == 0 {
		return "perfvoice: no turns"
	}
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	p50 := sorted[(len(sorted)-1)/2]
	return fmt.Sprintf("perfvoice: turns=%d min=%s p50=%s max=%s",
		len(sorted),
		sorted[0].Round(time.Millisecond),
		p50.Round(time.Millisecond),
		sorted[len(sorted)-1].Round(time.Millisecond))
}
