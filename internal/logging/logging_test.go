package logging

import (
	"context"
	"testing"
)

type captureLogger struct {
	noopLogger
	msgs [][]interface{}
}

func (c *captureLogger) Infow(msg string, kv ...interface{}) {
	c.msgs = append(c.msgs, append([]interface{}{msg}, kv...))
}

func TestInfowCtxMergesContextFields(t *testing.T) {
	c := &captureLogger{}
	SetLogger(c)
	t.Cleanup(func() { SetLogger(nil) })

	ctx := WithFields(context.Background(), "surface_id", "s-1")
	ctx = WithFields(ctx, "channel", "widget")
	InfowCtx(ctx, "hello", "k", "v")

	if len(c.msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1", len(c.msgs))
	}
	got := c.msgs[0]
	want := []interface{}{"hello", "surface_id", "s-1", "channel", "widget", "k", "v"}
	if len(got) != len(want) {
		t.Fatalf("fields = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("fields[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSetLoggerNilRestoresNoop(t *testing.T) {
	SetLogger(nil)
	// Must not panic without Init.
	Infow("noop")
	if err := Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"debug": "debug",
		"WARN":  "warn",
		"error": "error",
		"":      "info",
		"bogus": "info",
	}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("parseLevel(%q) = %q, want %q", in, got, want)
		}
	}
}
