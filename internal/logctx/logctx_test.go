package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsSessionAndRequestGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)}).With(slog.String("component", "test"))

	ctx := WithSessionData(context.Background(), &SessionData{SessionID: "s-1", ToolName: "echo", Side: "host"})
	ctx = WithRequestData(ctx, &RequestData{RequestID: "r-1", Method: "GET", Path: "/sessions/s-1/events"})
	log.InfoContext(ctx, "session.event.sent")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, buf.String())
	}
	sess, ok := rec["sess"].(map[string]any)
	if !ok {
		t.Fatalf("missing sess group: %s", buf.String())
	}
	if sess["id"] != "s-1" || sess["tool"] != "echo" || sess["side"] != "host" {
		t.Fatalf("unexpected sess group: %v", sess)
	}
	req, ok := rec["req"].(map[string]any)
	if !ok || req["id"] != "r-1" {
		t.Fatalf("unexpected req group: %v", rec["req"])
	}
	if rec["component"] != "test" {
		t.Fatalf("WithAttrs lost the decorating handler: %s", buf.String())
	}
}

func TestHandlerWithoutContextData(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)})
	log.InfoContext(context.Background(), "plain")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := rec["sess"]; ok {
		t.Fatalf("unexpected sess group")
	}
}
