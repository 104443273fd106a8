package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text", false)

	Info("bus created", KeyBus, "1000-system", KeyConnection, 7)

	out := buf.String()
	if !strings.Contains(out, "bus created") {
		t.Errorf("message missing from output: %q", out)
	}
	if !strings.Contains(out, "bus=1000-system") {
		t.Errorf("bus field missing from output: %q", out)
	}
	if !strings.Contains(out, "connection=7") {
		t.Errorf("connection field missing from output: %q", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json", false)

	Info("connection opened", KeyBus, "1000-system")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if record["msg"] != "connection opened" {
		t.Errorf("msg = %v", record["msg"])
	}
	if record[KeyBus] != "1000-system" {
		t.Errorf("bus = %v", record[KeyBus])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "text", false)

	Debug("not visible")
	Info("not visible either")
	Warn("visible")

	out := buf.String()
	if strings.Contains(out, "not visible") {
		t.Errorf("suppressed levels leaked: %q", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("warn line missing: %q", out)
	}

	// Restore a permissive level for other tests.
	SetLevel("INFO")
}

func TestContextFields(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text", false)

	ctx := WithContext(context.Background(), &LogContext{
		RequestID:  "req-1",
		Command:    "make-bus",
		Bus:        "1000-foo",
		Connection: 3,
	})
	InfoCtx(ctx, "command handled")

	out := buf.String()
	for _, want := range []string{"request_id=req-1", "command=make-bus", "bus=1000-foo", "connection=3"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %q", want, out)
		}
	}
}

func TestFromContextAbsent(t *testing.T) {
	if lc := FromContext(context.Background()); lc != nil {
		t.Errorf("expected nil LogContext, got %+v", lc)
	}
	if lc := FromContext(nil); lc != nil { //nolint:staticcheck // explicit nil-context contract
		t.Errorf("expected nil LogContext for nil context, got %+v", lc)
	}
}
