package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	origOut := log.Writer()
	origFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(origOut)
		log.SetFlags(origFlags)
		logFormatOnce = sync.Once{}
		logAsJSON = false
	})
	return &buf
}

func TestInfoTextFormat(t *testing.T) {
	logFormatOnce = sync.Once{}
	logAsJSON = false
	buf := captureLog(t)

	Info("workflow-engine", "started", "execution_id", "exec-1")
	got := strings.TrimSpace(buf.String())
	if !strings.Contains(got, "[WORKFLOW-ENGINE] started") || !strings.Contains(got, "execution_id=exec-1") {
		t.Fatalf("unexpected log output: %s", got)
	}
}

func TestWarnAndErrorCarryLevel(t *testing.T) {
	logFormatOnce = sync.Once{}
	logAsJSON = false
	buf := captureLog(t)

	Warn("state", "prune failed")
	Error("state", "save failed", "error", errors.New("disk\nfull"))
	out := buf.String()
	if !strings.Contains(out, "[STATE] WARN prune failed") {
		t.Fatalf("missing warn line: %s", out)
	}
	if !strings.Contains(out, "[STATE] ERROR save failed error=disk full") {
		t.Fatalf("missing error line: %s", out)
	}
}

func TestErrorJSONFormat(t *testing.T) {
	logFormatOnce = sync.Once{}
	logAsJSON = false
	t.Setenv(envLogFormat, "json")
	buf := captureLog(t)

	Error("checkpoint", "boom", "code", 500, "error", errors.New("bad"))
	line := strings.TrimSpace(buf.String())
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("expected json output, got: %s", line)
	}
	if payload["level"] != "ERROR" || payload["component"] != "checkpoint" || payload["msg"] != "boom" {
		t.Fatalf("unexpected json payload: %#v", payload)
	}
	if payload["code"] != float64(500) || payload["error"] != "bad" {
		t.Fatalf("unexpected fields: %#v", payload)
	}
}

func TestFormatFields(t *testing.T) {
	out := formatFields("a", 1, "b")
	if !strings.Contains(out, "a=1") || !strings.Contains(out, "b=(missing)") {
		t.Fatalf("unexpected fields: %s", out)
	}
	if out := formatFields(); out != "" {
		t.Fatalf("expected empty output")
	}
}
