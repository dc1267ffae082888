package logger

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func resetForTest(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	SetOutput(buf)
	SetJSON(false)
	SetLevel(INFO)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetJSON(false)
		SetLevel(INFO)
	})
	return buf
}

func TestComponentTagging(t *testing.T) {
	buf := resetForTest(t)

	InfoC("scheduler", "sweep complete")

	out := buf.String()
	if !strings.Contains(out, "component=scheduler") {
		t.Fatalf("missing component tag: %q", out)
	}
	if !strings.Contains(out, "sweep complete") {
		t.Fatalf("missing message: %q", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := resetForTest(t)

	DebugC("engine", "hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug logged at info level: %q", buf.String())
	}

	SetLevel(DEBUG)
	DebugC("engine", "visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("debug not logged at debug level: %q", buf.String())
	}
}

func TestFieldsSortedDeterministically(t *testing.T) {
	buf := resetForTest(t)

	InfoCF("store", "wrote item", map[string]any{
		"tier":    "working",
		"id":      "mem-1",
		"version": 3,
	})

	out := buf.String()
	idIdx := strings.Index(out, "id=")
	tierIdx := strings.Index(out, "tier=")
	verIdx := strings.Index(out, "version=")
	if idIdx < 0 || tierIdx < 0 || verIdx < 0 {
		t.Fatalf("missing fields: %q", out)
	}
	if !(idIdx < tierIdx && tierIdx < verIdx) {
		t.Fatalf("fields not in sorted order: %q", out)
	}
}

func TestJSONOutput(t *testing.T) {
	buf := resetForTest(t)
	SetJSON(true)

	ErrorCF("remote", "compress call failed", map[string]any{"backend": "http"})

	out := buf.String()
	if !strings.Contains(out, `"component":"remote"`) {
		t.Fatalf("json output missing component: %q", out)
	}
	if !strings.Contains(out, `"backend":"http"`) {
		t.Fatalf("json output missing field: %q", out)
	}
}
