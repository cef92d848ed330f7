package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := New("debug", "json", &buf)
	if err != nil {
		t.Fatal(err)
	}
	l.Debug("hello", "component", "test")
	if !strings.Contains(buf.String(), `"component":"test"`) {
		t.Errorf("expected json attribute, got %q", buf.String())
	}
}

func TestNewRejectsUnknown(t *testing.T) {
	if _, err := New("loud", "text", &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := New("info", "xml", &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l, _ := New("warn", "text", &buf)
	l.Info("quiet")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level, got %q", buf.String())
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	l, _ := New("info", "text", &buf)
	ctx := WithLogger(context.Background(), l)
	FromContext(ctx, nil).Info("scoped")
	if !strings.Contains(buf.String(), "scoped") {
		t.Error("expected context logger to be used")
	}

	// No logger in context and no fallback must not panic.
	FromContext(context.Background(), nil).Info("dropped")
}
