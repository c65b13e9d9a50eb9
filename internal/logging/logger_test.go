package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"medgate/internal/services"
)

func TestConsoleHandlerFormatsRecord(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	logger := slog.New(newConsoleHandler(&buf, lvl))

	logger = logger.With(String(FieldComponent, "workflow"))
	logger.Info("stage completed",
		String(FieldStage, "extract"),
		Int("attempt", 1),
		String("note", "two words"),
	)

	line := strings.TrimSpace(buf.String())
	for _, want := range []string{
		"INFO workflow: stage completed",
		"stage=extract",
		"attempt=1",
		`note="two words"`,
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
	if strings.Contains(line, FieldComponent+"=") {
		t.Fatalf("component leaked as attribute: %q", line)
	}
}

func TestConsoleHandlerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	lvl.Set(slog.LevelWarn)
	logger := slog.New(newConsoleHandler(&buf, lvl))

	logger.Info("hidden")
	logger.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "visible") {
		t.Fatalf("out = %q", out)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatal("unknown format accepted")
	}
}

func TestWithContextCarriesCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	logger := slog.New(newConsoleHandler(&buf, lvl))

	ctx := services.WithDocumentID(context.Background(), 42)
	ctx = services.WithJobID(ctx, 7)
	ctx = services.WithStage(ctx, "explain")
	ctx = services.WithRequestID(ctx, "req-123")

	WithContext(ctx, logger).Info("working")

	line := buf.String()
	for _, want := range []string{
		FieldDocumentID + "=42",
		FieldJobID + "=7",
		FieldStage + "=explain",
		FieldCorrelationID + "=req-123",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}

	// An unannotated context leaves the logger untouched.
	if got := WithContext(context.Background(), logger); got != logger {
		t.Fatal("empty context changed the logger")
	}
}

func TestGroupedAttrsFlatten(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	logger := slog.New(newConsoleHandler(&buf, lvl))

	logger.Info("msg", slog.Group("doc", slog.Int("id", 7)))
	if !strings.Contains(buf.String(), "doc.id=7") {
		t.Fatalf("out = %q", buf.String())
	}
}
