package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func decodeLastLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	lines := strings.Split(buf.String(), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}

		var payload map[string]any
		if err := json.Unmarshal([]byte(lines[i]), &payload); err != nil {
			t.Fatalf("failed to decode log line: %v", err)
		}
		return payload
	}

	t.Fatal("no log lines found")
	return nil
}

func TestWithContextInjectsFields(t *testing.T) {
	var buf bytes.Buffer
	log := New("dualwrite", &buf)

	ctx := ContextWithTraceID(context.Background(), "trace-123")
	ctx = ContextWithSpanID(ctx, "span-456")

	log.WithContext(ctx).Info("operation executed")

	payload := decodeLastLogLine(t, &buf)

	if payload["service"] != "dualwrite" {
		t.Fatalf("expected service to be injected, got %v", payload["service"])
	}
	if payload["traceID"] != "trace-123" {
		t.Fatalf("expected traceID to be injected, got %v", payload["traceID"])
	}
	if payload["spanID"] != "span-456" {
		t.Fatalf("expected spanID to be injected, got %v", payload["spanID"])
	}
	if payload["timestamp"] == nil {
		t.Fatalf("expected timestamp to be injected")
	}
	if payload["level"] != "info" {
		t.Fatalf("expected level to be info, got %v", payload["level"])
	}
	if payload["message"] != "operation executed" {
		t.Fatalf("expected message to match, got %v", payload["message"])
	}
}

func TestWithComponentTagsLines(t *testing.T) {
	var buf bytes.Buffer
	log := New("dualwrite", &buf)

	log.WithComponent("retry").Warn("task abandoned")

	payload := decodeLastLogLine(t, &buf)
	if payload["component"] != "retry" {
		t.Fatalf("expected component to be retry, got %v", payload["component"])
	}
	if payload["service"] != "dualwrite" {
		t.Fatalf("expected service to survive, got %v", payload["service"])
	}
}

func TestWithErrorAndFields(t *testing.T) {
	var buf bytes.Buffer
	log := New("dualwrite", &buf)

	log.WithError(errors.New("legacy unreachable")).Errorf("secondary write failed", map[string]interface{}{
		"entityType": "order",
		"entityKey":  "ord-42",
	})

	payload := decodeLastLogLine(t, &buf)
	if payload["error"] != "legacy unreachable" {
		t.Fatalf("expected error field, got %v", payload["error"])
	}
	if payload["entityType"] != "order" {
		t.Fatalf("expected entityType field, got %v", payload["entityType"])
	}
	if payload["entityKey"] != "ord-42" {
		t.Fatalf("expected entityKey field, got %v", payload["entityKey"])
	}
}

func TestLevels(t *testing.T) {
	tests := []struct {
		name  string
		logFn func(*Logger)
		want  string
	}{
		{
			name: "warn",
			logFn: func(l *Logger) {
				l.Warn("warning")
			},
			want: "warn",
		},
		{
			name: "error",
			logFn: func(l *Logger) {
				l.Error("failure")
			},
			want: "error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log := New("dualwrite", &buf)

			tt.logFn(log)

			payload := decodeLastLogLine(t, &buf)
			if payload["level"] != tt.want {
				t.Fatalf("expected level %s, got %v", tt.want, payload["level"])
			}
		})
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := ContextWithTraceID(context.Background(), "trace-x")
	ctx = ContextWithSpanID(ctx, "span-y")

	if got := TraceIDFromContext(ctx); got != "trace-x" {
		t.Fatalf("expected trace id trace-x, got %q", got)
	}
	if got := SpanIDFromContext(ctx); got != "span-y" {
		t.Fatalf("expected span id span-y, got %q", got)
	}

	typedCtx := context.WithValue(context.Background(), traceIDKey, 123)
	if got := TraceIDFromContext(typedCtx); got != "" {
		t.Fatalf("expected empty trace id for non-string, got %q", got)
	}
	if got := SpanIDFromContext(nil); got != "" {
		t.Fatalf("expected empty span id for nil context, got %q", got)
	}
}

func TestNewWithNilWriter(t *testing.T) {
	log := New("dualwrite", nil)
	if log == nil {
		t.Fatal("expected logger instance")
	}
}
