package pipeline

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	p, _ := newTestPipeline(newFakeCaller(nil), Config{}, WithScorer(&fakeScorer{}))
	if _, err := p.Run(context.Background(), makeJob(1, 2), LogSink{Logger: logger}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "phase=generation") || !strings.Contains(out, "phase=scoring") {
		t.Errorf("expected completion of both phases, got:\n%s", out)
	}
	if strings.Contains(out, "msg=progress") {
		t.Errorf("intermediate progress should log at debug, got:\n%s", out)
	}
}
