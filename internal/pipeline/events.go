package pipeline

import (
	"log/slog"
	"sync"
)

// Phase names a stage of a run.
type Phase string

const (
	PhaseGeneration Phase = "generation"
	PhaseEmbedding  Phase = "embedding"
	PhaseScoring    Phase = "scoring"
)

// Event reports progress within a phase. Completed counts finished units,
// successful or not.
type Event struct {
	RunID     string `json:"run_id"`
	Phase     Phase  `json:"phase"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	TaskID    string `json:"task_id,omitempty"`
	Status    Status `json:"status,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// Sink receives progress events. Emit is called from many goroutines but
// never concurrently for the same phase.
type Sink interface {
	Emit(Event)
}

// ChannelSink forwards events onto a typed channel.
type ChannelSink struct {
	ch chan Event
}

// NewChannelSink creates a sink with the given buffer. Emit blocks when the
// buffer is full, so the consumer must drain Events until Close.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan Event, buffer)}
}

func (s *ChannelSink) Emit(e Event) { s.ch <- e }

// Events returns the receive side of the sink.
func (s *ChannelSink) Events() <-chan Event { return s.ch }

// Close ends the event stream. Call it after Run returns.
func (s *ChannelSink) Close() { close(s.ch) }

// LogSink writes events to a slog logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(e Event) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	attrs := []any{"run", e.RunID, "phase", e.Phase, "completed", e.Completed, "total", e.Total}
	if e.TaskID != "" {
		attrs = append(attrs, "task", e.TaskID, "status", e.Status)
	}
	if e.Completed == e.Total {
		l.Info("phase complete", attrs...)
		return
	}
	l.Debug("progress", attrs...)
}

type nopSink struct{}

func (nopSink) Emit(Event) {}

// progress serializes counter updates and emission for one phase.
type progress struct {
	mu        sync.Mutex
	sink      Sink
	runID     string
	phase     Phase
	total     int
	completed int
}

func newProgress(sink Sink, runID string, phase Phase, total int) *progress {
	return &progress{sink: sink, runID: runID, phase: phase, total: total}
}

func (p *progress) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink.Emit(Event{RunID: p.runID, Phase: p.phase, Total: p.total})
}

func (p *progress) done(taskID string, status Status, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed++
	p.sink.Emit(Event{
		RunID:     p.runID,
		Phase:     p.phase,
		Completed: p.completed,
		Total:     p.total,
		TaskID:    taskID,
		Status:    status,
		Payload:   payload,
	})
}
