// Package progress publishes the iterations of a matching run.
package progress

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/vk/beamgridgo/internal/ctxlog"
)

// Event describes one optimizer iteration.
type Event struct {
	RunID     string
	Job       string
	Iteration int
	Penalty   float64
	// Worst names the target with the largest weighted residual.
	Worst     string
	Knobs     map[string]float64
	Satisfied bool
	Done      bool
}

// Reporter receives events. Implementations must not block the optimizer
// for long; Report is called synchronously between iterations.
type Reporter interface {
	Report(ctx context.Context, ev Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Report(context.Context, Event) {}

// LogReporter writes events to the context logger.
type LogReporter struct {
	Level slog.Level
}

func (r LogReporter) Report(ctx context.Context, ev Event) {
	logger := ctxlog.FromContext(ctx)
	attrs := []any{
		"run", ev.RunID,
		"job", ev.Job,
		"iteration", ev.Iteration,
		"penalty", ev.Penalty,
		"satisfied", ev.Satisfied,
	}
	if ev.Worst != "" {
		attrs = append(attrs, "worst", ev.Worst)
	}
	names := make([]string, 0, len(ev.Knobs))
	for k := range ev.Knobs {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		attrs = append(attrs, slog.Float64("knob."+k, ev.Knobs[k]))
	}
	msg := "🔁 match iteration"
	if ev.Done {
		msg = "🏁 match finished"
	}
	logger.Log(ctx, r.Level, msg, attrs...)
}

// Multi fans an event out to several reporters in order.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, ev Event) {
	for _, r := range m {
		if r != nil {
			r.Report(ctx, ev)
		}
	}
}

// Recorder keeps every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Report(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
