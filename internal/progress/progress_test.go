package progress

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/beamgridgo/internal/ctxlog"
)

func TestLogReporter(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	var buf bytes.Buffer
	ctx := ctxlog.WithLogger(context.Background(), slog.New(slog.NewTextHandler(&buf, nil)))
	ev := Event{RunID: "r1", Job: "tune", Iteration: 3, Penalty: 0.5, Worst: "qx", Knobs: map[string]float64{"kqf": 0.1}}

	// --- Act ---
	LogReporter{Level: slog.LevelInfo}.Report(ctx, ev)

	// --- Assert ---
	out := buf.String()
	assert.Contains(t, out, "iteration=3")
	assert.Contains(t, out, "worst=qx")
	assert.Contains(t, out, "knob.kqf=0.1")
}

func TestMultiAndRecorder(t *testing.T) {
	t.Parallel()
	a, b := &Recorder{}, &Recorder{}
	m := Multi{a, nil, b, Nop{}}

	m.Report(context.Background(), Event{Iteration: 1})
	m.Report(context.Background(), Event{Iteration: 2, Done: true})

	require.Len(t, a.Events(), 2)
	assert.Equal(t, a.Events(), b.Events())
	assert.True(t, b.Events()[1].Done)
}
