package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/vk/beamgridgo/internal/config"
	"github.com/vk/beamgridgo/internal/ctxlog"
	"github.com/vk/beamgridgo/internal/match"
	"github.com/vk/beamgridgo/internal/optics"
	"github.com/vk/beamgridgo/internal/progress"
	"github.com/vk/beamgridgo/internal/progress/socketio"
	"github.com/vk/beamgridgo/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownJob reports a job filter naming no twiss or match job.
var ErrUnknownJob = errors.New("unknown job")

// Run executes the document: it advances the energy ramp, solves the match
// jobs against the live environment, then computes and prints the twiss
// jobs, so printed optics reflect the matched knobs.
func (a *App) Run(ctx context.Context) error {
	ctx, reporter, stop, err := a.start(ctx)
	if err != nil {
		return err
	}
	defer stop()

	return a.runJobs(ctx, reporter)
}

// start attaches the logger to ctx and brings up telemetry, the health check
// server and the progress reporter. stop tears them down in reverse.
func (a *App) start(ctx context.Context) (context.Context, progress.Reporter, func(), error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.ctx = ctx
	a.logger.Debug("App.Run method started.")

	tel, err := telemetry.Setup(ctx, telemetry.Config{
		Metrics: a.config.Metrics,
		Traces:  a.config.Traces,
		Writer:  a.outW,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	a.telemetry = tel
	if a.config.Metrics == telemetry.ExporterPrometheus && a.config.HealthcheckPort <= 0 {
		a.logger.Warn("Prometheus metrics need --healthcheck-port to be served.")
	}

	a.healthCheckServer()

	reporter, closeReporter, err := a.reporter(ctx)
	if err != nil {
		a.closeHealthCheckServer()
		_ = tel.Shutdown(context.WithoutCancel(ctx))
		return nil, nil, nil, err
	}

	stop := func() {
		closeReporter()
		a.closeHealthCheckServer()
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("Telemetry shutdown failed.", "error", err)
		}
		a.logger.Debug("App.Run method finished.")
	}
	return ctx, reporter, stop, nil
}

// runJobs runs the selected jobs once against the current environment.
func (a *App) runJobs(ctx context.Context, reporter progress.Reporter) error {
	twiss, matches, err := a.selectJobs()
	if err != nil {
		return err
	}

	if err := a.runRamp(ctx); err != nil {
		return err
	}

	if len(twiss)+len(matches) == 0 {
		a.logger.Warn("No jobs found in document, execution not required.")
	} else {
		a.logger.Info("🚀 Starting jobs...", "twiss", len(twiss), "match", len(matches))
	}

	for _, name := range matches {
		if err := a.runMatch(ctx, name, reporter); err != nil {
			return err
		}
	}
	if err := a.runTwiss(ctx, twiss); err != nil {
		return err
	}

	if a.config.SavePath != "" {
		if err := a.save(ctx); err != nil {
			return err
		}
	}

	a.logger.Info("🏁 Execution finished.")
	return nil
}

// selectJobs returns the twiss and match jobs to run, in document order.
func (a *App) selectJobs() (twiss, matches []string, err error) {
	doc := a.env.Document()
	wanted := make(map[string]bool, len(a.config.Jobs))
	for _, j := range a.config.Jobs {
		wanted[j] = false
	}
	keep := func(name string) bool {
		if len(wanted) == 0 {
			return true
		}
		if _, ok := wanted[name]; ok {
			wanted[name] = true
			return true
		}
		return false
	}
	for _, t := range doc.Twiss {
		if keep(t.Name) {
			twiss = append(twiss, t.Name)
		}
	}
	for _, m := range doc.Matches {
		if keep(m.Name) {
			matches = append(matches, m.Name)
		}
	}
	for _, j := range a.config.Jobs {
		if !wanted[j] {
			return nil, nil, fmt.Errorf("%w: %q", ErrUnknownJob, j)
		}
	}
	return twiss, matches, nil
}

// reporter builds the progress sink for match runs. The returned func
// closes any network connection it opened.
func (a *App) reporter(ctx context.Context) (progress.Reporter, func(), error) {
	logReporter := progress.LogReporter{Level: slog.LevelDebug}
	if a.config.ProgressURL == "" {
		return logReporter, func() {}, nil
	}
	sock, err := socketio.Dial(ctx, socketio.Options{URL: a.config.ProgressURL})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect progress reporter: %w", err)
	}
	closer := func() {
		if err := sock.Close(); err != nil {
			a.logger.Warn("Closing progress reporter failed.", "error", err)
		}
	}
	return progress.Multi{logReporter, sock}, closer, nil
}

// runRamp advances the ramp by its configured number of turns.
func (a *App) runRamp(ctx context.Context) error {
	ramp := a.env.Ramp
	if ramp == nil {
		return nil
	}
	turns := a.env.Document().Ramp.Turns
	for i := 0; i < turns; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		st, err := ramp.Advance()
		if err != nil {
			return fmt.Errorf("ramp turn %d: %w", ramp.Turn(), err)
		}
		a.logger.Debug("Ramp turn.", "turn", st.Turn, "t", st.T, "kinetic_energy", st.KineticEnergy, "f_rf", st.RFFrequency)
	}
	st, err := ramp.State()
	if err != nil {
		return fmt.Errorf("ramp: %w", err)
	}
	a.logger.Info("⚡ Ramp advanced.", "turns", turns, "t", st.T, "kinetic_energy", st.KineticEnergy)
	printRamp(a.outW, st)
	return nil
}

func (a *App) runMatch(ctx context.Context, name string, reporter progress.Reporter) error {
	p, s, err := a.env.MatchProblem(name)
	if err != nil {
		return err
	}
	s.Workers = a.config.WorkerCount
	s.Reporter = reporter
	for _, k := range p.Knobs {
		if info, err := a.env.Graph.Info(k.Name); err == nil {
			a.logger.Debug("Knob.", "match", name, "knob", k.Name, "info", info)
		}
	}

	opt, err := match.New(ctx, p, s)
	if err != nil {
		return fmt.Errorf("match %q: %w", name, err)
	}
	solveErr := opt.Solve(ctx)
	printMatch(a.outW, name, opt, p.Knobs)
	if solveErr != nil {
		return fmt.Errorf("match %q: %w", name, solveErr)
	}
	return nil
}

// runTwiss computes the tables concurrently and prints them in order.
func (a *App) runTwiss(ctx context.Context, names []string) error {
	tables := make([]*optics.Table, len(names))
	g, gctx := errgroup.WithContext(ctx)
	if a.config.WorkerCount > 0 {
		g.SetLimit(a.config.WorkerCount)
	}
	for i, name := range names {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			tab, err := a.env.TwissReport(gctx, name)
			if err != nil {
				return err
			}
			tables[i] = tab
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, name := range names {
		printTwiss(a.outW, name, tables[i])
	}
	return nil
}

// save writes the captured environment, keeping the loaded format unless
// the file extension names another.
func (a *App) save(ctx context.Context) error {
	path := a.config.SavePath
	w := writerFor(path, resolveFormat(a.config.Format, a.config.LatticePath))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to save environment: %w", err)
	}
	if err := w.Write(f, config.Capture(a.env)); err != nil {
		f.Close()
		return fmt.Errorf("failed to save environment: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to save environment: %w", err)
	}
	ctxlog.FromContext(ctx).Info("💾 Environment saved.", "path", path)
	return nil
}
