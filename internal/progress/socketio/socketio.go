// Package socketio publishes match progress to a socket.io server. Linking
// it starts the engine.io client's signal handler and network monitor, so
// only the application imports it.
package socketio

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/vk/beamgridgo/internal/ctxlog"
	"github.com/vk/beamgridgo/internal/progress"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// DefaultEvent is the event name match iterations are emitted under.
const DefaultEvent = "match_progress"

// Options configure a Reporter.
type Options struct {
	URL                string
	Namespace          string
	Event              string
	InsecureSkipVerify bool
	// ConnectTimeout bounds the wait for the initial connection.
	ConnectTimeout time.Duration
}

// Reporter emits events to a socket.io server, for example a live
// dashboard following a long match.
type Reporter struct {
	io    *socket.Socket
	event string
}

// Dial connects to the server and waits for the connection to be
// confirmed.
func Dial(ctx context.Context, opts Options) (*Reporter, error) {
	logger := ctxlog.FromContext(ctx).With("reporter", "socketio", "url", opts.URL)

	parsed, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("progress URL %q needs a scheme and a host", opts.URL)
	}
	if opts.Event == "" {
		opts.Event = DefaultEvent
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}

	sopts := socket.DefaultOptions()
	sopts.SetPath(parsed.Path)
	if opts.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		sopts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	sopts.SetTransports(types.NewSet(transports.WebSocket))

	connected := make(chan error, 1)
	manager := socket.NewManager(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host), sopts)
	io := manager.Socket(opts.Namespace, sopts)
	io.Once(types.EventName("connect"), func(...any) {
		logger.Info("📡 progress socket connected", "sid", io.Id())
		connected <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err, _ := errs[0].(error)
		if err == nil {
			err = fmt.Errorf("connect_error: %v", errs[0])
		}
		connected <- err
	})
	io.Connect()

	select {
	case err := <-connected:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
		return &Reporter{io: io, event: opts.Event}, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("waiting for socket.io connection: %w", ctx.Err())
	case <-time.After(opts.ConnectTimeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %v waiting for socket.io connection", opts.ConnectTimeout)
	}
}

// Report implements progress.Reporter.
func (r *Reporter) Report(ctx context.Context, ev progress.Event) {
	if !r.io.Connected() {
		ctxlog.FromContext(ctx).Warn("progress socket disconnected; dropping event", "iteration", ev.Iteration)
		return
	}
	r.io.Emit(r.event, payload(ev))
}

// Close disconnects from the server.
func (r *Reporter) Close() error {
	r.io.Disconnect()
	return nil
}

func payload(ev progress.Event) map[string]any {
	knobs := make(map[string]any, len(ev.Knobs))
	for k, v := range ev.Knobs {
		knobs[k] = v
	}
	return map[string]any{
		"run":       ev.RunID,
		"job":       ev.Job,
		"iteration": ev.Iteration,
		"penalty":   ev.Penalty,
		"worst":     ev.Worst,
		"knobs":     knobs,
		"satisfied": ev.Satisfied,
		"done":      ev.Done,
	}
}

var _ progress.Reporter = (*Reporter)(nil)
