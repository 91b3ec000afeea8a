package integrationtests

import (
	"testing"

	"go.uber.org/goleak"
)

// The app links the socket.io publisher, whose engine.io client starts a
// signal watcher and a network monitor from init.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("github.com/zishang520/engine.io-client-go/engine.setupSignalHandling.func1"),
		goleak.IgnoreAnyFunction("github.com/zishang520/engine.io-client-go/engine.setupNetworkHandling.func1"),
		goleak.IgnoreAnyFunction("github.com/zishang520/engine.io/v2/utils.SetInterval.func1"),
		goleak.IgnoreAnyFunction("os/signal.NotifyContext.func1"),
		goleak.IgnoreAnyFunction("os/signal.loop"),
		goleak.IgnoreAnyFunction("runtime.ensureSigM.func1"),
	)
}
