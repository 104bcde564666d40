// Package testing provides scripted fake engines for movebroker tests.
//
// A fake engine is the test binary itself, re-executed with
// MOVEBROKER_FAKE_ENGINE set. Packages that spawn engines hook it up from
// TestMain:
//
//	func TestMain(m *testing.M) {
//	    mbtest.Main()
//	    os.Exit(m.Run())
//	}
//
// and build an engine configuration with the fluent builder:
//
//	cfg := mbtest.New(t, mbtest.Echo).
//	    WithBanner("fake engine ready").
//	    WithTimeout(time.Second).
//	    EngineConfig()
//
// # Behaviors
//
//   - Echo: answers every request with EchoResult(request), so concurrent
//     callers can check they got their own answer. Tagged requests are
//     answered out of order.
//   - Fixed: answers every request with the line set by WithReply.
//   - Garbage: answers every request with "garbage".
//   - ExitBeforeReply: exits with status 3 on the first request.
//   - SlowFirst: delays the first answer by WithDelay, then echoes.
//   - Stubborn: echoes, but ignores "quit", stdin EOF and SIGTERM.
//   - OneShot: reads the position from its argv, prints one answer and exits.
package testing
