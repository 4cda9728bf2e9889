// Package vtest provides an in-memory server and client pair for end-to-end
// tests of duet applications.
//
// A Harness runs the application on a real HTTP server (httptest) and
// connects Go clients to it over the same transports a deployment uses.
//
// # Quick Start
//
//	func TestCounter(t *testing.T) {
//	    h := vtest.New(t, CounterApp)
//	    c := h.Connect()
//	    h.Eventually(func() bool { return seen.Load() == 3 })
//	    _ = c.Close()
//	}
//
// # Lifecycle Simulation
//
// The harness can restart its server. Live sessions are archived to the
// harness store, requests arriving during the restart wait for the new
// server, and connected clients restore their sessions from the archive:
//
//	h := vtest.New(t, app, vtest.WithStore(session.NewMemoryStore()))
//	c := h.Connect()
//	if err := h.SimulateServerRestart(); err != nil {
//	    t.Fatal(err)
//	}
//	h.Eventually(func() bool {
//	    s := h.Session(c.SessionID())
//	    return s != nil && s.Restored()
//	})
//
// Sessions can also be expired from the server side with SimulateExpiry,
// which the client observes as client.ErrSessionExpired.
package vtest
