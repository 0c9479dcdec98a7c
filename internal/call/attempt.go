package call

import "sync"

type attemptState int

const (
	attemptIdle attemptState = iota
	attemptInFlight
	attemptConnected
	attemptStopped
)

func (s attemptState) String() string {
	switch s {
	case attemptIdle:
		return "idle"
	case attemptInFlight:
		return "attempting"
	case attemptConnected:
		return "connected"
	case attemptStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// attemptGuard allows a single outbound connection attempt at a time.
//
//	idle -> attempting -> idle | connected
//	connected -> idle (remote hung up)
//	any -> stopped (terminal)
type attemptGuard struct {
	mu      sync.Mutex
	state   attemptState
	started int
}

// begin moves idle to attempting. Returns false if an attempt is in flight,
// a channel is up or the guard is stopped.
func (g *attemptGuard) begin() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != attemptIdle {
		return false
	}

	g.state = attemptInFlight
	g.started++
	return true
}

// fail returns an attempt that errored or was closed to idle.
func (g *attemptGuard) fail() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == attemptInFlight {
		g.state = attemptIdle
	}
}

// connect moves attempting to connected. Returns false if the guard was stopped meanwhile.
func (g *attemptGuard) connect() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != attemptInFlight {
		return false
	}

	g.state = attemptConnected
	return true
}

// disconnect returns a lost channel to idle so the next tick retries.
func (g *attemptGuard) disconnect() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == attemptConnected {
		g.state = attemptIdle
	}
}

func (g *attemptGuard) stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = attemptStopped
}

func (g *attemptGuard) current() attemptState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *attemptGuard) attempts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.started
}
