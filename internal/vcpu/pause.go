package vcpu

import "sync"

// PauseGate coordinates cooperative pause/resume across every vCpu thread,
// per spec §5: the initiator holds the pause mutex, signals every running
// vCpu, and waits for each to acknowledge before returning from Pause. A
// vCpu that is not currently running is counted as paused immediately.
type PauseGate struct {
	mu sync.Mutex // held by the Pause initiator until Resume; paused vCpus block acquiring it

	cond    *sync.Cond
	total   int
	waiting int
}

// NewPauseGate builds a gate for a VM with the given vCpu count. Every Vcpu
// sharing this gate must call registerRunning exactly once, from its own
// thread, before participating in Pause/Resume.
func NewPauseGate(nVcpus int) *PauseGate {
	g := &PauseGate{total: nVcpus}
	g.cond = sync.NewCond(&sync.Mutex{})
	return g
}

// registerRunning is a no-op placeholder for symmetry with ack/wait; a
// vCpu thread calls it once on entry to Start so the gate's bookkeeping
// reads naturally alongside ack/wait below.
func (g *PauseGate) registerRunning() {}

// ack is called by a vCpu thread after observing a pause request. It
// increments the waiting count and wakes Pause once every vCpu has acked.
func (g *PauseGate) ack() {
	g.cond.L.Lock()
	g.waiting++
	if g.waiting >= g.total {
		g.cond.Broadcast()
	}
	g.cond.L.Unlock()
}

// wait blocks the calling vCpu thread on the pause mutex until Resume
// unlocks it.
func (g *PauseGate) wait() {
	g.mu.Lock()
	g.mu.Unlock() //nolint:staticcheck // blocks until Resume releases mu
}

// Pause acquires the pause mutex, runs requestAll (which must call
// Vcpu.RequestPause on every vCpu), and blocks until all of them have
// acknowledged.
func (g *PauseGate) Pause(requestAll func()) {
	g.mu.Lock()

	g.cond.L.Lock()
	g.waiting = 0
	g.cond.L.Unlock()

	requestAll()

	g.cond.L.Lock()
	for g.waiting < g.total {
		g.cond.Wait()
	}
	g.cond.L.Unlock()
}

// Resume releases the pause mutex, letting every blocked vCpu thread
// continue its run loop.
func (g *PauseGate) Resume() {
	g.mu.Unlock()
}
