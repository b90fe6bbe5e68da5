package device

import "sync"

// Gate holds guest accesses to a device while it is quiesced. Handlers
// bracket their work with Enter and Leave; Quiesce returns once no handler
// is inside and keeps new ones waiting until Resume.
//
// The zero value is an open gate.
type Gate struct {
	mu       sync.Mutex
	cond     *sync.Cond
	paused   bool
	inflight int
}

func (g *Gate) lock() {
	g.mu.Lock()

	if g.cond == nil {
		g.cond = sync.NewCond(&g.mu)
	}
}

func (g *Gate) Enter() {
	g.lock()
	defer g.mu.Unlock()

	for g.paused {
		g.cond.Wait()
	}

	g.inflight++
}

func (g *Gate) Leave() {
	g.lock()
	defer g.mu.Unlock()

	g.inflight--
	if g.inflight == 0 {
		g.cond.Broadcast()
	}
}

// Quiesce closes the gate and waits for handlers already inside.
func (g *Gate) Quiesce() error {
	g.lock()
	defer g.mu.Unlock()

	g.paused = true

	for g.inflight > 0 {
		g.cond.Wait()
	}

	return nil
}

// Resume opens the gate. It is a no-op on an open gate.
func (g *Gate) Resume() error {
	g.lock()
	defer g.mu.Unlock()

	g.paused = false
	g.cond.Broadcast()

	return nil
}

func (g *Gate) Quiesced() bool {
	g.lock()
	defer g.mu.Unlock()

	return g.paused
}
