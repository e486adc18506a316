package rtc

import (
	"sync"

	"github.com/dkeye/groupcall/internal/core"
)

// candidateGate holds locally gathered candidates until the signaling side
// asks for them, so none can overtake the SDP answer.
type candidateGate struct {
	mu      sync.Mutex
	open    bool
	fn      func(core.Candidate)
	pending []core.Candidate
}

func (g *candidateGate) setHandler(fn func(core.Candidate)) {
	g.mu.Lock()
	g.fn = fn
	g.mu.Unlock()
}

func (g *candidateGate) push(c core.Candidate) {
	g.mu.Lock()
	if !g.open || g.fn == nil {
		g.pending = append(g.pending, c)
		g.mu.Unlock()
		return
	}
	fn := g.fn
	g.mu.Unlock()
	fn(c)
}

// release opens the gate and flushes what was held back.
func (g *candidateGate) release() {
	g.mu.Lock()
	g.open = true
	fn := g.fn
	pending := g.pending
	if fn != nil {
		g.pending = nil
	}
	g.mu.Unlock()
	if fn == nil {
		return
	}
	for _, c := range pending {
		fn(c)
	}
}
