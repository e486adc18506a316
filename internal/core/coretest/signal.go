// Package coretest holds in-memory doubles for core contracts.
package coretest

import (
	"encoding/json"
	"sync"

	"github.com/dkeye/groupcall/internal/core"
)

// Signal is a SignalConnection that keeps every frame it is given.
type Signal struct {
	mu     sync.Mutex
	frames []core.Frame
	fail   error
	closed bool
}

func NewSignal() *Signal { return &Signal{} }

func (s *Signal) TrySend(f core.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrChannelClosed
	}
	if s.fail != nil {
		return s.fail
	}
	s.frames = append(s.frames, append(core.Frame(nil), f...))
	return nil
}

func (s *Signal) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// FailWith makes following sends return err. A nil err restores delivery.
func (s *Signal) FailWith(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *Signal) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Messages decodes every frame received so far.
func (s *Signal) Messages() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.frames))
	for _, f := range s.frames {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err != nil {
			m = map[string]any{"raw": string(f)}
		}
		out = append(out, m)
	}
	return out
}

// ByID returns the decoded messages whose id matches.
func (s *Signal) ByID(id string) []map[string]any {
	var out []map[string]any
	for _, m := range s.Messages() {
		if m["id"] == id {
			out = append(out, m)
		}
	}
	return out
}

// IDs returns the ids of the received messages in arrival order.
func (s *Signal) IDs() []string {
	var out []string
	for _, m := range s.Messages() {
		id, _ := m["id"].(string)
		out = append(out, id)
	}
	return out
}

func (s *Signal) Reset() {
	s.mu.Lock()
	s.frames = nil
	s.mu.Unlock()
}
