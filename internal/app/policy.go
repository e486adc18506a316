package app

import (
	"errors"

	"github.com/dkeye/groupcall/internal/core"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
)

// Policy decides what happens to a member whose channel rejected a broadcast.
type Policy interface {
	OnBackPressure(room *Room, member *Session, err error) BackpressureAction
}

// SimplePolicy treats a failed delivery as an implicit disconnect. A channel
// that is already closed is left to its own read loop to clean up.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(_ *Room, _ *Session, err error) BackpressureAction {
	if errors.Is(err, core.ErrChannelClosed) {
		return NoAction
	}
	return KickMember
}
