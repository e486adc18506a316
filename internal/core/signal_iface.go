package core

import "github.com/google/uuid"

// Frame is a raw encoded signaling message.
type Frame []byte

// SessionID identifies one connection. It is stable for the connection lifetime.
type SessionID string

func NewSessionID() SessionID { return SessionID(uuid.NewString()) }

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
// TrySend is safe for concurrent use and never blocks; writes reach the wire in call order.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
