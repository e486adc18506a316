package core

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateName  = errors.New("name already taken in room")
	ErrUnknownPeer    = errors.New("unknown peer")
	ErrNotJoined      = errors.New("not joined")
	ErrAlreadyJoined  = errors.New("already joined")
	ErrSessionClosed  = errors.New("session closed")
	ErrRoomClosed     = errors.New("room closed")
	ErrReleaseTimeout = errors.New("release timeout")
	ErrBackpressure   = errors.New("backpressure")
	ErrChannelClosed  = errors.New("connection closed")
	ErrNotRecording   = errors.New("not recording")
)

// TransportError reports a failed write to a participant's channel.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// MediaOperationError reports a failed facade call on behalf of one request.
type MediaOperationError struct {
	Op   string
	Peer string
	Err  error
}

func (e *MediaOperationError) Error() string {
	if e.Peer == "" {
		return fmt.Sprintf("media %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("media %s (%s): %v", e.Op, e.Peer, e.Err)
}

func (e *MediaOperationError) Unwrap() error { return e.Err }

// WrapMedia tags err with the facade operation that produced it. A nil err stays nil.
func WrapMedia(op, peer string, err error) error {
	if err == nil {
		return nil
	}
	return &MediaOperationError{Op: op, Peer: peer, Err: err}
}
