package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/groupcall/internal/app"
	"github.com/dkeye/groupcall/internal/core"
)

var errBadRequest = errors.New("bad request")

// State of one signaling connection.
type State int

const (
	StateUnjoined State = iota
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnjoined:
		return "unjoined"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is the dispatcher's view of one signaling connection.
type Conn struct {
	id     core.SessionID
	signal core.SignalConnection
	logger zerolog.Logger

	// mu serializes every message of the connection with its close.
	mu      sync.Mutex
	state   State
	room    *app.Room
	session *app.Session
}

func (c *Conn) ID() core.SessionID { return c.id }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the participant bound to the connection, if joined.
func (c *Conn) Session() (*app.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, c.session != nil
}

// Dispatcher routes inbound messages of every connection to the rooms.
type Dispatcher struct {
	Rooms   *app.Rooms
	Options app.Options
	// OperationTimeout bounds the handling of a single message.
	OperationTimeout time.Duration

	decoder *decoder
}

func NewDispatcher(rooms *app.Rooms, opts app.Options, opTimeout time.Duration) *Dispatcher {
	if opTimeout <= 0 {
		opTimeout = 30 * time.Second
	}
	return &Dispatcher{
		Rooms:            rooms,
		Options:          opts,
		OperationTimeout: opTimeout,
		decoder:          newDecoder(),
	}
}

// Open registers a freshly accepted connection.
func (d *Dispatcher) Open(id core.SessionID, signal core.SignalConnection) *Conn {
	c := &Conn{
		id:     id,
		signal: signal,
		logger: log.With().Str("module", "orch").Str("sid", string(id)).Logger(),
	}
	c.logger.Debug().Msg("connection opened")
	return c
}

// Dispatch handles one inbound frame. Callers deliver frames of a connection
// one at a time, in arrival order.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Conn, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		c.logger.Debug().Msg("message on closed connection ignored")
		return
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.ID == "" {
		c.logger.Warn().Err(err).Msg("malformed message")
		d.replyError(c, app.ReasonBadRequest, "malformed message")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, d.OperationTimeout)
	defer cancel()

	c.logger.Debug().Str("msg", env.ID).Str("state", c.state.String()).Msg("incoming")
	switch env.ID {
	case MsgJoinRoom:
		d.joinRoom(c, data)
	case MsgReceiveVideoFrom:
		d.receiveVideoFrom(ctx, c, data)
	case MsgCancelVideoFrom:
		d.cancelVideoFrom(c, data)
	case MsgOnIceCandidate:
		d.onIceCandidate(ctx, c, data)
	case MsgLeaveRoom:
		d.leaveRoom(ctx, c)
	case MsgChat:
		d.chat(c, data)
	case MsgStartRecording:
		d.startRecording(ctx, c)
	case MsgStopRecording:
		d.stopRecording(ctx, c)
	case MsgPing:
		d.reply(c, app.Pong{ID: app.MsgPong})
	default:
		c.logger.Warn().Str("msg", env.ID).Msg("unknown message id")
		d.replyError(c, app.ReasonBadRequest, "unknown message id: "+env.ID)
	}
}

// Close runs when the connection is gone. It performs the same cleanup as an
// explicit leave and may be called any number of times.
func (d *Dispatcher) Close(ctx context.Context, c *Conn) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.OperationTimeout)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	d.closeLocked(ctx, c)
}

func (d *Dispatcher) closeLocked(ctx context.Context, c *Conn) {
	if c.state == StateClosed {
		return
	}
	prev := c.state
	room, sess := c.room, c.session
	c.state = StateClosed
	c.room, c.session = nil, nil

	if prev == StateJoined {
		room.Leave(sess)
		sess.Teardown(ctx)
	}
	c.logger.Info().Str("from", prev.String()).Msg("connection closed")
}

func (d *Dispatcher) joined(c *Conn) (*app.Room, *app.Session, bool) {
	if c.state != StateJoined {
		d.replyError(c, app.ReasonNotJoined, core.ErrNotJoined.Error())
		return nil, nil, false
	}
	return c.room, c.session, true
}

func (d *Dispatcher) reply(c *Conn, msg any) {
	frame, err := app.Encode(msg)
	if err != nil {
		c.logger.Error().Err(err).Msg("encode reply")
		return
	}
	if err := c.signal.TrySend(frame); err != nil {
		c.logger.Warn().Err(err).Msg("reply undeliverable, closing channel")
		c.signal.Close()
	}
}

func (d *Dispatcher) replyError(c *Conn, reason, message string) {
	d.reply(c, app.NewErrorMessage(reason, message))
}

// fail reports err to the requester. A transport failure means the requester
// is unreachable, so the channel is closed instead.
func (d *Dispatcher) fail(c *Conn, op string, err error) {
	var te *core.TransportError
	if errors.As(err, &te) {
		c.logger.Warn().Err(err).Str("op", op).Msg("channel unwritable, closing")
		c.signal.Close()
		return
	}
	reason := reasonOf(err)
	ev := c.logger.Warn()
	if reason == app.ReasonInternal {
		ev = c.logger.Error()
	}
	ev.Err(err).Str("op", op).Str("reason", reason).Msg("request failed")
	d.replyError(c, reason, clientMessage(reason, err))
}

// clientMessage is the error text sent on the wire. Media and internal
// failures only name the failed step; the cause stays in the log.
func clientMessage(reason string, err error) string {
	switch reason {
	case app.ReasonInternal:
		return "internal error"
	case app.ReasonMediaError:
		var me *core.MediaOperationError
		if errors.As(err, &me) {
			if me.Peer == "" {
				return fmt.Sprintf("media %s failed", me.Op)
			}
			return fmt.Sprintf("media %s (%s) failed", me.Op, me.Peer)
		}
		return "media operation failed"
	}
	return err.Error()
}

func reasonOf(err error) string {
	var me *core.MediaOperationError
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, core.ErrAlreadyJoined), errors.Is(err, core.ErrNotRecording):
		return app.ReasonBadRequest
	case errors.Is(err, core.ErrDuplicateName):
		return app.ReasonDuplicateName
	case errors.Is(err, core.ErrUnknownPeer):
		return app.ReasonUnknownPeer
	case errors.Is(err, core.ErrNotJoined), errors.Is(err, core.ErrSessionClosed):
		return app.ReasonNotJoined
	case errors.As(err, &me):
		return app.ReasonMediaError
	}
	return app.ReasonInternal
}
