package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/groupcall/internal/app"
	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
)

func (d *Dispatcher) joinRoom(c *Conn, data []byte) {
	if c.state == StateJoined {
		d.fail(c, MsgJoinRoom, fmt.Errorf("%w: %s in %s", core.ErrAlreadyJoined, c.session.Name(), c.room.Name()))
		return
	}
	var req joinRoomRequest
	if err := d.decoder.decode(data, &req); err != nil {
		d.fail(c, MsgJoinRoom, err)
		return
	}
	name, err := domain.NewParticipantName(req.Name)
	if err != nil {
		d.fail(c, MsgJoinRoom, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	roomName, err := domain.NewRoomName(req.RoomName)
	if err != nil {
		d.fail(c, MsgJoinRoom, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	room, sess, others, err := d.Rooms.Join(roomName, func(r *app.Room) *app.Session {
		return app.NewSession(c.id, name, roomName, c.signal, r, d.Options)
	})
	if err != nil {
		d.fail(c, MsgJoinRoom, err)
		return
	}
	c.state = StateJoined
	c.room, c.session = room, sess
	c.logger = c.logger.With().Str("name", string(name)).Str("room", string(roomName)).Logger()
	c.logger.Info().Int("existing", len(others)).Msg("joined")

	if err := sess.Send(app.NewExistingParticipants(others)); err != nil {
		d.fail(c, MsgJoinRoom, err)
	}
}

// leaveRoom ends the participation and the connection with it.
func (d *Dispatcher) leaveRoom(ctx context.Context, c *Conn) {
	d.closeLocked(ctx, c)
	c.signal.Close()
}

func (d *Dispatcher) chat(c *Conn, data []byte) {
	room, sess, ok := d.joined(c)
	if !ok {
		return
	}
	var req chatRequest
	if err := d.decoder.decode(data, &req); err != nil {
		d.fail(c, MsgChat, err)
		return
	}
	room.Broadcast(app.ChatMessage{ID: app.MsgChat, SessionName: sess.Name(), Contents: req.Contents}, nil)
}
