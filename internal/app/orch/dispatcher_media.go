package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/groupcall/internal/app"
	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
)

func (d *Dispatcher) receiveVideoFrom(ctx context.Context, c *Conn, data []byte) {
	room, sess, ok := d.joined(c)
	if !ok {
		return
	}
	var req receiveVideoRequest
	if err := d.decoder.decode(data, &req); err != nil {
		d.fail(c, MsgReceiveVideoFrom, err)
		return
	}
	sender, ok := room.Member(domain.ParticipantName(req.Sender))
	if !ok {
		d.fail(c, MsgReceiveVideoFrom, fmt.Errorf("%w: %s", core.ErrUnknownPeer, req.Sender))
		return
	}
	if _, err := sess.ReceiveVideoFrom(ctx, sender, req.SDPOffer); err != nil {
		d.fail(c, MsgReceiveVideoFrom, err)
	}
}

func (d *Dispatcher) cancelVideoFrom(c *Conn, data []byte) {
	_, sess, ok := d.joined(c)
	if !ok {
		return
	}
	var req cancelVideoRequest
	if err := d.decoder.decode(data, &req); err != nil {
		d.fail(c, MsgCancelVideoFrom, err)
		return
	}
	sess.CancelVideoFrom(domain.ParticipantName(req.Sender))
}

func (d *Dispatcher) onIceCandidate(ctx context.Context, c *Conn, data []byte) {
	_, sess, ok := d.joined(c)
	if !ok {
		return
	}
	var req iceCandidateRequest
	if err := d.decoder.decode(data, &req); err != nil {
		d.fail(c, MsgOnIceCandidate, err)
		return
	}
	if err := sess.AddCandidate(ctx, *req.Candidate, domain.ParticipantName(req.Name)); err != nil {
		d.fail(c, MsgOnIceCandidate, err)
	}
}

func (d *Dispatcher) startRecording(ctx context.Context, c *Conn) {
	_, sess, ok := d.joined(c)
	if !ok {
		return
	}
	path, err := sess.StartRecording(ctx)
	if err != nil {
		d.fail(c, MsgStartRecording, err)
		return
	}
	d.reply(c, app.RecordingEvent{ID: app.MsgRecordingStarted, Name: sess.Name(), Path: path})
}

func (d *Dispatcher) stopRecording(ctx context.Context, c *Conn) {
	_, sess, ok := d.joined(c)
	if !ok {
		return
	}
	path, err := sess.StopRecording(ctx)
	if err != nil {
		d.fail(c, MsgStopRecording, err)
		return
	}
	d.reply(c, app.RecordingEvent{ID: app.MsgRecordingStopped, Name: sess.Name(), Path: path})
}
