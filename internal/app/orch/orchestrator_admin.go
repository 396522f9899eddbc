package orch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/meet/internal/core"
	"github.com/dkeye/meet/internal/domain"
)

// asHost runs fn only when sid hosts its room. Anyone else fails with
// ErrUnauthorized and the room hears about the attempt.
func (o *Orchestrator) asHost(ctx context.Context, sid domain.PeerID, action string, reply core.Reply, fn func(tx *core.Tx, p *core.Peer) error) error {
	return o.exec(ctx, sid, reply, func(tx *core.Tx, p *core.Peer) (any, error) {
		if tx.Room().HostID() != sid {
			tx.Emit(core.UnauthorizedAccessAttempt{ParticipantID: sid, Action: action})
			log.Warn().Str("module", "orch").Str("sid", string(sid)).Str("action", action).Msg("not host")
			return nil, fmt.Errorf("%w: %s requires the host", core.ErrUnauthorized, action)
		}
		if err := fn(tx, p); err != nil {
			return nil, err
		}
		return Ack{}, nil
	})
}

// MuteAll closes every audio producer in the room, then tells everyone.
func (o *Orchestrator) MuteAll(ctx context.Context, sid domain.PeerID, reply core.Reply) error {
	return o.asHost(ctx, sid, "muteAll", reply, func(tx *core.Tx, _ *core.Peer) error {
		for _, peer := range tx.Peers() {
			tx.CloseProducer(peer, string(domain.MediaAudio))
		}
		tx.Emit(core.MuteAll{By: sid})
		return nil
	})
}

func (o *Orchestrator) LockRoom(ctx context.Context, sid domain.PeerID, reply core.Reply) error {
	return o.asHost(ctx, sid, "lockRoom", reply, func(tx *core.Tx, _ *core.Peer) error {
		if tx.SetLocked(true) {
			tx.Emit(core.LockRoom{By: sid})
		}
		return nil
	})
}

func (o *Orchestrator) UnlockRoom(ctx context.Context, sid domain.PeerID, reply core.Reply) error {
	return o.asHost(ctx, sid, "unlockRoom", reply, func(tx *core.Tx, _ *core.Peer) error {
		if tx.SetLocked(false) {
			tx.Emit(core.UnlockRoom{By: sid})
		}
		return nil
	})
}

// Kick tells the target it was kicked and removes it. Its connection stays
// open so it may join again.
func (o *Orchestrator) Kick(ctx context.Context, sid domain.PeerID, req PeerRequest, reply core.Reply) error {
	target := domain.PeerID(req.PeerID)
	if target == sid {
		return fmt.Errorf("%w: cannot kick yourself", core.ErrBadRequest)
	}
	return o.asHost(ctx, sid, "kick", reply, func(tx *core.Tx, _ *core.Peer) error {
		victim, err := tx.Peer(target)
		if err != nil {
			return err
		}
		tx.SendTo(victim, core.UserKicked{ParticipantID: target})
		tx.RemovePeer(victim)
		o.Registry.RemoveRoom(target, tx.Room())
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("target", string(target)).Msg("kicked")
		return nil
	})
}

func (o *Orchestrator) TransferHost(ctx context.Context, sid domain.PeerID, req PeerRequest, reply core.Reply) error {
	return o.asHost(ctx, sid, "transferHost", reply, func(tx *core.Tx, _ *core.Peer) error {
		return tx.SetHost(domain.PeerID(req.PeerID))
	})
}

// EndRoom removes everyone and closes the room.
func (o *Orchestrator) EndRoom(ctx context.Context, sid domain.PeerID, reply core.Reply) error {
	return o.asHost(ctx, sid, "endRoom", reply, func(tx *core.Tx, _ *core.Peer) error {
		room := tx.Room()
		tx.Emit(core.RoomEnded{RoomID: room.ID()})
		for _, snap := range o.Registry.MembersOfRoom(room) {
			o.Registry.RemoveRoom(snap.SID, room)
		}
		tx.End()
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(room.ID())).Msg("room ended")
		return nil
	})
}

// Delivery selects who hears a relayed event.
type Delivery int

const (
	// Broadcast reaches every member except the sender.
	Broadcast Delivery = iota
	// RoomEmit reaches every member including the sender.
	RoomEmit
)

// Relay forwards a client notification built for sid to its room.
func (o *Orchestrator) Relay(ctx context.Context, sid domain.PeerID, mode Delivery, ev core.Event) error {
	return o.exec(ctx, sid, nil, func(tx *core.Tx, _ *core.Peer) (any, error) {
		if mode == RoomEmit {
			tx.Emit(ev)
		} else {
			tx.Broadcast(sid, ev)
		}
		return nil, nil
	})
}

// Fail reports an error for a fire-and-forget message back to sid.
func (o *Orchestrator) Fail(sid domain.PeerID, err error) {
	o.sendTo(sid, core.ErrorEvent{ErrorCode: core.Code(err), ErrorMessage: err.Error()})
}
