package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/meet/internal/core"
	"github.com/dkeye/meet/internal/domain"
)

// joinAttempts bounds retries against rooms that end while being joined.
const joinAttempts = 3

func (o *Orchestrator) CreateRoom(ctx context.Context, sid domain.PeerID, req RoomRequest, reply core.Reply) error {
	id, err := domain.ParseRoomID(req.RoomID)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrBadRequest, err)
	}
	room, created, err := o.Rooms.Create(ctx, id)
	if err != nil {
		return err
	}
	if reply != nil {
		reply(CreateRoomResult{RoomID: room.ID()})
	}
	if created {
		o.sendTo(sid, core.RoomCreated{RoomID: room.ID()})
	}
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(id)).Bool("created", created).Msg("create room")
	return nil
}

func (o *Orchestrator) CheckRoom(_ context.Context, _ domain.PeerID, req RoomRequest, reply core.Reply) error {
	id, err := domain.ParseRoomID(req.RoomID)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrBadRequest, err)
	}
	if reply != nil {
		reply(CheckRoomResult{Exists: o.Rooms.Exists(id)})
	}
	return nil
}

// Join creates or reuses the room and adds sid to it. A connection that is
// already in a room leaves it first.
func (o *Orchestrator) Join(ctx context.Context, sid domain.PeerID, req JoinRequest, reply core.Reply) error {
	sig, ok := o.Registry.Signal(sid)
	if !ok {
		return fmt.Errorf("%w: unknown connection", core.ErrUnauthorized)
	}
	id, err := domain.ParseRoomID(req.RoomID)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrBadRequest, err)
	}
	info, err := domain.NewPeerInfo(sid, req.Name, req.ProfilePicURL)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrBadRequest, err)
	}
	if from, _, ok := o.Registry.RoomOf(sid); ok {
		_ = o.leave(ctx, sid)
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("from_room", string(from.ID())).Msg("left previous room")
	}

	for range joinAttempts {
		room, _, err := o.Rooms.Create(ctx, id)
		if err != nil {
			return err
		}
		peer := core.NewPeer(info, sig)
		_, err = room.Exec(ctx, func(tx *core.Tx) (any, error) {
			if room.Locked() {
				tx.Emit(core.UnauthorizedAccessAttempt{ParticipantID: sid, Action: "join"})
				return nil, fmt.Errorf("%w: room %s is locked", core.ErrUnauthorized, id)
			}
			if err := tx.AddPeer(peer); err != nil {
				return nil, err
			}
			o.Registry.BindRoom(sid, room, peer)
			tx.Broadcast(sid, core.UserJoined{PeerInfo: info})
			tx.SendTo(peer, core.RoomJoined{RoomSnapshot: room.Snapshot()})
			return JoinResult{
				PeerID:    sid,
				HostID:    room.HostID(),
				Peers:     room.Roster(sid),
				Producers: room.ProducerList(sid),
			}, nil
		}, reply)
		if errors.Is(err, core.ErrRoomClosed) {
			continue
		}
		if err != nil {
			return err
		}
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(id)).Str("name", info.Name).Msg("joined room")
		return nil
	}
	return fmt.Errorf("%w: room %s keeps closing", core.ErrNotFound, id)
}

func (o *Orchestrator) ExitRoom(ctx context.Context, sid domain.PeerID, reply core.Reply) error {
	if err := o.leave(ctx, sid); err != nil {
		return err
	}
	if reply != nil {
		reply(Ack{})
	}
	return nil
}

// leave is removePeer for sid's own peer.
func (o *Orchestrator) leave(ctx context.Context, sid domain.PeerID) error {
	room, peer, ok := o.Registry.RoomOf(sid)
	if !ok {
		return fmt.Errorf("%w: not in a room", core.ErrUnauthorized)
	}
	o.Registry.RemoveRoom(sid, room)
	// The binding is already gone, so the removal must commit even when the
	// caller's deadline passes while the room is busy.
	_, err := room.Exec(context.WithoutCancel(ctx), func(tx *core.Tx) (any, error) {
		tx.RemovePeer(peer)
		return nil, nil
	}, nil)
	if errors.Is(err, core.ErrRoomClosed) {
		return nil
	}
	return err
}

func (o *Orchestrator) GetMyRoomInfo(_ context.Context, sid domain.PeerID, reply core.Reply) error {
	room, _, err := o.bound(sid)
	if err != nil {
		return err
	}
	if reply != nil {
		reply(RoomInfoResult{RoomSnapshot: room.Snapshot(), You: sid})
	}
	return nil
}

// GetProducers sends sid every other peer's open producers.
func (o *Orchestrator) GetProducers(ctx context.Context, sid domain.PeerID) error {
	return o.exec(ctx, sid, nil, func(tx *core.Tx, p *core.Peer) (any, error) {
		tx.SendTo(p, core.NewProducers(tx.Room().ProducerList(sid)))
		return nil, nil
	})
}
