package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/meet/internal/app"
	"github.com/dkeye/meet/internal/core"
	"github.com/dkeye/meet/internal/domain"
)

// Orchestrator turns signaling requests into room operations. Every method
// that takes a reply calls it exactly once on success, before any event the
// call caused is delivered; failures are returned instead.
type Orchestrator struct {
	Registry  *app.Registry
	Rooms     *core.RoomManager
	Policy    app.Policy
	Transport core.WebRtcTransportOptions
}

func New(reg *app.Registry, rooms *core.RoomManager, policy app.Policy, transport core.WebRtcTransportOptions) *Orchestrator {
	o := &Orchestrator{Registry: reg, Rooms: rooms, Policy: policy, Transport: transport}
	rooms.OnBackpressure(o.OnBackpressure)
	return o
}

// bound resolves the room and peer sid joined.
func (o *Orchestrator) bound(sid domain.PeerID) (*core.Room, *core.Peer, error) {
	room, peer, ok := o.Registry.RoomOf(sid)
	if !ok {
		return nil, nil, fmt.Errorf("%w: not in a room", core.ErrUnauthorized)
	}
	if peer.State() != core.PeerActive || room.Closed() {
		o.Registry.RemoveRoom(sid, room)
		return nil, nil, fmt.Errorf("%w: not in a room", core.ErrUnauthorized)
	}
	return room, peer, nil
}

// exec runs fn on sid's room with sid's peer.
func (o *Orchestrator) exec(ctx context.Context, sid domain.PeerID, reply core.Reply, fn func(tx *core.Tx, p *core.Peer) (any, error)) error {
	room, peer, err := o.bound(sid)
	if err != nil {
		return err
	}
	_, err = room.Exec(ctx, func(tx *core.Tx) (any, error) {
		p, err := tx.Peer(peer.ID())
		if err != nil || p != peer {
			return nil, fmt.Errorf("%w: not in a room", core.ErrUnauthorized)
		}
		return fn(tx, p)
	}, reply)
	if errors.Is(err, core.ErrRoomClosed) {
		return fmt.Errorf("%w: room ended", core.ErrUnauthorized)
	}
	return err
}

// sendTo delivers ev to sid outside of any room.
func (o *Orchestrator) sendTo(sid domain.PeerID, ev core.Event) {
	sig, ok := o.Registry.Signal(sid)
	if !ok {
		return
	}
	frame, err := core.EncodeEvent(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("event", ev.EventName()).Msg("encode event")
		return
	}
	if err := sig.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Str("event", ev.EventName()).Msg("send event")
	}
}

// Connect registers a new signaling connection.
func (o *Orchestrator) Connect(sid domain.PeerID, clientID string, sig core.SignalConnection, cancel context.CancelFunc) {
	o.Registry.BindSignal(sid, clientID, sig, cancel)
}

// Disconnect is an implicit removePeer followed by forgetting the connection.
func (o *Orchestrator) Disconnect(ctx context.Context, sid domain.PeerID) {
	if err := o.leave(ctx, sid); err != nil && !errors.Is(err, core.ErrUnauthorized) {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("disconnect cleanup")
	}
	o.Registry.Unbind(sid)
}

// OnBackpressure applies the policy to a peer whose queue overflowed.
func (o *Orchestrator) OnBackpressure(room *core.Room, sid domain.PeerID) {
	if o.Policy == nil {
		return
	}
	switch o.Policy.OnBackPressure(room, sid) {
	case app.KickMember:
		log.Warn().Str("module", "orch").Str("room", string(room.ID())).Str("sid", string(sid)).Msg("slow peer removed")
		o.KickBySID(context.Background(), sid)
	case app.NoAction:
	}
}

// KickBySID removes sid from its room and stops its connection.
func (o *Orchestrator) KickBySID(ctx context.Context, sid domain.PeerID) {
	_ = o.leave(ctx, sid)
	o.Registry.Cancel(sid)
}
