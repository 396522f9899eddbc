package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/meet/internal/core"
	"github.com/dkeye/meet/internal/domain"
)

type sessionEntry struct {
	ClientID string
	Signal   core.SignalConnection
	Cancel   context.CancelFunc
	Room     *core.Room
	Peer     *core.Peer
}

// Registry binds signaling connections to the room and peer they joined.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.PeerID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[domain.PeerID]*sessionEntry)}
}

func (r *Registry) BindSignal(sid domain.PeerID, clientID string, sig core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{ClientID: clientID, Signal: sig, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("client", clientID).Msg("bound signal")
}

func (r *Registry) Signal(sid domain.PeerID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Signal, true
	}
	return nil, false
}

func (r *Registry) ClientOf(sid domain.PeerID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.ClientID
	}
	return ""
}

func (r *Registry) BindRoom(sid domain.PeerID, room *core.Room, peer *core.Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return false
	}
	e.Room, e.Peer = room, peer
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("room", string(room.ID())).Msg("bound room")
	return true
}

func (r *Registry) RoomOf(sid domain.PeerID) (*core.Room, *core.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok || e.Room == nil {
		return nil, nil, false
	}
	return e.Room, e.Peer, true
}

// RemoveRoom forgets sid's room if it is still room.
func (r *Registry) RemoveRoom(sid domain.PeerID, room *core.Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[sid]; ok && e.Room == room {
		e.Room, e.Peer = nil, nil
		log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("removed room association")
	}
}

func (r *Registry) Unbind(sid domain.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
}

type regSnap struct {
	SID  domain.PeerID
	Peer *core.Peer
}

func (r *Registry) MembersOfRoom(room *core.Room) []regSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]regSnap, 0, len(r.sessions))
	for sid, e := range r.sessions {
		if e.Room == room {
			out = append(out, regSnap{SID: sid, Peer: e.Peer})
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Cancel stops sid's connection pumps.
func (r *Registry) Cancel(sid domain.PeerID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}
