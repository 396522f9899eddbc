package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/dkeye/meet/internal/domain"
)

// RoomHooks are invoked after an operation released the room.
type RoomHooks struct {
	// OnEmpty runs when an operation removed the last peer.
	OnEmpty func(*Room)
	// OnBackpressure runs once per peer whose outbound queue rejected a frame.
	OnBackpressure func(*Room, domain.PeerID)
}

// Room is the single logical actor for one session. Every mutation runs
// through Exec, one at a time; snapshot readers only take mu.
type Room struct {
	id        domain.RoomID
	router    Router
	createdAt time.Time
	hooks     RoomHooks
	ops       *semaphore.Weighted
	release   sync.Once

	mu     sync.RWMutex
	order  []domain.PeerID
	peers  map[domain.PeerID]*Peer
	hostID domain.PeerID
	locked bool
	closed bool
}

func NewRoom(id domain.RoomID, router Router, hooks RoomHooks) *Room {
	return &Room{
		id:        id,
		router:    router,
		createdAt: time.Now(),
		hooks:     hooks,
		ops:       semaphore.NewWeighted(1),
		peers:     make(map[domain.PeerID]*Peer),
	}
}

func (r *Room) ID() domain.RoomID    { return r.id }
func (r *Room) Router() Router       { return r.router }
func (r *Room) CreatedAt() time.Time { return r.createdAt }

// Exec runs fn as one serialized operation. On success reply (if any) is
// invoked before the events fn queued are sent, all still under the room
// lock, so no reader observes a half-applied mutation.
func (r *Room) Exec(ctx context.Context, fn func(tx *Tx) (any, error), reply Reply) (any, error) {
	if err := r.ops.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	tx := &Tx{room: r}
	res, pub, err := r.run(tx, fn, reply)
	r.ops.Release(1)

	for _, sid := range pub.Dropped {
		if r.hooks.OnBackpressure != nil {
			r.hooks.OnBackpressure(r, sid)
		}
	}
	if tx.emptied && r.hooks.OnEmpty != nil {
		r.hooks.OnEmpty(r)
	}
	return res, err
}

func (r *Room) run(tx *Tx, fn func(tx *Tx) (any, error), reply Reply) (res any, pub PublishResult, err error) {
	defer func() {
		pub = tx.flush()
	}()
	if r.Closed() {
		return nil, pub, ErrRoomClosed
	}
	res, err = fn(tx)
	if err != nil {
		return nil, pub, err
	}
	if reply != nil {
		reply(res)
	}
	return res, pub, nil
}

// post schedules fn as a room operation from an engine callback. Engines
// may call back from inside Close, while this room is held, so it must
// never run inline.
func (r *Room) post(what string, fn func(tx *Tx)) {
	go func() {
		_, err := r.Exec(context.Background(), func(tx *Tx) (any, error) {
			fn(tx)
			return nil, nil
		}, nil)
		if err != nil && !errors.Is(err, ErrRoomClosed) {
			log.Error().Err(err).Str("module", "core.room").Str("room", string(r.id)).Str("event", what).Msg("engine event dropped")
		}
	}()
}

func (r *Room) releaseRouter() {
	r.release.Do(func() {
		if err := r.router.Close(); err != nil {
			log.Warn().Err(err).Str("module", "core.room").Str("room", string(r.id)).Msg("router close")
		}
	})
}

func (r *Room) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *Room) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Room) HostID() domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hostID
}

func (r *Room) Locked() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.locked
}

// Peer returns the member with the given id.
func (r *Room) Peer(id domain.PeerID) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// orderedPeers returns members in insertion order.
func (r *Room) orderedPeers() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.peers[id])
	}
	return out
}

// Roster lists every member except exclude in insertion order.
func (r *Room) Roster(exclude domain.PeerID) []domain.PeerInfo {
	out := make([]domain.PeerInfo, 0)
	for _, p := range r.orderedPeers() {
		if p.ID() != exclude {
			out = append(out, p.Info())
		}
	}
	return out
}

// ProducerList lists the open producers of every member except exclude.
func (r *Room) ProducerList(exclude domain.PeerID) []ProducerRef {
	out := make([]ProducerRef, 0)
	for _, p := range r.orderedPeers() {
		if p.ID() != exclude {
			out = append(out, p.Producers()...)
		}
	}
	return out
}

func (r *Room) Snapshot() RoomSnapshot {
	peers := r.orderedPeers()
	snap := RoomSnapshot{
		RoomID:    r.id,
		HostID:    r.HostID(),
		Locked:    r.Locked(),
		CreatedAt: r.createdAt,
		Peers:     make([]PeerSnapshot, 0, len(peers)),
	}
	for _, p := range peers {
		snap.Peers = append(snap.Peers, p.snapshot())
	}
	return snap
}

func (r *Room) Info() RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RoomInfo{ID: r.id, PeerCount: len(r.peers), Locked: r.locked, CreatedAt: r.createdAt}
}
