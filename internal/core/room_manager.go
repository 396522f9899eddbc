package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/singleflight"

	"github.com/dkeye/meet/internal/domain"
)

var errRoomNotEmpty = errors.New("room not empty")

type RoomManagerOptions struct {
	MediaCodecs []RtpCodecCapability
	// EvictionDelay is how long an empty room is kept; zero evicts at once.
	EvictionDelay time.Duration
	// MaxSessionDuration ends a room this long after creation; zero disables it.
	MaxSessionDuration time.Duration
	// UnusedRoomGrace is how long a freshly created room may stay without a
	// peer before it is evicted. The effective grace is never shorter than
	// EvictionDelay; zero means DefaultUnusedRoomGrace.
	UnusedRoomGrace time.Duration
}

const DefaultUnusedRoomGrace = 30 * time.Second

func (o RoomManagerOptions) unusedRoomGrace() time.Duration {
	d := o.UnusedRoomGrace
	if d <= 0 {
		d = DefaultUnusedRoomGrace
	}
	return max(d, o.EvictionDelay)
}

// RoomManager is the process-wide room registry.
type RoomManager struct {
	ctx    context.Context
	cancel context.CancelFunc
	engine Engine
	opts   RoomManagerOptions
	group  singleflight.Group

	mu             sync.RWMutex
	rooms          map[domain.RoomID]*Room
	onBackpressure func(*Room, domain.PeerID)
}

func NewRoomManager(parent context.Context, engine Engine, opts RoomManagerOptions) *RoomManager {
	ctx, cancel := context.WithCancel(parent)
	return &RoomManager{
		ctx:    ctx,
		cancel: cancel,
		engine: engine,
		opts:   opts,
		rooms:  make(map[domain.RoomID]*Room),
	}
}

// OnBackpressure installs the handler rooms call for peers whose outbound
// queue overflowed.
func (rm *RoomManager) OnBackpressure(fn func(*Room, domain.PeerID)) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.onBackpressure = fn
}

type createResult struct {
	room   *Room
	leader *byte
}

// Create returns the room id, allocating a router for it if it does not
// exist yet. Concurrent creators of one id share a single allocation, so
// the first successful router is the one every caller gets; created is true
// only for the caller whose request started the allocation.
func (rm *RoomManager) Create(ctx context.Context, id domain.RoomID) (*Room, bool, error) {
	if r, ok := rm.lookup(id); ok {
		return r, false, nil
	}
	token := new(byte)
	ch := rm.group.DoChan(string(id), func() (any, error) {
		if r, ok := rm.lookup(id); ok {
			return createResult{room: r}, nil
		}
		router, err := rm.engine.CreateRouter(rm.ctx, RouterOptions{MediaCodecs: rm.opts.MediaCodecs})
		if err != nil {
			return nil, fmt.Errorf("%w: create router: %w", ErrEngine, err)
		}
		r := NewRoom(id, router, RoomHooks{OnEmpty: rm.roomEmpty, OnBackpressure: rm.backpressure})

		rm.mu.Lock()
		rm.rooms[id] = r
		rm.mu.Unlock()

		time.AfterFunc(rm.opts.unusedRoomGrace(), func() { rm.evict(r) })
		if d := rm.opts.MaxSessionDuration; d > 0 {
			time.AfterFunc(d, func() { rm.expire(r) })
		}
		log.Info().Str("module", "core.rooms").Str("room", string(id)).Str("router", router.ID()).Msg("room created")
		return createResult{room: r, leader: token}, nil
	})
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		cr := res.Val.(createResult)
		return cr.room, cr.leader == token, nil
	}
}

// lookup skips rooms that ended but were not unregistered yet.
func (rm *RoomManager) lookup(id domain.RoomID) (*Room, bool) {
	rm.mu.RLock()
	r, ok := rm.rooms[id]
	rm.mu.RUnlock()
	if !ok || r.Closed() {
		return nil, false
	}
	return r, true
}

func (rm *RoomManager) Get(id domain.RoomID) (*Room, error) {
	r, ok := rm.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: room %s", ErrNotFound, id)
	}
	return r, nil
}

func (rm *RoomManager) Exists(id domain.RoomID) bool {
	_, err := rm.Get(id)
	return err == nil
}

func (rm *RoomManager) List() []RoomInfo {
	rm.mu.RLock()
	rooms := make([]*Room, 0, len(rm.rooms))
	for _, r := range rm.rooms {
		rooms = append(rooms, r)
	}
	rm.mu.RUnlock()

	out := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		if !r.Closed() {
			out = append(out, r.Info())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Remove releases r's router and drops r from the registry if it is still
// the registered room for its id.
func (rm *RoomManager) Remove(r *Room) bool {
	rm.mu.Lock()
	cur, ok := rm.rooms[r.id]
	removed := ok && cur == r
	if removed {
		delete(rm.rooms, r.id)
	}
	rm.mu.Unlock()

	r.releaseRouter()
	if removed {
		log.Info().Str("module", "core.rooms").Str("room", string(r.id)).Msg("room evicted")
	}
	return removed
}

func (rm *RoomManager) backpressure(r *Room, id domain.PeerID) {
	rm.mu.RLock()
	fn := rm.onBackpressure
	rm.mu.RUnlock()
	if fn != nil {
		fn(r, id)
	}
}

func (rm *RoomManager) roomEmpty(r *Room) {
	if r.Closed() || rm.opts.EvictionDelay <= 0 {
		rm.evict(r)
		return
	}
	time.AfterFunc(rm.opts.EvictionDelay, func() { rm.evict(r) })
}

// evict closes r and unregisters it unless somebody joined meanwhile.
func (rm *RoomManager) evict(r *Room) {
	if rm.ctx.Err() != nil {
		return
	}
	_, err := r.Exec(rm.ctx, func(tx *Tx) (any, error) {
		if len(tx.Peers()) > 0 {
			return nil, errRoomNotEmpty
		}
		tx.End()
		return nil, nil
	}, nil)
	switch {
	case errors.Is(err, errRoomNotEmpty):
		return
	case err != nil && !errors.Is(err, ErrRoomClosed):
		log.Warn().Err(err).Str("module", "core.rooms").Str("room", string(r.id)).Msg("evict")
		return
	}
	rm.Remove(r)
}

func (rm *RoomManager) expire(r *Room) {
	_, err := r.Exec(rm.ctx, func(tx *Tx) (any, error) {
		tx.Emit(SessionTimeout{RoomID: r.id})
		tx.Emit(RoomEnded{RoomID: r.id})
		tx.End()
		return nil, nil
	}, nil)
	if err != nil && !errors.Is(err, ErrRoomClosed) {
		log.Warn().Err(err).Str("module", "core.rooms").Str("room", string(r.id)).Msg("session timeout")
		return
	}
	log.Info().Str("module", "core.rooms").Str("room", string(r.id)).Msg("session timed out")
}

// Close ends every room and releases the routers.
func (rm *RoomManager) Close() {
	rm.mu.RLock()
	rooms := make([]*Room, 0, len(rm.rooms))
	for _, r := range rm.rooms {
		rooms = append(rooms, r)
	}
	rm.mu.RUnlock()

	var wg conc.WaitGroup
	for _, r := range rooms {
		wg.Go(func() {
			_, _ = r.Exec(context.Background(), func(tx *Tx) (any, error) {
				tx.Emit(RoomEnded{RoomID: r.id})
				tx.End()
				return nil, nil
			}, nil)
			rm.Remove(r)
		})
	}
	wg.Wait()
	rm.cancel()
}
