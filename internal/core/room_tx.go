package core

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/meet/internal/domain"
)

type delivery struct {
	to []*Peer
	ev Event
}

// Tx is the handle a room operation mutates the room through. Events are
// queued with their recipients resolved at the time they were issued and
// sent in order once the operation returns.
type Tx struct {
	room    *Room
	out     []delivery
	emptied bool
}

func (tx *Tx) Room() *Room { return tx.room }

// Broadcast queues ev for every member except from.
func (tx *Tx) Broadcast(from domain.PeerID, ev Event) {
	tx.queue(ev, func(p *Peer) bool { return p.ID() != from })
}

// Emit queues ev for every member.
func (tx *Tx) Emit(ev Event) {
	tx.queue(ev, func(*Peer) bool { return true })
}

// SendTo queues ev for p alone, whether or not p is still a member.
func (tx *Tx) SendTo(p *Peer, ev Event) {
	if p == nil {
		return
	}
	tx.out = append(tx.out, delivery{to: []*Peer{p}, ev: ev})
}

func (tx *Tx) queue(ev Event, keep func(*Peer) bool) {
	var to []*Peer
	for _, p := range tx.room.orderedPeers() {
		if !p.leaving() && keep(p) {
			to = append(to, p)
		}
	}
	if len(to) > 0 {
		tx.out = append(tx.out, delivery{to: to, ev: ev})
	}
}

func (tx *Tx) flush() PublishResult {
	var res PublishResult
	seen := make(map[domain.PeerID]bool)
	for _, d := range tx.out {
		frame, err := EncodeEvent(d.ev)
		if err != nil {
			log.Error().Err(err).Str("module", "core.room").Str("event", d.ev.EventName()).Msg("encode event")
			continue
		}
		for _, p := range d.to {
			if err := p.Signal().TrySend(frame); err != nil {
				if errors.Is(err, ErrBackpressure) && !seen[p.ID()] {
					seen[p.ID()] = true
					res.Dropped = append(res.Dropped, p.ID())
				}
				continue
			}
			res.SendTo++
		}
	}
	tx.out = nil
	if len(res.Dropped) > 0 {
		log.Warn().Str("module", "core.room").Str("room", string(tx.room.id)).
			Int("sent", res.SendTo).Int("dropped", len(res.Dropped)).Msg("publish backpressure")
	}
	return res
}

// Peer returns a member that has not started leaving.
func (tx *Tx) Peer(id domain.PeerID) (*Peer, error) {
	p, ok := tx.room.Peer(id)
	if !ok || p.leaving() {
		return nil, fmt.Errorf("%w: peer %s", ErrNotFound, id)
	}
	return p, nil
}

func (tx *Tx) Peers() []*Peer {
	var out []*Peer
	for _, p := range tx.room.orderedPeers() {
		if !p.leaving() {
			out = append(out, p)
		}
	}
	return out
}

// AddPeer registers p as an active member. The first member becomes host.
func (tx *Tx) AddPeer(p *Peer) error {
	r := tx.room
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[p.ID()]; ok {
		return fmt.Errorf("%w: peer %s", ErrAlreadyExists, p.ID())
	}
	r.peers[p.ID()] = p
	r.order = append(r.order, p.ID())
	if r.hostID == "" {
		r.hostID = p.ID()
	}
	p.setState(PeerActive)
	return nil
}

// RemovePeer closes everything p owns, drops it from the room and tells the
// remaining members. A second call for the same peer does nothing.
func (tx *Tx) RemovePeer(p *Peer) bool {
	if !p.markLeaving() {
		return false
	}
	for _, t := range p.allTransports() {
		tx.closeTransport(p, t)
	}
	for _, pr := range p.allProducers() {
		tx.closeProducer(p, pr)
	}
	for _, c := range p.allConsumers() {
		tx.closeConsumer(p, c)
	}

	r := tx.room
	r.mu.Lock()
	delete(r.peers, p.ID())
	for i, id := range r.order {
		if id == p.ID() {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	wasHost := r.hostID == p.ID()
	if wasHost {
		r.hostID = ""
		if len(r.order) > 0 {
			r.hostID = r.order[0]
		}
	}
	newHost := r.hostID
	empty := len(r.peers) == 0
	r.mu.Unlock()
	p.setState(PeerRemoved)

	tx.Broadcast(p.ID(), UserLeft{PeerID: p.ID(), Name: p.Info().Name})
	if wasHost && newHost != "" {
		tx.Emit(HostChanged{HostID: newHost})
	}
	if empty {
		tx.emptied = true
	}
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("peer", string(p.ID())).Msg("peer removed")
	return true
}

// SetHost hands the host role to id and tells everyone.
func (tx *Tx) SetHost(id domain.PeerID) error {
	if _, err := tx.Peer(id); err != nil {
		return err
	}
	r := tx.room
	r.mu.Lock()
	changed := r.hostID != id
	r.hostID = id
	r.mu.Unlock()
	if changed {
		tx.Emit(HostChanged{HostID: id})
	}
	return nil
}

func (tx *Tx) SetLocked(locked bool) bool {
	r := tx.room
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := r.locked != locked
	r.locked = locked
	return changed
}

// End removes every member without per-peer fan-out and closes the room.
// Events queued before End still reach the members it removes.
func (tx *Tx) End() {
	peers := tx.Peers()
	for _, p := range peers {
		p.markLeaving()
	}
	for _, p := range peers {
		for _, t := range p.allTransports() {
			tx.closeTransport(p, t)
		}
		for _, pr := range p.allProducers() {
			tx.closeProducer(p, pr)
		}
		for _, c := range p.allConsumers() {
			tx.closeConsumer(p, c)
		}
		p.setState(PeerRemoved)
	}
	r := tx.room
	r.mu.Lock()
	r.peers = make(map[domain.PeerID]*Peer)
	r.order = nil
	r.hostID = ""
	r.closed = true
	r.mu.Unlock()
	tx.emptied = true
}

// SetRtpCapabilities records that p finished the capability exchange.
func (tx *Tx) SetRtpCapabilities(p *Peer, caps RtpCapabilities) {
	p.setRtpCapabilities(caps)
}

// Transport returns p's open transport with the given id.
func (tx *Tx) Transport(p *Peer, id string) (Transport, domain.Direction, error) {
	t, ok := p.transport(id)
	if !ok || !t.Open() {
		return nil, "", fmt.Errorf("%w: transport %s", ErrNotFound, id)
	}
	return t.handle, t.direction, nil
}

// AddTransport registers t on p and subscribes to its lifecycle. An open
// transport p already had for dir is closed first.
func (tx *Tx) AddTransport(p *Peer, t Transport, dir domain.Direction) {
	if old, ok := p.transportFor(dir); ok {
		tx.closeTransport(p, old)
	}
	e := &transportEntry{handle: t, direction: dir}
	p.addTransport(e)

	r := tx.room
	t.OnDtlsStateChange(func(s DtlsState) {
		if s != DtlsStateClosed && s != DtlsStateFailed {
			return
		}
		r.post("dtlsstatechange", func(tx *Tx) { tx.closeTransport(p, e) })
	})
	t.OnConnectionStateChange(func(s ConnectionState) {
		r.post("connectionstatechange", func(tx *Tx) {
			if !e.Open() || p.leaving() {
				return
			}
			tx.Emit(ConnectionStateChanged{ParticipantID: p.ID(), State: string(s)})
			if s == ConnectionStateFailed {
				tx.closeTransport(p, e)
				tx.SendTo(p, ConnectionFailed{ParticipantID: p.ID(), TransportID: t.ID(), Error: "ice connection failed"})
			}
		})
	})
	t.OnClose(func() {
		r.post("transportclose", func(tx *Tx) { tx.closeTransport(p, e) })
	})
}

// CloseTransport closes p's transport id with its producers and consumers.
func (tx *Tx) CloseTransport(p *Peer, id string) bool {
	t, ok := p.transport(id)
	if !ok {
		return false
	}
	return tx.closeTransport(p, t)
}

func (tx *Tx) closeTransport(p *Peer, t *transportEntry) bool {
	if !t.begin() {
		return false
	}
	id := t.handle.ID()
	for _, pr := range p.producersOn(id) {
		tx.closeProducer(p, pr)
	}
	for _, c := range p.consumersOn(id) {
		tx.closeConsumer(p, c)
	}
	if err := t.handle.Close(); err != nil {
		log.Warn().Err(err).Str("module", "core.room").Str("transport", id).Msg("transport close")
	}
	p.removeTransport(id)
	t.finish()
	log.Debug().Str("module", "core.room").Str("peer", string(p.ID())).Str("transport", id).Msg("transport closed")
	return true
}

// AddProducer registers pr in p's mt slot, subscribes to its lifecycle and
// announces it. The slot must be free.
func (tx *Tx) AddProducer(p *Peer, pr Producer, mt domain.MediaType, transportID string, paused bool) error {
	if cur, ok := p.producer(mt); ok && cur.Open() {
		return fmt.Errorf("%w: %s producer %s", ErrAlreadyExists, mt, cur.handle.ID())
	}
	e := &producerEntry{handle: pr, mediaType: mt, transportID: transportID}
	e.paused.Store(paused)
	p.addProducer(e)

	r := tx.room
	pr.OnTrackEnded(func() {
		r.post("trackended", func(tx *Tx) {
			if tx.closeProducer(p, e) {
				tx.SendTo(p, MediaError{ParticipantID: p.ID(), MediaType: mt, Error: "track ended"})
			}
		})
	})
	pr.OnTransportClose(func() {
		r.post("producer transportclose", func(tx *Tx) { tx.closeProducer(p, e) })
	})

	tx.Broadcast(p.ID(), NewProducers{e.ref(p.ID())})
	tx.Emit(TrackAdded{ParticipantID: p.ID(), MediaTrack: MediaTrack{ProducerID: pr.ID(), Kind: pr.Kind(), Type: mt}})
	if mt == domain.MediaScreen {
		tx.Emit(ScreenShareStarted{ParticipantID: p.ID()})
	}
	return nil
}

// CloseProducer closes p's producer identified by a media type or an id.
// Closing an absent producer is a no-op.
func (tx *Tx) CloseProducer(p *Peer, typeOrID string) bool {
	e, ok := p.producerByID(typeOrID)
	if !ok {
		mt, err := domain.ParseMediaType(typeOrID)
		if err != nil {
			return false
		}
		if e, ok = p.producer(mt); !ok {
			return false
		}
	}
	return tx.closeProducer(p, e)
}

func (tx *Tx) closeProducer(p *Peer, e *producerEntry) bool {
	if !e.begin() {
		return false
	}
	id := e.handle.ID()
	for _, other := range tx.room.orderedPeers() {
		if c, ok := other.consumerFor(id); ok {
			tx.closeConsumer(other, c)
		}
	}
	if err := e.handle.Close(); err != nil {
		log.Warn().Err(err).Str("module", "core.room").Str("producer", id).Msg("producer close")
	}
	p.removeProducer(e)
	e.finish()

	tx.Emit(TrackRemoved{ParticipantID: p.ID(), MediaTrack: MediaTrack{ProducerID: id, Kind: e.mediaType.Kind(), Type: e.mediaType}})
	if e.mediaType == domain.MediaScreen {
		tx.Emit(ScreenShareStopped{ParticipantID: p.ID()})
	}
	log.Debug().Str("module", "core.room").Str("peer", string(p.ID())).Str("producer", id).Msg("producer closed")
	return true
}

// SetProducerPaused flips the paused flag of p's producer in slot mt and
// returns the producer handle. The engine call is the caller's job.
func (tx *Tx) SetProducerPaused(p *Peer, typeOrID string, paused bool) (Producer, domain.MediaType, bool, error) {
	e, ok := p.producerByID(typeOrID)
	if !ok {
		mt, err := domain.ParseMediaType(typeOrID)
		if err != nil {
			return nil, "", false, fmt.Errorf("%w: producer %s", ErrNotFound, typeOrID)
		}
		if e, ok = p.producer(mt); !ok {
			return nil, "", false, fmt.Errorf("%w: %s producer", ErrNotFound, mt)
		}
	}
	if !e.Open() {
		return nil, "", false, fmt.Errorf("%w: producer %s", ErrNotFound, e.handle.ID())
	}
	changed := e.paused.Swap(paused) != paused
	return e.handle, e.mediaType, changed, nil
}

// FindProducer returns the owner of an open producer, scanning members in
// insertion order.
func (tx *Tx) FindProducer(producerID string) (*Peer, Producer, error) {
	for _, p := range tx.Peers() {
		if e, ok := p.producerByID(producerID); ok && e.Open() {
			return p, e.handle, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: producer %s", ErrNotFound, producerID)
}

// ConsumerFor returns p's open consumer of producerID.
func (tx *Tx) ConsumerFor(p *Peer, producerID string) (Consumer, bool) {
	c, ok := p.consumerFor(producerID)
	if !ok {
		return nil, false
	}
	return c.handle, true
}

// AddConsumer registers c on p and subscribes to its lifecycle.
func (tx *Tx) AddConsumer(p *Peer, c Consumer, transportID string) {
	e := &consumerEntry{handle: c, transportID: transportID}
	p.addConsumer(e)

	r := tx.room
	c.OnProducerClose(func() {
		r.post("producerclose", func(tx *Tx) { tx.closeConsumer(p, e) })
	})
	c.OnTransportClose(func() {
		r.post("consumer transportclose", func(tx *Tx) { tx.closeConsumer(p, e) })
	})
}

// closeConsumer tells the owner with a targeted consumerClosed unless the
// owner is on its way out.
func (tx *Tx) closeConsumer(p *Peer, e *consumerEntry) bool {
	if !e.begin() {
		return false
	}
	id := e.handle.ID()
	if err := e.handle.Close(); err != nil {
		log.Warn().Err(err).Str("module", "core.room").Str("consumer", id).Msg("consumer close")
	}
	p.removeConsumer(id)
	e.finish()
	if !p.leaving() {
		tx.SendTo(p, ConsumerClosed{ConsumerID: id})
	}
	return true
}
