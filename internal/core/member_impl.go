package core

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dkeye/meet/internal/domain"
)

type transportEntry struct {
	lifecycle
	handle    Transport
	direction domain.Direction
}

type producerEntry struct {
	lifecycle
	handle      Producer
	mediaType   domain.MediaType
	transportID string
	paused      atomic.Bool
}

func (p *producerEntry) ref(owner domain.PeerID) ProducerRef {
	return ProducerRef{ProducerID: p.handle.ID(), PeerID: owner, Type: p.mediaType}
}

type consumerEntry struct {
	lifecycle
	handle      Consumer
	transportID string
}

// Peer is one participant's connection state inside a room. Its maps are
// mutated only from room operations; the lock exists for snapshot readers.
type Peer struct {
	info   domain.PeerInfo
	signal SignalConnection
	state  atomic.Int32

	mu         sync.RWMutex
	rtpCaps    *RtpCapabilities
	transports map[string]*transportEntry
	producers  map[domain.MediaType]*producerEntry
	consumers  map[string]*consumerEntry
}

func NewPeer(info domain.PeerInfo, signal SignalConnection) *Peer {
	return &Peer{
		info:       info,
		signal:     signal,
		transports: make(map[string]*transportEntry),
		producers:  make(map[domain.MediaType]*producerEntry),
		consumers:  make(map[string]*consumerEntry),
	}
}

func (p *Peer) ID() domain.PeerID        { return p.info.ID }
func (p *Peer) Info() domain.PeerInfo    { return p.info }
func (p *Peer) Signal() SignalConnection { return p.signal }
func (p *Peer) State() PeerState         { return PeerState(p.state.Load()) }
func (p *Peer) setState(s PeerState)     { p.state.Store(int32(s)) }
func (p *Peer) leaving() bool            { return p.State() >= PeerLeaving }
func (p *Peer) markLeaving() bool {
	for {
		cur := p.state.Load()
		if PeerState(cur) >= PeerLeaving {
			return false
		}
		if p.state.CompareAndSwap(cur, int32(PeerLeaving)) {
			return true
		}
	}
}

// RtpCapabilities returns the capabilities recorded by the last
// capability exchange, or nil before it happened.
func (p *Peer) RtpCapabilities() *RtpCapabilities {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rtpCaps
}

func (p *Peer) setRtpCapabilities(caps RtpCapabilities) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rtpCaps = &caps
}

func (p *Peer) transport(id string) (*transportEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.transports[id]
	return t, ok
}

func (p *Peer) transportFor(dir domain.Direction) (*transportEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, t := range p.transports {
		if t.direction == dir && t.Open() {
			return t, true
		}
	}
	return nil, false
}

func (p *Peer) addTransport(t *transportEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transports[t.handle.ID()] = t
}

func (p *Peer) removeTransport(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.transports, id)
}

func (p *Peer) producer(mt domain.MediaType) (*producerEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pr, ok := p.producers[mt]
	return pr, ok
}

func (p *Peer) producerByID(id string) (*producerEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, pr := range p.producers {
		if pr.handle.ID() == id {
			return pr, true
		}
	}
	return nil, false
}

func (p *Peer) addProducer(pr *producerEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.producers[pr.mediaType] = pr
}

// removeProducer deletes the slot only if it still holds pr.
func (p *Peer) removeProducer(pr *producerEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.producers[pr.mediaType]; ok && cur == pr {
		delete(p.producers, pr.mediaType)
	}
}

func (p *Peer) consumer(id string) (*consumerEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.consumers[id]
	return c, ok
}

// consumerFor returns the open consumer of producerID, if any.
func (p *Peer) consumerFor(producerID string) (*consumerEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.consumers {
		if c.handle.ProducerID() == producerID && c.Open() {
			return c, true
		}
	}
	return nil, false
}

func (p *Peer) addConsumer(c *consumerEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumers[c.handle.ID()] = c
}

func (p *Peer) removeConsumer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, id)
}

func (p *Peer) producersOn(transportID string) []*producerEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*producerEntry
	for _, mt := range domain.MediaTypes {
		if pr, ok := p.producers[mt]; ok && pr.transportID == transportID {
			out = append(out, pr)
		}
	}
	return out
}

func (p *Peer) consumersOn(transportID string) []*consumerEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*consumerEntry
	for _, c := range p.consumers {
		if c.transportID == transportID {
			out = append(out, c)
		}
	}
	sortConsumers(out)
	return out
}

func (p *Peer) allProducers() []*producerEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*producerEntry, 0, len(p.producers))
	for _, mt := range domain.MediaTypes {
		if pr, ok := p.producers[mt]; ok {
			out = append(out, pr)
		}
	}
	return out
}

func (p *Peer) allConsumers() []*consumerEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*consumerEntry, 0, len(p.consumers))
	for _, c := range p.consumers {
		out = append(out, c)
	}
	sortConsumers(out)
	return out
}

func (p *Peer) allTransports() []*transportEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*transportEntry, 0, len(p.transports))
	for _, t := range p.transports {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].direction < out[j].direction })
	return out
}

// Producers lists the peer's open producers in media-type order.
func (p *Peer) Producers() []ProducerRef {
	out := make([]ProducerRef, 0, 3)
	for _, pr := range p.allProducers() {
		if pr.Open() {
			out = append(out, pr.ref(p.info.ID))
		}
	}
	return out
}

// ProducerID returns the id of the open producer in slot mt.
func (p *Peer) ProducerID(mt domain.MediaType) (string, bool) {
	pr, ok := p.producer(mt)
	if !ok || !pr.Open() {
		return "", false
	}
	return pr.handle.ID(), true
}

func (p *Peer) ConsumerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.consumers)
}

func (p *Peer) TransportCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.transports)
}

// ConsumedProducers lists the producer ids this peer currently consumes.
func (p *Peer) ConsumedProducers() []string {
	cs := p.allConsumers()
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.handle.ProducerID())
	}
	return out
}

func (p *Peer) snapshot() PeerSnapshot {
	return PeerSnapshot{
		PeerInfo:  p.info,
		Producers: p.Producers(),
		Consumers: p.ConsumerCount(),
	}
}

func sortConsumers(cs []*consumerEntry) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].handle.ID() < cs[j].handle.ID() })
}
