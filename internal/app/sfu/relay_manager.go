package sfu

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// RelayManager owns one Relay per producer.
type RelayManager struct {
	mu     sync.RWMutex
	relays map[string]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[string]*Relay),
	}
}

// StartRelay creates a Relay for producerID and starts its loop. onEnded
// runs if the source stops on its own.
func (m *RelayManager) StartRelay(ctx context.Context, producerID string, src RTPSource, onEnded func()) *Relay {
	logger := log.With().
		Str("module", "relay").
		Str("producer", producerID).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(producerID, src, cancel, onEnded)

	m.mu.Lock()
	if old, ok := m.relays[producerID]; ok {
		logger.Info().Msg("replacing existing relay for producer")
		old.markAllDelete()
		if old.cancel != nil {
			old.cancel()
		}
	}
	m.relays[producerID] = relay
	m.mu.Unlock()

	logger.Debug().Msg("starting relay loop")

	go relay.loop(relayCtx, &logger)
	return relay
}

// AddSubscriber attaches an OutTrack for consumerID to producerID's relay.
func (m *RelayManager) AddSubscriber(producerID, consumerID string, sink RTPSink) bool {
	m.mu.RLock()
	relay, ok := m.relays[producerID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	relay.AddOutTrack(consumerID, NewOutTrack(sink))
	return true
}

// MarkSubscriberDelete marks consumerID's OutTrack as TrackStateDelete.
func (m *RelayManager) MarkSubscriberDelete(producerID, consumerID string) {
	if ot, ok := m.outTrack(producerID, consumerID); ok {
		ot.MarkDelete()
	}
}

// MuteSubscriber pauses or resumes forwarding to one consumer.
func (m *RelayManager) MuteSubscriber(producerID, consumerID string, muted bool) {
	ot, ok := m.outTrack(producerID, consumerID)
	if !ok {
		return
	}
	if muted {
		ot.MarkMuted()
	} else {
		ot.MarkOk()
	}
}

func (m *RelayManager) outTrack(producerID, consumerID string) (*OutTrack, bool) {
	m.mu.RLock()
	relay, ok := m.relays[producerID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return relay.outTrack(consumerID)
}

// SetPaused pauses or resumes a producer's relay.
func (m *RelayManager) SetPaused(producerID string, paused bool) {
	m.mu.RLock()
	relay, ok := m.relays[producerID]
	m.mu.RUnlock()
	if ok {
		relay.SetPaused(paused)
	}
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(producerID string) {
	m.mu.Lock()
	relay, ok := m.relays[producerID]
	if ok {
		delete(m.relays, producerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.markAllDelete()
	if relay.cancel != nil {
		relay.cancel()
	}
}

// HasRelay reports whether a relay exists for producerID.
func (m *RelayManager) HasRelay(producerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[producerID]
	return ok
}

// Relay returns producerID's relay.
func (m *RelayManager) Relay(producerID string) (*Relay, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	relay, ok := m.relays[producerID]
	return relay, ok
}
