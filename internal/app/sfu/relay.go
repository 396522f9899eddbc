package sfu

import (
	"context"
	"errors"
	"io"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// RTPSource yields the producer's packets; *webrtc.TrackRemote is one.
type RTPSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Relay fans one producer's RTP out to every consumer's OutTrack.
type Relay struct {
	ProducerID string
	Src        RTPSource

	paused atomic.Bool

	mu        sync.RWMutex
	outTracks map[string]*OutTrack

	cancel  context.CancelFunc
	done    chan struct{}
	onEnded func()
}

func NewRelay(producerID string, src RTPSource, cancel context.CancelFunc, onEnded func()) *Relay {
	return &Relay{
		ProducerID: producerID,
		Src:        src,
		outTracks:  make(map[string]*OutTrack),
		cancel:     cancel,
		done:       make(chan struct{}),
		onEnded:    onEnded,
	}
}

// loop reads RTP packets from the source and forwards them to all OutTracks.
// A source that fails while the relay is still wanted has ended.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			r.markAllDelete()
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				logger.Info().Msg("relay source ended")
			} else {
				logger.Error().Err(err).Msg("relay read RTP error, stopping")
			}
			if r.onEnded != nil {
				r.onEnded()
			}
			return
		}
		if r.paused.Load() {
			continue
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := make(map[string]*OutTrack, len(r.outTracks))
	maps.Copy(snapshot, r.outTracks)
	r.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for consumerID, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, consumerID)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Sink.WriteRTP(pkt); err != nil {
				logger.Warn().
					Err(err).
					Str("consumer", consumerID).
					Msg("relay write RTP error, marking outtrack as delete")
				ot.MarkDelete()
				dirty = append(dirty, consumerID)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		if ot, ok := r.outTracks[id]; ok && ot.GetState() == TrackStateDelete {
			delete(r.outTracks, id)
		}
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

func (r *Relay) AddOutTrack(consumerID string, ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTracks[consumerID] = ot
}

func (r *Relay) outTrack(consumerID string) (*OutTrack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ot, ok := r.outTracks[consumerID]
	return ot, ok
}

// Subscribers counts OutTracks not yet marked for deletion.
func (r *Relay) Subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, ot := range r.outTracks {
		if ot.GetState() != TrackStateDelete {
			n++
		}
	}
	return n
}

// SetPaused stops or resumes forwarding without touching subscribers.
func (r *Relay) SetPaused(paused bool) { r.paused.Store(paused) }

// Done is closed once the loop has exited.
func (r *Relay) Done() <-chan struct{} { return r.done }
