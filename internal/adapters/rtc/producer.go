package rtc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meet/internal/core"
	"github.com/dkeye/meet/internal/domain"
)

// Producer receives one track from a client and feeds it to a relay.
type Producer struct {
	id        string
	kind      domain.Kind
	params    core.RtpParameters
	transport *Transport
	receiver  *webrtc.RTPReceiver
	ssrc      atomic.Uint32
	paused    atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once

	mu               sync.Mutex
	closed           bool
	consumers        map[string]*Consumer
	onEnded          func()
	onTransportClose func()
}

func (p *Producer) ID() string                        { return p.id }
func (p *Producer) Kind() domain.Kind                 { return p.kind }
func (p *Producer) RtpParameters() core.RtpParameters { return p.params }

func (p *Producer) receive(params webrtc.RTPReceiveParameters) {
	logger := log.With().Str("module", "rtc").Str("producer", p.id).Logger()
	if err := p.receiver.Receive(params); err != nil {
		if !p.isClosed() {
			logger.Warn().Err(err).Msg("receive failed")
			p.trackEnded()
		}
		return
	}
	if p.isClosed() {
		return
	}
	track := p.receiver.Track()
	if track == nil {
		logger.Warn().Msg("receiver has no track")
		return
	}
	p.ssrc.CompareAndSwap(0, uint32(track.SSRC()))

	relays := p.transport.router.engine.relays
	relays.StartRelay(context.Background(), p.id, track, p.trackEnded)
	relays.SetPaused(p.id, p.paused.Load())
	p.markReady()

	// Drain RTCP so receiver interceptors keep running.
	go func() {
		for {
			if _, _, err := p.receiver.ReadRTCP(); err != nil {
				return
			}
		}
	}()
	logger.Debug().Uint32("ssrc", p.ssrc.Load()).Msg("receiving")
}

func (p *Producer) Pause(context.Context) error {
	p.paused.Store(true)
	p.transport.router.engine.relays.SetPaused(p.id, true)
	return nil
}

func (p *Producer) Resume(context.Context) error {
	p.paused.Store(false)
	p.transport.router.engine.relays.SetPaused(p.id, false)
	p.requestKeyFrame()
	return nil
}

func (p *Producer) requestKeyFrame() {
	if p.kind == domain.KindVideo {
		p.transport.requestKeyFrame(p.ssrc.Load())
	}
}

// markReady releases consumers waiting for the relay. Closing also
// releases them.
func (p *Producer) markReady() {
	p.readyOnce.Do(func() { close(p.ready) })
}

func (p *Producer) addConsumer(c *Consumer) {
	p.mu.Lock()
	p.consumers[c.id] = c
	p.mu.Unlock()
}

func (p *Producer) removeConsumer(id string) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

func (p *Producer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// stop releases the receiver and tells every consumer the source is gone.
// It reports false if the producer was already stopped.
func (p *Producer) stop() bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.closed = true
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.mu.Unlock()

	p.transport.router.engine.relays.StopRelay(p.id)
	p.markReady()
	if err := p.receiver.Stop(); err != nil {
		log.Debug().Str("module", "rtc").Str("producer", p.id).Err(err).Msg("receiver stop")
	}
	p.transport.router.removeProducer(p.id)
	p.transport.forgetProducer(p.id)
	for _, c := range consumers {
		c.producerClosed()
	}
	return true
}

func (p *Producer) Close() error {
	p.stop()
	return nil
}

func (p *Producer) trackEnded() {
	p.mu.Lock()
	cb := p.onEnded
	closed := p.closed
	p.mu.Unlock()
	if !closed && cb != nil {
		cb()
	}
}

func (p *Producer) transportClosed() {
	p.mu.Lock()
	cb := p.onTransportClose
	p.mu.Unlock()
	if p.stop() && cb != nil {
		cb()
	}
}

func (p *Producer) OnTrackEnded(fn func()) {
	p.mu.Lock()
	p.onEnded = fn
	p.mu.Unlock()
}

func (p *Producer) OnTransportClose(fn func()) {
	p.mu.Lock()
	p.onTransportClose = fn
	p.mu.Unlock()
}

var _ core.Producer = (*Producer)(nil)
