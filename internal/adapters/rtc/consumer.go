package rtc

import (
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meet/internal/core"
	"github.com/dkeye/meet/internal/domain"
)

// Consumer sends a producer's packets to another client.
type Consumer struct {
	id        string
	producer  *Producer
	transport *Transport
	sender    *webrtc.RTPSender
	track     *webrtc.TrackLocalStaticRTP
	params    core.RtpParameters

	mu               sync.Mutex
	closed           bool
	onProducerClose  func()
	onTransportClose func()
}

func (c *Consumer) ID() string                        { return c.id }
func (c *Consumer) ProducerID() string                { return c.producer.id }
func (c *Consumer) Kind() domain.Kind                 { return c.producer.kind }
func (c *Consumer) RtpParameters() core.RtpParameters { return c.params }

// start waits for the producer's relay, subscribes and then forwards
// keyframe requests upstream until the sender stops.
func (c *Consumer) start(paused bool) {
	logger := log.With().Str("module", "rtc").Str("consumer", c.id).Str("producer", c.producer.id).Logger()

	if err := c.sender.Send(c.sender.GetParameters()); err != nil {
		if !c.isClosed() {
			logger.Warn().Err(err).Msg("send failed")
		}
		return
	}

	<-c.producer.ready
	if c.isClosed() || c.producer.isClosed() {
		return
	}
	relays := c.transport.router.engine.relays
	if !relays.AddSubscriber(c.producer.id, c.id, c.track) {
		logger.Warn().Msg("no relay for producer")
		return
	}
	if paused {
		relays.MuteSubscriber(c.producer.id, c.id, true)
	}
	c.producer.requestKeyFrame()

	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.producer.requestKeyFrame()
			}
		}
	}
}

func (c *Consumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) stop() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.mu.Unlock()

	c.transport.router.engine.relays.MarkSubscriberDelete(c.producer.id, c.id)
	if err := c.sender.Stop(); err != nil {
		log.Debug().Str("module", "rtc").Str("consumer", c.id).Err(err).Msg("sender stop")
	}
	c.producer.removeConsumer(c.id)
	c.transport.forgetConsumer(c.id)
	return true
}

func (c *Consumer) Close() error {
	c.stop()
	return nil
}

func (c *Consumer) producerClosed() {
	c.mu.Lock()
	cb := c.onProducerClose
	c.mu.Unlock()
	if c.stop() && cb != nil {
		cb()
	}
}

func (c *Consumer) transportClosed() {
	c.mu.Lock()
	cb := c.onTransportClose
	c.mu.Unlock()
	if c.stop() && cb != nil {
		cb()
	}
}

func (c *Consumer) OnProducerClose(fn func()) {
	c.mu.Lock()
	c.onProducerClose = fn
	c.mu.Unlock()
}

func (c *Consumer) OnTransportClose(fn func()) {
	c.mu.Lock()
	c.onTransportClose = fn
	c.mu.Unlock()
}

var _ core.Consumer = (*Consumer)(nil)
