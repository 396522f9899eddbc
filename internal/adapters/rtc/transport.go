package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meet/internal/core"
)

var errTransportClosed = errors.New("transport closed")

// Transport is an ICE+DTLS pair. The client is expected to be the ICE
// controlling side.
type Transport struct {
	id       string
	router   *Router
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	forceTCP bool
	params   core.TransportParams

	mu        sync.Mutex
	connected bool
	closed    bool
	producers map[string]*Producer
	consumers map[string]*Consumer

	onDtls  func(core.DtlsState)
	onState func(core.ConnectionState)
	onClose func()
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Params() core.TransportParams { return t.params }

func (t *Transport) gather(ctx context.Context, timeout time.Duration) error {
	done := make(chan struct{})
	var once sync.Once
	t.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(done) })
		}
	})
	if err := t.gatherer.Gather(); err != nil {
		return fmt.Errorf("gather: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-done:
	case <-ctx.Done():
		// Partial gathering still leaves usable host candidates.
		log.Warn().Str("module", "rtc").Str("transport", t.id).Msg("ice gathering timed out")
	}

	iceParams, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return err
	}
	candidates, err := t.gatherer.GetLocalCandidates()
	if err != nil {
		return err
	}
	dtlsParams, err := t.dtls.GetLocalParameters()
	if err != nil {
		return err
	}

	t.params = core.TransportParams{
		ID:             t.id,
		IceParameters:  iceParameters(iceParams),
		DtlsParameters: dtlsParameters(dtlsParams),
		IceCandidates:  make([]core.IceCandidate, 0, len(candidates)),
	}
	for _, c := range candidates {
		if t.forceTCP && c.Protocol != webrtc.ICEProtocolTCP {
			continue
		}
		t.params.IceCandidates = append(t.params.IceCandidates, iceCandidate(c))
	}

	t.ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		t.mu.Lock()
		cb := t.onState
		t.mu.Unlock()
		if cb != nil {
			cb(connectionState(s))
		}
	})
	t.dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		t.mu.Lock()
		cb := t.onDtls
		t.mu.Unlock()
		if cb != nil {
			cb(dtlsState(s))
		}
	})
	return nil
}

// Connect validates the remote parameters and starts ICE and DTLS in the
// background. Progress is reported through the state callbacks.
func (t *Transport) Connect(_ context.Context, params core.ConnectParams) error {
	if params.IceParameters == nil {
		return fmt.Errorf("%w: transport %s: remote iceParameters required", core.ErrBadRequest, t.id)
	}
	remote := make([]webrtc.ICECandidate, 0, len(params.IceCandidates))
	for _, c := range params.IceCandidates {
		rc, err := remoteIceCandidate(c)
		if err != nil {
			return fmt.Errorf("candidate %s: %w", c.Foundation, err)
		}
		remote = append(remote, rc)
	}

	t.mu.Lock()
	switch {
	case t.closed:
		t.mu.Unlock()
		return errTransportClosed
	case t.connected:
		t.mu.Unlock()
		return fmt.Errorf("transport %s already connected", t.id)
	}
	t.connected = true
	t.mu.Unlock()

	if err := t.ice.SetRemoteCandidates(remote); err != nil {
		return err
	}
	iceParams := remoteIceParameters(*params.IceParameters)
	dtlsParams := remoteDtlsParameters(params.DtlsParameters)

	go func() {
		logger := log.With().Str("module", "rtc").Str("transport", t.id).Logger()
		role := webrtc.ICERoleControlled
		if err := t.ice.Start(t.gatherer, iceParams, &role); err != nil {
			logger.Warn().Err(err).Msg("ice start failed")
			return
		}
		if err := t.dtls.Start(dtlsParams); err != nil {
			logger.Warn().Err(err).Msg("dtls start failed")
			return
		}
		logger.Debug().Msg("transport connected")
	}()
	return nil
}

func (t *Transport) Produce(_ context.Context, opts core.ProduceOptions) (core.Producer, error) {
	recvParams, err := receiveParameters(opts.RtpParameters)
	if err != nil {
		return nil, err
	}
	if t.isClosed() {
		return nil, errTransportClosed
	}
	receiver, err := t.router.api.NewRTPReceiver(codecType(opts.Kind), t.dtls)
	if err != nil {
		return nil, err
	}

	p := &Producer{
		id:        uuid.NewString(),
		kind:      opts.Kind,
		params:    opts.RtpParameters,
		transport: t,
		receiver:  receiver,
		consumers: make(map[string]*Consumer),
		ready:     make(chan struct{}),
	}
	p.paused.Store(opts.Paused)
	p.ssrc.Store(opts.RtpParameters.Encodings[0].Ssrc)

	t.mu.Lock()
	t.producers[p.id] = p
	t.mu.Unlock()
	t.router.addProducer(p)

	// Receive blocks until DTLS is up, so it runs alongside the relay.
	go p.receive(recvParams)
	return p, nil
}

func (t *Transport) Consume(_ context.Context, opts core.ConsumeOptions) (core.Consumer, error) {
	if t.isClosed() {
		return nil, errTransportClosed
	}
	p, ok := t.router.producer(opts.ProducerID)
	if !ok || p.isClosed() {
		return nil, fmt.Errorf("producer %s not found", opts.ProducerID)
	}
	codecs := p.RtpParameters().Codecs
	if len(codecs) == 0 {
		return nil, fmt.Errorf("producer %s has no codec", p.id)
	}

	id := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticRTP(trackCapability(codecs[0]), id, p.id)
	if err != nil {
		return nil, err
	}
	sender, err := t.router.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, err
	}

	c := &Consumer{
		id:        id,
		producer:  p,
		transport: t,
		sender:    sender,
		track:     track,
	}
	c.params = consumerParameters(sender.GetParameters(), codecs[0], opts.RtpCapabilities)

	t.mu.Lock()
	t.consumers[c.id] = c
	t.mu.Unlock()
	p.addConsumer(c)

	go c.start(opts.Paused)
	return c, nil
}

// requestKeyFrame asks the remote sender of ssrc for a fresh keyframe.
func (t *Transport) requestKeyFrame(ssrc uint32) {
	if ssrc == 0 {
		return
	}
	if _, err := t.dtls.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
		log.Debug().Str("module", "rtc").Str("transport", t.id).Err(err).Msg("pli write failed")
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) forgetProducer(id string) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *Transport) forgetConsumer(id string) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

// Close tears down everything created on the transport, then fires OnClose.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	onClose := t.onClose
	t.mu.Unlock()

	for _, p := range producers {
		p.transportClosed()
	}
	for _, c := range consumers {
		c.transportClosed()
	}

	var errs []error
	if t.dtls != nil {
		errs = append(errs, t.dtls.Stop())
	}
	errs = append(errs, t.ice.Stop(), t.gatherer.Close())
	t.router.removeTransport(t.id)

	if onClose != nil {
		onClose()
	}
	return errors.Join(errs...)
}

func (t *Transport) OnDtlsStateChange(fn func(core.DtlsState)) {
	t.mu.Lock()
	t.onDtls = fn
	t.mu.Unlock()
}

func (t *Transport) OnConnectionStateChange(fn func(core.ConnectionState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	t.onClose = fn
	t.mu.Unlock()
}

var _ core.Transport = (*Transport)(nil)
