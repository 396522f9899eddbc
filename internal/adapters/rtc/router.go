package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/meet/internal/core"
)

// Router groups the transports and producers of one room.
type Router struct {
	id     string
	engine *Engine
	api    *webrtc.API
	caps   core.RtpCapabilities

	mu         sync.Mutex
	transports map[string]*Transport
	producers  map[string]*Producer
	closed     bool
}

func (r *Router) ID() string { return r.id }

func (r *Router) RtpCapabilities() core.RtpCapabilities { return r.caps }

func (r *Router) CreateWebRtcTransport(ctx context.Context, opts core.WebRtcTransportOptions) (core.Transport, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("router %s closed", r.id)
	}

	gatherer, err := r.api.NewICEGatherer(webrtc.ICEGatherOptions{
		ICEServers:      r.engine.iceServers(),
		ICEGatherPolicy: webrtc.ICETransportPolicyAll,
	})
	if err != nil {
		return nil, err
	}
	t := &Transport{
		id:        uuid.NewString(),
		router:    r,
		gatherer:  gatherer,
		forceTCP:  opts.ForceTCP,
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}
	t.ice = r.api.NewICETransport(gatherer)
	if t.dtls, err = r.api.NewDTLSTransport(t.ice, nil); err != nil {
		_ = gatherer.Close()
		return nil, err
	}
	if err := t.gather(ctx, r.engine.cfg.GatherTimeout); err != nil {
		_ = t.Close()
		return nil, err
	}

	r.mu.Lock()
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

// CanConsume requires a live producer whose codec the consumer supports.
func (r *Router) CanConsume(producerID string, caps core.RtpCapabilities) bool {
	r.mu.Lock()
	p, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok || p.isClosed() {
		return false
	}
	codecs := p.RtpParameters().Codecs
	return len(codecs) > 0 && caps.SupportsMimeType(codecs[0].MimeType)
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) addProducer(p *Producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *Router) removeProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *Router) removeTransport(id string) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
	return nil
}
