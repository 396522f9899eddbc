// Package coretest provides an in-memory media engine and a recording
// signal connection for tests of the session core.
package coretest

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/dkeye/meet/internal/core"
	"github.com/dkeye/meet/internal/domain"
)

var ErrClosed = errors.New("closed")

type Op string

const (
	OpRouter    Op = "router"
	OpTransport Op = "transport"
	OpConnect   Op = "connect"
	OpProduce   Op = "produce"
	OpConsume   Op = "consume"
)

// DefaultCapabilities is what every fake router advertises.
var DefaultCapabilities = core.RtpCapabilities{
	Codecs: []core.RtpCodecCapability{
		{Kind: domain.KindAudio, MimeType: "audio/opus", PreferredPayloadType: 111, ClockRate: 48000, Channels: 2},
		{Kind: domain.KindVideo, MimeType: "video/VP8", PreferredPayloadType: 96, ClockRate: 90000},
	},
}

// Engine is a fake core.Engine. Close callbacks fire synchronously from
// Close, the way a real engine may.
type Engine struct {
	mu       sync.Mutex
	failures map[Op]error
	routers  []*Router
}

func NewEngine() *Engine {
	return &Engine{failures: make(map[Op]error)}
}

// Fail makes every later call of op return err. A nil err clears it.
func (e *Engine) Fail(op Op, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failures, op)
		return
	}
	e.failures[op] = err
}

func (e *Engine) failure(op Op) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures[op]
}

func (e *Engine) Routers() []*Router {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Router(nil), e.routers...)
}

func (e *Engine) CreateRouter(ctx context.Context, _ core.RouterOptions) (core.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.failure(OpRouter); err != nil {
		return nil, err
	}
	r := &Router{id: uuid.NewString(), engine: e, producers: make(map[string]*Producer)}
	e.mu.Lock()
	e.routers = append(e.routers, r)
	e.mu.Unlock()
	return r, nil
}

type Router struct {
	id     string
	engine *Engine

	mu         sync.Mutex
	closed     bool
	transports []*Transport
	producers  map[string]*Producer
}

func (r *Router) ID() string                            { return r.id }
func (r *Router) RtpCapabilities() core.RtpCapabilities { return DefaultCapabilities }

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Router) Transports() []*Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Transport(nil), r.transports...)
}

// Transport returns the transport with the given id.
func (r *Router) Transport(id string) *Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.transports {
		if t.id == id {
			return t
		}
	}
	return nil
}

func (r *Router) Producer(id string) *Producer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.producers[id]
}

func (r *Router) CreateWebRtcTransport(ctx context.Context, opts core.WebRtcTransportOptions) (core.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := r.engine.failure(OpTransport); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	t := &Transport{id: uuid.NewString(), router: r, ForceTCP: opts.ForceTCP}
	r.transports = append(r.transports, t)
	return t, nil
}

func (r *Router) CanConsume(producerID string, caps core.RtpCapabilities) bool {
	p := r.Producer(producerID)
	if p == nil || p.Closed() {
		return false
	}
	for _, c := range p.rtp.Codecs {
		if !caps.SupportsMimeType(c.MimeType) {
			return false
		}
	}
	return true
}

func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ts := append([]*Transport(nil), r.transports...)
	r.mu.Unlock()
	for _, t := range ts {
		_ = t.Close()
	}
	return nil
}

type Transport struct {
	id       string
	router   *Router
	ForceTCP bool

	mu        sync.Mutex
	closed    bool
	connected bool
	producers []*Producer
	consumers []*Consumer
	onDtls    func(core.DtlsState)
	onConn    func(core.ConnectionState)
	onClose   func()
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Params() core.TransportParams {
	return core.TransportParams{
		ID:            t.id,
		IceParameters: core.IceParameters{UsernameFragment: "ufrag-" + t.id[:8], Password: "pwd", IceLite: true},
		IceCandidates: []core.IceCandidate{{Foundation: "udpcandidate", Priority: 1076302079, IP: "127.0.0.1", Protocol: "udp", Port: 40000, Type: "host"}},
		DtlsParameters: core.DtlsParameters{
			Role:         "auto",
			Fingerprints: []core.DtlsFingerprint{{Algorithm: "sha-256", Value: "00:11"}},
		},
	}
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Connect(ctx context.Context, _ core.ConnectParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.router.engine.failure(OpConnect); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.connected = true
	return nil
}

func (t *Transport) Produce(ctx context.Context, opts core.ProduceOptions) (core.Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := t.router.engine.failure(OpProduce); err != nil {
		return nil, err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	p := &Producer{id: uuid.NewString(), kind: opts.Kind, rtp: opts.RtpParameters, router: t.router, paused: opts.Paused}
	t.producers = append(t.producers, p)
	t.mu.Unlock()

	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, opts core.ConsumeOptions) (core.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := t.router.engine.failure(OpConsume); err != nil {
		return nil, err
	}
	p := t.router.Producer(opts.ProducerID)
	if p == nil || p.Closed() {
		return nil, ErrClosed
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	c := &Consumer{id: uuid.NewString(), producerID: p.id, kind: p.kind, rtp: p.rtp}
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()

	p.mu.Lock()
	p.consumers = append(p.consumers, c)
	p.mu.Unlock()
	return c, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ps := append([]*Producer(nil), t.producers...)
	cs := append([]*Consumer(nil), t.consumers...)
	t.mu.Unlock()

	for _, p := range ps {
		p.transportClosed()
	}
	for _, c := range cs {
		c.transportClosed()
	}
	return nil
}

func (t *Transport) OnDtlsStateChange(fn func(core.DtlsState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDtls = fn
}

func (t *Transport) OnConnectionStateChange(fn func(core.ConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConn = fn
}

func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = fn
}

// FireDtlsState invokes the registered dtlsstatechange callback.
func (t *Transport) FireDtlsState(s core.DtlsState) {
	t.mu.Lock()
	fn := t.onDtls
	t.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// FireConnectionState invokes the registered connectionstatechange callback.
func (t *Transport) FireConnectionState(s core.ConnectionState) {
	t.mu.Lock()
	fn := t.onConn
	t.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// FireClose invokes the registered close callback.
func (t *Transport) FireClose() {
	t.mu.Lock()
	fn := t.onClose
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type Producer struct {
	id     string
	kind   domain.Kind
	rtp    core.RtpParameters
	router *Router

	mu               sync.Mutex
	closed           bool
	paused           bool
	consumers        []*Consumer
	onTrackEnded     func()
	onTransportClose func()
}

func (p *Producer) ID() string                        { return p.id }
func (p *Producer) Kind() domain.Kind                 { return p.kind }
func (p *Producer) RtpParameters() core.RtpParameters { return p.rtp }

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Producer) Pause(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	return nil
}

func (p *Producer) Resume(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	return nil
}

func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cs := append([]*Consumer(nil), p.consumers...)
	p.mu.Unlock()

	for _, c := range cs {
		c.producerClosed()
	}
	return nil
}

func (p *Producer) OnTrackEnded(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrackEnded = fn
}

func (p *Producer) OnTransportClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTransportClose = fn
}

// EndTrack simulates the remote track ending.
func (p *Producer) EndTrack() {
	p.mu.Lock()
	fn := p.onTrackEnded
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (p *Producer) transportClosed() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	fn := p.onTransportClose
	cs := append([]*Consumer(nil), p.consumers...)
	p.mu.Unlock()
	for _, c := range cs {
		c.producerClosed()
	}
	if fn != nil {
		fn()
	}
}

type Consumer struct {
	id         string
	producerID string
	kind       domain.Kind
	rtp        core.RtpParameters

	mu               sync.Mutex
	closed           bool
	onProducerClose  func()
	onTransportClose func()
}

func (c *Consumer) ID() string                        { return c.id }
func (c *Consumer) ProducerID() string                { return c.producerID }
func (c *Consumer) Kind() domain.Kind                 { return c.kind }
func (c *Consumer) RtpParameters() core.RtpParameters { return c.rtp }

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Consumer) OnProducerClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProducerClose = fn
}

func (c *Consumer) OnTransportClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTransportClose = fn
}

func (c *Consumer) producerClosed() {
	c.fire(func() func() { return c.onProducerClose })
}

func (c *Consumer) transportClosed() {
	c.fire(func() func() { return c.onTransportClose })
}

func (c *Consumer) fire(pick func() func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := pick()
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}
