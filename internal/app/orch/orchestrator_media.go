package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/meet/internal/core"
	"github.com/dkeye/meet/internal/domain"
)

// GetRouterCapabilities returns the room's router capabilities and marks
// the caller ready to produce and consume.
func (o *Orchestrator) GetRouterCapabilities(ctx context.Context, sid domain.PeerID, reply core.Reply) error {
	return o.exec(ctx, sid, reply, func(tx *core.Tx, p *core.Peer) (any, error) {
		caps := tx.Room().Router().RtpCapabilities()
		tx.SetRtpCapabilities(p, caps)
		return caps, nil
	})
}

// transportDirection honours an explicit direction; otherwise a request
// carrying capabilities is the send side, as mediasoup-client does it.
func transportDirection(req CreateTransportRequest) (domain.Direction, error) {
	if req.Direction != "" {
		dir, err := domain.ParseDirection(req.Direction)
		if err != nil {
			return "", fmt.Errorf("%w: %w", core.ErrBadRequest, err)
		}
		return dir, nil
	}
	if req.RtpCapabilities != nil {
		return domain.DirectionSend, nil
	}
	return domain.DirectionRecv, nil
}

func (o *Orchestrator) CreateTransport(ctx context.Context, sid domain.PeerID, req CreateTransportRequest, reply core.Reply) error {
	dir, err := transportDirection(req)
	if err != nil {
		return err
	}
	return o.exec(ctx, sid, reply, func(tx *core.Tx, p *core.Peer) (any, error) {
		opts := o.Transport
		opts.ForceTCP = req.ForceTCP
		t, err := tx.Room().Router().CreateWebRtcTransport(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("%w: create transport: %w", core.ErrEngine, err)
		}
		tx.AddTransport(p, t, dir)
		log.Debug().Str("module", "orch").Str("sid", string(sid)).Str("transport", t.ID()).Str("direction", string(dir)).Msg("transport created")
		return t.Params(), nil
	})
}

func (o *Orchestrator) ConnectTransport(ctx context.Context, sid domain.PeerID, req ConnectTransportRequest, reply core.Reply) error {
	return o.exec(ctx, sid, reply, func(tx *core.Tx, p *core.Peer) (any, error) {
		t, _, err := tx.Transport(p, req.TransportID)
		if err != nil {
			return nil, err
		}
		err = t.Connect(ctx, core.ConnectParams{
			DtlsParameters: req.DtlsParameters,
			IceParameters:  req.IceParameters,
			IceCandidates:  req.IceCandidates,
		})
		switch {
		case errors.Is(err, core.ErrBadRequest):
			return nil, err
		case err != nil:
			return nil, fmt.Errorf("%w: connect transport: %w", core.ErrEngine, err)
		}
		return Ack{}, nil
	})
}

func (o *Orchestrator) Produce(ctx context.Context, sid domain.PeerID, req ProduceRequest, reply core.Reply) error {
	kind, err := domain.ParseKind(req.Kind)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrBadRequest, err)
	}
	mt := kind.DefaultMediaType()
	if req.MediaType != "" {
		if mt, err = domain.ParseMediaType(req.MediaType); err != nil {
			return fmt.Errorf("%w: %w", core.ErrBadRequest, err)
		}
		if mt.Kind() != kind {
			return fmt.Errorf("%w: %s producer cannot carry %s", core.ErrBadRequest, mt, kind)
		}
	}

	return o.exec(ctx, sid, reply, func(tx *core.Tx, p *core.Peer) (any, error) {
		if p.RtpCapabilities() == nil {
			return nil, core.ErrNotReady
		}
		t, dir, err := tx.Transport(p, req.TransportID)
		if err != nil {
			return nil, err
		}
		if dir != domain.DirectionSend {
			return nil, fmt.Errorf("%w: transport %s does not send", core.ErrBadRequest, req.TransportID)
		}
		if id, ok := p.ProducerID(mt); ok {
			log.Info().Str("module", "orch").Str("sid", string(sid)).Str("type", string(mt)).Str("producer", id).Msg("producer already exists")
			return ProduceResult{ProducerID: id}, nil
		}
		pr, err := t.Produce(ctx, core.ProduceOptions{Kind: kind, RtpParameters: req.RtpParameters, Paused: req.Paused})
		if err != nil {
			return nil, fmt.Errorf("%w: produce: %w", core.ErrEngine, err)
		}
		if err := tx.AddProducer(p, pr, mt, t.ID(), req.Paused); err != nil {
			_ = pr.Close()
			return nil, err
		}
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("type", string(mt)).Str("producer", pr.ID()).Msg("producing")
		return ProduceResult{ProducerID: pr.ID()}, nil
	})
}

func (o *Orchestrator) Consume(ctx context.Context, sid domain.PeerID, req ConsumeRequest, reply core.Reply) error {
	return o.exec(ctx, sid, reply, func(tx *core.Tx, p *core.Peer) (any, error) {
		if p.RtpCapabilities() == nil {
			return nil, core.ErrNotReady
		}
		t, dir, err := tx.Transport(p, req.TransportID)
		if err != nil {
			return nil, err
		}
		if dir != domain.DirectionRecv {
			return nil, fmt.Errorf("%w: transport %s does not receive", core.ErrBadRequest, req.TransportID)
		}
		owner, _, err := tx.FindProducer(req.ProducerID)
		if err != nil {
			return nil, err
		}
		if c, ok := tx.ConsumerFor(p, req.ProducerID); ok {
			return consumeResult(c, owner), nil
		}
		if !tx.Room().Router().CanConsume(req.ProducerID, req.RtpCapabilities) {
			return nil, fmt.Errorf("%w: producer %s", core.ErrIncompatibleCapabilities, req.ProducerID)
		}
		c, err := t.Consume(ctx, core.ConsumeOptions{ProducerID: req.ProducerID, RtpCapabilities: req.RtpCapabilities})
		if err != nil {
			return nil, fmt.Errorf("%w: consume: %w", core.ErrEngine, err)
		}
		tx.AddConsumer(p, c, t.ID())
		log.Debug().Str("module", "orch").Str("sid", string(sid)).Str("producer", req.ProducerID).Str("consumer", c.ID()).Msg("consuming")
		return consumeResult(c, owner), nil
	})
}

func consumeResult(c core.Consumer, owner *core.Peer) ConsumeResult {
	return ConsumeResult{
		ID:            c.ID(),
		ProducerID:    c.ProducerID(),
		Kind:          c.Kind(),
		RtpParameters: c.RtpParameters(),
		ProducerName:  owner.Info().Name,
		ProducerPeer:  owner.ID(),
	}
}

// CloseProducer closes the caller's producer by id or media type. Closing
// one that is already gone only logs.
func (o *Orchestrator) CloseProducer(ctx context.Context, sid domain.PeerID, req ProducerRequest, reply core.Reply) error {
	return o.exec(ctx, sid, reply, func(tx *core.Tx, p *core.Peer) (any, error) {
		if !tx.CloseProducer(p, req.key()) {
			log.Info().Str("module", "orch").Str("sid", string(sid)).Str("producer", req.key()).Msg("close: no such producer")
		}
		return Ack{}, nil
	})
}

func (o *Orchestrator) PauseProducer(ctx context.Context, sid domain.PeerID, req ProducerRequest, reply core.Reply) error {
	return o.setPaused(ctx, sid, req, true, reply)
}

func (o *Orchestrator) ResumeProducer(ctx context.Context, sid domain.PeerID, req ProducerRequest, reply core.Reply) error {
	return o.setPaused(ctx, sid, req, false, reply)
}

func (o *Orchestrator) setPaused(ctx context.Context, sid domain.PeerID, req ProducerRequest, paused bool, reply core.Reply) error {
	return o.exec(ctx, sid, reply, func(tx *core.Tx, p *core.Peer) (any, error) {
		pr, mt, changed, err := tx.SetProducerPaused(p, req.key(), paused)
		if err != nil {
			return nil, err
		}
		if !changed {
			return Ack{}, nil
		}
		if paused {
			err = pr.Pause(ctx)
		} else {
			err = pr.Resume(ctx)
		}
		if err != nil {
			_, _, _, _ = tx.SetProducerPaused(p, req.key(), !paused)
			return nil, fmt.Errorf("%w: pause producer: %w", core.ErrEngine, err)
		}
		tx.Emit(pauseEvent(sid, mt, paused))
		return Ack{}, nil
	})
}

func pauseEvent(sid domain.PeerID, mt domain.MediaType, paused bool) core.Event {
	switch {
	case mt == domain.MediaAudio && paused:
		return core.ParticipantMuted{ParticipantID: sid}
	case mt == domain.MediaAudio:
		return core.ParticipantUnmuted{ParticipantID: sid}
	case paused:
		return core.ParticipantVideoDisabled{ParticipantID: sid}
	}
	return core.ParticipantVideoEnabled{ParticipantID: sid}
}
