package signal

import (
	"bytes"
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/dkeye/meet/internal/app/orch"
	"github.com/dkeye/meet/internal/core"
	"github.com/dkeye/meet/internal/domain"
)

type handler func(ctx context.Context, sid domain.PeerID, data json.RawMessage, reply core.Reply) error

type empty struct{}

type reactionPayload struct {
	ReactionType string `json:"reactionType" validate:"required,max=32"`
}

type audioLevelPayload struct {
	Level float64 `json:"level" validate:"gte=0"`
}

type connectionStatePayload struct {
	State string `json:"state" validate:"required"`
}

type bandwidthPayload struct {
	Estimate float64 `json:"estimate" validate:"gte=0"`
}

type streamErrorPayload struct {
	Error string `json:"error"`
}

type mediaErrorPayload struct {
	MediaType string `json:"mediaType" validate:"omitempty,oneof=audio video screen"`
	Error     string `json:"error"`
}

// decode unmarshals data into T and validates it. Missing data decodes as
// the zero value.
func decode[T any](v *validator.Validate, data json.RawMessage) (T, error) {
	var req T
	if len(data) > 0 && !bytes.Equal(data, []byte("null")) {
		if err := json.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("%w: %w", core.ErrBadRequest, err)
		}
	}
	if err := v.Struct(req); err != nil {
		return req, fmt.Errorf("%w: %w", core.ErrBadRequest, err)
	}
	return req, nil
}

func call[T any](v *validator.Validate, fn func(context.Context, domain.PeerID, T, core.Reply) error) handler {
	return func(ctx context.Context, sid domain.PeerID, data json.RawMessage, reply core.Reply) error {
		req, err := decode[T](v, data)
		if err != nil {
			return err
		}
		return fn(ctx, sid, req, reply)
	}
}

func callNoArgs(fn func(context.Context, domain.PeerID, core.Reply) error) handler {
	return func(ctx context.Context, sid domain.PeerID, _ json.RawMessage, reply core.Reply) error {
		return fn(ctx, sid, reply)
	}
}

func relay[T any](ctl *Controller, mode orch.Delivery, build func(domain.PeerID, T) core.Event) handler {
	return func(ctx context.Context, sid domain.PeerID, data json.RawMessage, _ core.Reply) error {
		req, err := decode[T](ctl.validate, data)
		if err != nil {
			return err
		}
		return ctl.Orch.Relay(ctx, sid, mode, build(sid, req))
	}
}

// limited applies the room rate limit to the connection's client identity.
func (ctl *Controller) limited(h handler) handler {
	return func(ctx context.Context, sid domain.PeerID, data json.RawMessage, reply core.Reply) error {
		key := ctl.Orch.Registry.ClientOf(sid)
		if key == "" {
			key = string(sid)
		}
		if !ctl.Limiter.Allow(key) {
			return fmt.Errorf("%w: slow down", core.ErrRateLimited)
		}
		return h(ctx, sid, data, reply)
	}
}

func (ctl *Controller) routes() map[string]handler {
	o := ctl.Orch
	v := ctl.validate
	return map[string]handler{
		"createRoom":               ctl.limited(call(v, o.CreateRoom)),
		"checkRoom":                call(v, o.CheckRoom),
		"join":                     ctl.limited(call(v, o.Join)),
		"exitRoom":                 callNoArgs(o.ExitRoom),
		"getMyRoomInfo":            callNoArgs(o.GetMyRoomInfo),
		"getRouterRtpCapabilities": callNoArgs(o.GetRouterCapabilities),
		"createWebRtcTransport":    call(v, o.CreateTransport),
		"connectTransport":         call(v, o.ConnectTransport),
		"produce":                  call(v, o.Produce),
		"consume":                  call(v, o.Consume),
		"closeProducer":            call(v, o.CloseProducer),
		"producerClosed":           call(v, o.CloseProducer),
		"pauseProducer":            call(v, o.PauseProducer),
		"resumeProducer":           call(v, o.ResumeProducer),
		"getProducers": func(ctx context.Context, sid domain.PeerID, _ json.RawMessage, _ core.Reply) error {
			return o.GetProducers(ctx, sid)
		},

		"muteAll":      callNoArgs(o.MuteAll),
		"lockRoom":     callNoArgs(o.LockRoom),
		"unlockRoom":   callNoArgs(o.UnlockRoom),
		"kick":         call(v, o.Kick),
		"transferHost": call(v, o.TransferHost),
		"endRoom":      callNoArgs(o.EndRoom),

		"raiseHand": relay(ctl, orch.RoomEmit, func(sid domain.PeerID, _ empty) core.Event {
			return core.RaiseHand{ParticipantID: sid}
		}),
		"reaction": relay(ctl, orch.RoomEmit, func(sid domain.PeerID, p reactionPayload) core.Event {
			return core.ReactionReceived{SenderID: sid, ReactionType: p.ReactionType}
		}),
		"audioLevel": relay(ctl, orch.Broadcast, func(sid domain.PeerID, p audioLevelPayload) core.Event {
			return core.AudioLevelChanged{ParticipantID: sid, Level: p.Level}
		}),
		"connectionState": relay(ctl, orch.Broadcast, func(sid domain.PeerID, p connectionStatePayload) core.Event {
			return core.ConnectionStateChanged{ParticipantID: sid, State: p.State}
		}),
		"bandwidthEstimate": relay(ctl, orch.Broadcast, func(sid domain.PeerID, p bandwidthPayload) core.Event {
			return core.BandwidthEstimationChanged{ParticipantID: sid, Estimate: p.Estimate}
		}),
		"reconnectAttempt": relay(ctl, orch.Broadcast, func(sid domain.PeerID, _ empty) core.Event {
			return core.ReconnectAttempt{ParticipantID: sid}
		}),
		"reconnectSuccess": relay(ctl, orch.Broadcast, func(sid domain.PeerID, _ empty) core.Event {
			return core.ReconnectSuccess{ParticipantID: sid}
		}),
		"mediaStreamError": relay(ctl, orch.Broadcast, func(sid domain.PeerID, p streamErrorPayload) core.Event {
			return core.MediaStreamError{ParticipantID: sid, Error: p.Error}
		}),
		"mediaError": relay(ctl, orch.Broadcast, func(sid domain.PeerID, p mediaErrorPayload) core.Event {
			return core.MediaError{ParticipantID: sid, MediaType: domain.MediaType(p.MediaType), Error: p.Error}
		}),
	}
}
