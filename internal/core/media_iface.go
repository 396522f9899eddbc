package core

import (
	"context"

	"github.com/dkeye/meet/internal/domain"
)

// Engine is the external SFU. The core only holds handles it returns and
// forwards a handful of calls; all RTP/ICE/DTLS work happens behind it.
type Engine interface {
	CreateRouter(ctx context.Context, opts RouterOptions) (Router, error)
}

type RouterOptions struct {
	MediaCodecs []RtpCodecCapability
}

type Router interface {
	ID() string
	RtpCapabilities() RtpCapabilities
	CreateWebRtcTransport(ctx context.Context, opts WebRtcTransportOptions) (Transport, error)
	// CanConsume reports whether a consumer with caps can receive producerID.
	CanConsume(producerID string, caps RtpCapabilities) bool
	Close() error
}

type WebRtcTransportOptions struct {
	ForceTCP                        bool
	MaxIncomingBitrate              uint64
	InitialAvailableOutgoingBitrate uint64
}

// ConnectParams carries the remote side of a transport. Engines that are not
// ICE-lite also need the remote ICE credentials and candidates.
type ConnectParams struct {
	DtlsParameters DtlsParameters
	IceParameters  *IceParameters
	IceCandidates  []IceCandidate
}

type ProduceOptions struct {
	Kind          domain.Kind
	RtpParameters RtpParameters
	Paused        bool
}

type ConsumeOptions struct {
	ProducerID      string
	RtpCapabilities RtpCapabilities
	Paused          bool
}

type DtlsState string

const (
	DtlsStateNew        DtlsState = "new"
	DtlsStateConnecting DtlsState = "connecting"
	DtlsStateConnected  DtlsState = "connected"
	DtlsStateFailed     DtlsState = "failed"
	DtlsStateClosed     DtlsState = "closed"
)

type ConnectionState string

const (
	ConnectionStateNew          ConnectionState = "new"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateFailed       ConnectionState = "failed"
	ConnectionStateClosed       ConnectionState = "closed"
)

// Transport is a media-plane channel. Lifecycle callbacks may be invoked from
// engine goroutines, including from inside Close.
type Transport interface {
	ID() string
	Params() TransportParams
	Connect(ctx context.Context, params ConnectParams) error
	Produce(ctx context.Context, opts ProduceOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error)
	Close() error

	OnDtlsStateChange(func(DtlsState))
	OnConnectionStateChange(func(ConnectionState))
	OnClose(func())
}

type Producer interface {
	ID() string
	Kind() domain.Kind
	RtpParameters() RtpParameters
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close() error

	OnTrackEnded(func())
	OnTransportClose(func())
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() domain.Kind
	RtpParameters() RtpParameters
	Close() error

	OnProducerClose(func())
	OnTransportClose(func())
}
