package orch

import (
	"github.com/dkeye/meet/internal/core"
	"github.com/dkeye/meet/internal/domain"
)

// Request payloads are decoded and validated by the signaling adapter.

type RoomRequest struct {
	RoomID string `json:"room_id" validate:"required,max=64"`
}

type JoinRequest struct {
	RoomID        string `json:"room_id" validate:"required,max=64"`
	Name          string `json:"name" validate:"required"`
	ProfilePicURL string `json:"profilePicUrl"`
}

type CreateTransportRequest struct {
	ForceTCP        bool                  `json:"forceTcp"`
	RtpCapabilities *core.RtpCapabilities `json:"rtpCapabilities,omitempty"`
	Direction       string                `json:"direction,omitempty" validate:"omitempty,oneof=send recv"`
}

type ConnectTransportRequest struct {
	TransportID    string              `json:"transport_id" validate:"required"`
	DtlsParameters core.DtlsParameters `json:"dtlsParameters"`
	IceParameters  *core.IceParameters `json:"iceParameters,omitempty"`
	IceCandidates  []core.IceCandidate `json:"iceCandidates,omitempty"`
}

type ProduceRequest struct {
	TransportID   string             `json:"producerTransportId" validate:"required"`
	Kind          string             `json:"kind" validate:"required,oneof=audio video"`
	RtpParameters core.RtpParameters `json:"rtpParameters"`
	MediaType     string             `json:"mediaType,omitempty" validate:"omitempty,oneof=audio video screen"`
	Paused        bool               `json:"paused,omitempty"`
}

type ConsumeRequest struct {
	TransportID     string               `json:"consumerTransportId" validate:"required"`
	ProducerID      string               `json:"producerId" validate:"required"`
	RtpCapabilities core.RtpCapabilities `json:"rtpCapabilities"`
}

// ProducerRequest names a producer either by id or by media type.
type ProducerRequest struct {
	ProducerID string `json:"producer_id" validate:"required_without=Type"`
	Type       string `json:"type" validate:"omitempty,oneof=audio video screen"`
}

func (r ProducerRequest) key() string {
	if r.ProducerID != "" {
		return r.ProducerID
	}
	return r.Type
}

type PeerRequest struct {
	PeerID string `json:"peer_id" validate:"required"`
}

type Ack struct{}

type CreateRoomResult struct {
	RoomID domain.RoomID `json:"room_id"`
}

type CheckRoomResult struct {
	Exists bool `json:"exists"`
}

type JoinResult struct {
	PeerID    domain.PeerID      `json:"peerId"`
	HostID    domain.PeerID      `json:"hostId"`
	Peers     []domain.PeerInfo  `json:"peers"`
	Producers []core.ProducerRef `json:"producers"`
}

type ProduceResult struct {
	ProducerID string `json:"producer_id"`
}

type ConsumeResult struct {
	ID            string             `json:"id"`
	ProducerID    string             `json:"producerId"`
	Kind          domain.Kind        `json:"kind"`
	RtpParameters core.RtpParameters `json:"rtpParameters"`
	ProducerName  string             `json:"producerName"`
	ProducerPeer  domain.PeerID      `json:"producerPeerId"`
}

type RoomInfoResult struct {
	core.RoomSnapshot
	You domain.PeerID `json:"you"`
}
