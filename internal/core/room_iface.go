package core

import (
	"time"

	"github.com/dkeye/meet/internal/domain"
)

// Reply delivers a successful result to the caller. Room operations invoke
// it under the room's serialization, before any fan-out the operation caused.
type Reply func(result any)

// PeerSnapshot is a read-only view for APIs (no transport fields).
type PeerSnapshot struct {
	domain.PeerInfo
	Producers []ProducerRef `json:"producers"`
	Consumers int           `json:"consumers"`
}

type RoomSnapshot struct {
	RoomID    domain.RoomID  `json:"roomId"`
	HostID    domain.PeerID  `json:"hostId,omitempty"`
	Locked    bool           `json:"locked"`
	CreatedAt time.Time      `json:"createdAt"`
	Peers     []PeerSnapshot `json:"peers"`
}

type RoomInfo struct {
	ID        domain.RoomID `json:"id"`
	PeerCount int           `json:"peer_count"`
	Locked    bool          `json:"locked"`
	CreatedAt time.Time     `json:"created_at"`
}

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []domain.PeerID
}
