package core

import (
	"github.com/goccy/go-json"

	"github.com/dkeye/meet/internal/domain"
)

// Event is an outbound fire-and-forget message. Every event is a concrete
// record; payload shapes never vary per call site.
type Event interface {
	EventName() string
}

type eventFrame struct {
	Event string `json:"event"`
	Data  Event  `json:"data,omitempty"`
}

// EncodeEvent renders ev into the wire envelope {"event": name, "data": ev}.
func EncodeEvent(ev Event) (Frame, error) {
	return json.Marshal(eventFrame{Event: ev.EventName(), Data: ev})
}

type ProducerRef struct {
	ProducerID string           `json:"producer_id"`
	PeerID     domain.PeerID    `json:"producer_socket_id"`
	Type       domain.MediaType `json:"type"`
}

type MediaTrack struct {
	ProducerID string           `json:"producerId"`
	Kind       domain.Kind      `json:"kind"`
	Type       domain.MediaType `json:"type"`
}

type NewProducers []ProducerRef

type ConsumerClosed struct {
	ConsumerID string `json:"consumer_id"`
}

type UserJoined struct {
	domain.PeerInfo
}

type UserLeft struct {
	PeerID domain.PeerID `json:"peerId"`
	Name   string        `json:"name"`
}

type ParticipantMuted struct {
	ParticipantID domain.PeerID `json:"participantId"`
}

type ParticipantUnmuted struct {
	ParticipantID domain.PeerID `json:"participantId"`
}

type ParticipantVideoEnabled struct {
	ParticipantID domain.PeerID `json:"participantId"`
}

type ParticipantVideoDisabled struct {
	ParticipantID domain.PeerID `json:"participantId"`
}

type HostChanged struct {
	HostID domain.PeerID `json:"hostId"`
}

type UserKicked struct {
	ParticipantID domain.PeerID `json:"participantId"`
}

type TrackAdded struct {
	ParticipantID domain.PeerID `json:"participantId"`
	MediaTrack    MediaTrack    `json:"mediaTrack"`
}

type TrackRemoved struct {
	ParticipantID domain.PeerID `json:"participantId"`
	MediaTrack    MediaTrack    `json:"mediaTrack"`
}

type AudioLevelChanged struct {
	ParticipantID domain.PeerID `json:"participantId"`
	Level         float64       `json:"level"`
}

type ScreenShareStarted struct {
	ParticipantID domain.PeerID `json:"participantId"`
}

type ScreenShareStopped struct {
	ParticipantID domain.PeerID `json:"participantId"`
}

type MediaStreamError struct {
	ParticipantID domain.PeerID `json:"participantId"`
	Error         string        `json:"error"`
}

type ReactionReceived struct {
	SenderID     domain.PeerID `json:"senderId"`
	ReactionType string        `json:"reactionType"`
}

type RaiseHand struct {
	ParticipantID domain.PeerID `json:"participantId"`
}

type ConnectionStateChanged struct {
	ParticipantID domain.PeerID `json:"participantId"`
	State         string        `json:"state"`
}

type BandwidthEstimationChanged struct {
	ParticipantID domain.PeerID `json:"participantId"`
	Estimate      float64       `json:"estimate"`
}

type ReconnectAttempt struct {
	ParticipantID domain.PeerID `json:"participantId"`
}

type ReconnectSuccess struct {
	ParticipantID domain.PeerID `json:"participantId"`
}

type ConnectionFailed struct {
	ParticipantID domain.PeerID `json:"participantId"`
	TransportID   string        `json:"transportId,omitempty"`
	Error         string        `json:"error"`
}

type RoomCreated struct {
	RoomID domain.RoomID `json:"roomId"`
}

type RoomJoined struct {
	RoomSnapshot
}

type RoomEnded struct {
	RoomID domain.RoomID `json:"roomId"`
}

type SessionTimeout struct {
	RoomID domain.RoomID `json:"roomId"`
}

type MuteAll struct {
	By domain.PeerID `json:"by"`
}

type LockRoom struct {
	By domain.PeerID `json:"by"`
}

type UnlockRoom struct {
	By domain.PeerID `json:"by"`
}

type ErrorEvent struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type MediaError struct {
	ParticipantID domain.PeerID    `json:"participantId"`
	MediaType     domain.MediaType `json:"mediaType"`
	Error         string           `json:"error"`
}

type UnauthorizedAccessAttempt struct {
	ParticipantID domain.PeerID `json:"participantId"`
	Action        string        `json:"action"`
}

func (NewProducers) EventName() string               { return "newProducers" }
func (ConsumerClosed) EventName() string             { return "consumerClosed" }
func (UserJoined) EventName() string                 { return "user-joined" }
func (UserLeft) EventName() string                   { return "user-left" }
func (ParticipantMuted) EventName() string           { return "participant-muted" }
func (ParticipantUnmuted) EventName() string         { return "participant-unmuted" }
func (ParticipantVideoEnabled) EventName() string    { return "participant-video-enabled" }
func (ParticipantVideoDisabled) EventName() string   { return "participant-video-disabled" }
func (HostChanged) EventName() string                { return "host-changed" }
func (UserKicked) EventName() string                 { return "user-kicked" }
func (TrackAdded) EventName() string                 { return "track-added" }
func (TrackRemoved) EventName() string               { return "track-removed" }
func (AudioLevelChanged) EventName() string          { return "audio-level-changed" }
func (ScreenShareStarted) EventName() string         { return "screen-share-started" }
func (ScreenShareStopped) EventName() string         { return "screen-share-stopped" }
func (MediaStreamError) EventName() string           { return "media-stream-error" }
func (ReactionReceived) EventName() string           { return "reaction-received" }
func (RaiseHand) EventName() string                  { return "raise-hand" }
func (ConnectionStateChanged) EventName() string     { return "connection-state-changed" }
func (BandwidthEstimationChanged) EventName() string { return "bandwidth-estimation-changed" }
func (ReconnectAttempt) EventName() string           { return "reconnect-attempt" }
func (ReconnectSuccess) EventName() string           { return "reconnect-success" }
func (ConnectionFailed) EventName() string           { return "connection-failed" }
func (RoomCreated) EventName() string                { return "room-created" }
func (RoomJoined) EventName() string                 { return "room-joined" }
func (RoomEnded) EventName() string                  { return "room-ended" }
func (SessionTimeout) EventName() string             { return "session-timeout" }
func (MuteAll) EventName() string                    { return "mute-all" }
func (LockRoom) EventName() string                   { return "lock-room" }
func (UnlockRoom) EventName() string                 { return "unlock-room" }
func (ErrorEvent) EventName() string                 { return "error" }
func (MediaError) EventName() string                 { return "media-error" }
func (UnauthorizedAccessAttempt) EventName() string  { return "unauthorized-access-attempt" }
