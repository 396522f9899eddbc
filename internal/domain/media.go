package domain

import "fmt"

// MediaType is the closed set of producer slots a peer owns.
type MediaType string

const (
	MediaAudio  MediaType = "audio"
	MediaVideo  MediaType = "video"
	MediaScreen MediaType = "screen"
)

var MediaTypes = []MediaType{MediaAudio, MediaVideo, MediaScreen}

func ParseMediaType(s string) (MediaType, error) {
	switch t := MediaType(s); t {
	case MediaAudio, MediaVideo, MediaScreen:
		return t, nil
	}
	return "", fmt.Errorf("unknown media type %q", s)
}

// Kind is the RTP media kind carried by a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindAudio, KindVideo:
		return k, nil
	}
	return "", fmt.Errorf("unknown media kind %q", s)
}

// Kind reports the RTP kind a producer of this type must carry.
func (t MediaType) Kind() Kind {
	if t == MediaAudio {
		return KindAudio
	}
	return KindVideo
}

// DefaultMediaType maps a bare kind onto its producer slot. Screen shares
// must be requested explicitly.
func (k Kind) DefaultMediaType() MediaType {
	if k == KindAudio {
		return MediaAudio
	}
	return MediaVideo
}

// Direction of a media-plane transport as seen from the peer.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case DirectionSend, DirectionRecv:
		return d, nil
	}
	return "", fmt.Errorf("unknown transport direction %q", s)
}
