// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxUsernameLen = 36
	// Profile pictures arrive as data URLs.
	MaxProfileRefLen = 256 << 10
)

var (
	ErrUsernameTooLong   = errors.New("username too long")
	ErrUsernameEmpty     = errors.New("username empty")
	ErrProfileRefTooLong = errors.New("profile picture reference too long")
)

// PeerID identifies one live signaling connection.
type PeerID string

func NewPeerID() PeerID {
	return PeerID(uuid.NewString())
}

// PeerInfo is the display descriptor other participants see.
type PeerInfo struct {
	ID            PeerID `json:"peerId"`
	Name          string `json:"name"`
	ProfilePicURL string `json:"profilePicUrl,omitempty"`
}

// NewPeerInfo is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewPeerInfo(id PeerID, name, profilePicURL string) (PeerInfo, error) {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return PeerInfo{}, ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLen {
		return PeerInfo{}, ErrUsernameTooLong
	}
	if len(profilePicURL) > MaxProfileRefLen {
		return PeerInfo{}, ErrProfileRefTooLong
	}
	return PeerInfo{ID: id, Name: name, ProfilePicURL: profilePicURL}, nil
}
