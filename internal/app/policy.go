package app

import (
	"github.com/dkeye/meet/internal/core"
	"github.com/dkeye/meet/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
)

// Policy decides what happens to a peer whose outbound queue overflowed.
type Policy interface {
	OnBackPressure(room *core.Room, peer domain.PeerID) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(*core.Room, domain.PeerID) BackpressureAction {
	return KickMember
}
