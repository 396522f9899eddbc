package core

import "errors"

//go:generate mockgen -source=signal_iface.go -destination=mocks/signal_mock.go -package=mocks

var ErrBackpressure = errors.New("backpressure")

// Frame is one encoded signaling message.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
// TrySend must preserve the order of successful calls.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
