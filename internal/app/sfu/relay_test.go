package sfu

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanSource struct {
	pkts chan *rtp.Packet
	err  error
}

func newChanSource() *chanSource {
	return &chanSource{pkts: make(chan *rtp.Packet)}
}

func (s *chanSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	pkt, ok := <-s.pkts
	if !ok {
		if s.err != nil {
			return nil, nil, s.err
		}
		return nil, nil, io.EOF
	}
	return pkt, nil, nil
}

type recordingSink struct {
	mu   sync.Mutex
	seqs []uint16
	fail error
}

func (s *recordingSink) WriteRTP(p *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.seqs = append(s.seqs, p.SequenceNumber)
	return nil
}

func (s *recordingSink) got() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint16(nil), s.seqs...)
}

func last(seqs []uint16) uint16 {
	if len(seqs) == 0 {
		return 0
	}
	return seqs[len(seqs)-1]
}

func pkt(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: seq, SSRC: 1}}
}

const (
	waitFor   = time.Second
	tickEvery = 5 * time.Millisecond
)

func TestRelayForwardsToSubscribers(t *testing.T) {
	m := NewRelayManager()
	src := newChanSource()
	m.StartRelay(context.Background(), "p1", src, nil)
	defer m.StopRelay("p1")

	a, b := &recordingSink{}, &recordingSink{}
	require.True(t, m.AddSubscriber("p1", "c1", a))
	require.True(t, m.AddSubscriber("p1", "c2", b))
	assert.False(t, m.AddSubscriber("nope", "c3", a))

	src.pkts <- pkt(1)
	src.pkts <- pkt(2)
	require.Eventually(t, func() bool { return len(b.got()) == 2 }, waitFor, tickEvery)
	assert.Equal(t, []uint16{1, 2}, a.got())
}

func TestRelayMuteAndDelete(t *testing.T) {
	m := NewRelayManager()
	src := newChanSource()
	relay := m.StartRelay(context.Background(), "p1", src, nil)
	defer m.StopRelay("p1")

	muted, gone, live := &recordingSink{}, &recordingSink{}, &recordingSink{}
	m.AddSubscriber("p1", "muted", muted)
	m.AddSubscriber("p1", "gone", gone)
	m.AddSubscriber("p1", "live", live)
	m.MuteSubscriber("p1", "muted", true)
	m.MarkSubscriberDelete("p1", "gone")

	src.pkts <- pkt(1)
	require.Eventually(t, func() bool { return len(live.got()) == 1 }, waitFor, tickEvery)
	assert.Empty(t, muted.got())
	assert.Empty(t, gone.got())
	assert.Equal(t, 2, relay.Subscribers())

	m.MuteSubscriber("p1", "muted", false)
	src.pkts <- pkt(2)
	require.Eventually(t, func() bool { return len(muted.got()) == 1 }, waitFor, tickEvery)
}

func TestRelayDropsFailingSink(t *testing.T) {
	m := NewRelayManager()
	src := newChanSource()
	relay := m.StartRelay(context.Background(), "p1", src, nil)
	defer m.StopRelay("p1")

	m.AddSubscriber("p1", "bad", &recordingSink{fail: errors.New("closed pipe")})
	src.pkts <- pkt(1)
	require.Eventually(t, func() bool { return relay.Subscribers() == 0 }, waitFor, tickEvery)
}

func TestRelayPause(t *testing.T) {
	m := NewRelayManager()
	src := newChanSource()
	m.StartRelay(context.Background(), "p1", src, nil)
	defer m.StopRelay("p1")
	sink := &recordingSink{}
	m.AddSubscriber("p1", "c1", sink)

	m.SetPaused("p1", true)
	src.pkts <- pkt(1)
	// The loop only asks for 2 once 1 was handled.
	src.pkts <- pkt(2)
	m.SetPaused("p1", false)
	src.pkts <- pkt(3)
	src.pkts <- pkt(4)
	require.Eventually(t, func() bool { return assert.ObjectsAreEqual(uint16(4), last(sink.got())) }, waitFor, tickEvery)
	assert.NotContains(t, sink.got(), uint16(1))
}

func TestRelaySourceEnded(t *testing.T) {
	m := NewRelayManager()
	src := newChanSource()
	ended := make(chan struct{})
	relay := m.StartRelay(context.Background(), "p1", src, func() { close(ended) })

	close(src.pkts)
	select {
	case <-ended:
	case <-time.After(waitFor):
		t.Fatal("onEnded not called")
	}
	<-relay.Done()
}

func TestStopRelaySuppressesEnded(t *testing.T) {
	m := NewRelayManager()
	src := newChanSource()
	called := false
	relay := m.StartRelay(context.Background(), "p1", src, func() { called = true })

	m.StopRelay("p1")
	assert.False(t, m.HasRelay("p1"))
	close(src.pkts)
	<-relay.Done()
	assert.False(t, called)
}
