package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/meet/internal/core"
	"github.com/dkeye/meet/internal/core/coretest"
	"github.com/dkeye/meet/internal/domain"
)

const (
	waitFor   = 2 * time.Second
	tickEvery = 10 * time.Millisecond
)

var videoParams = core.RtpParameters{
	Codecs:    []core.RtpCodecParameters{{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}},
	Encodings: []core.RtpEncodingParameters{{Ssrc: 1111}},
}

var audioParams = core.RtpParameters{
	Codecs:    []core.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
	Encodings: []core.RtpEncodingParameters{{Ssrc: 2222}},
}

func newRoom(t *testing.T, hooks core.RoomHooks) (*core.Room, *coretest.Router) {
	t.Helper()
	eng := coretest.NewEngine()
	router, err := eng.CreateRouter(context.Background(), core.RouterOptions{})
	require.NoError(t, err)
	return core.NewRoom("r1", router, hooks), router.(*coretest.Router)
}

func exec(t *testing.T, r *core.Room, fn func(tx *core.Tx) error) {
	t.Helper()
	_, err := r.Exec(context.Background(), func(tx *core.Tx) (any, error) {
		return nil, fn(tx)
	}, nil)
	require.NoError(t, err)
}

func join(t *testing.T, r *core.Room, name string) (*core.Peer, *coretest.Conn) {
	t.Helper()
	conn := coretest.NewConn()
	info, err := domain.NewPeerInfo(domain.PeerID(name), name, "")
	require.NoError(t, err)
	p := core.NewPeer(info, conn)
	exec(t, r, func(tx *core.Tx) error {
		if err := tx.AddPeer(p); err != nil {
			return err
		}
		tx.Broadcast(p.ID(), core.UserJoined{PeerInfo: p.Info()})
		return nil
	})
	return p, conn
}

func transport(t *testing.T, r *core.Room, p *core.Peer, dir domain.Direction) core.Transport {
	t.Helper()
	tr, err := r.Router().CreateWebRtcTransport(context.Background(), core.WebRtcTransportOptions{})
	require.NoError(t, err)
	exec(t, r, func(tx *core.Tx) error {
		tx.AddTransport(p, tr, dir)
		return nil
	})
	return tr
}

func produce(t *testing.T, r *core.Room, p *core.Peer, tr core.Transport, mt domain.MediaType) core.Producer {
	t.Helper()
	params := videoParams
	if mt == domain.MediaAudio {
		params = audioParams
	}
	pr, err := tr.Produce(context.Background(), core.ProduceOptions{Kind: mt.Kind(), RtpParameters: params})
	require.NoError(t, err)
	exec(t, r, func(tx *core.Tx) error {
		return tx.AddProducer(p, pr, mt, tr.ID(), false)
	})
	return pr
}

func consume(t *testing.T, r *core.Room, p *core.Peer, tr core.Transport, producerID string) core.Consumer {
	t.Helper()
	c, err := tr.Consume(context.Background(), core.ConsumeOptions{ProducerID: producerID, RtpCapabilities: coretest.DefaultCapabilities})
	require.NoError(t, err)
	exec(t, r, func(tx *core.Tx) error {
		tx.AddConsumer(p, c, tr.ID())
		return nil
	})
	return c
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}
