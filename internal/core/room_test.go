package core_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dkeye/meet/internal/core"
	"github.com/dkeye/meet/internal/core/mocks"
	"github.com/dkeye/meet/internal/domain"
)

func TestJoinBroadcastsToExistingPeers(t *testing.T) {
	r, _ := newRoom(t, core.RoomHooks{})
	alice, aliceConn := join(t, r, "alice")
	assert.Empty(t, r.Roster(alice.ID()))

	bob, bobConn := join(t, r, "bob")

	joined := aliceConn.Events("user-joined")
	require.Len(t, joined, 1)
	assert.Equal(t, bob.ID(), decode[domain.PeerInfo](t, joined[0]).ID)
	assert.Zero(t, bobConn.Count("user-joined"))
	assert.Equal(t, []domain.PeerInfo{alice.Info()}, r.Roster(bob.ID()))
	assert.Equal(t, alice.ID(), r.HostID())
}

func TestEmitReachesOriginator(t *testing.T) {
	r, _ := newRoom(t, core.RoomHooks{})
	alice, aliceConn := join(t, r, "alice")
	_, bobConn := join(t, r, "bob")

	exec(t, r, func(tx *core.Tx) error {
		tx.Emit(core.LockRoom{By: alice.ID()})
		return nil
	})
	assert.Equal(t, 1, aliceConn.Count("lock-room"))
	assert.Equal(t, 1, bobConn.Count("lock-room"))
}

func TestReplyPrecedesFanOut(t *testing.T) {
	r, _ := newRoom(t, core.RoomHooks{})
	alice, aliceConn := join(t, r, "alice")
	aliceConn.Reset()

	_, err := r.Exec(context.Background(), func(tx *core.Tx) (any, error) {
		tx.Emit(core.MuteAll{By: alice.ID()})
		return "ok", nil
	}, func(any) {
		require.NoError(t, aliceConn.TrySend(core.Frame(`{"id":7,"data":{}}`)))
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"#reply", "mute-all"}, aliceConn.Names())
}

func TestFailedExecSkipsReply(t *testing.T) {
	r, _ := newRoom(t, core.RoomHooks{})
	boom := errors.New("boom")
	called := false
	_, err := r.Exec(context.Background(), func(tx *core.Tx) (any, error) {
		return nil, boom
	}, func(any) { called = true })
	require.ErrorIs(t, err, boom)
	assert.False(t, called)
}

func TestExecSerializesOperations(t *testing.T) {
	r, _ := newRoom(t, core.RoomHooks{})
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Exec(context.Background(), func(tx *core.Tx) (any, error) {
				mu.Lock()
				inside++
				maxSeen = max(maxSeen, inside)
				mu.Unlock()
				mu.Lock()
				inside--
				mu.Unlock()
				return nil, nil
			}, nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestExecHonoursContext(t *testing.T) {
	r, _ := newRoom(t, core.RoomHooks{})
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = r.Exec(context.Background(), func(tx *core.Tx) (any, error) {
			close(started)
			<-release
			return nil, nil
		}, nil)
	}()
	<-started
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Exec(ctx, func(tx *core.Tx) (any, error) { return nil, nil }, nil)
	require.ErrorIs(t, err, context.Canceled)
	close(release)
}

func TestProduceAnnouncesToOthersOnly(t *testing.T) {
	r, _ := newRoom(t, core.RoomHooks{})
	alice, aliceConn := join(t, r, "alice")
	_, bobConn := join(t, r, "bob")

	send := transport(t, r, alice, domain.DirectionSend)
	pr := produce(t, r, alice, send, domain.MediaVideo)

	np := bobConn.Events("newProducers")
	require.Len(t, np, 1)
	refs := decode[core.NewProducers](t, np[0])
	assert.Equal(t, core.NewProducers{{ProducerID: pr.ID(), PeerID: alice.ID(), Type: domain.MediaVideo}}, refs)
	assert.Zero(t, aliceConn.Count("newProducers"))
	assert.Equal(t, 1, aliceConn.Count("track-added"))
	assert.Equal(t, 1, bobConn.Count("track-added"))

	id, ok := alice.ProducerID(domain.MediaVideo)
	require.True(t, ok)
	assert.Equal(t, pr.ID(), id)
}

func TestAddProducerRejectsSecondOfSameType(t *testing.T) {
	r, _ := newRoom(t, core.RoomHooks{})
	alice, _ := join(t, r, "alice")
	send := transport(t, r, alice, domain.DirectionSend)
	produce(t, r, alice, send, domain.MediaAudio)

	dup, err := send.Produce(context.Background(), core.ProduceOptions{Kind: domain.KindAudio, RtpParameters: audioParams})
	require.NoError(t, err)
	_, err = r.Exec(context.Background(), func(tx *core.Tx) (any, error) {
		return nil, tx.AddProducer(alice, dup, domain.MediaAudio, send.ID(), false)
	}, nil)
	require.ErrorIs(t, err, core.ErrAlreadyExists)
	assert.Len(t, alice.Producers(), 1)
}

func TestCloseProducerCascadesToConsumers(t *testing.T) {
	r, router := newRoom(t, core.RoomHooks{})
	alice, _ := join(t, r, "alice")
	bob, bobConn := join(t, r, "bob")
	carol, carolConn := join(t, r, "carol")

	pr := produce(t, r, alice, transport(t, r, alice, domain.DirectionSend), domain.MediaVideo)
	cb := consume(t, r, bob, transport(t, r, bob, domain.DirectionRecv), pr.ID())
	cc := consume(t, r, carol, transport(t, r, carol, domain.DirectionRecv), pr.ID())

	var closed bool
	exec(t, r, func(tx *core.Tx) error {
		closed = tx.CloseProducer(alice, string(domain.MediaVideo))
		return nil
	})
	require.True(t, closed)

	bobClosed := bobConn.Events("consumerClosed")
	require.Len(t, bobClosed, 1)
	assert.Equal(t, cb.ID(), decode[core.ConsumerClosed](t, bobClosed[0]).ConsumerID)
	carolClosed := carolConn.Events("consumerClosed")
	require.Len(t, carolClosed, 1)
	assert.Equal(t, cc.ID(), decode[core.ConsumerClosed](t, carolClosed[0]).ConsumerID)

	assert.Zero(t, bob.ConsumerCount())
	assert.Zero(t, carol.ConsumerCount())
	_, ok := alice.ProducerID(domain.MediaVideo)
	assert.False(t, ok)
	assert.True(t, router.Producer(pr.ID()).Closed())

	exec(t, r, func(tx *core.Tx) error {
		closed = tx.CloseProducer(alice, pr.ID())
		return nil
	})
	assert.False(t, closed)
	assert.Len(t, bobConn.Events("consumerClosed"), 1)
}

func TestRemovePeerIsIdempotent(t *testing.T) {
	r, router := newRoom(t, core.RoomHooks{})
	alice, _ := join(t, r, "alice")
	bob, bobConn := join(t, r, "bob")
	carol, _ := join(t, r, "carol")

	bobSend := transport(t, r, bob, domain.DirectionSend)
	carolSend := transport(t, r, carol, domain.DirectionSend)
	bobPr := produce(t, r, bob, bobSend, domain.MediaAudio)
	carolPr := produce(t, r, carol, carolSend, domain.MediaVideo)

	aliceSend := transport(t, r, alice, domain.DirectionSend)
	alicePr := produce(t, r, alice, aliceSend, domain.MediaVideo)
	aliceRecv := transport(t, r, alice, domain.DirectionRecv)
	consume(t, r, alice, aliceRecv, bobPr.ID())
	consume(t, r, alice, aliceRecv, carolPr.ID())
	consume(t, r, bob, transport(t, r, bob, domain.DirectionRecv), alicePr.ID())

	var first, second bool
	exec(t, r, func(tx *core.Tx) error {
		first = tx.RemovePeer(alice)
		return nil
	})
	bobConn.Reset()
	exec(t, r, func(tx *core.Tx) error {
		second = tx.RemovePeer(alice)
		return nil
	})

	assert.True(t, first)
	assert.False(t, second)
	assert.Empty(t, bobConn.Messages())
	assert.Equal(t, core.PeerRemoved, alice.State())
	assert.Zero(t, alice.TransportCount())
	assert.Zero(t, alice.ConsumerCount())
	assert.Empty(t, alice.Producers())
	assert.Zero(t, bob.ConsumerCount())
	assert.True(t, router.Transport(aliceSend.ID()).Closed())
	assert.True(t, router.Transport(aliceRecv.ID()).Closed())
	assert.Equal(t, 2, r.PeerCount())
}

func TestRemovePeerSendsOneUserLeft(t *testing.T) {
	r, _ := newRoom(t, core.RoomHooks{})
	alice, aliceConn := join(t, r, "alice")
	_, bobConn := join(t, r, "bob")

	exec(t, r, func(tx *core.Tx) error {
		tx.RemovePeer(alice)
		tx.RemovePeer(alice)
		return nil
	})
	left := bobConn.Events("user-left")
	require.Len(t, left, 1)
	assert.Equal(t, core.UserLeft{PeerID: "alice", Name: "alice"}, decode[core.UserLeft](t, left[0]))
	assert.Zero(t, aliceConn.Count("user-left"))
}

func TestHostPassesInJoinOrder(t *testing.T) {
	r, _ := newRoom(t, core.RoomHooks{})
	alice, _ := join(t, r, "alice")
	bob, bobConn := join(t, r, "bob")
	join(t, r, "carol")

	exec(t, r, func(tx *core.Tx) error {
		tx.RemovePeer(alice)
		return nil
	})
	assert.Equal(t, bob.ID(), r.HostID())
	hc := bobConn.Events("host-changed")
	require.Len(t, hc, 1)
	assert.Equal(t, bob.ID(), decode[core.HostChanged](t, hc[0]).HostID)
}

func TestRecreateTransportReplacesOld(t *testing.T) {
	r, router := newRoom(t, core.RoomHooks{})
	alice, _ := join(t, r, "alice")
	first := transport(t, r, alice, domain.DirectionSend)
	produce(t, r, alice, first, domain.MediaAudio)

	second := transport(t, r, alice, domain.DirectionSend)
	assert.Equal(t, 1, alice.TransportCount())
	assert.True(t, router.Transport(first.ID()).Closed())
	assert.Empty(t, alice.Producers())
	assert.False(t, router.Transport(second.ID()).Closed())
}

func TestDtlsClosedClosesTransport(t *testing.T) {
	r, router := newRoom(t, core.RoomHooks{})
	alice, _ := join(t, r, "alice")
	bob, bobConn := join(t, r, "bob")
	send := transport(t, r, alice, domain.DirectionSend)
	pr := produce(t, r, alice, send, domain.MediaVideo)
	consume(t, r, bob, transport(t, r, bob, domain.DirectionRecv), pr.ID())

	router.Transport(send.ID()).FireDtlsState(core.DtlsStateClosed)

	require.Eventually(t, func() bool {
		return alice.TransportCount() == 0 && bob.ConsumerCount() == 0
	}, waitFor, tickEvery)
	assert.Empty(t, alice.Producers())
	assert.Equal(t, 1, bobConn.Count("consumerClosed"))
}

func TestConnectionFailedNotifiesOwner(t *testing.T) {
	r, router := newRoom(t, core.RoomHooks{})
	alice, aliceConn := join(t, r, "alice")
	_, bobConn := join(t, r, "bob")
	send := transport(t, r, alice, domain.DirectionSend)

	router.Transport(send.ID()).FireConnectionState(core.ConnectionStateFailed)

	require.Eventually(t, func() bool { return aliceConn.Count("connection-failed") == 1 }, waitFor, tickEvery)
	assert.Zero(t, alice.TransportCount())
	assert.Zero(t, bobConn.Count("connection-failed"))
	assert.Equal(t, 1, bobConn.Count("connection-state-changed"))
}

func TestTrackEndedClosesProducer(t *testing.T) {
	r, router := newRoom(t, core.RoomHooks{})
	alice, aliceConn := join(t, r, "alice")
	pr := produce(t, r, alice, transport(t, r, alice, domain.DirectionSend), domain.MediaAudio)

	router.Producer(pr.ID()).EndTrack()

	require.Eventually(t, func() bool { return aliceConn.Count("media-error") == 1 }, waitFor, tickEvery)
	assert.Empty(t, alice.Producers())
	me := decode[core.MediaError](t, aliceConn.Events("media-error")[0])
	assert.Equal(t, domain.MediaAudio, me.MediaType)
}

func TestBackpressureHookReportsSlowPeer(t *testing.T) {
	var (
		mu      sync.Mutex
		dropped []domain.PeerID
	)
	r, _ := newRoom(t, core.RoomHooks{OnBackpressure: func(_ *core.Room, id domain.PeerID) {
		mu.Lock()
		defer mu.Unlock()
		dropped = append(dropped, id)
	}})
	alice, _ := join(t, r, "alice")
	_, bobConn := join(t, r, "bob")
	bobConn.SetFull(true)

	exec(t, r, func(tx *core.Tx) error {
		tx.Emit(core.RaiseHand{ParticipantID: alice.ID()})
		tx.Emit(core.RaiseHand{ParticipantID: alice.ID()})
		return nil
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.PeerID{"bob"}, dropped)
}

func TestEndedRoomRejectsOperations(t *testing.T) {
	var emptied int
	r, _ := newRoom(t, core.RoomHooks{OnEmpty: func(*core.Room) { emptied++ }})
	alice, aliceConn := join(t, r, "alice")
	produce(t, r, alice, transport(t, r, alice, domain.DirectionSend), domain.MediaAudio)

	exec(t, r, func(tx *core.Tx) error {
		tx.Emit(core.RoomEnded{RoomID: r.ID()})
		tx.End()
		return nil
	})
	assert.True(t, r.Closed())
	assert.Equal(t, 1, emptied)
	assert.Equal(t, 1, aliceConn.Count("room-ended"))
	assert.Equal(t, core.PeerRemoved, alice.State())

	_, err := r.Exec(context.Background(), func(tx *core.Tx) (any, error) { return nil, nil }, nil)
	require.ErrorIs(t, err, core.ErrRoomClosed)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSendToUsesPeerConnection(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mocks.NewMockSignalConnection(ctrl)
	r, _ := newRoom(t, core.RoomHooks{})
	_, bobConn := join(t, r, "bob")

	kicked := core.NewPeer(domain.PeerInfo{ID: "mallory", Name: "mallory"}, conn)
	want, err := core.EncodeEvent(core.UserKicked{ParticipantID: "mallory"})
	require.NoError(t, err)
	conn.EXPECT().TrySend(want).Return(nil).Times(1)

	exec(t, r, func(tx *core.Tx) error {
		tx.SendTo(kicked, core.UserKicked{ParticipantID: "mallory"})
		return nil
	})
	assert.Zero(t, bobConn.Count("user-kicked"))
}

func TestSnapshotListsProducers(t *testing.T) {
	r, _ := newRoom(t, core.RoomHooks{})
	alice, _ := join(t, r, "alice")
	bob, _ := join(t, r, "bob")
	pr := produce(t, r, alice, transport(t, r, alice, domain.DirectionSend), domain.MediaScreen)

	snap := r.Snapshot()
	require.Len(t, snap.Peers, 2)
	assert.Equal(t, alice.ID(), snap.HostID)
	assert.Equal(t, []core.ProducerRef{{ProducerID: pr.ID(), PeerID: alice.ID(), Type: domain.MediaScreen}}, snap.Peers[0].Producers)
	assert.Equal(t, snap.Peers[0].Producers, r.ProducerList(bob.ID()))
	assert.Empty(t, r.ProducerList(alice.ID()))
}
