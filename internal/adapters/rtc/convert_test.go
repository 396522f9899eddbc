package rtc

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/meet/internal/core"
	"github.com/dkeye/meet/internal/domain"
)

func TestFmtpLine(t *testing.T) {
	assert.Equal(t, "", fmtpLine(nil))
	assert.Equal(t, "minptime=10;useinbandfec=1", fmtpLine(map[string]any{"useinbandfec": 1, "minptime": 10}))
	assert.Equal(t, "profile-id=2", fmtpLine(map[string]any{"profile-id": 2}))
}

func TestAssignPayloadTypes(t *testing.T) {
	codecs := []core.RtpCodecCapability{
		{Kind: domain.KindVideo, MimeType: "video/VP8"},
		{Kind: domain.KindAudio, MimeType: "audio/opus", PreferredPayloadType: 96},
		{Kind: domain.KindVideo, MimeType: "video/H264"},
	}
	out, err := assignPayloadTypes(codecs)
	require.NoError(t, err)
	assert.Equal(t, uint8(97), out[0].PreferredPayloadType)
	assert.Equal(t, uint8(96), out[1].PreferredPayloadType)
	assert.Equal(t, uint8(98), out[2].PreferredPayloadType)
	assert.Zero(t, codecs[0].PreferredPayloadType, "input must not be modified")

	_, err = assignPayloadTypes([]core.RtpCodecCapability{
		{MimeType: "audio/opus", PreferredPayloadType: 100},
		{MimeType: "audio/PCMU", PreferredPayloadType: 100},
	})
	assert.Error(t, err)
}

func TestReceiveParameters(t *testing.T) {
	params := core.RtpParameters{
		Codecs: []core.RtpCodecParameters{{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}},
		Encodings: []core.RtpEncodingParameters{
			{Ssrc: 1111, Rtx: &core.RtxParameters{Ssrc: 2222}},
			{Rid: "h"},
		},
	}
	out, err := receiveParameters(params)
	require.NoError(t, err)
	require.Len(t, out.Encodings, 2)
	assert.Equal(t, webrtc.SSRC(1111), out.Encodings[0].SSRC)
	assert.Equal(t, webrtc.SSRC(2222), out.Encodings[0].RTX.SSRC)
	assert.Equal(t, webrtc.PayloadType(96), out.Encodings[0].PayloadType)
	assert.Equal(t, "h", out.Encodings[1].RID)

	_, err = receiveParameters(core.RtpParameters{Encodings: params.Encodings})
	assert.Error(t, err, "codecs required")
	_, err = receiveParameters(core.RtpParameters{Codecs: params.Codecs})
	assert.Error(t, err, "encodings required")
	_, err = receiveParameters(core.RtpParameters{Codecs: params.Codecs, Encodings: []core.RtpEncodingParameters{{}}})
	assert.Error(t, err, "ssrc or rid required")
}

func TestConsumerParameters(t *testing.T) {
	send := webrtc.RTPSendParameters{
		RTPParameters: webrtc.RTPParameters{Codecs: []webrtc.RTPCodecParameters{
			{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: "video/VP8"}, PayloadType: 96},
		}},
		Encodings: []webrtc.RTPEncodingParameters{{RTPCodingParameters: webrtc.RTPCodingParameters{SSRC: 4242}}},
	}
	codec := core.RtpCodecParameters{MimeType: "video/VP8", PayloadType: 120, ClockRate: 90000}

	out := consumerParameters(send, codec, core.RtpCapabilities{})
	require.Len(t, out.Codecs, 1)
	assert.Equal(t, uint8(96), out.Codecs[0].PayloadType)
	require.Len(t, out.Encodings, 1)
	assert.Equal(t, uint32(4242), out.Encodings[0].Ssrc)

	caps := core.RtpCapabilities{Codecs: []core.RtpCodecCapability{{MimeType: "video/vp8", PreferredPayloadType: 101}}}
	out = consumerParameters(send, codec, caps)
	assert.Equal(t, uint8(101), out.Codecs[0].PayloadType)
}

func TestIceCandidateRoundTrip(t *testing.T) {
	in := core.IceCandidate{Foundation: "1", Priority: 2130706431, IP: "10.0.0.1", Protocol: "udp", Port: 40000, Type: "host"}
	rc, err := remoteIceCandidate(in)
	require.NoError(t, err)
	assert.Equal(t, webrtc.ICEProtocolUDP, rc.Protocol)
	assert.Equal(t, webrtc.ICECandidateTypeHost, rc.Typ)
	assert.Equal(t, in, iceCandidate(rc))

	_, err = remoteIceCandidate(core.IceCandidate{Protocol: "sctp", Type: "host"})
	assert.Error(t, err)
	_, err = remoteIceCandidate(core.IceCandidate{Protocol: "udp", Type: "bogus"})
	assert.Error(t, err)
}

func TestDtlsRoles(t *testing.T) {
	for _, role := range []string{"auto", "client", "server"} {
		assert.Equal(t, role, dtlsRole(remoteDtlsRole(role)))
	}
	assert.Equal(t, webrtc.DTLSRoleAuto, remoteDtlsRole(""))

	p := remoteDtlsParameters(core.DtlsParameters{
		Role:         "client",
		Fingerprints: []core.DtlsFingerprint{{Algorithm: "sha-256", Value: "AB:CD"}},
	})
	assert.Equal(t, webrtc.DTLSRoleClient, p.Role)
	assert.Equal(t, "sha-256", p.Fingerprints[0].Algorithm)
}

func TestStateMapping(t *testing.T) {
	assert.Equal(t, core.ConnectionStateConnecting, connectionState(webrtc.ICETransportStateChecking))
	assert.Equal(t, core.ConnectionStateConnected, connectionState(webrtc.ICETransportStateCompleted))
	assert.Equal(t, core.ConnectionStateFailed, connectionState(webrtc.ICETransportStateFailed))
	assert.Equal(t, core.DtlsStateFailed, dtlsState(webrtc.DTLSTransportStateFailed))
	assert.Equal(t, core.DtlsStateConnected, dtlsState(webrtc.DTLSTransportStateConnected))
	assert.Equal(t, core.DtlsStateNew, dtlsState(webrtc.DTLSTransportStateNew))
}

func TestCreateRouter(t *testing.T) {
	e, err := NewEngine(Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	r, err := e.CreateRouter(context.Background(), core.RouterOptions{})
	require.NoError(t, err)
	caps := r.RtpCapabilities()
	assert.True(t, caps.SupportsMimeType(webrtc.MimeTypeOpus))
	assert.True(t, caps.SupportsMimeType(webrtc.MimeTypeVP8))
	assert.False(t, r.CanConsume("missing", caps))
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err = r.CreateWebRtcTransport(context.Background(), core.WebRtcTransportOptions{})
	assert.Error(t, err, "closed router")

	_, err = e.CreateRouter(context.Background(), core.RouterOptions{MediaCodecs: []core.RtpCodecCapability{
		{Kind: domain.KindAudio, MimeType: "audio/opus", ClockRate: 48000, PreferredPayloadType: 100},
		{Kind: domain.KindAudio, MimeType: "audio/PCMU", ClockRate: 8000, PreferredPayloadType: 100},
	}})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.CreateRouter(ctx, core.RouterOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConnectRequiresIceParameters(t *testing.T) {
	tr := &Transport{id: "t1"}
	err := tr.Connect(context.Background(), core.ConnectParams{})
	require.ErrorIs(t, err, core.ErrBadRequest)
	assert.Equal(t, "BadRequest", core.Code(err))
}
