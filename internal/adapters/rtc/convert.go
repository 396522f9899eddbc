package rtc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/meet/internal/core"
	"github.com/dkeye/meet/internal/domain"
)

// DefaultCodecs is registered on routers when no codecs are configured.
var DefaultCodecs = []core.RtpCodecCapability{
	{
		Kind:                 domain.KindAudio,
		MimeType:             webrtc.MimeTypeOpus,
		PreferredPayloadType: 111,
		ClockRate:            48000,
		Channels:             2,
		Parameters:           map[string]any{"minptime": 10, "useinbandfec": 1},
		RtcpFeedback:         []core.RtcpFeedback{{Type: "transport-cc"}},
	},
	{
		Kind:                 domain.KindVideo,
		MimeType:             webrtc.MimeTypeVP8,
		PreferredPayloadType: 96,
		ClockRate:            90000,
		RtcpFeedback: []core.RtcpFeedback{
			{Type: "nack"}, {Type: "nack", Parameter: "pli"}, {Type: "ccm", Parameter: "fir"},
			{Type: "goog-remb"}, {Type: "transport-cc"},
		},
	},
}

func codecType(k domain.Kind) webrtc.RTPCodecType {
	if k == domain.KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

// fmtpLine renders codec parameters the way SDP carries them, keys sorted.
func fmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}

func feedback(fb []core.RtcpFeedback) []webrtc.RTCPFeedback {
	out := make([]webrtc.RTCPFeedback, 0, len(fb))
	for _, f := range fb {
		out = append(out, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

// assignPayloadTypes fills in missing preferred payload types from the
// dynamic range, skipping those already taken.
func assignPayloadTypes(codecs []core.RtpCodecCapability) ([]core.RtpCodecCapability, error) {
	out := make([]core.RtpCodecCapability, len(codecs))
	copy(out, codecs)
	used := make(map[uint8]bool)
	for _, c := range out {
		if c.PreferredPayloadType != 0 {
			if used[c.PreferredPayloadType] {
				return nil, fmt.Errorf("duplicate payload type %d", c.PreferredPayloadType)
			}
			used[c.PreferredPayloadType] = true
		}
	}
	next := uint8(96)
	for i := range out {
		if out[i].PreferredPayloadType != 0 {
			continue
		}
		for used[next] {
			next++
		}
		if next > 127 {
			return nil, fmt.Errorf("out of dynamic payload types")
		}
		out[i].PreferredPayloadType = next
		used[next] = true
	}
	return out, nil
}

func codecParameters(c core.RtpCodecCapability) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     c.MimeType,
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			SDPFmtpLine:  fmtpLine(c.Parameters),
			RTCPFeedback: feedback(c.RtcpFeedback),
		},
		PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
	}
}

func trackCapability(c core.RtpCodecParameters) webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:     c.MimeType,
		ClockRate:    c.ClockRate,
		Channels:     c.Channels,
		SDPFmtpLine:  fmtpLine(c.Parameters),
		RTCPFeedback: feedback(c.RtcpFeedback),
	}
}

func receiveParameters(p core.RtpParameters) (webrtc.RTPReceiveParameters, error) {
	if len(p.Codecs) == 0 {
		return webrtc.RTPReceiveParameters{}, fmt.Errorf("rtpParameters without codecs")
	}
	if len(p.Encodings) == 0 {
		return webrtc.RTPReceiveParameters{}, fmt.Errorf("rtpParameters without encodings")
	}
	pt := webrtc.PayloadType(p.Codecs[0].PayloadType)
	out := webrtc.RTPReceiveParameters{}
	for _, e := range p.Encodings {
		if e.Ssrc == 0 && e.Rid == "" {
			return webrtc.RTPReceiveParameters{}, fmt.Errorf("encoding needs ssrc or rid")
		}
		coding := webrtc.RTPCodingParameters{RID: e.Rid, SSRC: webrtc.SSRC(e.Ssrc), PayloadType: pt}
		if e.Rtx != nil {
			coding.RTX = webrtc.RTPRtxParameters{SSRC: webrtc.SSRC(e.Rtx.Ssrc)}
		}
		out.Encodings = append(out.Encodings, webrtc.RTPDecodingParameters{RTPCodingParameters: coding})
	}
	return out, nil
}

// consumerParameters describes what the sender emits, with the payload type
// the consuming endpoint asked for.
func consumerParameters(send webrtc.RTPSendParameters, codec core.RtpCodecParameters, caps core.RtpCapabilities) core.RtpParameters {
	out := codec
	for _, c := range send.Codecs {
		if strings.EqualFold(c.MimeType, codec.MimeType) {
			out.PayloadType = uint8(c.PayloadType)
			break
		}
	}
	for _, c := range caps.Codecs {
		if strings.EqualFold(c.MimeType, codec.MimeType) && c.PreferredPayloadType != 0 {
			out.PayloadType = c.PreferredPayloadType
			break
		}
	}
	params := core.RtpParameters{Codecs: []core.RtpCodecParameters{out}, Rtcp: core.RtcpParameters{ReducedSize: true}}
	for _, e := range send.Encodings {
		params.Encodings = append(params.Encodings, core.RtpEncodingParameters{Ssrc: uint32(e.SSRC)})
	}
	return params
}

func iceParameters(p webrtc.ICEParameters) core.IceParameters {
	return core.IceParameters{UsernameFragment: p.UsernameFragment, Password: p.Password, IceLite: p.ICELite}
}

func remoteIceParameters(p core.IceParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{UsernameFragment: p.UsernameFragment, Password: p.Password, ICELite: p.IceLite}
}

func iceCandidate(c webrtc.ICECandidate) core.IceCandidate {
	return core.IceCandidate{
		Foundation: c.Foundation,
		Priority:   c.Priority,
		IP:         c.Address,
		Protocol:   c.Protocol.String(),
		Port:       c.Port,
		Type:       c.Typ.String(),
		TCPType:    c.TCPType,
	}
}

func remoteIceCandidate(c core.IceCandidate) (webrtc.ICECandidate, error) {
	proto, err := webrtc.NewICEProtocol(c.Protocol)
	if err != nil {
		return webrtc.ICECandidate{}, err
	}
	typ, err := webrtc.NewICECandidateType(c.Type)
	if err != nil {
		return webrtc.ICECandidate{}, err
	}
	return webrtc.ICECandidate{
		Foundation: c.Foundation,
		Priority:   c.Priority,
		Address:    c.IP,
		Protocol:   proto,
		Port:       c.Port,
		Typ:        typ,
		Component:  1,
		TCPType:    c.TCPType,
	}, nil
}

func dtlsRole(r webrtc.DTLSRole) string {
	switch r {
	case webrtc.DTLSRoleClient:
		return "client"
	case webrtc.DTLSRoleServer:
		return "server"
	}
	return "auto"
}

func remoteDtlsRole(s string) webrtc.DTLSRole {
	switch s {
	case "client":
		return webrtc.DTLSRoleClient
	case "server":
		return webrtc.DTLSRoleServer
	}
	return webrtc.DTLSRoleAuto
}

func dtlsParameters(p webrtc.DTLSParameters) core.DtlsParameters {
	out := core.DtlsParameters{Role: dtlsRole(p.Role)}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, core.DtlsFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func remoteDtlsParameters(p core.DtlsParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: remoteDtlsRole(p.Role)}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func connectionState(s webrtc.ICETransportState) core.ConnectionState {
	switch s {
	case webrtc.ICETransportStateChecking:
		return core.ConnectionStateConnecting
	case webrtc.ICETransportStateConnected, webrtc.ICETransportStateCompleted:
		return core.ConnectionStateConnected
	case webrtc.ICETransportStateDisconnected:
		return core.ConnectionStateDisconnected
	case webrtc.ICETransportStateFailed:
		return core.ConnectionStateFailed
	case webrtc.ICETransportStateClosed:
		return core.ConnectionStateClosed
	}
	return core.ConnectionStateNew
}

func dtlsState(s webrtc.DTLSTransportState) core.DtlsState {
	switch s {
	case webrtc.DTLSTransportStateConnecting:
		return core.DtlsStateConnecting
	case webrtc.DTLSTransportStateConnected:
		return core.DtlsStateConnected
	case webrtc.DTLSTransportStateFailed:
		return core.DtlsStateFailed
	case webrtc.DTLSTransportStateClosed:
		return core.DtlsStateClosed
	}
	return core.DtlsStateNew
}
