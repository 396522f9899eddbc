package rtc

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meet/internal/app/sfu"
	"github.com/dkeye/meet/internal/core"
)

type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

type Config struct {
	// UDPPort multiplexes every transport over one port when non-zero.
	UDPPort       int
	AnnouncedIPs  []string
	ICEServers    []ICEServer
	GatherTimeout time.Duration
	PLIInterval   time.Duration
}

// Engine is a core.Engine on top of pion's ORTC API. Each router gets its
// own media engine so rooms can differ in codecs.
type Engine struct {
	cfg      Config
	settings webrtc.SettingEngine
	relays   *sfu.RelayManager
	mux      io.Closer
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = 5 * time.Second
	}
	if cfg.PLIInterval <= 0 {
		cfg.PLIInterval = 3 * time.Second
	}

	e := &Engine{cfg: cfg, relays: sfu.NewRelayManager()}
	e.settings.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6,
		webrtc.NetworkTypeTCP4, webrtc.NetworkTypeTCP6,
	})
	if len(cfg.AnnouncedIPs) > 0 {
		e.settings.SetNAT1To1IPs(cfg.AnnouncedIPs, webrtc.ICECandidateTypeHost)
	}
	if cfg.UDPPort > 0 {
		mux, err := ice.NewMultiUDPMuxFromPort(cfg.UDPPort)
		if err != nil {
			return nil, fmt.Errorf("udp mux on %d: %w", cfg.UDPPort, err)
		}
		e.settings.SetICEUDPMux(mux)
		e.mux = mux
		log.Info().Str("module", "rtc").Int("port", cfg.UDPPort).Msg("ice udp mux listening")
	}
	return e, nil
}

// Relays exposes the packet forwarding state shared by all routers.
func (e *Engine) Relays() *sfu.RelayManager { return e.relays }

func (e *Engine) Close() error {
	if e.mux != nil {
		return e.mux.Close()
	}
	return nil
}

func (e *Engine) CreateRouter(ctx context.Context, opts core.RouterOptions) (core.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	codecs := opts.MediaCodecs
	if len(codecs) == 0 {
		codecs = DefaultCodecs
	}
	codecs, err := assignPayloadTypes(codecs)
	if err != nil {
		return nil, err
	}

	media := &webrtc.MediaEngine{}
	for _, c := range codecs {
		if err := media.RegisterCodec(codecParameters(c), codecType(c.Kind)); err != nil {
			return nil, fmt.Errorf("register %s: %w", c.MimeType, err)
		}
	}

	registry := &interceptor.Registry{}
	pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(e.cfg.PLIInterval))
	if err != nil {
		return nil, err
	}
	registry.Add(pli)
	if err := webrtc.RegisterDefaultInterceptors(media, registry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(media),
		webrtc.WithSettingEngine(e.settings),
		webrtc.WithInterceptorRegistry(registry),
	)

	r := &Router{
		id:         uuid.NewString(),
		engine:     e,
		api:        api,
		caps:       core.RtpCapabilities{Codecs: codecs},
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
	}
	log.Debug().Str("module", "rtc").Str("router", r.id).Int("codecs", len(codecs)).Msg("router created")
	return r, nil
}

func (e *Engine) iceServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(e.cfg.ICEServers))
	for _, s := range e.cfg.ICEServers {
		out = append(out, webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	return out
}
