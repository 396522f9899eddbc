package signal

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meet/internal/app/orch"
	"github.com/dkeye/meet/internal/domain"
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
}

// Controller serves the websocket signaling endpoint.
type Controller struct {
	Orch    *orch.Orchestrator
	Limiter *RoomRateLimiter
	Options Options

	validate *validator.Validate
	handlers map[string]handler
}

func NewController(o *orch.Orchestrator, limiter *RoomRateLimiter, opts Options) *Controller {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 512 << 10
	}
	ctl := &Controller{
		Orch:     o,
		Limiter:  limiter,
		Options:  opts,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	ctl.handlers = ctl.routes()
	return ctl
}

func (ctl *Controller) pingPeriod() time.Duration {
	if ctl.Options.PingPeriod <= 0 {
		return 54 * time.Second
	}
	return ctl.Options.PingPeriod
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the connection until either
// side goes away. Every connection is a fresh peer.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	clientID := c.GetString("client_token")
	sid := domain.NewPeerID()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("client", clientID).Msg("new WS connection")

	conn := NewWsSignalConn(ws, ctl.Options.SendBuffer)
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Connect(sid, clientID, conn, cancel)

	go ctl.writePump(ctx, sid, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, sid, conn)
	}()
}
