package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/groupcall/internal/app"
	"github.com/dkeye/groupcall/internal/app/orch"
	"github.com/dkeye/groupcall/internal/core"
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	SendBuffer int
	// AllowedOrigins restricts the websocket Origin header. Empty allows any.
	AllowedOrigins []string
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	return o
}

// SignalWSController upgrades signaling requests and pumps frames between the
// socket and the dispatcher.
type SignalWSController struct {
	Dispatcher *orch.Dispatcher
	Limiter    *JoinLimiter

	opts     Options
	upgrader websocket.Upgrader
}

func NewSignalWSController(d *orch.Dispatcher, limiter *JoinLimiter, opts Options) *SignalWSController {
	opts = opts.withDefaults()
	ctl := &SignalWSController{Dispatcher: d, Limiter: limiter, opts: opts}
	ctl.upgrader = websocket.Upgrader{CheckOrigin: ctl.checkOrigin}
	return ctl
}

func (ctl *SignalWSController) checkOrigin(r *http.Request) bool {
	if len(ctl.opts.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(ctl.opts.AllowedOrigins, r.Header.Get("Origin"))
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	if token == "" {
		token = c.ClientIP()
	}
	sid := core.NewSessionID()
	logger := log.With().Str("module", "signal").Str("sid", string(sid)).Str("client", token).Logger()

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	logger.Info().Str("remote", c.Request.RemoteAddr).Msg("new WS connection")

	conn := newWSSignalConn(ws, ctl.opts.SendBuffer)
	dc := ctl.Dispatcher.Open(sid, conn)

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn, logger)
	go ctl.readPump(ctx, cancel, token, dc, conn, logger)
}

func (ctl *SignalWSController) writePump(ctx context.Context, c *wsSignalConn, logger zerolog.Logger) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				logger.Debug().Msg("writePump channel closed")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Warn().Err(err).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.opts.WriteWait)); err != nil {
				logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(
	ctx context.Context,
	cancel context.CancelFunc,
	token string,
	dc *orch.Conn,
	c *wsSignalConn,
	logger zerolog.Logger,
) {
	defer func() {
		ctl.Dispatcher.Close(ctx, dc)
		c.Close()
		cancel()
		logger.Info().Msg("readPump closing")
	}()

	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if isJoin(data) && ctl.Limiter != nil && !ctl.Limiter.Allow(token) {
			logger.Warn().Msg("join rate limited")
			ctl.reject(c, app.ReasonRateLimited, "too many join attempts")
			continue
		}
		ctl.Dispatcher.Dispatch(ctx, dc, data)
	}
}

func (ctl *SignalWSController) reject(c *wsSignalConn, reason, message string) {
	frame, err := app.Encode(app.NewErrorMessage(reason, message))
	if err != nil {
		return
	}
	if err := c.TrySend(frame); err != nil {
		c.Close()
	}
}

func isJoin(data []byte) bool {
	var env struct {
		ID string `json:"id"`
	}
	return json.Unmarshal(data, &env) == nil && env.ID == orch.MsgJoinRoom
}
