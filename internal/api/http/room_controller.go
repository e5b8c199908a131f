package http

import (
	"log/slog"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"

	"github.com/immxrtalbeast/axenix_meet/internal/api/http/converter"
	"github.com/immxrtalbeast/axenix_meet/internal/service"
	"github.com/immxrtalbeast/axenix_meet/lib/logger/sl"
)

// ConnOptions bounds what a single websocket connection may consume.
type ConnOptions struct {
	MaxMessageSize int64
	OutboxSize     int
	RateLimit      float64
	RateBurst      int
}

type RoomController struct {
	rooms      service.RoomInteractor
	upgrader   websocket.Upgrader
	iceServers []webrtc.ICEServer
	opts       ConnOptions
	log        *slog.Logger
}

func NewRoomController(rooms service.RoomInteractor, iceServers []webrtc.ICEServer, allowedOrigins []string, opts ConnOptions, log *slog.Logger) *RoomController {
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 64 * 1024
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = 256
	}
	return &RoomController{
		rooms:      rooms,
		iceServers: iceServers,
		opts:       opts,
		log:        log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// originChecker admits non-browser clients (no Origin header) and the
// configured browser origins. A "*" entry admits everything.
func originChecker(allowed []string) func(r *http.Request) bool {
	if slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

func (c *RoomController) Health(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, c.rooms.Status())
}

func (c *RoomController) ListRooms(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, converter.RoomsToApi(c.rooms.ListRooms()))
}

func (c *RoomController) ICEServers(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"iceServers": c.iceServers})
}

// Connect upgrades to a websocket and serves it until the peer goes away.
func (c *RoomController) Connect(ctx *gin.Context) {
	const op = "api.http.room.connect"

	conn, err := c.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		c.log.Warn("websocket upgrade failed", slog.String("op", op), sl.Err(err))
		return
	}

	id := uuid.NewString()
	client := newWSClient(id, conn, c.opts, c.log)
	go client.writePump()

	reqCtx := ctx.Request.Context()
	c.rooms.Connect(reqCtx, id, client)
	client.readPump(reqCtx, c.rooms, c.opts.MaxMessageSize)
}
