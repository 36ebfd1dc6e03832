package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/rpc-discovery/internal/domain/health"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// transitions buffered per client before it is dropped as too slow
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the feed is read-only and public like the query API
	},
}

// Source supplies health state and transitions.
type Source interface {
	HealthEnabled() bool
	HealthOverview() []health.Target
	SubscribeHealth(fn func(health.Change)) (cancel func())
}

// Observer counts connections and pushed transitions.
type Observer interface {
	IncWSConnections()
	DecWSConnections()
	RecordWSMessage()
}

type nopObserver struct{}

func (nopObserver) IncWSConnections() {}
func (nopObserver) DecWSConnections() {}
func (nopObserver) RecordWSMessage()  {}

// Message is a frame sent to clients.
type Message struct {
	Type      string          `json:"type"`
	Targets   []health.Target `json:"targets,omitempty"`
	Change    *health.Change  `json:"change,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Message types
const (
	TypeSnapshot   = "snapshot"
	TypeTransition = "transition"
	TypePong       = "pong"
	TypeError      = "error"
)

type inbound struct {
	Type string `json:"type"`
}

// Handler manages WebSocket connections
type Handler struct {
	source   Source
	observer Observer
	logger   *zap.Logger
}

// NewHandler creates a new WebSocket handler. observer and logger may be nil.
func NewHandler(source Source, observer Observer, logger *zap.Logger) *Handler {
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{source: source, observer: observer, logger: logger.Named("ws")}
}

// HandleConnection upgrades the request and streams health transitions
// until the client leaves or falls behind.
func (h *Handler) HandleConnection(c *gin.Context) {
	if !h.source.HealthEnabled() {
		c.JSON(http.StatusConflict, gin.H{"error": "health monitoring disabled"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.observer.IncWSConnections()
	defer h.observer.DecWSConnections()

	out := make(chan Message, sendBuffer)
	overflow := make(chan struct{})
	var once sync.Once

	// subscribe before the snapshot so no transition falls in between
	cancel := h.source.SubscribeHealth(func(ch health.Change) {
		select {
		case out <- Message{Type: TypeTransition, Change: &ch, Timestamp: ch.At.Unix()}:
		default:
			once.Do(func() { close(overflow) })
		}
	})
	defer cancel()

	if err := h.send(conn, Message{Type: TypeSnapshot, Targets: h.source.HealthOverview(), Timestamp: time.Now().Unix()}); err != nil {
		return
	}

	done := make(chan struct{})
	pongs := make(chan struct{}, 1)
	go h.read(conn, done, pongs)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-out:
			if err := h.send(conn, msg); err != nil {
				return
			}
			h.observer.RecordWSMessage()
		case <-pongs:
			if err := h.send(conn, Message{Type: TypePong, Timestamp: time.Now().Unix()}); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-overflow:
			h.logger.Warn("Dropping slow WebSocket client", zap.String("remote", c.ClientIP()))
			h.send(conn, Message{Type: TypeError, Message: "too slow", Timestamp: time.Now().Unix()})
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too slow"),
				time.Now().Add(writeWait))
			return
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

// read drains client frames. Only ping is understood.
func (h *Handler) read(conn *websocket.Conn, done chan<- struct{}, pongs chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
		if msg.Type == "ping" {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}

func (h *Handler) send(conn *websocket.Conn, msg Message) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}
