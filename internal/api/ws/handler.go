package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/kcpu/internal/domain/kloader"
	"github.com/GriffinCanCode/kcpu/internal/infrastructure/monitoring"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxMessage = 4 << 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS middleware decides who may reach the API
	},
}

// Source produces loader events and status snapshots.
type Source interface {
	Subscribe() (<-chan kloader.Event, func())
	Status() kloader.Status
}

// Message is the envelope of every frame.
type Message struct {
	Type      string          `json:"type"`
	Event     *kloader.Event  `json:"event,omitempty"`
	Status    *kloader.Status `json:"status,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Handler manages WebSocket connections
type Handler struct {
	source  Source
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(source Source, metrics *monitoring.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{source: source, metrics: metrics, logger: logger.Named("ws")}
}

// conn serialises writes; gorilla allows one concurrent writer.
type conn struct {
	*websocket.Conn
	mu sync.Mutex
}

// HandleConnection upgrades the request and streams events until either
// side goes away.
func (h *Handler) HandleConnection(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	cn := &conn{Conn: ws}
	defer cn.Close()

	if h.metrics != nil {
		h.metrics.IncWSConnections()
		defer h.metrics.DecWSConnections()
	}

	events, cancel := h.source.Subscribe()
	defer cancel()

	st := h.source.Status()
	if err := h.send(cn, Message{Type: "status", Status: &st}); err != nil {
		return
	}

	done := make(chan struct{})
	go h.readLoop(cn, done)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := h.send(cn, Message{Type: "event", Event: &ev}); err != nil {
				return
			}
		case <-ping.C:
			cn.mu.Lock()
			err := cn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			cn.mu.Unlock()
			if err != nil {
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (h *Handler) readLoop(cn *conn, done chan<- struct{}) {
	defer close(done)

	cn.SetReadLimit(maxMessage)
	_ = cn.SetReadDeadline(time.Now().Add(pongWait))
	cn.SetPongHandler(func(string) error {
		return cn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := cn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
		h.record("in", "frame")

		var msg Message
		if err := sonic.Unmarshal(data, &msg); err != nil {
			h.sendError(cn, "malformed message")
			continue
		}

		switch msg.Type {
		case "ping":
			h.send(cn, Message{Type: "pong"})
		case "status":
			st := h.source.Status()
			h.send(cn, Message{Type: "status", Status: &st})
		default:
			h.sendError(cn, "unknown message type")
		}
	}
}

func (h *Handler) send(cn *conn, msg Message) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}
	data, err := sonic.Marshal(msg)
	if err != nil {
		return err
	}

	cn.mu.Lock()
	defer cn.mu.Unlock()

	_ = cn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := cn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	h.record("out", msg.Type)
	return nil
}

func (h *Handler) sendError(cn *conn, msg string) error {
	return h.send(cn, Message{Type: "error", Message: msg})
}

func (h *Handler) record(direction, msgType string) {
	if h.metrics != nil {
		h.metrics.RecordWSMessage(direction, msgType)
	}
}
