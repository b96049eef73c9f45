package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/throw-if-null/taskrelay/internal/api"
)

// Responder forwards an interaction response to the task's running process.
type Responder interface {
	ForwardResponse(ctx context.Context, taskID, interactionID, response string) error
}

type WSConfig struct {
	// SendBuffer is the number of messages queued per connection before it
	// is dropped.
	SendBuffer   int
	WriteTimeout time.Duration
}

func (c WSConfig) withDefaults() WSConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

// Conn adapts a websocket connection to Subscriber. Writes happen on a
// dedicated goroutine; Send only enqueues.
type Conn struct {
	ws      *websocket.Conn
	queue   chan []byte
	closed  chan struct{}
	once    sync.Once
	timeout time.Duration
}

func newConn(ws *websocket.Conn, cfg WSConfig) *Conn {
	return &Conn{
		ws:      ws,
		queue:   make(chan []byte, cfg.SendBuffer),
		closed:  make(chan struct{}),
		timeout: cfg.WriteTimeout,
	}
}

func (c *Conn) Send(msg []byte) Delivery {
	select {
	case <-c.closed:
		return Dropped
	default:
	}
	select {
	case c.queue <- msg:
		return Delivered
	default:
		// slow consumer
		c.Close()
		return Dropped
	}
}

// Close is idempotent.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

func (c *Conn) writeLoop() {
	defer c.Close()
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.queue:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.timeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// Handler upgrades requests to websocket subscriptions. The initial task is
// taken from the taskId query parameter; a client may switch tasks with a
// subscribe message and answer interactions with interaction_response.
type Handler struct {
	hub      *Hub
	resp     Responder
	cfg      WSConfig
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, resp Responder, cfg WSConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:  hub,
		resp: resp,
		cfg:  cfg.withDefaults(),
		log:  logger,
		upgrader: websocket.Upgrader{
			// local daemon; browser UIs are served from other origins
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		h.log.Debug("relay: upgrade failed", "err", err)
		return
	}
	c := newConn(ws, h.cfg)
	go c.writeLoop()

	if taskID := r.URL.Query().Get("taskId"); taskID != "" {
		h.hub.Subscribe(taskID, c)
	}
	h.readLoop(r.Context(), c)
	h.hub.Remove(c)
	c.Close()
}

func (h *Handler) readLoop(ctx context.Context, c *Conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg api.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.reply(c, "", "invalid message: "+err.Error())
			continue
		}
		switch msg.Type {
		case api.ClientSubscribe:
			if msg.TaskID == "" {
				h.reply(c, "", "subscribe requires taskId")
				continue
			}
			h.hub.Subscribe(msg.TaskID, c)
		case api.ClientInteractionResponse:
			taskID := msg.TaskID
			if taskID == "" {
				taskID = h.hub.TaskOf(c)
			}
			if taskID == "" || msg.InteractionID == "" {
				h.reply(c, taskID, "interaction_response requires taskId and interactionId")
				continue
			}
			if h.resp == nil {
				h.reply(c, taskID, "interaction responses are not accepted")
				continue
			}
			if err := h.resp.ForwardResponse(ctx, taskID, msg.InteractionID, msg.Response); err != nil {
				h.reply(c, taskID, err.Error())
			}
		default:
			h.reply(c, msg.TaskID, "unknown message type "+msg.Type)
		}
	}
}

func (h *Handler) reply(c *Conn, taskID, message string) {
	b, err := json.Marshal(api.Event{Type: api.EventError, TaskID: taskID, Message: message})
	if err != nil {
		return
	}
	c.Send(b)
}
