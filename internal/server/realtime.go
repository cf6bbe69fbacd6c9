package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/flowroom/internal/collab"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Connections that keep flooding after this many dropped frames are closed.
	maxRateLimitViolations = 1000

	defaultMaxMessageBytes   = 1 << 20
	defaultSendBuffer        = 256
	defaultMessagesPerSecond = 100
	defaultMessageBurst      = 200
)

var (
	errChannelClosed  = errors.New("socket channel closed")
	errSendQueueFull  = errors.New("socket send queue full")
	errUpgradeNoRoute = errors.New("room admission failed")
)

// TransportConfig tunes the websocket side of a collaboration channel.
type TransportConfig struct {
	MaxMessageBytes   int64
	SendBuffer        int
	MessagesPerSecond float64
	MessageBurst      int
}

func (c TransportConfig) withDefaults() TransportConfig {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = defaultMessagesPerSecond
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = defaultMessageBurst
	}
	return c
}

// socketChannel adapts a websocket connection to collab.Channel. Send only
// enqueues; the write pump owns every write to the connection.
type socketChannel struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSocketChannel(conn *websocket.Conn, buffer int) *socketChannel {
	return &socketChannel{
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (c *socketChannel) Send(data []byte) error {
	select {
	case <-c.done:
		return errChannelClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errChannelClosed
	default:
		return errSendQueueFull
	}
}

// Close is idempotent; closing an already closed channel is not an error.
func (c *socketChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// socketSession binds one upgraded connection to the room that admitted it.
type socketSession struct {
	channel   *socketChannel
	room      *collab.Room
	limiter   *rate.Limiter
	transport TransportConfig
	logger    *zap.Logger
}

func (h *httpHandler) upgradeAndJoin(w http.ResponseWriter, r *http.Request, workflowID, identity, name string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return err
	}

	channel := newSocketChannel(conn, h.transport.SendBuffer)
	room, err := h.hub.Connect(workflowID, channel, identity, name)
	if err != nil {
		h.logger.Error("room admission failed", zap.String("workflow_id", workflowID), zap.Error(err))
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, errUpgradeNoRoute.Error()),
			time.Now().Add(writeWait),
		)
		_ = channel.Close()
		return err
	}

	session := &socketSession{
		channel:   channel,
		room:      room,
		limiter:   rate.NewLimiter(rate.Limit(h.transport.MessagesPerSecond), h.transport.MessageBurst),
		transport: h.transport,
		logger:    h.logger.With(zap.String("workflow_id", workflowID), zap.String("remote_addr", conn.RemoteAddr().String())),
	}
	go session.writePump()
	go session.readPump()
	return nil
}

// readPump feeds frames to the room until the connection fails, then
// disconnects exactly once.
func (s *socketSession) readPump() {
	defer s.room.Disconnect(s.channel)

	conn := s.channel.conn
	conn.SetReadLimit(s.transport.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	violations := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if !s.limiter.Allow() {
			violations++
			if violations%100 == 1 {
				s.logger.Warn("rate limit exceeded", zap.Int("violations", violations))
			}
			if violations > maxRateLimitViolations {
				s.logger.Warn("closing connection for sustained rate limit violations")
				return
			}
			continue
		}

		s.room.Message(s.channel, data)
	}
}

func (s *socketSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.channel.Close()
	}()

	conn := s.channel.conn
	for {
		select {
		case <-s.channel.done:
			return
		case data := <-s.channel.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
