package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pbaille/chanscope/internal/domain"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4 * 1024
)

// Server streams hub events of one scope to websocket clients
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewServer creates a websocket server over hub
func NewServer(hub *Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.Named("ws"),
	}
}

// Serve upgrades the request and streams events of scope until the peer leaves
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, scope string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection",
			zap.Error(err),
			zap.String("remoteAddr", r.RemoteAddr),
		)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		id:     uuid.New().String(),
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		cancel: cancel,
	}
	c.logger = s.logger.With(zap.String("scope", scope), zap.String("connectionID", c.id))

	sub, err := s.hub.Subscribe(ctx, scope, c.enqueue)
	if err != nil {
		c.logger.Error("subscribe failed", zap.Error(err))
		cancel()
		conn.Close()
		return
	}

	// a subscription dropped by the hub ends the connection
	go func() {
		select {
		case <-sub.Done():
			c.cancel()
		case <-ctx.Done():
		}
	}()

	go c.writePump(ctx)
	go c.readPump()

	c.logger.Info("websocket connection established", zap.String("remoteAddr", r.RemoteAddr))
}

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc
	logger *zap.Logger
}

func (c *client) enqueue(e domain.Event) {
	data, err := encodeEvent(e)
	if err != nil {
		c.logger.Error("failed to marshal event", zap.Error(err), zap.String("eventID", e.ID))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("closing slow client")
		c.cancel()
	}
}

// readPump only watches for close and pong frames
func (c *client) readPump() {
	defer func() {
		c.cancel()
		c.conn.Close()
		c.logger.Info("read pump stopped")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Error("failed to write message", zap.Error(err))
				c.cancel()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error("failed to send ping", zap.Error(err))
				c.cancel()
				return
			}
		}
	}
}

func encodeEvent(e domain.Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{
		Type:      TypeEventCreated,
		Timestamp: time.Now().Unix(),
		Data:      data,
	})
}

// Dialer subscribes to a remote chanscope server over websockets
type Dialer struct {
	baseURL string
	dialer  *websocket.Dialer
	logger  *zap.Logger
}

// NewDialer creates a Dialer for the server at baseURL. http and https
// schemes are mapped to ws and wss.
func NewDialer(baseURL string, logger *zap.Logger) *Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		baseURL = "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		baseURL = "ws://" + strings.TrimPrefix(baseURL, "http://")
	}
	return &Dialer{
		baseURL: strings.TrimRight(baseURL, "/"),
		dialer:  websocket.DefaultDialer,
		logger:  logger.Named("dialer"),
	}
}

// Subscribe implements Subscriber. The subscription ends, closing Done,
// when the connection is lost.
func (d *Dialer) Subscribe(ctx context.Context, scope string, fn Handler) (Subscription, error) {
	endpoint := fmt.Sprintf("%s/scopes/%s/live", d.baseURL, url.PathEscape(scope))
	conn, _, err := d.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	sub := &remoteSubscription{conn: conn, done: make(chan struct{})}
	logger := d.logger.With(zap.String("scope", scope))

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	go func() {
		defer sub.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if !sub.closed() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Error("websocket read error", zap.Error(err))
				}
				return
			}

			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				logger.Warn("dropping malformed message", zap.Error(err))
				continue
			}
			if msg.Type != TypeEventCreated {
				continue
			}
			var e domain.Event
			if err := json.Unmarshal(msg.Data, &e); err != nil {
				logger.Warn("dropping malformed event", zap.Error(err))
				continue
			}
			fn(e)
		}
	}()

	return sub, nil
}

type remoteSubscription struct {
	conn *websocket.Conn
	once sync.Once
	done chan struct{}
}

func (s *remoteSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = s.conn.Close()
	})
	return err
}

func (s *remoteSubscription) Done() <-chan struct{} { return s.done }

func (s *remoteSubscription) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
