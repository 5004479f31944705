// Package wsserver is the raw bidirectional transport sink: a WebSocket
// server whose clients subscribe to groups, devices and points and receive
// the dispatcher's messages for them.
package wsserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wombatwebcg/Wombat.CommGateway-sub000/errors"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/metric"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/subscription"
)

// Options holds the server's listener and per-connection tunables
type Options struct {
	Addr           string
	Path           string
	SendBufferSize int
	PingInterval   time.Duration
	WriteTimeout   time.Duration
}

// DefaultOptions returns production defaults for the server
func DefaultOptions() Options {
	return Options{
		Addr:           ":8090",
		Path:           "/ws",
		SendBufferSize: 256,
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// command is the inbound frame clients send to manage their subscriptions
type command struct {
	Action string `json:"action"` // subscribe or unsubscribe
	Scope  string `json:"scope"`  // group, device or point
	ID     uint64 `json:"id"`
}

// ack is the reply to a subscription command
type ack struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id,omitempty"`
	Action       string `json:"action,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ID           uint64 `json:"id,omitempty"`
	Error        string `json:"error,omitempty"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Server owns the WebSocket listener and one write pump per client. A
// client that cannot keep up with its send buffer is dropped, never
// blocked on.
type Server struct {
	opts     Options
	logger   *slog.Logger
	metrics  *metric.Metrics
	index    *subscription.Index
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client

	lifecycleMu sync.Mutex
	running     bool
	httpServer  *http.Server
}

// New creates a server routing subscription commands into the given index
func New(opts Options, index *subscription.Index, logger *slog.Logger, metrics *metric.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		opts:    opts,
		logger:  logger.With("component", "wsserver"),
		metrics: metrics,
		index:   index,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// Start launches the HTTP listener; idempotent
func (s *Server) Start(_ context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.opts.Path, s.handleUpgrade)
	s.httpServer = &http.Server{Addr: s.opts.Addr, Handler: mux}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("listener failed", "addr", s.opts.Addr, "error", err)
		}
	}()

	s.running = true
	if s.metrics != nil {
		s.metrics.RecordComponentStatus("wsserver", true)
	}
	s.logger.Info("websocket server started", "addr", s.opts.Addr, "path", s.opts.Path)
	return nil
}

// Stop shuts the listener down and closes every client; idempotent
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Debug("shutdown", "error", err)
	}

	s.mu.Lock()
	for _, c := range s.clients {
		c.close()
	}
	s.clients = make(map[string]*client)
	s.mu.Unlock()

	s.running = false
	if s.metrics != nil {
		s.metrics.RecordComponentStatus("wsserver", false)
	}
	s.logger.Info("websocket server stopped")
	return nil
}

// Handler exposes the upgrade endpoint for embedding in another mux
func (s *Server) Handler() http.HandlerFunc {
	return s.handleUpgrade
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, s.opts.SendBufferSize),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.logger.Info("client connected", "connection_id", c.id, "remote", r.RemoteAddr)

	go s.writePump(c)
	go s.readPump(c)

	s.enqueue(c, ack{Type: "welcome", ConnectionID: c.id})
}

// readPump consumes subscription commands until the client goes away, then
// tears the connection's subscriptions down atomically
func (s *Server) readPump(c *client) {
	defer s.dropClient(c)

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * s.opts.PingInterval))
	})
	if err := c.conn.SetReadDeadline(time.Now().Add(2 * s.opts.PingInterval)); err != nil {
		return
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.enqueue(c, ack{Type: "error", Error: "malformed command"})
			continue
		}
		s.apply(c, cmd)
	}
}

func (s *Server) apply(c *client, cmd command) {
	type op func(string, uint64)
	var table = map[[2]string]op{
		{"subscribe", "group"}:    s.index.SubscribeGroup,
		{"subscribe", "device"}:   s.index.SubscribeDevice,
		{"subscribe", "point"}:    s.index.SubscribePoint,
		{"unsubscribe", "group"}:  s.index.UnsubscribeGroup,
		{"unsubscribe", "device"}: s.index.UnsubscribeDevice,
		{"unsubscribe", "point"}:  s.index.UnsubscribePoint,
	}

	apply, ok := table[[2]string{cmd.Action, cmd.Scope}]
	if !ok {
		s.enqueue(c, ack{Type: "error", Action: cmd.Action, Scope: cmd.Scope,
			Error: "unknown action or scope"})
		return
	}
	apply(c.id, cmd.ID)
	s.enqueue(c, ack{Type: "ack", Action: cmd.Action, Scope: cmd.Scope, ID: cmd.ID})
}

// writePump is the only goroutine that writes to the socket
func (s *Server) writePump(c *client) {
	ping := time.NewTicker(s.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.dropClient(c)
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.dropClient(c)
				return
			}
		}
	}
}

func (s *Server) enqueue(c *client, a ack) {
	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// dropClient removes the client and all of its subscriptions
func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	_, present := s.clients[c.id]
	delete(s.clients, c.id)
	s.mu.Unlock()

	if present {
		s.index.RemoveConnection(c.id)
		s.logger.Info("client disconnected", "connection_id", c.id)
	}
	c.close()
}

// Name identifies the sink in logs and metrics
func (s *Server) Name() string {
	return "wsserver"
}

// Send queues one message for a client. A full send buffer means the client
// has fallen too far behind; it is dropped so the dispatcher never blocks.
func (s *Server) Send(connectionID string, message []byte) error {
	s.mu.RLock()
	c, ok := s.clients[connectionID]
	s.mu.RUnlock()
	if !ok {
		// Not our client; other sinks may own this connection id
		return nil
	}

	select {
	case <-c.done:
		return nil
	case c.send <- message:
		return nil
	default:
		s.logger.Warn("send buffer full, dropping client", "connection_id", connectionID)
		go s.dropClient(c)
		return errors.WrapDistribution(errors.ErrSendBufferFull, "Server", "Send", "queue message")
	}
}

// ConnectionCount returns the number of connected clients
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
