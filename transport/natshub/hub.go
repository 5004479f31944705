// Package natshub is the pub/sub transport sink: dispatcher messages for a
// logical connection are published to that connection's subject on the hub,
// and clients manage their subscriptions by publishing command frames to the
// hub's command subject.
package natshub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/wombatwebcg/Wombat.CommGateway-sub000/errors"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/metric"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/subscription"
)

// Options holds the hub connection settings
type Options struct {
	URL            string
	MaxReconnects  int
	ReconnectWait  time.Duration
	SubjectPrefix  string
	CommandSubject string
}

// DefaultOptions returns production defaults for the hub
func DefaultOptions() Options {
	return Options{
		URL:            nats.DefaultURL,
		MaxReconnects:  -1,
		ReconnectWait:  2 * time.Second,
		SubjectPrefix:  "gateway.push",
		CommandSubject: "gateway.command",
	}
}

// command is the frame NATS clients publish to manage their subscriptions.
// The client picks its own connection id and receives pushes on
// `<prefix>.<connection_id>`.
type command struct {
	Action       string `json:"action"` // subscribe, unsubscribe or disconnect
	Scope        string `json:"scope"`  // group, device or point
	ID           uint64 `json:"id"`
	ConnectionID string `json:"connection_id"`
}

// reply answers a command when the frame carries a reply subject
type reply struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id,omitempty"`
	Action       string `json:"action,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ID           uint64 `json:"id,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Hub publishes per-connection messages to `<prefix>.<connectionID>`.
// Logical connections register so the dispatcher's connection count reflects
// actual consumers rather than raw NATS clients.
type Hub struct {
	opts    Options
	logger  *slog.Logger
	metrics *metric.Metrics
	index   *subscription.Index

	conns *xsync.MapOf[string, time.Time]

	lifecycleMu sync.Mutex
	running     bool
	nc          *nats.Conn
	sub         *nats.Subscription
}

// New creates a hub routing subscription commands into the given index;
// Start establishes the broker connection
func New(opts Options, index *subscription.Index, logger *slog.Logger, metrics *metric.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CommandSubject == "" {
		opts.CommandSubject = DefaultOptions().CommandSubject
	}
	return &Hub{
		opts:    opts,
		logger:  logger.With("component", "natshub"),
		metrics: metrics,
		index:   index,
		conns:   xsync.NewMapOf[string, time.Time](),
	}
}

// Start connects to the broker; idempotent
func (h *Hub) Start(_ context.Context) error {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	if h.running {
		return nil
	}

	nc, err := nats.Connect(h.opts.URL,
		nats.MaxReconnects(h.opts.MaxReconnects),
		nats.ReconnectWait(h.opts.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			h.logger.Warn("broker disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			h.logger.Info("broker reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return errors.WrapTransport(err, "Hub", "Start", "connect to broker")
	}

	sub, err := nc.Subscribe(h.opts.CommandSubject, h.handleCommand)
	if err != nil {
		nc.Close()
		return errors.WrapTransport(err, "Hub", "Start", "subscribe command subject")
	}

	h.nc = nc
	h.sub = sub
	h.running = true
	if h.metrics != nil {
		h.metrics.RecordComponentStatus("natshub", true)
	}
	h.logger.Info("hub connected", "url", h.opts.URL, "prefix", h.opts.SubjectPrefix)
	return nil
}

// Stop drains and closes the broker connection; idempotent
func (h *Hub) Stop(timeout time.Duration) error {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	if !h.running {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := h.nc.Drain(); err != nil {
			h.logger.Debug("drain on stop", "error", err)
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		h.nc.Close()
	}

	h.running = false
	if h.metrics != nil {
		h.metrics.RecordComponentStatus("natshub", false)
	}
	h.logger.Info("hub stopped")
	return nil
}

// RegisterConnection tracks a logical subscriber connection
func (h *Hub) RegisterConnection(connectionID string) {
	h.conns.Store(connectionID, time.Now())
}

// UnregisterConnection drops a logical subscriber connection
func (h *Hub) UnregisterConnection(connectionID string) {
	h.conns.Delete(connectionID)
}

func (h *Hub) handleCommand(msg *nats.Msg) {
	data := h.applyCommand(msg.Data)
	if msg.Reply != "" {
		if err := msg.Respond(data); err != nil {
			h.logger.Debug("command reply failed", "error", err)
		}
	}
}

// applyCommand routes one command frame into the subscription index and the
// connection accounting, returning the encoded reply
func (h *Hub) applyCommand(data []byte) []byte {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return encodeReply(reply{Type: "error", Error: "malformed command"})
	}
	if cmd.ConnectionID == "" {
		return encodeReply(reply{Type: "error", Action: cmd.Action, Error: "connection_id required"})
	}

	if cmd.Action == "disconnect" {
		h.index.RemoveConnection(cmd.ConnectionID)
		h.UnregisterConnection(cmd.ConnectionID)
		h.logger.Info("client disconnected", "connection_id", cmd.ConnectionID)
		return encodeReply(reply{Type: "ack", ConnectionID: cmd.ConnectionID, Action: cmd.Action})
	}

	type op func(string, uint64)
	table := map[[2]string]op{
		{"subscribe", "group"}:    h.index.SubscribeGroup,
		{"subscribe", "device"}:   h.index.SubscribeDevice,
		{"subscribe", "point"}:    h.index.SubscribePoint,
		{"unsubscribe", "group"}:  h.index.UnsubscribeGroup,
		{"unsubscribe", "device"}: h.index.UnsubscribeDevice,
		{"unsubscribe", "point"}:  h.index.UnsubscribePoint,
	}
	apply, ok := table[[2]string{cmd.Action, cmd.Scope}]
	if !ok {
		return encodeReply(reply{Type: "error", ConnectionID: cmd.ConnectionID,
			Action: cmd.Action, Scope: cmd.Scope, Error: "unknown action or scope"})
	}

	if cmd.Action == "subscribe" {
		h.RegisterConnection(cmd.ConnectionID)
	}
	apply(cmd.ConnectionID, cmd.ID)
	return encodeReply(reply{Type: "ack", ConnectionID: cmd.ConnectionID,
		Action: cmd.Action, Scope: cmd.Scope, ID: cmd.ID})
}

func encodeReply(r reply) []byte {
	data, err := json.Marshal(r)
	if err != nil {
		return []byte(`{"type":"error","error":"encode reply"}`)
	}
	return data
}

// Name identifies the sink in logs and metrics
func (h *Hub) Name() string {
	return "natshub"
}

// Send publishes one message to the connection's subject
func (h *Hub) Send(connectionID string, message []byte) error {
	h.lifecycleMu.Lock()
	nc, running := h.nc, h.running
	h.lifecycleMu.Unlock()

	if !running || nc == nil {
		return errors.WrapDistribution(errors.ErrSinkUnavailable, "Hub", "Send", "check hub state")
	}

	subject := fmt.Sprintf("%s.%s", h.opts.SubjectPrefix, connectionID)
	if err := nc.Publish(subject, message); err != nil {
		return errors.WrapDistribution(err, "Hub", "Send", "publish message")
	}
	return nil
}

// ConnectionCount returns the number of registered logical connections
func (h *Hub) ConnectionCount() int {
	return h.conns.Size()
}
