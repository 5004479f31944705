// Package connpool provides per-channel device connection pooling with
// bounded acquisition and periodic health sweeping.
package connpool

import (
	"sync"
	"time"

	"github.com/wombatwebcg/Wombat.CommGateway-sub000/protocol"
)

// Status describes where a pooled connection sits in its lifecycle
type Status string

const (
	StatusIdle         Status = "idle"
	StatusInUse        Status = "in_use"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Channel describes a configured communication path to one or more devices
type Channel struct {
	ID       uint64
	Name     string
	Protocol protocol.Type
	Config   protocol.Config
}

// Connection wraps one live device connection. Owned by exactly one Pool;
// the executor only ever sees it between Get and Release.
type Connection struct {
	driver protocol.Driver

	mu              sync.Mutex
	status          Status
	createdAt       time.Time
	lastUsed        time.Time
	lastHealthCheck time.Time
	healthy         bool
	useCount        uint64
	errorCount      uint64
	lastError       string
}

func newConnection(driver protocol.Driver) *Connection {
	now := time.Now()
	return &Connection{
		driver:          driver,
		status:          StatusConnecting,
		createdAt:       now,
		lastUsed:        now,
		lastHealthCheck: now,
	}
}

// Driver returns the protocol handle for read/write calls
func (c *Connection) Driver() protocol.Driver {
	return c.driver
}

// Status returns the connection's current lifecycle status
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Healthy reports the result of the last liveness check
func (c *Connection) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

// LastError returns the most recent error message recorded on the connection
func (c *Connection) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// Info is a diagnostic snapshot of one pooled connection
type Info struct {
	Status          Status    `json:"status"`
	Healthy         bool      `json:"healthy"`
	CreatedAt       time.Time `json:"created_at"`
	LastUsed        time.Time `json:"last_used"`
	LastHealthCheck time.Time `json:"last_health_check"`
	UseCount        uint64    `json:"use_count"`
	ErrorCount      uint64    `json:"error_count"`
	LastError       string    `json:"last_error,omitempty"`
}

// Snapshot returns a copy of the connection's bookkeeping fields
func (c *Connection) Snapshot() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		Status:          c.status,
		Healthy:         c.healthy,
		CreatedAt:       c.createdAt,
		LastUsed:        c.lastUsed,
		LastHealthCheck: c.lastHealthCheck,
		UseCount:        c.useCount,
		ErrorCount:      c.errorCount,
		LastError:       c.lastError,
	}
}

func (c *Connection) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func (c *Connection) markInUse() {
	c.mu.Lock()
	c.status = StatusInUse
	c.lastUsed = time.Now()
	c.useCount++
	c.mu.Unlock()
}

func (c *Connection) markIdle() {
	c.mu.Lock()
	c.status = StatusIdle
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

func (c *Connection) recordError(err error) {
	c.mu.Lock()
	c.status = StatusError
	c.errorCount++
	if err != nil {
		c.lastError = err.Error()
	}
	c.mu.Unlock()
}

// checkLiveness runs the cheap transport-level liveness probe and records
// the outcome
func (c *Connection) checkLiveness() bool {
	alive := c.driver.Connected()
	c.mu.Lock()
	c.healthy = alive
	c.lastHealthCheck = time.Now()
	c.mu.Unlock()
	return alive
}

// idleFor returns how long the connection has gone unused
func (c *Connection) idleFor(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastUsed)
}

// staleFor returns how long since the last liveness check
func (c *Connection) staleFor(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastHealthCheck)
}
