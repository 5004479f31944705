// Package protocol defines the device driver contract and the registry that
// maps a channel's protocol type to a driver constructor. Adding a protocol
// is a registration, not a new switch arm.
package protocol

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/wombatwebcg/Wombat.CommGateway-sub000/errors"
)

// Type identifies a wire protocol a channel speaks
type Type string

const (
	// TypeModbusTCP is Modbus over TCP
	TypeModbusTCP Type = "modbus-tcp"
	// TypeModbusRTU is Modbus over a serial line
	TypeModbusRTU Type = "modbus-rtu"
	// TypeS7 is the Siemens S7 protocol
	TypeS7 Type = "s7"
	// TypeMock is an in-memory driver for tests and dry runs
	TypeMock Type = "mock"
)

// DataType tags the decoded representation of a point value
type DataType string

const (
	DataTypeBool    DataType = "bool"
	DataTypeInt16   DataType = "int16"
	DataTypeUint16  DataType = "uint16"
	DataTypeInt32   DataType = "int32"
	DataTypeUint32  DataType = "uint32"
	DataTypeFloat32 DataType = "float32"
	DataTypeFloat64 DataType = "float64"
	DataTypeString  DataType = "string"
)

// Value is one decoded read result. Raw carries the string encoding used
// throughout the cache and distribution layers.
type Value struct {
	Type DataType
	Raw  string
}

// Config is the string-keyed channel configuration map handed to a
// driver constructor (host/port/vendor parameters).
type Config map[string]string

// String returns the value for key, or def when absent or empty
func (c Config) String(key, def string) string {
	if v, ok := c[key]; ok && v != "" {
		return v
	}
	return def
}

// Int returns the integer value for key, or def when absent or unparsable
func (c Config) Int(key string, def int) int {
	if v, ok := c[key]; ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Duration returns the duration value for key, or def when absent or unparsable
func (c Config) Duration(key string, def time.Duration) time.Duration {
	if v, ok := c[key]; ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// Driver is the handle a connection pool wraps. Implementations guard their
// transport with an internal mutex so a BatchRead is atomic from the
// caller's perspective.
type Driver interface {
	// Connect establishes the transport session
	Connect(ctx context.Context) error
	// Disconnect tears the session down; safe to call when not connected
	Disconnect() error
	// Connected reports whether the transport session is up
	Connected() bool
	// BatchRead reads every address in one atomic operation and returns a
	// value per address. A transport failure fails the whole batch.
	BatchRead(ctx context.Context, addresses []string) (map[string]Value, error)
	// Write writes one value to one address
	Write(ctx context.Context, dataType DataType, address, value string) error
}

// Constructor builds a Driver from a channel configuration map
type Constructor func(cfg Config) (Driver, error)

// Registry maps protocol types to driver constructors
type Registry struct {
	mu           sync.RWMutex
	constructors map[Type]Constructor
}

// NewRegistry creates an empty driver registry
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[Type]Constructor)}
}

// Register adds a constructor for a protocol type, replacing any previous one
func (r *Registry) Register(t Type, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[t] = ctor
}

// New builds a driver for the given protocol type and channel configuration
func (r *Registry) New(t Type, cfg Config) (Driver, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[t]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapConfiguration(
			fmt.Errorf("%w: %q", errors.ErrProtocolUnknown, t),
			"Registry", "New", "look up protocol constructor")
	}
	return ctor(cfg)
}

// Types returns the registered protocol types, sorted
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]Type, 0, len(r.constructors))
	for t := range r.constructors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

var defaultRegistry = NewRegistry()

// Register adds a constructor to the default registry
func Register(t Type, ctor Constructor) {
	defaultRegistry.Register(t, ctor)
}

// New builds a driver from the default registry
func New(t Type, cfg Config) (Driver, error) {
	return defaultRegistry.New(t, cfg)
}

// Default returns the process-wide registry the built-in drivers
// register themselves with
func Default() *Registry {
	return defaultRegistry
}
