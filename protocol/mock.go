package protocol

import (
	"context"
	"strconv"
	"sync"

	"github.com/wombatwebcg/Wombat.CommGateway-sub000/errors"
)

func init() {
	Register(TypeMock, func(_ Config) (Driver, error) { return NewMockDriver(), nil })
}

// MockDriver is an in-memory Driver used by tests and dry-run channels.
// Reads return whatever was last written or seeded via SetValue; failure
// modes are injectable per operation.
type MockDriver struct {
	mu        sync.Mutex
	connected bool
	values    map[string]Value

	// Injected failures; nil means succeed
	ConnectErr error
	ReadErr    error
	WriteErr   error

	// Call counters
	ConnectCalls int
	ReadCalls    int
	WriteCalls   int
}

// NewMockDriver creates a mock driver with an empty value map
func NewMockDriver() *MockDriver {
	return &MockDriver{values: make(map[string]Value)}
}

// SetValue seeds a value a later BatchRead will return
func (d *MockDriver) SetValue(address string, v Value) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values[address] = v
}

func (d *MockDriver) Connect(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ConnectCalls++
	if d.ConnectErr != nil {
		return d.ConnectErr
	}
	d.connected = true
	return nil
}

func (d *MockDriver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

func (d *MockDriver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *MockDriver) BatchRead(_ context.Context, addresses []string) (map[string]Value, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ReadCalls++
	if d.ReadErr != nil {
		return nil, d.ReadErr
	}
	if !d.connected {
		return nil, errors.ErrNotConnected
	}
	results := make(map[string]Value, len(addresses))
	for i, addr := range addresses {
		if v, ok := d.values[addr]; ok {
			results[addr] = v
		} else {
			results[addr] = Value{Type: DataTypeUint16, Raw: strconv.Itoa(i)}
		}
	}
	return results, nil
}

func (d *MockDriver) Write(_ context.Context, dataType DataType, address, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.WriteCalls++
	if d.WriteErr != nil {
		return d.WriteErr
	}
	if !d.connected {
		return errors.ErrNotConnected
	}
	d.values[address] = Value{Type: dataType, Raw: value}
	return nil
}
