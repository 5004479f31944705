package protocol

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	mb "github.com/goburrow/modbus"

	"github.com/wombatwebcg/Wombat.CommGateway-sub000/errors"
)

func init() {
	Register(TypeModbusTCP, func(cfg Config) (Driver, error) { return newModbusDriver(TypeModbusTCP, cfg) })
	Register(TypeModbusRTU, func(cfg Config) (Driver, error) { return newModbusDriver(TypeModbusRTU, cfg) })
}

// modbusAddress is a parsed point address of the form
// "<space>:<offset>[:<byteorder>]", e.g. "holding:100" or "holding:100:CDAB".
// The register space decides the function code, the data type decides the
// register quantity and decoding.
type modbusAddress struct {
	space     string // holding|input|coil|discrete
	offset    uint16
	byteOrder string // ABCD (default), DCBA, BADC, CDAB
}

func parseModbusAddress(address string) (modbusAddress, error) {
	parts := strings.Split(address, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return modbusAddress{}, fmt.Errorf("address %q: want <space>:<offset>[:<byteorder>]", address)
	}

	space := strings.ToLower(strings.TrimSpace(parts[0]))
	switch space {
	case "holding", "input", "coil", "discrete":
	default:
		return modbusAddress{}, fmt.Errorf("address %q: unknown register space %q", address, parts[0])
	}

	offset, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 16)
	if err != nil {
		return modbusAddress{}, fmt.Errorf("address %q: offset: %w", address, err)
	}

	order := "ABCD"
	if len(parts) == 3 {
		order = strings.ToUpper(strings.TrimSpace(parts[2]))
		switch order {
		case "ABCD", "DCBA", "BADC", "CDAB":
		default:
			return modbusAddress{}, fmt.Errorf("address %q: unknown byte order %q", address, parts[2])
		}
	}

	return modbusAddress{space: space, offset: uint16(offset), byteOrder: order}, nil
}

// registerQuantity returns how many 16-bit registers a data type occupies
func registerQuantity(dt DataType) uint16 {
	switch dt {
	case DataTypeInt32, DataTypeUint32, DataTypeFloat32:
		return 2
	case DataTypeFloat64:
		return 4
	default:
		return 1
	}
}

// handlerWithConn embeds mb.ClientHandler and exposes Connect/Close used
// for lifecycle
type handlerWithConn interface {
	mb.ClientHandler
	Connect() error
	Close() error
}

// modbusDriver speaks Modbus TCP or RTU through goburrow/modbus. All
// transport access is serialized on mu so batch reads are atomic.
type modbusDriver struct {
	mu        sync.Mutex
	handler   handlerWithConn
	client    mb.Client
	connected bool
	dataTypes map[string]DataType // address -> expected data type, from channel config
}

// newModbusDriver builds a TCP or RTU handler from the channel configuration.
// Recognized keys: host, port, slave_id, timeout (TCP); serial_port,
// baud_rate, data_bits, stop_bits, parity, slave_id, timeout (RTU).
// Per-address data types arrive as "type.<address>" entries.
func newModbusDriver(t Type, cfg Config) (Driver, error) {
	timeout := cfg.Duration("timeout", 5*time.Second)
	slaveID := cfg.Int("slave_id", 1)

	var handler handlerWithConn
	switch t {
	case TypeModbusTCP:
		host := cfg.String("host", "")
		if host == "" {
			return nil, errors.WrapConfiguration(errors.ErrMissingConfig,
				"modbusDriver", "new", "read host parameter")
		}
		h := mb.NewTCPClientHandler(fmt.Sprintf("%s:%d", host, cfg.Int("port", 502)))
		h.Timeout = timeout
		h.SlaveId = byte(slaveID)
		handler = h
	case TypeModbusRTU:
		port := cfg.String("serial_port", "")
		if port == "" {
			return nil, errors.WrapConfiguration(errors.ErrMissingConfig,
				"modbusDriver", "new", "read serial_port parameter")
		}
		h := mb.NewRTUClientHandler(port)
		h.BaudRate = cfg.Int("baud_rate", 9600)
		h.DataBits = cfg.Int("data_bits", 8)
		h.StopBits = cfg.Int("stop_bits", 1)
		if parity := strings.ToUpper(cfg.String("parity", "")); parity != "" {
			h.Parity = parity
		}
		h.Timeout = timeout
		h.SlaveId = byte(slaveID)
		handler = h
	default:
		return nil, errors.WrapConfiguration(errors.ErrProtocolUnknown,
			"modbusDriver", "new", "select handler")
	}

	dataTypes := make(map[string]DataType)
	for key, value := range cfg {
		if addr, ok := strings.CutPrefix(key, "type."); ok {
			dataTypes[addr] = DataType(value)
		}
	}

	return &modbusDriver{handler: handler, dataTypes: dataTypes}, nil
}

func (d *modbusDriver) Connect(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected {
		return nil
	}
	if err := d.handler.Connect(); err != nil {
		return errors.WrapTransport(err, "modbusDriver", "Connect", "open transport")
	}
	d.client = mb.NewClient(d.handler)
	d.connected = true
	return nil
}

func (d *modbusDriver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return nil
	}
	d.connected = false
	d.client = nil
	return d.handler.Close()
}

func (d *modbusDriver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// dataTypeFor resolves the configured data type for an address, defaulting
// per register space
func (d *modbusDriver) dataTypeFor(addr modbusAddress, raw string) DataType {
	if dt, ok := d.dataTypes[raw]; ok {
		return dt
	}
	if addr.space == "coil" || addr.space == "discrete" {
		return DataTypeBool
	}
	return DataTypeUint16
}

func (d *modbusDriver) BatchRead(ctx context.Context, addresses []string) (map[string]Value, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil, errors.WrapTransport(errors.ErrNotConnected, "modbusDriver", "BatchRead", "check session")
	}

	results := make(map[string]Value, len(addresses))
	for _, raw := range addresses {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		addr, err := parseModbusAddress(raw)
		if err != nil {
			return nil, errors.WrapConfiguration(err, "modbusDriver", "BatchRead", "parse address")
		}
		dt := d.dataTypeFor(addr, raw)

		value, err := d.readOne(addr, dt)
		if err != nil {
			return nil, errors.WrapTransport(err, "modbusDriver", "BatchRead", "read "+raw)
		}
		results[raw] = value
	}
	return results, nil
}

func (d *modbusDriver) readOne(addr modbusAddress, dt DataType) (Value, error) {
	switch addr.space {
	case "coil":
		data, err := d.client.ReadCoils(addr.offset, 1)
		if err != nil {
			return Value{}, err
		}
		return Value{Type: DataTypeBool, Raw: encodeBit(data)}, nil
	case "discrete":
		data, err := d.client.ReadDiscreteInputs(addr.offset, 1)
		if err != nil {
			return Value{}, err
		}
		return Value{Type: DataTypeBool, Raw: encodeBit(data)}, nil
	case "holding":
		data, err := d.client.ReadHoldingRegisters(addr.offset, registerQuantity(dt))
		if err != nil {
			return Value{}, err
		}
		return decodeRegisters(data, dt, addr.byteOrder)
	case "input":
		data, err := d.client.ReadInputRegisters(addr.offset, registerQuantity(dt))
		if err != nil {
			return Value{}, err
		}
		return decodeRegisters(data, dt, addr.byteOrder)
	}
	return Value{}, fmt.Errorf("unknown register space %q", addr.space)
}

func (d *modbusDriver) Write(ctx context.Context, dataType DataType, address, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return errors.WrapTransport(errors.ErrNotConnected, "modbusDriver", "Write", "check session")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	addr, err := parseModbusAddress(address)
	if err != nil {
		return errors.WrapConfiguration(err, "modbusDriver", "Write", "parse address")
	}

	switch addr.space {
	case "coil":
		on, err := strconv.ParseBool(value)
		if err != nil {
			return errors.WrapInvalid(err, "modbusDriver", "Write", "parse bool value")
		}
		var v uint16
		if on {
			v = 0xFF00
		}
		_, err = d.client.WriteSingleCoil(addr.offset, v)
		if err != nil {
			return errors.WrapTransport(err, "modbusDriver", "Write", "write coil")
		}
		return nil
	case "holding":
		data, err := encodeRegisters(dataType, value, addr.byteOrder)
		if err != nil {
			return errors.WrapInvalid(err, "modbusDriver", "Write", "encode value")
		}
		if len(data) == 2 {
			_, err = d.client.WriteSingleRegister(addr.offset, binary.BigEndian.Uint16(data))
		} else {
			_, err = d.client.WriteMultipleRegisters(addr.offset, uint16(len(data)/2), data)
		}
		if err != nil {
			return errors.WrapTransport(err, "modbusDriver", "Write", "write registers")
		}
		return nil
	default:
		return errors.WrapInvalid(
			fmt.Errorf("register space %q is read-only", addr.space),
			"modbusDriver", "Write", "check register space")
	}
}

func encodeBit(data []byte) string {
	if len(data) > 0 && data[0]&0x01 == 0x01 {
		return "true"
	}
	return "false"
}

// decodeRegisters turns big-endian register data into a string-encoded value
func decodeRegisters(data []byte, dt DataType, order string) (Value, error) {
	switch dt {
	case DataTypeBool:
		if len(data) < 2 {
			return Value{}, fmt.Errorf("short read for bool")
		}
		return Value{Type: dt, Raw: strconv.FormatBool(binary.BigEndian.Uint16(data) != 0)}, nil
	case DataTypeUint16:
		if len(data) < 2 {
			return Value{}, fmt.Errorf("short read for uint16")
		}
		return Value{Type: dt, Raw: strconv.FormatUint(uint64(binary.BigEndian.Uint16(data)), 10)}, nil
	case DataTypeInt16:
		if len(data) < 2 {
			return Value{}, fmt.Errorf("short read for int16")
		}
		return Value{Type: dt, Raw: strconv.FormatInt(int64(int16(binary.BigEndian.Uint16(data))), 10)}, nil
	case DataTypeUint32:
		if len(data) < 4 {
			return Value{}, fmt.Errorf("short read for uint32")
		}
		u := binary.BigEndian.Uint32(reorder32(data[:4], order))
		return Value{Type: dt, Raw: strconv.FormatUint(uint64(u), 10)}, nil
	case DataTypeInt32:
		if len(data) < 4 {
			return Value{}, fmt.Errorf("short read for int32")
		}
		u := binary.BigEndian.Uint32(reorder32(data[:4], order))
		return Value{Type: dt, Raw: strconv.FormatInt(int64(int32(u)), 10)}, nil
	case DataTypeFloat32:
		if len(data) < 4 {
			return Value{}, fmt.Errorf("short read for float32")
		}
		u := binary.BigEndian.Uint32(reorder32(data[:4], order))
		f := math.Float32frombits(u)
		return Value{Type: dt, Raw: strconv.FormatFloat(float64(f), 'g', -1, 32)}, nil
	case DataTypeFloat64:
		if len(data) < 8 {
			return Value{}, fmt.Errorf("short read for float64")
		}
		f := math.Float64frombits(binary.BigEndian.Uint64(data[:8]))
		return Value{Type: dt, Raw: strconv.FormatFloat(f, 'g', -1, 64)}, nil
	default:
		return Value{}, fmt.Errorf("unsupported data type %q", dt)
	}
}

// encodeRegisters turns a string-encoded value into big-endian register data
func encodeRegisters(dt DataType, value, order string) ([]byte, error) {
	switch dt {
	case DataTypeBool:
		on, err := strconv.ParseBool(value)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 2)
		if on {
			binary.BigEndian.PutUint16(out, 1)
		}
		return out, nil
	case DataTypeUint16:
		u, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 2)
		binary.BigEndian.PutUint16(out, uint16(u))
		return out, nil
	case DataTypeInt16:
		i, err := strconv.ParseInt(value, 10, 16)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 2)
		binary.BigEndian.PutUint16(out, uint16(int16(i)))
		return out, nil
	case DataTypeUint32:
		u, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, uint32(u))
		return reorder32(out, order), nil
	case DataTypeInt32:
		i, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, uint32(int32(i)))
		return reorder32(out, order), nil
	case DataTypeFloat32:
		f, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, math.Float32bits(float32(f)))
		return reorder32(out, order), nil
	case DataTypeFloat64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 8)
		binary.BigEndian.PutUint64(out, math.Float64bits(f))
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported data type %q", dt)
	}
}

// reorder32 returns a 4-byte slice reordered per byte-order string.
// Supported orders: "ABCD" (default), "DCBA", "BADC" (byte swap within
// words), "CDAB" (word swap). reorder32 is its own inverse for each order.
func reorder32(in []byte, order string) []byte {
	var out [4]byte
	if len(in) < 4 {
		return append([]byte{}, in...)
	}
	switch order {
	case "", "ABCD":
		copy(out[:], in[:4])
	case "DCBA":
		out[0], out[1], out[2], out[3] = in[3], in[2], in[1], in[0]
	case "BADC":
		out[0], out[1], out[2], out[3] = in[1], in[0], in[3], in[2]
	case "CDAB":
		out[0], out[1], out[2], out[3] = in[2], in[3], in[0], in[1]
	default:
		copy(out[:], in[:4])
	}
	return out[:]
}
