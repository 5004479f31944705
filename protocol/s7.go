package protocol

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robinson/gos7"

	"github.com/wombatwebcg/Wombat.CommGateway-sub000/errors"
)

func init() {
	Register(TypeS7, newS7Driver)
}

// s7Address is a parsed Siemens address: a DB access like "DB2.DBD4" or
// "DB2.DBX0.1", or a merker access like "MW10" or "M10.3".
type s7Address struct {
	area     string // "DB" or "M"
	dbNumber int    // valid when area == "DB"
	start    int    // byte offset
	width    int    // bytes read/written; 0 means single bit
	bit      uint   // valid when width == 0
}

var (
	s7DBPattern = regexp.MustCompile(`^DB(\d+)\.DB([XBWD])(\d+)(?:\.(\d))?$`)
	s7MPattern  = regexp.MustCompile(`^M([BWD]?)(\d+)(?:\.(\d))?$`)
)

func parseS7Address(address string) (s7Address, error) {
	upper := strings.ToUpper(strings.TrimSpace(address))

	if m := s7DBPattern.FindStringSubmatch(upper); m != nil {
		db, _ := strconv.Atoi(m[1])
		start, _ := strconv.Atoi(m[3])
		addr := s7Address{area: "DB", dbNumber: db, start: start}
		switch m[2] {
		case "X":
			if m[4] == "" {
				return s7Address{}, fmt.Errorf("address %q: bit access needs a bit index", address)
			}
			bit, _ := strconv.Atoi(m[4])
			addr.width, addr.bit = 0, uint(bit)
		case "B":
			addr.width = 1
		case "W":
			addr.width = 2
		case "D":
			addr.width = 4
		}
		if addr.width > 0 && m[4] != "" {
			return s7Address{}, fmt.Errorf("address %q: bit index only valid for DBX", address)
		}
		return addr, nil
	}

	if m := s7MPattern.FindStringSubmatch(upper); m != nil {
		start, _ := strconv.Atoi(m[2])
		addr := s7Address{area: "M", start: start}
		switch m[1] {
		case "":
			if m[3] == "" {
				return s7Address{}, fmt.Errorf("address %q: bit access needs a bit index", address)
			}
			bit, _ := strconv.Atoi(m[3])
			addr.width, addr.bit = 0, uint(bit)
		case "B":
			addr.width = 1
		case "W":
			addr.width = 2
		case "D":
			addr.width = 4
		}
		if addr.width > 0 && m[3] != "" {
			return s7Address{}, fmt.Errorf("address %q: bit index only valid for M bit access", address)
		}
		return addr, nil
	}

	return s7Address{}, fmt.Errorf("address %q: not a recognized S7 address", address)
}

// byteLen returns how many bytes must be transferred for the access
func (a s7Address) byteLen() int {
	if a.width == 0 {
		return 1
	}
	return a.width
}

// s7Driver speaks the Siemens S7 protocol through gos7. All transport access
// is serialized on mu so batch reads are atomic.
type s7Driver struct {
	mu        sync.Mutex
	handler   *gos7.TCPClientHandler
	client    gos7.Client
	connected bool
	dataTypes map[string]DataType
}

// newS7Driver builds a driver from the channel configuration. Recognized
// keys: host, port, rack, slot, timeout, plus per-address "type.<address>"
// entries.
func newS7Driver(cfg Config) (Driver, error) {
	host := cfg.String("host", "")
	if host == "" {
		return nil, errors.WrapConfiguration(errors.ErrMissingConfig,
			"s7Driver", "new", "read host parameter")
	}

	address := fmt.Sprintf("%s:%d", host, cfg.Int("port", 102))
	handler := gos7.NewTCPClientHandler(address, cfg.Int("rack", 0), cfg.Int("slot", 1))
	handler.Timeout = cfg.Duration("timeout", 5*time.Second)
	handler.IdleTimeout = cfg.Duration("idle_timeout", time.Minute)

	dataTypes := make(map[string]DataType)
	for key, value := range cfg {
		if addr, ok := strings.CutPrefix(key, "type."); ok {
			dataTypes[strings.ToUpper(addr)] = DataType(value)
		}
	}

	return &s7Driver{handler: handler, dataTypes: dataTypes}, nil
}

func (d *s7Driver) Connect(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected {
		return nil
	}
	if err := d.handler.Connect(); err != nil {
		return errors.WrapTransport(err, "s7Driver", "Connect", "open transport")
	}
	d.client = gos7.NewClient(d.handler)
	d.connected = true
	return nil
}

func (d *s7Driver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return nil
	}
	d.connected = false
	d.client = nil
	return d.handler.Close()
}

func (d *s7Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// dataTypeFor resolves the configured data type for an address, defaulting
// by access width (S7 data is big-endian on the wire)
func (d *s7Driver) dataTypeFor(addr s7Address, raw string) DataType {
	if dt, ok := d.dataTypes[strings.ToUpper(raw)]; ok {
		return dt
	}
	switch addr.width {
	case 0:
		return DataTypeBool
	case 1, 2:
		return DataTypeUint16
	default:
		return DataTypeUint32
	}
}

func (d *s7Driver) BatchRead(ctx context.Context, addresses []string) (map[string]Value, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil, errors.WrapTransport(errors.ErrNotConnected, "s7Driver", "BatchRead", "check session")
	}

	results := make(map[string]Value, len(addresses))
	for _, raw := range addresses {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		addr, err := parseS7Address(raw)
		if err != nil {
			return nil, errors.WrapConfiguration(err, "s7Driver", "BatchRead", "parse address")
		}

		buf := make([]byte, addr.byteLen())
		if err := d.readArea(addr, buf); err != nil {
			return nil, errors.WrapTransport(err, "s7Driver", "BatchRead", "read "+raw)
		}

		value, err := decodeS7(buf, addr, d.dataTypeFor(addr, raw))
		if err != nil {
			return nil, errors.WrapInvalid(err, "s7Driver", "BatchRead", "decode "+raw)
		}
		results[raw] = value
	}
	return results, nil
}

func (d *s7Driver) readArea(addr s7Address, buf []byte) error {
	if addr.area == "DB" {
		return d.client.AGReadDB(addr.dbNumber, addr.start, len(buf), buf)
	}
	return d.client.AGReadMB(addr.start, len(buf), buf)
}

func (d *s7Driver) writeArea(addr s7Address, buf []byte) error {
	if addr.area == "DB" {
		return d.client.AGWriteDB(addr.dbNumber, addr.start, len(buf), buf)
	}
	return d.client.AGWriteMB(addr.start, len(buf), buf)
}

func (d *s7Driver) Write(ctx context.Context, dataType DataType, address, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return errors.WrapTransport(errors.ErrNotConnected, "s7Driver", "Write", "check session")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	addr, err := parseS7Address(address)
	if err != nil {
		return errors.WrapConfiguration(err, "s7Driver", "Write", "parse address")
	}

	if addr.width == 0 {
		// Bit writes are read-modify-write on the containing byte
		on, err := strconv.ParseBool(value)
		if err != nil {
			return errors.WrapInvalid(err, "s7Driver", "Write", "parse bool value")
		}
		buf := make([]byte, 1)
		if err := d.readArea(addr, buf); err != nil {
			return errors.WrapTransport(err, "s7Driver", "Write", "read byte for bit write")
		}
		if on {
			buf[0] |= 1 << addr.bit
		} else {
			buf[0] &^= 1 << addr.bit
		}
		if err := d.writeArea(addr, buf); err != nil {
			return errors.WrapTransport(err, "s7Driver", "Write", "write byte")
		}
		return nil
	}

	buf, err := encodeS7(dataType, value, addr.width)
	if err != nil {
		return errors.WrapInvalid(err, "s7Driver", "Write", "encode value")
	}
	if err := d.writeArea(addr, buf); err != nil {
		return errors.WrapTransport(err, "s7Driver", "Write", "write area")
	}
	return nil
}

// decodeWidth is the minimum area width a type can be decoded from
func decodeWidth(dt DataType) int {
	switch dt {
	case DataTypeBool, DataTypeUint16:
		return 1
	case DataTypeInt16:
		return 2
	default:
		return 4
	}
}

// decodeS7 turns big-endian area data into a string-encoded value. The
// buffer is as wide as the configured access, which may be narrower than
// the configured type; that mismatch must surface as an error, not a read
// past the buffer.
func decodeS7(buf []byte, addr s7Address, dt DataType) (Value, error) {
	if addr.width == 0 {
		on := buf[0]&(1<<addr.bit) != 0
		return Value{Type: DataTypeBool, Raw: strconv.FormatBool(on)}, nil
	}
	if len(buf) < decodeWidth(dt) {
		return Value{}, fmt.Errorf("data type %q does not fit a %d-byte access", dt, addr.width)
	}

	switch dt {
	case DataTypeBool:
		return Value{Type: dt, Raw: strconv.FormatBool(buf[0] != 0)}, nil
	case DataTypeUint16:
		if addr.width == 1 {
			return Value{Type: dt, Raw: strconv.FormatUint(uint64(buf[0]), 10)}, nil
		}
		return Value{Type: dt, Raw: strconv.FormatUint(uint64(binary.BigEndian.Uint16(buf)), 10)}, nil
	case DataTypeInt16:
		return Value{Type: dt, Raw: strconv.FormatInt(int64(int16(binary.BigEndian.Uint16(buf))), 10)}, nil
	case DataTypeUint32:
		return Value{Type: dt, Raw: strconv.FormatUint(uint64(binary.BigEndian.Uint32(buf)), 10)}, nil
	case DataTypeInt32:
		return Value{Type: dt, Raw: strconv.FormatInt(int64(int32(binary.BigEndian.Uint32(buf))), 10)}, nil
	case DataTypeFloat32:
		f := math.Float32frombits(binary.BigEndian.Uint32(buf))
		return Value{Type: dt, Raw: strconv.FormatFloat(float64(f), 'g', -1, 32)}, nil
	default:
		return Value{}, fmt.Errorf("data type %q does not fit a %d-byte access", dt, addr.width)
	}
}

// encodeS7 turns a string-encoded value into big-endian area data
func encodeS7(dt DataType, value string, width int) ([]byte, error) {
	buf := make([]byte, width)
	switch dt {
	case DataTypeUint16, DataTypeInt16:
		i, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return nil, err
		}
		switch width {
		case 1:
			buf[0] = byte(i)
		case 2:
			binary.BigEndian.PutUint16(buf, uint16(i))
		default:
			return nil, fmt.Errorf("%q does not fit a %d-byte access", dt, width)
		}
		return buf, nil
	case DataTypeUint32, DataTypeInt32:
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, err
		}
		if width != 4 {
			return nil, fmt.Errorf("%q does not fit a %d-byte access", dt, width)
		}
		binary.BigEndian.PutUint32(buf, uint32(i))
		return buf, nil
	case DataTypeFloat32:
		f, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return nil, err
		}
		if width != 4 {
			return nil, fmt.Errorf("float32 does not fit a %d-byte access", width)
		}
		binary.BigEndian.PutUint32(buf, math.Float32bits(float32(f)))
		return buf, nil
	default:
		return nil, fmt.Errorf("unsupported data type %q", dt)
	}
}
