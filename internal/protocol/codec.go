package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
)

// FieldType names the wire representation of a schema field.
type FieldType string

const (
	TypeBool     FieldType = "bool"
	TypeU8       FieldType = "u8"
	TypeU16      FieldType = "u16"
	TypeI32      FieldType = "i32"
	TypeI64      FieldType = "i64"
	TypeF32      FieldType = "f32"
	TypeVarint   FieldType = "varint"   // zigzag, 32-bit range
	TypeVarlong  FieldType = "varlong"  // zigzag, 64-bit range
	TypeUvarint  FieldType = "uvarint"  // unsigned, 32-bit range
	TypeUvarlong FieldType = "uvarlong" // unsigned, 64-bit range
	TypeString   FieldType = "string"
	TypeBytes    FieldType = "bytes"
	TypeRest     FieldType = "rest" // every remaining byte, last field only
)

// Field is one named field of a packet schema.
type Field struct {
	Name string
	Type FieldType
}

// PacketDef describes one packet: its wire id, name and ordered fields.
type PacketDef struct {
	ID     uint32
	Name   string
	Fields []Field
}

// SchemaCodec is a table-driven Codec. A packet body is the uvarint packet id
// followed by each schema field in order.
type SchemaCodec struct {
	version int
	byID    map[uint32]*PacketDef
	byName  map[string]*PacketDef
}

// NewSchemaCodec builds a codec from packet definitions. Duplicate ids or
// names and misplaced rest fields are rejected.
func NewSchemaCodec(version int, defs []PacketDef) (*SchemaCodec, error) {
	c := &SchemaCodec{
		version: version,
		byID:    make(map[uint32]*PacketDef, len(defs)),
		byName:  make(map[string]*PacketDef, len(defs)),
	}

	for i := range defs {
		def := &defs[i]
		if def.Name == "" {
			return nil, fmt.Errorf("packet 0x%x has no name", def.ID)
		}
		if _, dup := c.byID[def.ID]; dup {
			return nil, fmt.Errorf("duplicate packet id 0x%x (%s)", def.ID, def.Name)
		}
		if _, dup := c.byName[def.Name]; dup {
			return nil, fmt.Errorf("duplicate packet name %s", def.Name)
		}
		for j, f := range def.Fields {
			if f.Type == TypeRest && j != len(def.Fields)-1 {
				return nil, fmt.Errorf("packet %s: rest field %s must be last", def.Name, f.Name)
			}
		}
		c.byID[def.ID] = def
		c.byName[def.Name] = def
	}

	return c, nil
}

// Version returns the protocol version this codec handles.
func (c *SchemaCodec) Version() int {
	return c.version
}

// Lookup returns the definition of a packet by name.
func (c *SchemaCodec) Lookup(name string) (PacketDef, bool) {
	def, ok := c.byName[name]
	if !ok {
		return PacketDef{}, false
	}
	return *def, true
}

// Decode parses a packet body. Trailing bytes after the last field are an error.
func (c *SchemaCodec) Decode(raw []byte) (Packet, error) {
	r := NewPacketReader(raw)

	id, err := r.ReadUvarint()
	if err != nil {
		return Packet{}, fmt.Errorf("failed to read packet id: %w", err)
	}

	def, ok := c.byID[uint32(id)]
	if !ok {
		return Packet{}, fmt.Errorf("%w: id 0x%x", ErrUnknownPacket, id)
	}

	params := make(Params, len(def.Fields))
	for _, f := range def.Fields {
		v, err := decodeField(r, f.Type)
		if err != nil {
			return Packet{}, fmt.Errorf("failed to decode %s.%s: %w", def.Name, f.Name, err)
		}
		params[f.Name] = v
	}

	if r.Remaining() > 0 {
		return Packet{}, fmt.Errorf("packet %s: %d trailing bytes", def.Name, r.Remaining())
	}

	return Packet{Name: def.Name, Params: params}, nil
}

func decodeField(r *PacketReader, t FieldType) (any, error) {
	switch t {
	case TypeBool:
		return r.ReadBool()
	case TypeU8:
		v, err := r.ReadUint8()
		return int64(v), err
	case TypeU16:
		v, err := r.ReadUint16()
		return int64(v), err
	case TypeI32:
		v, err := r.ReadInt32()
		return int64(v), err
	case TypeI64:
		return r.ReadInt64()
	case TypeF32:
		v, err := r.ReadFloat32()
		return float64(v), err
	case TypeVarint, TypeVarlong:
		return r.ReadVarint()
	case TypeUvarint, TypeUvarlong:
		v, err := r.ReadUvarint()
		return int64(v), err
	case TypeString:
		return r.ReadString()
	case TypeBytes:
		return r.ReadByteSlice()
	case TypeRest:
		return r.ReadRest(), nil
	default:
		return nil, fmt.Errorf("unknown field type %q", t)
	}
}

// Encode builds a packet body from params. Numeric fields accept any Go
// integer or float type and json.Number; byte fields accept []byte or a
// base64 string, so params restored from JSON encode unchanged.
func (c *SchemaCodec) Encode(name string, params Params) ([]byte, error) {
	def, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPacket, name)
	}

	b := NewPacketBuilder()
	b.WriteUvarint(uint64(def.ID))

	for _, f := range def.Fields {
		v, ok := params[f.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrMissingField, name, f.Name)
		}
		if err := encodeField(b, f.Type, v); err != nil {
			return nil, fmt.Errorf("failed to encode %s.%s: %w", name, f.Name, err)
		}
	}

	return b.Build(), nil
}

func encodeField(b *PacketBuilder, t FieldType, v any) error {
	switch t {
	case TypeBool:
		bv, ok := v.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", v)
		}
		b.WriteBool(bv)
	case TypeF32:
		f, err := toFloat(v)
		if err != nil {
			return err
		}
		b.WriteFloat32(float32(f))
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		b.WriteString(s)
	case TypeBytes, TypeRest:
		data, err := toBytes(v)
		if err != nil {
			return err
		}
		if t == TypeBytes {
			b.WriteByteSlice(data)
		} else {
			b.WriteBytes(data)
		}
	default:
		n, err := toInt(v)
		if err != nil {
			return err
		}
		return encodeInt(b, t, n)
	}
	return nil
}

func encodeInt(b *PacketBuilder, t FieldType, n int64) error {
	switch t {
	case TypeU8:
		if n < 0 || n > math.MaxUint8 {
			return fmt.Errorf("value %d out of range for u8", n)
		}
		b.WriteUint8(uint8(n))
	case TypeU16:
		if n < 0 || n > math.MaxUint16 {
			return fmt.Errorf("value %d out of range for u16", n)
		}
		b.WriteUint16(uint16(n))
	case TypeI32:
		if n < math.MinInt32 || n > math.MaxInt32 {
			return fmt.Errorf("value %d out of range for i32", n)
		}
		b.WriteInt32(int32(n))
	case TypeI64:
		b.WriteInt64(n)
	case TypeVarint:
		if n < math.MinInt32 || n > math.MaxInt32 {
			return fmt.Errorf("value %d out of range for varint", n)
		}
		b.WriteVarint(n)
	case TypeVarlong:
		b.WriteVarint(n)
	case TypeUvarint:
		if n < 0 || n > math.MaxUint32 {
			return fmt.Errorf("value %d out of range for uvarint", n)
		}
		b.WriteUvarint(uint64(n))
	case TypeUvarlong:
		b.WriteUvarint(uint64(n))
	default:
		return fmt.Errorf("unknown field type %q", t)
	}
	return nil
}

func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", n.String())
		}
		return floatToInt(f)
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func floatToInt(f float64) (int64, error) {
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("expected integer, got %v", f)
	}
	return int64(f), nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", n.String())
		}
		return f, nil
	default:
		i, err := toInt(v)
		if err != nil {
			return 0, fmt.Errorf("expected float, got %T", v)
		}
		return float64(i), nil
	}
}

func toBytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		data, err := base64.StdEncoding.DecodeString(b)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 byte field: %w", err)
		}
		return data, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("expected bytes, got %T", v)
	}
}

// Registry maps protocol versions to codecs.
type Registry struct {
	mu     sync.RWMutex
	codecs map[int]Codec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[int]Codec)}
}

// Register adds or replaces the codec for its version.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c.Version()] = c
}

// Lookup returns the codec for version.
func (r *Registry) Lookup(version int) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.codecs[version]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	return c, nil
}

// Versions lists the registered versions in ascending order.
func (r *Registry) Versions() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := make([]int, 0, len(r.codecs))
	for v := range r.codecs {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions
}
