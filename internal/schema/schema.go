package schema

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

// MaxFieldNumber is the highest usable field number. Masks are 64-bit and the
// two top bits are reserved for collection-entry state, so field numbers stop
// well short of that.
const MaxFieldNumber = 56

// Kind identifies a field's wire representation.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindU32
	KindU64
	KindS32
	KindS64
	KindF32
	KindF64
	KindString
	KindBytes
	KindMessage // nested sub-message
	KindMap     // keyed collection: stable key → sub-message
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindU32:
		return "u32"
	case KindU64:
		return "u64"
	case KindS32:
		return "s32"
	case KindS64:
		return "s64"
	case KindF32:
		return "f32"
	case KindF64:
		return "f64"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindMessage:
		return "message"
	case KindMap:
		return "map"
	}
	return "invalid"
}

// Direction is a bit set of replication targets a field participates in.
type Direction uint8

const (
	DirNet Direction = 1 << iota // replicated to connected peers
	DirDB                        // included in persisted snapshots
	DirAll = DirNet | DirDB
)

// Field describes one numbered field of a message.
type Field struct {
	Name    string
	Number  uint32
	Kind    Kind
	KeyKind Kind     // map fields only: KindU64 or KindString
	Msg     *Message // message and map fields: the sub-message schema
	Dirs    Direction
}

// Message is a fixed schema of numbered fields. Field numbering starts at 1;
// field 0 is never used.
type Message struct {
	Name      string
	Fields    []Field // ascending by Number
	byNumber  map[uint32]*Field
	byName    map[string]*Field
	idxByNum  map[uint32]int
	maxNumber uint32
}

// MaskFieldNumber is the reserved trailing field carrying the mask integer,
// one greater than the schema's highest declared field.
func (m *Message) MaskFieldNumber() uint32 { return m.maxNumber + 1 }

func (m *Message) FieldByNumber(n uint32) *Field  { return m.byNumber[n] }
func (m *Message) FieldByName(name string) *Field { return m.byName[name] }

// FieldIndex returns the positional slot of field number n, or -1.
func (m *Message) FieldIndex(n uint32) int {
	if i, ok := m.idxByNum[n]; ok {
		return i
	}
	return -1
}

// FullMask returns the mask with every declared field bit set.
func (m *Message) FullMask() uint64 {
	var mask uint64
	for i := range m.Fields {
		mask |= 1 << m.Fields[i].Number
	}
	return mask
}

// DirMask returns the mask of fields participating in direction d.
func (m *Message) DirMask(d Direction) uint64 {
	var mask uint64
	for i := range m.Fields {
		if m.Fields[i].Dirs&d != 0 {
			mask |= 1 << m.Fields[i].Number
		}
	}
	return mask
}

// index rebuilds the lookup tables. Called once after construction.
func (m *Message) index() {
	m.byNumber = make(map[uint32]*Field, len(m.Fields))
	m.byName = make(map[string]*Field, len(m.Fields))
	m.idxByNum = make(map[uint32]int, len(m.Fields))
	m.maxNumber = 0
	for i := range m.Fields {
		f := &m.Fields[i]
		m.byNumber[f.Number] = f
		m.byName[f.Name] = f
		m.idxByNum[f.Number] = i
		if f.Number > m.maxNumber {
			m.maxNumber = f.Number
		}
	}
}

// Component is a top-level replicated message with a derived type identifier.
type Component struct {
	Message
	TypeID         uint32
	SpawnOnConnect bool // attached to the entity created for a new connection
}

// TypeID derives a component type identifier from its name: the first four
// bytes of the MD5 digest, big-endian.
func TypeID(name string) uint32 {
	sum := md5.Sum([]byte(name))
	return binary.BigEndian.Uint32(sum[:4])
}

// Set is the full schema set loaded at startup.
type Set struct {
	components []*Component
	byName     map[string]*Component
	byID       map[uint32]*Component
}

func (s *Set) Components() []*Component      { return s.components }
func (s *Set) ByName(name string) *Component { return s.byName[name] }
func (s *Set) ByID(id uint32) *Component     { return s.byID[id] }
func (s *Set) Len() int                      { return len(s.components) }

func newSet() *Set {
	return &Set{
		byName: make(map[string]*Component),
		byID:   make(map[uint32]*Component),
	}
}

func (s *Set) add(c *Component) error {
	if _, dup := s.byName[c.Name]; dup {
		return fmt.Errorf("duplicate component %q", c.Name)
	}
	if prev, dup := s.byID[c.TypeID]; dup {
		return fmt.Errorf("type id collision between %q and %q", c.Name, prev.Name)
	}
	s.components = append(s.components, c)
	s.byName[c.Name] = c
	s.byID[c.TypeID] = c
	return nil
}
