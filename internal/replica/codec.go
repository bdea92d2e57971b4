package replica

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/rifthaven/server/internal/schema"
)

// Wire format is protobuf-compatible: ordinary tagged fields for every dirty
// member, then a reserved trailing varint field (number = highest declared
// field + 1) carrying the change mask. Scalars that changed to their zero
// value are omitted from the body but keep their mask bit, so the receiver
// learns "changed, and the new value is the default" at zero payload cost.
//
// Keyed collections encode as repeated length-delimited entries of
// {1: key, 2: encoded sub-message}. A removed entry's sub-message body is
// just a trailing mask equal to MaskTombstone.
//
// Output is byte-deterministic: fields ascend by number, entries ascend by
// key, preserved unknown fields come after declared ones, the mask last.

// Encode serializes the fields of v selected by mask. A panic during
// traversal (schema misuse) is returned as an error so one bad instance
// never aborts a whole commit pass.
func Encode(v *Value, mask uint64) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, fmt.Errorf("encode %s: %v", v.desc.Name, r)
		}
	}()
	return appendValue(nil, v, mask), nil
}

func appendValue(b []byte, v *Value, mask uint64) []byte {
	wireMask := uint64(0)
	for i := range v.desc.Fields {
		f := &v.desc.Fields[i]
		bit := FieldBit(f.Number)
		if mask&bit == 0 {
			continue
		}
		num := protowire.Number(f.Number)
		switch f.Kind {
		case schema.KindMessage:
			// An untouched nil sub-message with the bit set means "reset to
			// empty"; the bit alone carries that.
			wireMask |= bit
			if sub := v.msg[i]; sub != nil {
				b = protowire.AppendTag(b, num, protowire.BytesType)
				b = protowire.AppendBytes(b, appendValue(nil, sub, sub.mask))
			}
		case schema.KindMap:
			emitted := false
			for _, k := range v.sortedKeys(i) {
				e := v.kv[i][k]
				if e.mask == 0 {
					continue
				}
				b = protowire.AppendTag(b, num, protowire.BytesType)
				b = protowire.AppendBytes(b, appendEntry(nil, f, k, e))
				emitted = true
			}
			// A bare bit means "clear the collection". Emit it when the
			// collection is empty; drop it when live entries exist but none
			// are dirty (an add reverted inside the window), so the
			// receiver's mirror is not wiped.
			if emitted || len(v.kv[i]) == 0 {
				wireMask |= bit
			}
		default:
			wireMask |= bit
			if v.scalarZero(i, f.Kind) {
				continue
			}
			b = appendScalar(b, num, f.Kind, v, i)
		}
	}
	b = append(b, v.unknown...)
	b = protowire.AppendTag(b, protowire.Number(v.desc.MaskFieldNumber()), protowire.VarintType)
	b = protowire.AppendVarint(b, wireMask)
	return b
}

func appendEntry(b []byte, f *schema.Field, k Key, e *Value) []byte {
	if f.KeyKind == schema.KindString {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, k.S)
	} else {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, k.U)
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	if isRemoved(e.mask) {
		b = protowire.AppendBytes(b, appendTombstone(nil, f.Msg))
	} else {
		b = protowire.AppendBytes(b, appendValue(nil, e, e.mask))
	}
	return b
}

// appendTombstone writes a sub-message body holding only the reserved
// removed-marker mask.
func appendTombstone(b []byte, m *schema.Message) []byte {
	b = protowire.AppendTag(b, protowire.Number(m.MaskFieldNumber()), protowire.VarintType)
	b = protowire.AppendVarint(b, MaskTombstone)
	return b
}

func appendScalar(b []byte, num protowire.Number, k schema.Kind, v *Value, i int) []byte {
	switch k {
	case schema.KindBool, schema.KindU32, schema.KindU64:
		b = protowire.AppendTag(b, num, protowire.VarintType)
		b = protowire.AppendVarint(b, v.num[i])
	case schema.KindS32:
		b = protowire.AppendTag(b, num, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(int32(v.num[i]))))
	case schema.KindS64:
		b = protowire.AppendTag(b, num, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v.num[i])))
	case schema.KindF32:
		b = protowire.AppendTag(b, num, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, uint32(v.num[i]))
	case schema.KindF64:
		b = protowire.AppendTag(b, num, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, v.num[i])
	case schema.KindString, schema.KindBytes:
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, v.str[i])
	}
	return b
}

// Merge applies an encoded delta onto the mirror v. On success v's mask is
// left clean; a merged mirror has no pending local changes by definition. On
// error v may be partially updated and the caller should resync.
func Merge(v *Value, data []byte) error {
	_, err := merge(v, data)
	return err
}

// merge is the recursive decode pass. It returns the sender's trailing mask
// so collection-entry callers can recognize tombstones.
func merge(v *Value, data []byte) (uint64, error) {
	var (
		acc      uint64 // bits whose values materialized in the body
		sentMask uint64
		doomed   map[int][]Key
		unknown  []byte
	)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return 0, fmt.Errorf("%s: %w", v.desc.Name, ErrMalformed)
		}
		raw := data
		data = data[n:]

		if uint32(num) == v.desc.MaskFieldNumber() {
			if typ != protowire.VarintType {
				return 0, fmt.Errorf("%s mask: %w", v.desc.Name, ErrSchemaMismatch)
			}
			m, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return 0, fmt.Errorf("%s mask: %w", v.desc.Name, ErrMalformed)
			}
			data = data[n:]
			sentMask = m
			continue
		}

		i := v.desc.FieldIndex(uint32(num))
		if i < 0 {
			// Unknown field: keep tag and value opaquely, re-emitted on the
			// next encode of this mirror.
			vn := protowire.ConsumeFieldValue(num, typ, data)
			if vn < 0 {
				return 0, fmt.Errorf("%s field %d: %w", v.desc.Name, num, ErrMalformed)
			}
			unknown = append(unknown, raw[:n+vn]...)
			data = data[vn:]
			continue
		}

		f := &v.desc.Fields[i]
		n, err := mergeField(v, i, f, typ, data, &doomed)
		if err != nil {
			return 0, err
		}
		data = data[n:]
		acc |= FieldBit(f.Number)
	}

	// Bits the sender marked dirty without sending bytes are reverts to the
	// zero value.
	for i := range v.desc.Fields {
		f := &v.desc.Fields[i]
		if sentMask&FieldBit(f.Number) != 0 && acc&FieldBit(f.Number) == 0 {
			v.clearField(f.Number)
		}
	}
	for slot, keys := range doomed {
		for _, k := range keys {
			delete(v.kv[slot], k)
		}
	}
	// A pass that carries unknown fields replaces the remembered set, so
	// re-merging the same buffer cannot duplicate them.
	if unknown != nil {
		v.unknown = unknown
	}
	v.mask = 0
	return sentMask, nil
}

func mergeField(v *Value, i int, f *schema.Field, typ protowire.Type, data []byte, doomed *map[int][]Key) (int, error) {
	mismatch := func() (int, error) {
		return 0, fmt.Errorf("%s.%s: %w", v.desc.Name, f.Name, ErrSchemaMismatch)
	}
	malformed := func() (int, error) {
		return 0, fmt.Errorf("%s.%s: %w", v.desc.Name, f.Name, ErrMalformed)
	}

	switch f.Kind {
	case schema.KindBool, schema.KindU32, schema.KindU64:
		if typ != protowire.VarintType {
			return mismatch()
		}
		x, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return malformed()
		}
		if f.Kind == schema.KindU32 {
			x = uint64(uint32(x))
		}
		v.num[i] = x
		return n, nil
	case schema.KindS32, schema.KindS64:
		if typ != protowire.VarintType {
			return mismatch()
		}
		x, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return malformed()
		}
		s := protowire.DecodeZigZag(x)
		if f.Kind == schema.KindS32 {
			v.num[i] = uint64(uint32(int32(s)))
		} else {
			v.num[i] = uint64(s)
		}
		return n, nil
	case schema.KindF32:
		if typ != protowire.Fixed32Type {
			return mismatch()
		}
		x, n := protowire.ConsumeFixed32(data)
		if n < 0 {
			return malformed()
		}
		v.num[i] = uint64(x)
		return n, nil
	case schema.KindF64:
		if typ != protowire.Fixed64Type {
			return mismatch()
		}
		x, n := protowire.ConsumeFixed64(data)
		if n < 0 {
			return malformed()
		}
		v.num[i] = x
		return n, nil
	case schema.KindString, schema.KindBytes:
		if typ != protowire.BytesType {
			return mismatch()
		}
		s, n := protowire.ConsumeString(data)
		if n < 0 {
			return malformed()
		}
		v.str[i] = s
		return n, nil
	case schema.KindMessage:
		if typ != protowire.BytesType {
			return mismatch()
		}
		body, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return malformed()
		}
		if v.msg[i] == nil {
			v.msg[i] = New(f.Msg)
		}
		if _, err := merge(v.msg[i], body); err != nil {
			return 0, err
		}
		return n, nil
	case schema.KindMap:
		if typ != protowire.BytesType {
			return mismatch()
		}
		body, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return malformed()
		}
		key, val, err := splitEntry(f, body)
		if err != nil {
			return 0, fmt.Errorf("%s.%s: %w", v.desc.Name, f.Name, err)
		}
		if v.kv[i] == nil {
			v.kv[i] = make(map[Key]*Value)
		}
		e := v.kv[i][key]
		if e == nil {
			e = New(f.Msg)
			v.kv[i][key] = e
		}
		entryMask, err := merge(e, val)
		if err != nil {
			return 0, err
		}
		if entryMask == MaskTombstone {
			// Deletions are deferred to the end of the pass so a later field
			// occurrence cannot resurrect a half-cleared entry.
			if *doomed == nil {
				*doomed = make(map[int][]Key)
			}
			(*doomed)[i] = append((*doomed)[i], key)
		}
		return n, nil
	}
	return mismatch()
}

// splitEntry parses one collection-entry body into its key and the encoded
// sub-message bytes.
func splitEntry(f *schema.Field, body []byte) (Key, []byte, error) {
	var (
		key    Key
		val    []byte
		hasVal bool
	)
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return Key{}, nil, ErrMalformed
		}
		body = body[n:]
		switch num {
		case 1:
			if f.KeyKind == schema.KindString {
				if typ != protowire.BytesType {
					return Key{}, nil, ErrSchemaMismatch
				}
				s, n := protowire.ConsumeString(body)
				if n < 0 {
					return Key{}, nil, ErrMalformed
				}
				key = KeyString(s)
				body = body[n:]
			} else {
				if typ != protowire.VarintType {
					return Key{}, nil, ErrSchemaMismatch
				}
				u, n := protowire.ConsumeVarint(body)
				if n < 0 {
					return Key{}, nil, ErrMalformed
				}
				key = KeyU64(u)
				body = body[n:]
			}
		case 2:
			if typ != protowire.BytesType {
				return Key{}, nil, ErrSchemaMismatch
			}
			b, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return Key{}, nil, ErrMalformed
			}
			val = b
			hasVal = true
			body = body[n:]
		default:
			return Key{}, nil, ErrSchemaMismatch
		}
	}
	if !hasVal {
		return Key{}, nil, ErrMalformed
	}
	return key, val, nil
}
