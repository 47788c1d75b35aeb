package db

import (
	"moor/types"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"
)

func uint64ForFloat(f float64) uint64  { return math.Float64bits(f) }
func floatForUint64(u uint64) float64 { return math.Float64frombits(u) }

// valuecodec encodes/decodes types.Value for the write-ahead log. It is a
// tagged binary format in the same spirit as the v17 textdump encoding in
// writer.go/reader.go, rather than reflection-based (gob/json): the Var
// universe's concrete types keep their fields unexported, so a reflective
// encoder can't see them, and the WAL has no need for textdump's exact
// on-wire layout, only for something this process can read back.
const (
	vcInt byte = iota
	vcFloat
	vcStr
	vcErr
	vcObj
	vcObjUUID
	vcObjAnon
	vcList
	vcMap
	vcBool
	vcSym
	vcBinary
	vcFlyweight
)

func encodeValue(v types.Value, buf *[]byte) error {
	switch val := v.(type) {
	case types.IntValue:
		*buf = append(*buf, vcInt)
		appendInt64(buf, val.Val)
	case types.FloatValue:
		*buf = append(*buf, vcFloat)
		appendUint64(buf, uint64ForFloat(val.Val))
	case types.StrValue:
		*buf = append(*buf, vcStr)
		appendString(buf, val.Value())
	case types.ErrValue:
		*buf = append(*buf, vcErr)
		appendInt64(buf, int64(val.Code()))
	case types.ObjValue:
		if u, isUUID := val.UUID(); isUUID {
			*buf = append(*buf, vcObjUUID)
			b, _ := u.MarshalBinary()
			*buf = append(*buf, b...)
		} else if val.IsAnonymous() {
			*buf = append(*buf, vcObjAnon)
			appendInt64(buf, int64(val.ID()))
		} else {
			*buf = append(*buf, vcObj)
			appendInt64(buf, int64(val.ID()))
		}
	case types.ListValue:
		*buf = append(*buf, vcList)
		elems := val.Elements()
		appendInt64(buf, int64(len(elems)))
		for _, e := range elems {
			if err := encodeValue(e, buf); err != nil {
				return err
			}
		}
	case types.MapValue:
		*buf = append(*buf, vcMap)
		pairs := val.Pairs()
		appendInt64(buf, int64(len(pairs)))
		for _, p := range pairs {
			if err := encodeValue(p[0], buf); err != nil {
				return err
			}
			if err := encodeValue(p[1], buf); err != nil {
				return err
			}
		}
	case types.BoolValue:
		*buf = append(*buf, vcBool)
		if val.Truthy() {
			*buf = append(*buf, 1)
		} else {
			*buf = append(*buf, 0)
		}
	case types.SymValue:
		*buf = append(*buf, vcSym)
		appendString(buf, val.Name())
	case types.BinaryValue:
		*buf = append(*buf, vcBinary)
		appendInt64(buf, int64(val.Len()))
		*buf = append(*buf, val.Bytes()...)
	case types.FlyweightValue:
		*buf = append(*buf, vcFlyweight)
		if err := encodeValue(val.Parent(), buf); err != nil {
			return err
		}
		names := val.SlotNames()
		appendInt64(buf, int64(len(names)))
		for _, n := range names {
			appendString(buf, n)
			sv, _ := val.Slot(n)
			if err := encodeValue(sv, buf); err != nil {
				return err
			}
		}
		payload := val.Payload()
		appendInt64(buf, int64(len(payload)))
		for _, p := range payload {
			if err := encodeValue(p, buf); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("valuecodec: unsupported value type %T for WAL encoding", v)
	}
	return nil
}

type valueDecoder struct {
	b   []byte
	pos int
}

func decodeValue(b []byte, pos int) (types.Value, int, error) {
	d := &valueDecoder{b: b, pos: pos}
	v, err := d.decode()
	return v, d.pos, err
}

func (d *valueDecoder) decode() (types.Value, error) {
	if d.pos >= len(d.b) {
		return nil, fmt.Errorf("valuecodec: truncated stream")
	}
	tag := d.b[d.pos]
	d.pos++
	switch tag {
	case vcInt:
		return types.NewInt(d.readInt64()), nil
	case vcFloat:
		return types.NewFloat(floatForUint64(d.readUint64())), nil
	case vcStr:
		return types.NewStr(d.readString()), nil
	case vcErr:
		return types.NewErr(types.ErrorCode(d.readInt64())), nil
	case vcObj:
		return types.NewObj(types.ObjID(d.readInt64())), nil
	case vcObjAnon:
		return types.NewAnon(types.ObjID(d.readInt64())), nil
	case vcObjUUID:
		var raw [16]byte
		copy(raw[:], d.b[d.pos:d.pos+16])
		d.pos += 16
		u, err := uuid.FromBytes(raw[:])
		if err != nil {
			return nil, err
		}
		return types.NewUUIDObj(u), nil
	case vcList:
		n := int(d.readInt64())
		elems := make([]types.Value, n)
		for i := 0; i < n; i++ {
			v, err := d.decode()
			if err != nil {
				return nil, err
			}
			elems[i] = v
		}
		return types.NewList(elems), nil
	case vcMap:
		n := int(d.readInt64())
		pairs := make([][2]types.Value, n)
		for i := 0; i < n; i++ {
			k, err := d.decode()
			if err != nil {
				return nil, err
			}
			v, err := d.decode()
			if err != nil {
				return nil, err
			}
			pairs[i] = [2]types.Value{k, v}
		}
		return types.NewMap(pairs), nil
	case vcBool:
		b := d.b[d.pos]
		d.pos++
		return types.NewBool(b != 0), nil
	case vcSym:
		return types.NewSym(d.readString()), nil
	case vcBinary:
		n := int(d.readInt64())
		data := append([]byte{}, d.b[d.pos:d.pos+n]...)
		d.pos += n
		return types.NewBinary(data), nil
	case vcFlyweight:
		parent, err := d.decode()
		if err != nil {
			return nil, err
		}
		nslots := int(d.readInt64())
		slots := make(map[string]types.Value, nslots)
		order := make([]string, nslots)
		for i := 0; i < nslots; i++ {
			name := d.readString()
			v, err := d.decode()
			if err != nil {
				return nil, err
			}
			slots[name] = v
			order[i] = name
		}
		npayload := int(d.readInt64())
		payload := make([]types.Value, npayload)
		for i := 0; i < npayload; i++ {
			v, err := d.decode()
			if err != nil {
				return nil, err
			}
			payload[i] = v
		}
		return types.NewFlyweight(parent.(types.ObjValue), slots, order, payload), nil
	default:
		return nil, fmt.Errorf("valuecodec: unknown type tag %d", tag)
	}
}

func (d *valueDecoder) readInt64() int64 {
	v := int64(binary.BigEndian.Uint64(d.b[d.pos:]))
	d.pos += 8
	return v
}

func (d *valueDecoder) readUint64() uint64 {
	v := binary.BigEndian.Uint64(d.b[d.pos:])
	d.pos += 8
	return v
}

func (d *valueDecoder) readString() string {
	n := int(d.readInt64())
	s := string(d.b[d.pos : d.pos+n])
	d.pos += n
	return s
}

func appendInt64(buf *[]byte, v int64) {
	appendUint64(buf, uint64(v))
}

func appendUint64(buf *[]byte, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	*buf = append(*buf, tmp[:]...)
}

func appendString(buf *[]byte, s string) {
	appendInt64(buf, int64(len(s)))
	*buf = append(*buf, s...)
}
