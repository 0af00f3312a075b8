package exhash

import (
	"encoding/binary"

	"hashdb/common"

	"github.com/pkg/errors"
)

// KeySerializer converts keys to and from the fixed-size byte form stored in
// bucket pages. Two keys are equal iff their serialized bytes are equal; the
// hash function also runs over the serialized form.
type KeySerializer interface {
	Serialize(key any) ([]byte, error)
	Deserialize(data []byte) (any, error)
	Size() int
}

// ValueSerializer is the value counterpart of KeySerializer. Values compare
// by serialized bytes as well, which is what makes (key, value) duplicate
// detection and exact-pair removal work.
type ValueSerializer interface {
	Serialize(val any) ([]byte, error)
	Deserialize(data []byte) (any, error)
	Size() int
}

type Uint64KeySerializer struct{}

func (s *Uint64KeySerializer) Serialize(key any) ([]byte, error) {
	k, ok := key.(uint64)
	if !ok {
		return nil, errors.Errorf("expected uint64 key, got %T", key)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, k)
	return buf, nil
}

func (s *Uint64KeySerializer) Deserialize(data []byte) (any, error) {
	return binary.BigEndian.Uint64(data), nil
}

func (s *Uint64KeySerializer) Size() int {
	return 8
}

// StringKeySerializer stores keys as fixed-length, zero-padded strings.
// Longer keys are rejected rather than truncated.
type StringKeySerializer struct {
	Len int
}

func (s *StringKeySerializer) Serialize(key any) ([]byte, error) {
	k, ok := key.(string)
	if !ok {
		return nil, errors.Errorf("expected string key, got %T", key)
	}
	if len(k) > s.Len {
		return nil, errors.Errorf("key is %d bytes, serializer fits %d", len(k), s.Len)
	}
	buf := make([]byte, s.Len)
	copy(buf, k)
	return buf, nil
}

func (s *StringKeySerializer) Deserialize(data []byte) (any, error) {
	end := len(data)
	for end > 0 && data[end-1] == 0 {
		end--
	}
	return string(data[:end]), nil
}

func (s *StringKeySerializer) Size() int {
	return s.Len
}

// RIDValueSerializer stores record identifiers, the usual payload of an index.
type RIDValueSerializer struct{}

func (s *RIDValueSerializer) Serialize(val any) ([]byte, error) {
	rid, ok := val.(common.RID)
	if !ok {
		return nil, errors.Errorf("expected RID value, got %T", val)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf, uint32(rid.PageID))
	binary.BigEndian.PutUint32(buf[4:], rid.SlotID)
	return buf, nil
}

func (s *RIDValueSerializer) Deserialize(data []byte) (any, error) {
	return common.RID{
		PageID: common.PageID(binary.BigEndian.Uint32(data)),
		SlotID: binary.BigEndian.Uint32(data[4:]),
	}, nil
}

func (s *RIDValueSerializer) Size() int {
	return 8
}

type Uint64ValueSerializer struct{}

func (s *Uint64ValueSerializer) Serialize(val any) ([]byte, error) {
	v, ok := val.(uint64)
	if !ok {
		return nil, errors.Errorf("expected uint64 value, got %T", val)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf, nil
}

func (s *Uint64ValueSerializer) Deserialize(data []byte) (any, error) {
	return binary.BigEndian.Uint64(data), nil
}

func (s *Uint64ValueSerializer) Size() int {
	return 8
}
