package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"push-rpc/message"
	"slices"
)

var ErrShortBuffer = errors.New("BinaryCodec: buffer too short")

// BinaryCodec writes envelope metadata as big-endian length-prefixed fields.
// It only understands []message.Meta; invocation values go through ValueCodec.
//
//	count uint32
//	repeated count times:
//	  kindLen uint16 | kind | labelCount uint16 |
//	  (keyLen uint16 | key | valLen uint16 | val) * labelCount |
//	  size uint32 | createdAt int64
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	metas, ok := v.([]message.Meta)
	if !ok {
		if p, isPtr := v.(*[]message.Meta); isPtr && p != nil {
			metas = *p
		} else {
			return nil, errors.New("BinaryCodec: v must be []message.Meta")
		}
	}

	// Calculate the length of the block
	total := 4
	for _, m := range metas {
		if len(m.Kind) > 0xFFFF || len(m.Labels) > 0xFFFF {
			return nil, fmt.Errorf("BinaryCodec: message %q too large", m.Kind)
		}
		total += 2 + len(m.Kind) + 2 + 4 + 8
		for k, val := range m.Labels {
			if len(k) > 0xFFFF || len(val) > 0xFFFF {
				return nil, fmt.Errorf("BinaryCodec: label %q too large", k)
			}
			total += 2 + len(k) + 2 + len(val)
		}
	}
	buf := make([]byte, total)

	offset := 0
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(metas)))
	offset += 4

	for _, m := range metas {
		offset = putString(buf, offset, m.Kind)

		binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(m.Labels)))
		offset += 2
		// Sorted keys keep the encoding deterministic
		for _, k := range sortedKeys(m.Labels) {
			offset = putString(buf, offset, k)
			offset = putString(buf, offset, m.Labels[k])
		}

		binary.BigEndian.PutUint32(buf[offset:offset+4], m.Size)
		offset += 4
		binary.BigEndian.PutUint64(buf[offset:offset+8], uint64(m.CreatedAt))
		offset += 8
	}
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	out, ok := v.(*[]message.Meta)
	if !ok {
		return errors.New("BinaryCodec: v must be *[]message.Meta")
	}

	r := reader{data: data}
	count, err := r.uint32()
	if err != nil {
		return err
	}
	// Each entry needs at least 16 bytes, so a huge count on a tiny buffer
	// is rejected before allocating.
	if uint64(count)*16 > uint64(len(data)) {
		return ErrShortBuffer
	}

	metas := make([]message.Meta, 0, count)
	for i := uint32(0); i < count; i++ {
		var m message.Meta
		if m.Kind, err = r.string(); err != nil {
			return err
		}
		labelCount, err := r.uint16()
		if err != nil {
			return err
		}
		if labelCount > 0 {
			m.Labels = make(map[string]string, labelCount)
		}
		for j := uint16(0); j < labelCount; j++ {
			k, err := r.string()
			if err != nil {
				return err
			}
			val, err := r.string()
			if err != nil {
				return err
			}
			m.Labels[k] = val
		}
		if m.Size, err = r.uint32(); err != nil {
			return err
		}
		created, err := r.uint64()
		if err != nil {
			return err
		}
		m.CreatedAt = int64(created)
		metas = append(metas, m)
	}
	if r.offset != len(data) {
		return fmt.Errorf("BinaryCodec: %d trailing bytes", len(data)-r.offset)
	}

	*out = metas
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}

func putString(buf []byte, offset int, s string) int {
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(s)))
	offset += 2
	copy(buf[offset:offset+len(s)], s)
	return offset + len(s)
}

type reader struct {
	data   []byte
	offset int
}

func (r *reader) take(n int) ([]byte, error) {
	if r.offset+n > len(r.data) {
		return nil, ErrShortBuffer
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b, nil
}

func (r *reader) uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *reader) string() (string, error) {
	n, err := r.uint16()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
