// Package encoding provides the binary encoding/decoding primitives used to
// serialize entries into diskindex record blocks.
//
// All multi-byte integers are little-endian. Variable-length integers use
// 7-bit groups with MSB continuation.
package encoding

import "encoding/binary"

// MaxVarint32Length is the maximum number of bytes a varint32 can occupy.
const MaxVarint32Length = 5

// MaxVarint64Length is the maximum number of bytes a varint64 can occupy.
const MaxVarint64Length = 10

// EncodeFixed64 encodes a uint64 into an 8-byte little-endian buffer.
func EncodeFixed64(dst []byte, value uint64) {
	binary.LittleEndian.PutUint64(dst, value)
}

// DecodeFixed64 decodes a uint64 from an 8-byte little-endian buffer.
func DecodeFixed64(src []byte) uint64 {
	return binary.LittleEndian.Uint64(src)
}

// AppendFixed32 appends a little-endian uint32 to dst.
func AppendFixed32(dst []byte, value uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, value)
}

// AppendFixed64 appends a little-endian uint64 to dst.
func AppendFixed64(dst []byte, value uint64) []byte {
	return binary.LittleEndian.AppendUint64(dst, value)
}

// AppendVarint32 appends v to dst using the 7-bit varint encoding.
func AppendVarint32(dst []byte, v uint32) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// AppendVarint64 appends v to dst using the 7-bit varint encoding.
func AppendVarint64(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// DecodeVarint32 decodes a varint32 from the front of src.
// Returns the decoded value and the number of bytes consumed (0 on error).
func DecodeVarint32(src []byte) (uint32, int) {
	var v uint32
	for i := 0; i < MaxVarint32Length && i < len(src); i++ {
		b := src[i]
		v |= uint32(b&0x7F) << (7 * i)
		if b < 0x80 {
			return v, i + 1
		}
	}
	return 0, 0
}

// DecodeVarint64 decodes a varint64 from the front of src.
// Returns the decoded value and the number of bytes consumed (0 on error).
func DecodeVarint64(src []byte) (uint64, int) {
	var v uint64
	for i := 0; i < MaxVarint64Length && i < len(src); i++ {
		b := src[i]
		v |= uint64(b&0x7F) << (7 * i)
		if b < 0x80 {
			return v, i + 1
		}
	}
	return 0, 0
}
