package diskindex

import (
	"fmt"

	"github.com/aalhour/tierkv/entry"
	"github.com/aalhour/tierkv/internal/encoding"
)

// encodeRecord serializes r in the TagDiskEntry wire shape: a type tag, the
// key, seqno/kind, the value-or-ref, and the delta chain. Mirrors an
// internal-key-plus-value block entry layout, widened to carry the
// reference-delta chain this engine's records support.
func encodeRecord(dst []byte, r *entry.Record) []byte {
	dst = encoding.AppendFixed32(dst, entry.TagDiskEntry)
	dst = encoding.AppendVarint32(dst, uint32(len(r.Key)))
	dst = append(dst, r.Key...)
	dst = encoding.AppendVarint64(dst, uint64(r.Seqno))
	dst = append(dst, byte(r.Kind))
	dst = encodeValueOrRef(dst, r)
	dst = encoding.AppendVarint32(dst, uint32(len(r.Deltas)))
	for _, d := range r.Deltas {
		dst = encodeDelta(dst, d)
	}
	return dst
}

func encodeValueOrRef(dst []byte, r *entry.Record) []byte {
	if r.Kind == entry.ValueReference {
		dst = encoding.AppendFixed64(dst, r.Ref.FileID)
		dst = encoding.AppendFixed64(dst, r.Ref.Fpos)
		return dst
	}
	dst = encoding.AppendVarint32(dst, uint32(len(r.Value)))
	return append(dst, r.Value...)
}

func encodeDelta(dst []byte, d entry.Delta) []byte {
	dst = encoding.AppendVarint64(dst, uint64(d.Seqno))
	dst = append(dst, byte(d.Kind))
	if d.Kind == entry.DeltaReference {
		dst = encoding.AppendFixed64(dst, d.Ref.FileID)
		dst = encoding.AppendFixed64(dst, d.Ref.Fpos)
		return dst
	}
	dst = encoding.AppendVarint32(dst, uint32(len(d.Value)))
	return append(dst, d.Value...)
}

// decodeRecord parses one encodeRecord frame from the front of src,
// returning the record and the number of bytes consumed.
func decodeRecord(src []byte) (*entry.Record, int, error) {
	orig := src
	if len(src) < 4 {
		return nil, 0, fmt.Errorf("diskindex: truncated record tag")
	}
	tag := uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16 | uint32(src[3])<<24
	if tag != entry.TagDiskEntry {
		return nil, 0, fmt.Errorf("diskindex: bad record tag %#x", tag)
	}
	src = src[4:]

	klen, n := encoding.DecodeVarint32(src)
	if n == 0 || len(src) < n+int(klen) {
		return nil, 0, fmt.Errorf("diskindex: truncated key")
	}
	src = src[n:]
	key := append([]byte(nil), src[:klen]...)
	src = src[klen:]

	seqno, n := encoding.DecodeVarint64(src)
	if n == 0 {
		return nil, 0, fmt.Errorf("diskindex: truncated seqno")
	}
	src = src[n:]

	if len(src) < 1 {
		return nil, 0, fmt.Errorf("diskindex: truncated kind")
	}
	kind := entry.ValueKind(src[0])
	src = src[1:]

	r := &entry.Record{Key: key, Seqno: entry.SequenceNumber(seqno), Kind: kind}
	var err error
	src, err = decodeValueOrRef(src, r)
	if err != nil {
		return nil, 0, err
	}

	ndeltas, n := encoding.DecodeVarint32(src)
	if n == 0 {
		return nil, 0, fmt.Errorf("diskindex: truncated delta count")
	}
	src = src[n:]
	for range int(ndeltas) {
		var d entry.Delta
		d, src, err = decodeDelta(src)
		if err != nil {
			return nil, 0, err
		}
		r.Deltas = append(r.Deltas, d)
	}

	return r, len(orig) - len(src), nil
}

func decodeValueOrRef(src []byte, r *entry.Record) ([]byte, error) {
	if r.Kind == entry.ValueReference {
		if len(src) < 16 {
			return nil, fmt.Errorf("diskindex: truncated ref")
		}
		r.Ref.FileID = encoding.DecodeFixed64(src[0:8])
		r.Ref.Fpos = encoding.DecodeFixed64(src[8:16])
		return src[16:], nil
	}
	vlen, n := encoding.DecodeVarint32(src)
	if n == 0 || len(src) < n+int(vlen) {
		return nil, fmt.Errorf("diskindex: truncated value")
	}
	src = src[n:]
	r.Value = append([]byte(nil), src[:vlen]...)
	return src[vlen:], nil
}

func decodeDelta(src []byte) (entry.Delta, []byte, error) {
	var d entry.Delta
	seqno, n := encoding.DecodeVarint64(src)
	if n == 0 {
		return d, nil, fmt.Errorf("diskindex: truncated delta seqno")
	}
	src = src[n:]
	if len(src) < 1 {
		return d, nil, fmt.Errorf("diskindex: truncated delta kind")
	}
	d.Seqno = entry.SequenceNumber(seqno)
	d.Kind = entry.DeltaKind(src[0])
	src = src[1:]
	if d.Kind == entry.DeltaReference {
		if len(src) < 16 {
			return d, nil, fmt.Errorf("diskindex: truncated delta ref")
		}
		d.Ref.FileID = encoding.DecodeFixed64(src[0:8])
		d.Ref.Fpos = encoding.DecodeFixed64(src[8:16])
		return d, src[16:], nil
	}
	vlen, n := encoding.DecodeVarint32(src)
	if n == 0 || len(src) < n+int(vlen) {
		return d, nil, fmt.Errorf("diskindex: truncated delta value")
	}
	src = src[n:]
	d.Value = append([]byte(nil), src[:vlen]...)
	return d, src[vlen:], nil
}
