package buffer

import (
	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"
)

// MetaKind discriminates the typed scalars a Buffer's metadata map can
// hold.
type MetaKind uint8

const (
	MetaString MetaKind = iota
	MetaInt
	MetaFloat
)

// MetaValue is a typed scalar attached to a buffer under a short key (e.g.
// "channels"), copied along with the buffer on request.
type MetaValue struct {
	Kind MetaKind
	Str  string
	Int  int64
	Flt  float64
}

func StringMeta(s string) MetaValue  { return MetaValue{Kind: MetaString, Str: s} }
func IntMeta(i int64) MetaValue      { return MetaValue{Kind: MetaInt, Int: i} }
func FloatMeta(f float64) MetaValue  { return MetaValue{Kind: MetaFloat, Flt: f} }

// SetMetadata attaches or overwrites a typed scalar under key.
func (b *Buffer) SetMetadata(key string, v MetaValue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.meta[key] = v
}

// GetMetadata returns the value under key and whether it was present.
func (b *Buffer) GetMetadata(key string) (MetaValue, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.meta[key]
	return v, ok
}

// CopyMetadata copies every entry of src's metadata map onto dst,
// overwriting any keys they share.
func CopyMetadata(src, dst *Buffer) {
	src.mu.Lock()
	snapshot := make(map[string]MetaValue, len(src.meta))
	for k, v := range src.meta {
		snapshot[k] = v
	}
	src.mu.Unlock()

	dst.mu.Lock()
	defer dst.mu.Unlock()
	for k, v := range snapshot {
		dst.meta[k] = v
	}
}

// EncodeMetadata serializes a buffer's metadata map to the append-style
// msgp wire format. The remote SEND_INPUTS payload
// (remote.EncodeSendInputs) does not include it, so metadata is not
// shipped to peers.
func EncodeMetadata(meta map[string]MetaValue) []byte {
	out := msgp.AppendMapHeader(nil, uint32(len(meta)))
	for k, v := range meta {
		out = msgp.AppendString(out, k)
		out = msgp.AppendUint8(out, uint8(v.Kind))
		switch v.Kind {
		case MetaString:
			out = msgp.AppendString(out, v.Str)
		case MetaInt:
			out = msgp.AppendInt64(out, v.Int)
		case MetaFloat:
			out = msgp.AppendFloat64(out, v.Flt)
		}
	}
	return out
}

// DecodeMetadata reads back a map produced by EncodeMetadata.
func DecodeMetadata(b []byte) (map[string]MetaValue, error) {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return nil, errors.Wrap(err, "buffer: decode metadata header")
	}
	out := make(map[string]MetaValue, n)
	for i := uint32(0); i < n; i++ {
		var key string
		key, b, err = msgp.ReadStringBytes(b)
		if err != nil {
			return nil, errors.Wrap(err, "buffer: decode metadata key")
		}
		var kind uint8
		kind, b, err = msgp.ReadUint8Bytes(b)
		if err != nil {
			return nil, errors.Wrap(err, "buffer: decode metadata kind")
		}
		v := MetaValue{Kind: MetaKind(kind)}
		switch v.Kind {
		case MetaString:
			v.Str, b, err = msgp.ReadStringBytes(b)
		case MetaInt:
			v.Int, b, err = msgp.ReadInt64Bytes(b)
		case MetaFloat:
			v.Flt, b, err = msgp.ReadFloat64Bytes(b)
		default:
			err = errors.Errorf("buffer: unknown metadata kind %d", kind)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "buffer: decode metadata value for key %q", key)
		}
		out[key] = v
	}
	return out, nil
}
