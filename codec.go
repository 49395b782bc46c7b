package dogpile

import "github.com/vmihailenco/msgpack/v5"

// wireEnvelope is the single blob a bytes-oriented backend actually
// stores: payload bytes plus metadata, packed together so
// redis/memcached/mongo/file backends need exactly one read and one
// write per key. Metadata's own field names (ct, v) match
// original_source's CachedValue metadata keys.
type wireEnvelope struct {
	Payload  []byte   `msgpack:"p"`
	Metadata Metadata `msgpack:"m"`
}

// EncodeWire packs payload bytes (already produced by the region's
// Serializer) and metadata into the single blob a bytes backend
// stores, msgpack-wrapping them the way a redis/memcached/mongo write
// would bundle value and expiry into one blob.
func EncodeWire(payload []byte, metadata Metadata) ([]byte, error) {
	return msgpack.Marshal(wireEnvelope{Payload: payload, Metadata: metadata})
}

// DecodeWire is EncodeWire's inverse, used by a bytes backend's Get to
// recover the payload bytes (for the region's Deserializer) and
// metadata from the stored blob.
func DecodeWire(raw []byte) (payload []byte, metadata Metadata, err error) {
	var w wireEnvelope
	if uerr := msgpack.Unmarshal(raw, &w); uerr != nil {
		return nil, Metadata{}, ErrCantDeserialize
	}
	return w.Payload, w.Metadata, nil
}

// MsgpackSerializer/MsgpackDeserializer are the default region-level
// Serializer/Deserializer pair: they transform a user payload to/from
// bytes, the only path between in-memory payloads and a backend's byte
// view. Only nil short-circuits (to empty bytes, which the
// Deserializer maps back to nil); strings and []byte are msgpack
// encoded like everything else, because the Deserializer has no target
// type from which to tell raw bytes apart from encoded ones.
func MsgpackSerializer(value any) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	b, err := msgpack.Marshal(value)
	if err != nil {
		return nil, ErrCantSerialize
	}
	return b, nil
}

func MsgpackDeserializer(b []byte) (any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var v any
	if err := msgpack.Unmarshal(b, &v); err != nil {
		return nil, ErrCantDeserialize
	}
	return v, nil
}
