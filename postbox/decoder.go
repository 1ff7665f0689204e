package postbox

import (
	"encoding/binary"
	"fmt"
	"iter"
	"math"
)

// Decoder walks a tagged key-value buffer. Scalars are little-endian; keys
// have a 1-byte length prefix, everything else a 4-byte one. A Decoder holds
// no state besides the cursor, so decoding the same buffer twice yields
// identical results.
type Decoder struct {
	data     []byte
	pos      int
	registry *Registry
}

// NewDecoder wraps data with a decoder that decodes unknown object schemas
// generically.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// NewDecoderWithRegistry wraps data with a decoder that dispatches object
// payloads through the given registry before falling back to generic
// decoding. The registry is inherited by nested object decoders.
func NewDecoderWithRegistry(data []byte, registry *Registry) *Decoder {
	return &Decoder{data: data, registry: registry}
}

func (d *Decoder) checkEOS(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: %d at position %d", ErrInvalidLength, n, d.pos)
	}
	if d.pos+n > len(d.data) {
		return fmt.Errorf("%w: need %d bytes at position %d, have %d", ErrTruncatedInput, n, d.pos, len(d.data)-d.pos)
	}
	return nil
}

func (d *Decoder) readByte() (byte, error) {
	if err := d.checkEOS(1); err != nil {
		return 0, err
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *Decoder) readInt32() (int32, error) {
	if err := d.checkEOS(4); err != nil {
		return 0, err
	}
	v := int32(binary.LittleEndian.Uint32(d.data[d.pos:]))
	d.pos += 4
	return v, nil
}

func (d *Decoder) readInt64() (int64, error) {
	if err := d.checkEOS(8); err != nil {
		return 0, err
	}
	v := int64(binary.LittleEndian.Uint64(d.data[d.pos:]))
	d.pos += 8
	return v, nil
}

func (d *Decoder) readDouble() (float64, error) {
	if err := d.checkEOS(8); err != nil {
		return 0, err
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(d.data[d.pos:]))
	d.pos += 8
	return v, nil
}

func (d *Decoder) readRaw(n int) ([]byte, error) {
	if err := d.checkEOS(n); err != nil {
		return nil, err
	}
	out := d.data[d.pos : d.pos+n]
	d.pos += n
	return out, nil
}

// readBytes reads a 4-byte length prefix followed by that many bytes.
func (d *Decoder) readBytes() ([]byte, error) {
	n, err := d.readInt32()
	if err != nil {
		return nil, err
	}
	return d.readRaw(int(n))
}

func (d *Decoder) readString() (string, error) {
	data, err := d.readBytes()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// readShortString reads a key: 1-byte length prefix, max 255 bytes.
func (d *Decoder) readShortString() (string, error) {
	n, err := d.readByte()
	if err != nil {
		return "", err
	}
	data, err := d.readRaw(int(n))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Entries iterates the buffer's entries lazily in wire order, starting from
// the beginning regardless of previous iteration, so the sequence is
// restartable. A decode failure yields one final (Entry{}, err) pair and
// stops. Keys are not guaranteed unique.
func (d *Decoder) Entries() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		d.pos = 0
		for d.pos < len(d.data) {
			entry, err := d.readEntry()
			if err != nil {
				yield(Entry{}, err)
				return
			}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

// DecodeAll decodes the whole buffer into its entries in wire order.
// Repeated calls are equivalent.
func (d *Decoder) DecodeAll() ([]Entry, error) {
	var entries []Entry
	for entry, err := range d.Entries() {
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// DecodeObjectForKey scans for the first entry with the given key holding an
// object. Returns (nil, false) when the key is absent or explicitly nil;
// decode errors anywhere before the match still propagate.
func (d *Decoder) DecodeObjectForKey(key string) (Object, bool, error) {
	for entry, err := range d.Entries() {
		if err != nil {
			return nil, false, err
		}
		if entry.Key != key {
			continue
		}
		switch entry.Tag {
		case TagObject:
			return entry.Value.(Object), true, nil
		case TagNil:
			return nil, false, nil
		}
	}
	return nil, false, nil
}

// DecodeRootObject decodes the object stored under the conventional root
// key "_". Record values in the datastore are single root objects.
func (d *Decoder) DecodeRootObject() (Object, bool, error) {
	return d.DecodeObjectForKey("_")
}

func (d *Decoder) readEntry() (Entry, error) {
	key, err := d.readShortString()
	if err != nil {
		return Entry{}, err
	}
	tag, value, err := d.readValue()
	if err != nil {
		return Entry{}, err
	}
	return Entry{Key: key, Tag: tag, Value: value}, nil
}

func (d *Decoder) readValue() (Tag, any, error) {
	tagByte, err := d.readByte()
	if err != nil {
		return 0, nil, err
	}
	tag := Tag(tagByte)
	if tag > maxTag {
		return 0, nil, fmt.Errorf("%w: %d at position %d", ErrUnknownTag, tagByte, d.pos-1)
	}
	var value any
	switch tag {
	case TagInt32:
		value, err = d.readInt32()
	case TagInt64:
		value, err = d.readInt64()
	case TagBool:
		var b byte
		b, err = d.readByte()
		value = b != 0
	case TagDouble:
		value, err = d.readDouble()
	case TagString:
		value, err = d.readString()
	case TagObject:
		value, err = d.readObject()
	case TagInt32Array:
		value, err = readArray(d, 4, (*Decoder).readInt32)
	case TagInt64Array:
		value, err = readArray(d, 8, (*Decoder).readInt64)
	case TagObjectArray:
		value, err = readArray(d, minObjectSize, (*Decoder).readObject)
	case TagObjectDictionary:
		value, err = readArray(d, 2*minObjectSize, (*Decoder).readDictEntry)
	case TagBytes:
		value, err = d.readBytes()
	case TagNil:
		value = nil
	case TagStringArray:
		value, err = readArray(d, 4, (*Decoder).readString)
	case TagBytesArray:
		value, err = readArray(d, 4, (*Decoder).readBytes)
	}
	if err != nil {
		return 0, nil, err
	}
	return tag, value, nil
}

// minObjectSize is the smallest wire size of a nested object: a 4-byte
// type-hash plus a 4-byte payload length.
const minObjectSize = 8

// readArray reads a count-prefixed sequence. The declared count is bounded
// by what the remaining bytes could possibly hold at minElemSize bytes per
// element, so a corrupt count fails like any other truncation instead of
// driving a huge allocation.
func readArray[T any](d *Decoder, minElemSize int, read func(*Decoder) (T, error)) ([]T, error) {
	count, err := d.readInt32()
	if err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, fmt.Errorf("%w: element count %d at position %d", ErrInvalidLength, count, d.pos-4)
	}
	if remaining := len(d.data) - d.pos; int(count) > remaining/minElemSize {
		return nil, fmt.Errorf("%w: %d elements declared at position %d, %d bytes left", ErrTruncatedInput, count, d.pos-4, remaining)
	}
	out := make([]T, count)
	for i := range out {
		out[i], err = read(d)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (d *Decoder) readDictEntry() (DictEntry, error) {
	key, err := d.readObject()
	if err != nil {
		return DictEntry{}, err
	}
	value, err := d.readObject()
	if err != nil {
		return DictEntry{}, err
	}
	return DictEntry{Key: key, Value: value}, nil
}

// readObject reads a type-hash and a length-prefixed payload, then decodes
// the payload: via the registry if the hash is known, generically otherwise.
func (d *Decoder) readObject() (Object, error) {
	typeHash, err := d.readInt32()
	if err != nil {
		return nil, err
	}
	payload, err := d.readBytes()
	if err != nil {
		return nil, err
	}
	return decodeObjectPayload(typeHash, payload, d.registry)
}

func decodeObjectPayload(typeHash int32, payload []byte, registry *Registry) (Object, error) {
	if fn, ok := registry.lookup(typeHash); ok {
		return fn(NewDecoderWithRegistry(payload, registry))
	}
	entries, err := NewDecoderWithRegistry(payload, registry).DecodeAll()
	if err != nil {
		return nil, err
	}
	return &GenericObject{TypeHash: typeHash, Entries: entries}, nil
}
