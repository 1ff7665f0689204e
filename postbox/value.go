// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package postbox decodes the self-describing tagged key-value encoding used
// by the Telegram macOS datastore, plus the fixed-layout record schemas built
// on top of it (messages, peers, forward info) and the canonical media
// identifiers derived from decoded records.
package postbox

import (
	"encoding/hex"
	"encoding/json"
)

// Tag identifies the wire type of a value. Every value on the wire is
// preceded by exactly one tag byte.
type Tag byte

const (
	TagInt32 Tag = iota
	TagInt64
	TagBool
	TagDouble
	TagString
	TagObject
	TagInt32Array
	TagInt64Array
	TagObjectArray
	TagObjectDictionary
	TagBytes
	TagNil
	TagStringArray
	TagBytesArray

	maxTag = TagBytesArray
)

var tagNames = map[Tag]string{
	TagInt32:            "int32",
	TagInt64:            "int64",
	TagBool:             "bool",
	TagDouble:           "double",
	TagString:           "string",
	TagObject:           "object",
	TagInt32Array:       "int32[]",
	TagInt64Array:       "int64[]",
	TagObjectArray:      "object[]",
	TagObjectDictionary: "dict",
	TagBytes:            "bytes",
	TagNil:              "nil",
	TagStringArray:      "string[]",
	TagBytesArray:       "bytes[]",
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return "invalid"
}

// Entry is one (key, tagged value) pair of a decoded buffer. The Go type of
// Value depends on Tag: int32, int64, bool, float64, string, Object,
// []int32, []int64, []Object, []DictEntry, []byte, nil, []string or [][]byte.
type Entry struct {
	Key   string
	Tag   Tag
	Value any
}

// DictEntry is one pair of an object dictionary. Both sides are full objects
// on the wire, never scalars.
type DictEntry struct {
	Key   Object
	Value Object
}

// Object is a decoded type-tagged nested object. Concrete types are
// *GenericObject (no schema decoder registered for the hash), *RawObject
// (payload kept undecoded after a per-item decode failure) and whatever a
// registered schema decoder returns.
type Object interface {
	ObjectTypeHash() int32
}

// GenericObject is the schema-agnostic decoding of an object payload: its
// entries in wire order plus the raw type-hash, so unknown schemas survive
// round trips instead of being discarded.
type GenericObject struct {
	TypeHash int32
	Entries  []Entry
}

func (o *GenericObject) ObjectTypeHash() int32 { return o.TypeHash }

// Get returns the value of the first entry with the given key, or (nil,
// false) if the key is absent or holds an explicit nil.
func (o *GenericObject) Get(key string) (any, bool) {
	for _, e := range o.Entries {
		if e.Key == key {
			if e.Tag == TagNil {
				return nil, false
			}
			return e.Value, true
		}
	}
	return nil, false
}

// GetString returns the first string value stored under key.
func (o *GenericObject) GetString(key string) (string, bool) {
	v, ok := o.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetInt64 returns the first integer value stored under key, widening int32.
func (o *GenericObject) GetInt64(key string) (int64, bool) {
	v, ok := o.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

// GetObject returns the first nested object stored under key.
func (o *GenericObject) GetObject(key string) (Object, bool) {
	v, ok := o.Get(key)
	if !ok {
		return nil, false
	}
	obj, ok := v.(Object)
	return obj, ok
}

// GetObjectArray returns the first object array stored under key.
func (o *GenericObject) GetObjectArray(key string) ([]Object, bool) {
	v, ok := o.Get(key)
	if !ok {
		return nil, false
	}
	arr, ok := v.([]Object)
	return arr, ok
}

// MarshalJSON renders the entries as a map with an "@type" member carrying
// the raw type-hash. Byte blobs become hex strings.
func (o *GenericObject) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(o.Entries)+1)
	for _, e := range o.Entries {
		out[e.Key] = jsonValue(e)
	}
	out["@type"] = o.TypeHash
	return json.Marshal(out)
}

func jsonValue(e Entry) any {
	switch e.Tag {
	case TagBytes:
		b, _ := e.Value.([]byte)
		if len(b) == 0 {
			return nil
		}
		return hex.EncodeToString(b)
	case TagBytesArray:
		bs, _ := e.Value.([][]byte)
		out := make([]string, len(bs))
		for i, b := range bs {
			out[i] = hex.EncodeToString(b)
		}
		return out
	default:
		return e.Value
	}
}

// RawObject is the degrade-per-item fallback: the bytes of an object that
// failed to decode, kept verbatim for diagnostics.
type RawObject struct {
	TypeHash int32
	Data     []byte
}

func (o *RawObject) ObjectTypeHash() int32 { return o.TypeHash }

func (o *RawObject) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"raw": hex.EncodeToString(o.Data)})
}

// DecodeFunc turns an object payload decoder into a typed value. It receives
// a fresh Decoder positioned at the start of the payload.
type DecodeFunc func(d *Decoder) (Object, error)

// Registry maps schema type-hashes to typed decoders. It is built once and
// passed to Decoders explicitly; there is no package-level registration.
type Registry struct {
	decoders map[int32]DecodeFunc
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[int32]DecodeFunc)}
}

// Register binds a decoder to the type-hash of the declared schema name.
func (r *Registry) Register(name string, fn DecodeFunc) *Registry {
	r.decoders[HashName(name)] = fn
	return r
}

func (r *Registry) lookup(typeHash int32) (DecodeFunc, bool) {
	if r == nil {
		return nil, false
	}
	fn, ok := r.decoders[typeHash]
	return fn, ok
}
