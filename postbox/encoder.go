package postbox

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encoder produces buffers in the tagged key-value wire format. It exists for
// re-exporting decoded data and for building fixtures; it is the exact
// inverse of Decoder.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an empty encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Bytes returns the encoded buffer.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

func (e *Encoder) writeKey(key string, tag Tag) {
	if len(key) > 0xff {
		panic(fmt.Sprintf("postbox: key %q longer than 255 bytes", key))
	}
	e.buf = append(e.buf, byte(len(key)))
	e.buf = append(e.buf, key...)
	e.buf = append(e.buf, byte(tag))
}

func (e *Encoder) writeInt32(v int32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(v))
}

func (e *Encoder) writeInt64(v int64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, uint64(v))
}

func (e *Encoder) writeBytes(data []byte) {
	e.writeInt32(int32(len(data)))
	e.buf = append(e.buf, data...)
}

func (e *Encoder) writeString(s string) {
	e.writeInt32(int32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *Encoder) PutInt32(key string, v int32) {
	e.writeKey(key, TagInt32)
	e.writeInt32(v)
}

func (e *Encoder) PutInt64(key string, v int64) {
	e.writeKey(key, TagInt64)
	e.writeInt64(v)
}

func (e *Encoder) PutBool(key string, v bool) {
	e.writeKey(key, TagBool)
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

func (e *Encoder) PutDouble(key string, v float64) {
	e.writeKey(key, TagDouble)
	e.writeInt64(int64(math.Float64bits(v)))
}

func (e *Encoder) PutString(key, v string) {
	e.writeKey(key, TagString)
	e.writeString(v)
}

// PutObject writes a nested object with the given type-hash whose payload is
// produced by build.
func (e *Encoder) PutObject(key string, typeHash int32, build func(*Encoder)) {
	e.writeKey(key, TagObject)
	e.writeObject(typeHash, build)
}

func (e *Encoder) writeObject(typeHash int32, build func(*Encoder)) {
	nested := NewEncoder()
	build(nested)
	e.writeInt32(typeHash)
	e.writeBytes(nested.Bytes())
}

func (e *Encoder) PutInt32Array(key string, vs []int32) {
	e.writeKey(key, TagInt32Array)
	e.writeInt32(int32(len(vs)))
	for _, v := range vs {
		e.writeInt32(v)
	}
}

func (e *Encoder) PutInt64Array(key string, vs []int64) {
	e.writeKey(key, TagInt64Array)
	e.writeInt32(int32(len(vs)))
	for _, v := range vs {
		e.writeInt64(v)
	}
}

// ObjectSpec describes one nested object for array/dictionary writers.
type ObjectSpec struct {
	TypeHash int32
	Build    func(*Encoder)
}

func (e *Encoder) PutObjectArray(key string, objs []ObjectSpec) {
	e.writeKey(key, TagObjectArray)
	e.writeInt32(int32(len(objs)))
	for _, o := range objs {
		e.writeObject(o.TypeHash, o.Build)
	}
}

// PutObjectDictionary writes pairs of objects; pairs are laid out
// positionally, key object first.
func (e *Encoder) PutObjectDictionary(key string, pairs [][2]ObjectSpec) {
	e.writeKey(key, TagObjectDictionary)
	e.writeInt32(int32(len(pairs)))
	for _, p := range pairs {
		e.writeObject(p[0].TypeHash, p[0].Build)
		e.writeObject(p[1].TypeHash, p[1].Build)
	}
}

func (e *Encoder) PutBytes(key string, data []byte) {
	e.writeKey(key, TagBytes)
	e.writeBytes(data)
}

func (e *Encoder) PutNil(key string) {
	e.writeKey(key, TagNil)
}

func (e *Encoder) PutStringArray(key string, vs []string) {
	e.writeKey(key, TagStringArray)
	e.writeInt32(int32(len(vs)))
	for _, v := range vs {
		e.writeString(v)
	}
}

func (e *Encoder) PutBytesArray(key string, vs [][]byte) {
	e.writeKey(key, TagBytesArray)
	e.writeInt32(int32(len(vs)))
	for _, v := range vs {
		e.writeBytes(v)
	}
}

// EncodeRootObject wraps a single object under the conventional root key "_",
// the layout record values use.
func EncodeRootObject(typeHash int32, build func(*Encoder)) []byte {
	e := NewEncoder()
	e.PutObject("_", typeHash, build)
	return e.Bytes()
}
