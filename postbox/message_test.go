package postbox

import (
	"encoding/binary"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// envelope builds message-table values byte by byte, mirroring the wire
// layout the decoder expects.
type envelope struct {
	buf []byte
}

func (b *envelope) u8(v byte)     { b.buf = append(b.buf, v) }
func (b *envelope) i32(v int32)   { b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(v)) }
func (b *envelope) i64(v int64)   { b.buf = binary.LittleEndian.AppendUint64(b.buf, uint64(v)) }
func (b *envelope) blob(v []byte) { b.i32(int32(len(v))); b.buf = append(b.buf, v...) }
func (b *envelope) str(v string)  { b.blob([]byte(v)) }
func (b *envelope) header(dataFlags byte, stableID, stableVer int32) {
	b.u8(0)
	b.i32(stableID)
	b.i32(stableVer)
	b.u8(dataFlags)
}

func mediaObjectWithRepresentations() []byte {
	return EncodeRootObject(HashName("TelegramMediaImage"), func(e *Encoder) {
		e.PutObjectArray("r", []ObjectSpec{
			{TypeHash: 1, Build: func(rep *Encoder) {
				rep.PutObject("r", 2, func(res *Encoder) {
					res.PutInt32("d", 2)
					res.PutInt64("i", 555)
					res.PutString("s", "w")
				})
			}},
			{TypeHash: 1, Build: func(rep *Encoder) {
				rep.PutObject("r", 2, func(res *Encoder) {
					res.PutInt32("d", 2)
					res.PutInt64("i", 556)
				})
			}},
		})
	})
}

func TestDecodeMessageFull(t *testing.T) {
	var b envelope
	b.header(dataFlagGloballyUniqueID|dataFlagGroupingKey|dataFlagThreadID, 10, 2)
	b.i64(987654321)              // globallyUniqueId
	b.i64(41)                     // groupingKey
	b.i64(777)                    // threadId
	b.i32(int32(MsgFlagIncoming)) // flags
	b.i32(int32(TagPhoto))        // tags

	// forward info: authorId and date always, then sourceId + signature.
	b.u8(fwdFlagSourceID | fwdFlagSignature)
	b.i64(555111)
	b.i32(1600000000)
	b.i64(-100123)
	b.str("signed")

	b.u8(1) // has author
	b.i64(42)
	b.str("hello world")

	attr := EncodeRootObject(HashName("TextEntitiesMessageAttribute"), func(e *Encoder) {
		e.PutInt32Array("t", []int32{1})
	})
	b.i32(2) // attributes: one valid, one corrupt
	b.blob(attr)
	b.blob([]byte{0xff, 0x01})

	b.i32(1) // embedded media
	b.blob(mediaObjectWithRepresentations())

	b.i32(1) // referenced media
	b.i32(7)
	b.i64(99)

	msg, err := DecodeMessage(b.buf, nil)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.NoError(t, msg.DecodeError)

	assert.EqualValues(t, 10, msg.StableID)
	assert.EqualValues(t, 2, msg.StableVersion)
	require.NotNil(t, msg.GloballyUniqueID)
	assert.EqualValues(t, 987654321, *msg.GloballyUniqueID)
	require.NotNil(t, msg.GroupingKey)
	assert.EqualValues(t, 41, *msg.GroupingKey)
	require.NotNil(t, msg.ThreadID)
	assert.EqualValues(t, 777, *msg.ThreadID)
	assert.Nil(t, msg.GlobalTags)
	assert.Nil(t, msg.LocalTags)
	assert.Nil(t, msg.GroupInfoStableID)

	assert.Equal(t, []string{"Incoming"}, msg.Flags.Names())
	assert.Equal(t, []string{"Photo"}, msg.Tags.Names())
	assert.True(t, msg.Incoming())

	require.NotNil(t, msg.ForwardInfo)
	assert.EqualValues(t, 555111, msg.ForwardInfo.AuthorID)
	assert.EqualValues(t, 1600000000, msg.ForwardInfo.Date)
	require.NotNil(t, msg.ForwardInfo.SourceID)
	assert.EqualValues(t, -100123, *msg.ForwardInfo.SourceID)
	require.NotNil(t, msg.ForwardInfo.Signature)
	assert.Equal(t, "signed", *msg.ForwardInfo.Signature)
	assert.Nil(t, msg.ForwardInfo.PsaType)
	assert.Nil(t, msg.ForwardInfo.SourceMessagePeerID)
	assert.Nil(t, msg.ForwardInfo.ExtraFlags)

	require.NotNil(t, msg.AuthorID)
	assert.EqualValues(t, 42, *msg.AuthorID)
	assert.Equal(t, "hello world", msg.Text)

	require.Len(t, msg.Attributes, 2)
	typed, ok := msg.Attributes[0].(*GenericObject)
	require.True(t, ok)
	assert.Equal(t, HashName("TextEntitiesMessageAttribute"), typed.TypeHash)
	raw, ok := msg.Attributes[1].(*RawObject)
	require.True(t, ok)
	assert.Equal(t, []byte{0xff, 0x01}, raw.Data)

	require.Len(t, msg.EmbeddedMedia, 1)
	assert.Equal(t, []string{
		"telegram-cloud-photo-size-2-555-w",
		"telegram-cloud-photo-size-2-556-x",
	}, MediaIdentifiers(msg.EmbeddedMedia[0]))

	require.Len(t, msg.ReferencedMedia, 1)
	assert.Equal(t, ReferencedMediaID{Namespace: 7, ID: 99}, msg.ReferencedMedia[0])
	assert.Equal(t, "telegram-cloud-document-7-99", msg.ReferencedMedia[0].Identifier())
}

// The end-to-end shape from the recovery scenario: only ThreadId gated in,
// Incoming set, one undecodable attribute, one embedded media object.
func TestDecodeMessageDegradedAttribute(t *testing.T) {
	var b envelope
	b.header(dataFlagThreadID, 1, 1)
	b.i64(4242) // threadId
	b.i32(int32(MsgFlagIncoming))
	b.i32(0)
	b.u8(0) // no forward info
	b.u8(0) // no author
	b.str("text")
	b.i32(1)
	b.blob([]byte{0xfe}) // attribute that cannot decode
	b.i32(1)
	b.blob(EncodeRootObject(HashName("TelegramMediaImage"), func(e *Encoder) {
		e.PutObjectArray("r", []ObjectSpec{{TypeHash: 1, Build: func(rep *Encoder) {
			rep.PutObject("r", 2, func(res *Encoder) {
				res.PutInt32("d", 4)
				res.PutInt64("i", 1000)
			})
		}}})
	}))
	b.i32(0)

	msg, err := DecodeMessage(b.buf, nil)
	require.NoError(t, err)
	require.NoError(t, msg.DecodeError)

	require.NotNil(t, msg.ThreadID)
	assert.EqualValues(t, 4242, *msg.ThreadID)
	assert.Equal(t, []string{"Incoming"}, msg.Flags.Names())
	require.Len(t, msg.Attributes, 1)
	_, isRaw := msg.Attributes[0].(*RawObject)
	assert.True(t, isRaw)
	require.Len(t, msg.EmbeddedMedia, 1)
	assert.Equal(t, []string{"telegram-cloud-photo-size-4-1000-x"}, MediaIdentifiers(msg.EmbeddedMedia[0]))
	assert.Equal(t, []string{"telegram-cloud-photo-size-4-1000-x"}, MessageMediaIdentifiers(msg))
}

func TestDecodeMessageUnsupportedType(t *testing.T) {
	msg, err := DecodeMessage([]byte{3, 1, 2, 3}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedRecordType)
	assert.Nil(t, msg)
}

func TestDecodeMessageTruncatedBecomesErrorRecord(t *testing.T) {
	var b envelope
	b.header(dataFlagGloballyUniqueID, 1, 1)
	// globallyUniqueId gated in but missing entirely.

	msg, err := DecodeMessage(b.buf, nil)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.ErrorIs(t, msg.DecodeError, ErrTruncatedInput)
	assert.NotEmpty(t, msg.RawPrefix)
}

// Corrupt counts inside a record must degrade it to an error placeholder
// without ballooning memory first.
func TestDecodeMessageHugeDeclaredCounts(t *testing.T) {
	base := func() envelope {
		var b envelope
		b.header(0, 1, 1)
		b.i32(0)
		b.i32(0)
		b.u8(0) // no forward info
		b.u8(0) // no author
		b.str("x")
		return b
	}

	cases := []struct {
		name  string
		build func() []byte
	}{
		{"attribute blobs", func() []byte {
			b := base()
			b.i32(1 << 26)
			return b.buf
		}},
		{"embedded media blobs", func() []byte {
			b := base()
			b.i32(0)
			b.i32(1 << 26)
			return b.buf
		}},
		{"referenced media", func() []byte {
			b := base()
			b.i32(0)
			b.i32(0)
			b.i32(1 << 26)
			return b.buf
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := tc.build()

			var before, after runtime.MemStats
			runtime.GC()
			runtime.ReadMemStats(&before)
			msg, err := DecodeMessage(buf, nil)
			runtime.ReadMemStats(&after)

			require.NoError(t, err)
			require.NotNil(t, msg)
			assert.ErrorIs(t, msg.DecodeError, ErrTruncatedInput)
			assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(1<<20))
		})
	}
}

func TestStreamKeepsRecordCount(t *testing.T) {
	valid := func() []byte {
		var b envelope
		b.header(0, 1, 1)
		b.i32(0)
		b.i32(0)
		b.u8(0)
		b.u8(0)
		b.str("ok")
		b.i32(0)
		b.i32(0)
		b.i32(0)
		return b.buf
	}()
	invalid := []byte{9, 0xaa, 0xbb}

	inputs := [][]byte{valid, invalid, valid, invalid, valid}
	var out []*Message
	var typed, placeholders int
	for _, in := range inputs {
		msg, err := DecodeMessage(in, nil)
		if err != nil {
			msg = ErrorRecord(in, err)
		}
		if msg.DecodeError == nil {
			typed++
		} else {
			placeholders++
		}
		out = append(out, msg)
	}
	assert.Len(t, out, len(inputs))
	assert.Equal(t, 3, typed)
	assert.Equal(t, 2, placeholders)
}

func TestMessageIndexRoundTrip(t *testing.T) {
	idx := MessageIndex{PeerID: 126459430, Namespace: 0, Timestamp: 1610000000, ID: 8213}
	decoded, err := DecodeMessageIndex(idx.Encode())
	require.NoError(t, err)
	assert.Equal(t, idx, decoded)

	_, err = DecodeMessageIndex([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrTruncatedInput)
}

func TestDecodePeer(t *testing.T) {
	buf := EncodeRootObject(HashName("TelegramUser"), func(e *Encoder) {
		e.PutString("fn", "Ada")
		e.PutString("ln", "Lovelace")
		e.PutString("un", "ada")
		e.PutString("ph", "+100")
	})
	peer, err := DecodePeer(7, buf)
	require.NoError(t, err)
	assert.Equal(t, &Peer{ID: 7, FirstName: "Ada", LastName: "Lovelace", Username: "ada", Phone: "+100"}, peer)
	assert.Equal(t, "Ada Lovelace", peer.DisplayName())
	assert.True(t, peer.Matches("love"))
	assert.False(t, peer.Matches("grace"))
}
