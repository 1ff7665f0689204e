// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package postbox

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// MessageIndex is the decoded form of a message-table key: big-endian
// peer id, namespace, timestamp, message id. Timestamp and id order records
// within a peer+namespace.
type MessageIndex struct {
	PeerID    int64 `json:"peerId"`
	Namespace int32 `json:"namespace"`
	Timestamp int32 `json:"timestamp"`
	ID        int32 `json:"id"`
}

const messageIndexSize = 8 + 4 + 4 + 4

// DecodeMessageIndex parses a message-table key.
func DecodeMessageIndex(key []byte) (MessageIndex, error) {
	if len(key) < messageIndexSize {
		return MessageIndex{}, fmt.Errorf("%w: message index key is %d bytes, need %d", ErrTruncatedInput, len(key), messageIndexSize)
	}
	return MessageIndex{
		PeerID:    int64(binary.BigEndian.Uint64(key[0:8])),
		Namespace: int32(binary.BigEndian.Uint32(key[8:12])),
		Timestamp: int32(binary.BigEndian.Uint32(key[12:16])),
		ID:        int32(binary.BigEndian.Uint32(key[16:20])),
	}, nil
}

// Encode renders the index back into its big-endian key form.
func (idx MessageIndex) Encode() []byte {
	key := make([]byte, messageIndexSize)
	binary.BigEndian.PutUint64(key[0:8], uint64(idx.PeerID))
	binary.BigEndian.PutUint32(key[8:12], uint32(idx.Namespace))
	binary.BigEndian.PutUint32(key[12:16], uint32(idx.Timestamp))
	binary.BigEndian.PutUint32(key[16:20], uint32(idx.ID))
	return key
}

// MessageFlags is the message-flags bitmask of a message record.
type MessageFlags uint32

const (
	MsgFlagUnsent               MessageFlags = 1 << 0
	MsgFlagFailed               MessageFlags = 1 << 1
	MsgFlagIncoming             MessageFlags = 1 << 2
	MsgFlagTopIndexable         MessageFlags = 1 << 4
	MsgFlagSending              MessageFlags = 1 << 5
	MsgFlagCanBeGroupedIntoFeed MessageFlags = 1 << 6
	MsgFlagWasScheduled         MessageFlags = 1 << 7
	MsgFlagCountedAsIncoming    MessageFlags = 1 << 8
)

var messageFlagNames = []struct {
	flag MessageFlags
	name string
}{
	{MsgFlagUnsent, "Unsent"},
	{MsgFlagFailed, "Failed"},
	{MsgFlagIncoming, "Incoming"},
	{MsgFlagTopIndexable, "TopIndexable"},
	{MsgFlagSending, "Sending"},
	{MsgFlagCanBeGroupedIntoFeed, "CanBeGroupedIntoFeed"},
	{MsgFlagWasScheduled, "WasScheduled"},
	{MsgFlagCountedAsIncoming, "CountedAsIncoming"},
}

// Names returns the symbolic names of the set bits, in bit order.
func (f MessageFlags) Names() []string {
	out := make([]string, 0, 4)
	for _, def := range messageFlagNames {
		if f&def.flag != 0 {
			out = append(out, def.name)
		}
	}
	return out
}

// MessageTags is the media/content classification bitmask of a message.
type MessageTags uint32

const (
	TagPhotoOrVideo          MessageTags = 1 << 0
	TagFile                  MessageTags = 1 << 1
	TagMusic                 MessageTags = 1 << 2
	TagWebPage               MessageTags = 1 << 3
	TagVoiceOrInstantVideo   MessageTags = 1 << 4
	TagUnseenPersonalMessage MessageTags = 1 << 5
	TagLiveLocation          MessageTags = 1 << 6
	TagGif                   MessageTags = 1 << 7
	TagPhoto                 MessageTags = 1 << 8
	TagVideo                 MessageTags = 1 << 9
	TagPinned                MessageTags = 1 << 10
)

var messageTagNames = []struct {
	tag  MessageTags
	name string
}{
	{TagPhotoOrVideo, "PhotoOrVideo"},
	{TagFile, "File"},
	{TagMusic, "Music"},
	{TagWebPage, "WebPage"},
	{TagVoiceOrInstantVideo, "VoiceOrInstantVideo"},
	{TagUnseenPersonalMessage, "UnseenPersonalMessage"},
	{TagLiveLocation, "LiveLocation"},
	{TagGif, "Gif"},
	{TagPhoto, "Photo"},
	{TagVideo, "Video"},
	{TagPinned, "Pinned"},
}

// Names returns the symbolic names of the set bits, in bit order.
func (t MessageTags) Names() []string {
	out := make([]string, 0, 4)
	for _, def := range messageTagNames {
		if t&def.tag != 0 {
			out = append(out, def.name)
		}
	}
	return out
}

// Data-flags bits gating optional envelope fields.
const (
	dataFlagGloballyUniqueID = 1 << 0
	dataFlagGlobalTags       = 1 << 1
	dataFlagGroupingKey      = 1 << 2
	dataFlagGroupInfo        = 1 << 3
	dataFlagLocalTags        = 1 << 4
	dataFlagThreadID         = 1 << 5
)

// Forward-info flags bits.
const (
	fwdFlagSourceID      = 1 << 1
	fwdFlagSourceMessage = 1 << 2
	fwdFlagSignature     = 1 << 3
	fwdFlagPsaType       = 1 << 4
	fwdFlagExtraFlags    = 1 << 5
)

// ForwardInfo describes the origin of a forwarded message. AuthorID and Date
// are always present when the block exists; the rest is flag-gated.
type ForwardInfo struct {
	AuthorID               int64   `json:"authorId"`
	Date                   int32   `json:"date"`
	SourceID               *int64  `json:"sourceId,omitempty"`
	SourceMessagePeerID    *int64  `json:"sourceMessagePeerId,omitempty"`
	SourceMessageNamespace *int32  `json:"sourceMessageNamespace,omitempty"`
	SourceMessageID        *int32  `json:"sourceMessageId,omitempty"`
	Signature              *string `json:"signature,omitempty"`
	PsaType                *string `json:"psaType,omitempty"`
	ExtraFlags             *int32  `json:"flags,omitempty"`

	// Author is enrichment attached by the store layer, not wire data.
	Author *Peer `json:"authorInfo,omitempty"`
}

// ReferencedMediaID points at a media record stored outside the message.
type ReferencedMediaID struct {
	Namespace int32 `json:"namespace"`
	ID        int64 `json:"id"`
}

// Message is a decoded message record. When the envelope itself could not be
// decoded, DecodeError is set, RawPrefix carries a hex dump of the leading
// bytes, and the remaining fields are zero; callers can therefore tell a
// degraded record from a valid one by type, not by guessing at field
// presence.
type Message struct {
	StableID      uint32 `json:"stableId"`
	StableVersion uint32 `json:"stableVersion"`

	GloballyUniqueID  *int64  `json:"globallyUniqueId,omitempty"`
	GlobalTags        *uint32 `json:"globalTags,omitempty"`
	GroupingKey       *int64  `json:"groupingKey,omitempty"`
	GroupInfoStableID *uint32 `json:"groupInfoStableId,omitempty"`
	LocalTags         *uint32 `json:"localTags,omitempty"`
	ThreadID          *int64  `json:"threadId,omitempty"`

	Flags MessageFlags `json:"-"`
	Tags  MessageTags  `json:"-"`

	ForwardInfo *ForwardInfo `json:"forwarded,omitempty"`
	AuthorID    *int64       `json:"authorId,omitempty"`
	Text        string       `json:"text"`

	Attributes      []Object            `json:"attributes"`
	EmbeddedMedia   []Object            `json:"embeddedMedia"`
	ReferencedMedia []ReferencedMediaID `json:"referencedMediaIds"`

	DecodeError error  `json:"-"`
	RawPrefix   string `json:"rawHex,omitempty"`
}

// Incoming reports whether the incoming flag is set.
func (m *Message) Incoming() bool {
	return m.Flags&MsgFlagIncoming != 0
}

// MarshalJSON renders flag and tag bitmasks as symbolic name lists alongside
// the raw masks, and a decode error as its message string.
func (m *Message) MarshalJSON() ([]byte, error) {
	type alias Message
	out := struct {
		*alias
		Flags    []string     `json:"flags"`
		Tags     []string     `json:"tags"`
		RawFlags MessageFlags `json:"rawFlags,omitempty"`
		RawTags  MessageTags  `json:"rawTags,omitempty"`
		Error    string       `json:"error,omitempty"`
	}{
		alias:    (*alias)(m),
		Flags:    m.Flags.Names(),
		Tags:     m.Tags.Names(),
		RawFlags: m.Flags,
		RawTags:  m.Tags,
	}
	if m.DecodeError != nil {
		out.Error = m.DecodeError.Error()
	}
	return json.Marshal(out)
}

// errorRecordHexPrefix bounds the diagnostic dump on undecodable records.
const errorRecordHexPrefix = 100

// gatedField pairs a flag bit with the reader for the field it gates.
// Readers run strictly in slice order so the wire field order is enforced in
// one place for every flag-gated layout.
type gatedField struct {
	bit  uint32
	read func() error
}

func readGatedFields(flags uint32, fields []gatedField) error {
	for _, f := range fields {
		if flags&f.bit == 0 {
			continue
		}
		if err := f.read(); err != nil {
			return err
		}
	}
	return nil
}

// DecodeMessage decodes a message-table value. A non-zero record-type
// discriminant returns ErrUnsupportedRecordType and the caller skips the
// record. Any other envelope-level failure is converted into an error
// placeholder Message rather than propagated, so one corrupt record never
// aborts a scan. Per-item failures inside the attribute and embedded-media
// arrays degrade to *RawObject entries individually.
func DecodeMessage(data []byte, registry *Registry) (*Message, error) {
	d := NewDecoderWithRegistry(data, registry)

	recordType, err := d.readByte()
	if err != nil {
		return errorRecord(data, err), nil
	}
	if recordType != 0 {
		return nil, fmt.Errorf("%w: discriminant %d", ErrUnsupportedRecordType, recordType)
	}

	msg, err := decodeMessageEnvelope(d)
	if err != nil {
		return errorRecord(data, err), nil
	}
	return msg, nil
}

// ErrorRecord builds the placeholder a scan emits for a record it could not
// decode, keeping the output count equal to the input count.
func ErrorRecord(data []byte, err error) *Message {
	return errorRecord(data, err)
}

func errorRecord(data []byte, err error) *Message {
	prefix := data
	if len(prefix) > errorRecordHexPrefix {
		prefix = prefix[:errorRecordHexPrefix]
	}
	return &Message{DecodeError: err, RawPrefix: hex.EncodeToString(prefix)}
}

func decodeMessageEnvelope(d *Decoder) (*Message, error) {
	var msg Message

	stableID, err := d.readInt32()
	if err != nil {
		return nil, err
	}
	stableVersion, err := d.readInt32()
	if err != nil {
		return nil, err
	}
	msg.StableID = uint32(stableID)
	msg.StableVersion = uint32(stableVersion)

	dataFlags, err := d.readByte()
	if err != nil {
		return nil, err
	}
	err = readGatedFields(uint32(dataFlags), []gatedField{
		{dataFlagGloballyUniqueID, readInto(d, (*Decoder).readInt64, &msg.GloballyUniqueID)},
		{dataFlagGlobalTags, readIntoUint32(d, &msg.GlobalTags)},
		{dataFlagGroupingKey, readInto(d, (*Decoder).readInt64, &msg.GroupingKey)},
		{dataFlagGroupInfo, readIntoUint32(d, &msg.GroupInfoStableID)},
		{dataFlagLocalTags, readIntoUint32(d, &msg.LocalTags)},
		{dataFlagThreadID, readInto(d, (*Decoder).readInt64, &msg.ThreadID)},
	})
	if err != nil {
		return nil, err
	}

	flags, err := d.readInt32()
	if err != nil {
		return nil, err
	}
	tags, err := d.readInt32()
	if err != nil {
		return nil, err
	}
	msg.Flags = MessageFlags(flags)
	msg.Tags = MessageTags(tags)

	msg.ForwardInfo, err = decodeForwardInfo(d)
	if err != nil {
		return nil, err
	}

	hasAuthor, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if hasAuthor == 1 {
		authorID, err := d.readInt64()
		if err != nil {
			return nil, err
		}
		msg.AuthorID = &authorID
	}

	msg.Text, err = d.readString()
	if err != nil {
		return nil, err
	}

	msg.Attributes, err = decodeObjectBlobs(d)
	if err != nil {
		return nil, err
	}
	msg.EmbeddedMedia, err = decodeObjectBlobs(d)
	if err != nil {
		return nil, err
	}

	msg.ReferencedMedia, err = readArray(d, 12, func(d *Decoder) (ReferencedMediaID, error) {
		ns, err := d.readInt32()
		if err != nil {
			return ReferencedMediaID{}, err
		}
		id, err := d.readInt64()
		if err != nil {
			return ReferencedMediaID{}, err
		}
		return ReferencedMediaID{Namespace: ns, ID: id}, nil
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func decodeForwardInfo(d *Decoder) (*ForwardInfo, error) {
	infoFlags, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if infoFlags == 0 {
		return nil, nil
	}

	var info ForwardInfo
	info.AuthorID, err = d.readInt64()
	if err != nil {
		return nil, err
	}
	info.Date, err = d.readInt32()
	if err != nil {
		return nil, err
	}

	err = readGatedFields(uint32(infoFlags), []gatedField{
		{fwdFlagSourceID, readInto(d, (*Decoder).readInt64, &info.SourceID)},
		{fwdFlagSourceMessage, func() error {
			peerID, err := d.readInt64()
			if err != nil {
				return err
			}
			namespace, err := d.readInt32()
			if err != nil {
				return err
			}
			id, err := d.readInt32()
			if err != nil {
				return err
			}
			info.SourceMessagePeerID = &peerID
			info.SourceMessageNamespace = &namespace
			info.SourceMessageID = &id
			return nil
		}},
		{fwdFlagSignature, readInto(d, (*Decoder).readString, &info.Signature)},
		{fwdFlagPsaType, readInto(d, (*Decoder).readString, &info.PsaType)},
		{fwdFlagExtraFlags, readInto(d, (*Decoder).readInt32, &info.ExtraFlags)},
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func readInto[T any](d *Decoder, read func(*Decoder) (T, error), dst **T) func() error {
	return func() error {
		v, err := read(d)
		if err != nil {
			return err
		}
		*dst = &v
		return nil
	}
}

func readIntoUint32(d *Decoder, dst **uint32) func() error {
	return func() error {
		v, err := d.readInt32()
		if err != nil {
			return err
		}
		u := uint32(v)
		*dst = &u
		return nil
	}
}

// decodeObjectBlobs reads a count-prefixed array of length-prefixed blobs,
// each an independently decoded root object. A blob that fails to decode
// degrades to a *RawObject; the failure never aborts the record.
func decodeObjectBlobs(d *Decoder) ([]Object, error) {
	count, err := d.readInt32()
	if err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, fmt.Errorf("%w: blob count %d", ErrInvalidLength, count)
	}
	// Each blob carries at least a 4-byte length prefix; a count the
	// remaining bytes cannot hold is truncation, caught before allocating.
	if remaining := len(d.data) - d.pos; int(count) > remaining/4 {
		return nil, fmt.Errorf("%w: %d blobs declared, %d bytes left", ErrTruncatedInput, count, remaining)
	}
	out := make([]Object, 0, count)
	for i := int32(0); i < count; i++ {
		blob, err := d.readBytes()
		if err != nil {
			return nil, err
		}
		obj, ok, err := NewDecoderWithRegistry(blob, d.registry).DecodeRootObject()
		if err != nil || !ok {
			out = append(out, &RawObject{Data: blob})
			continue
		}
		out = append(out, obj)
	}
	return out, nil
}
