package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telegram-rescue/tgrescue/postbox"
)

func openTestDB(t *testing.T) (*DB, *sql.DB) {
	t.Helper()
	raw, err := sql.Open("sqlite3", "file:"+t.TempDir()+"/plaintext.db")
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	_, err = raw.Exec(`CREATE TABLE t2 (key TEXT PRIMARY KEY, value BLOB)`)
	require.NoError(t, err)
	_, err = raw.Exec(`CREATE TABLE t7 (key BLOB PRIMARY KEY, value BLOB)`)
	require.NoError(t, err)

	db := &DB{db: raw}
	return db, raw
}

// minimalMessage builds a valid empty-ish message envelope.
func minimalMessage(text string) []byte {
	var buf []byte
	u8 := func(v byte) { buf = append(buf, v) }
	i32 := func(v int32) { buf = binary.LittleEndian.AppendUint32(buf, uint32(v)) }

	u8(0)  // record type
	i32(1) // stableId
	i32(1) // stableVersion
	u8(0)  // data flags
	i32(int32(postbox.MsgFlagIncoming))
	i32(0) // tags
	u8(0)  // no forward info
	u8(0)  // no author
	i32(int32(len(text)))
	buf = append(buf, text...)
	i32(0) // attributes
	i32(0) // embedded media
	i32(0) // referenced media
	return buf
}

func TestScanMessages(t *testing.T) {
	ctx := context.Background()
	db, raw := openTestDB(t)

	idx := postbox.MessageIndex{PeerID: 100, Namespace: 0, Timestamp: 50, ID: 1}
	insert := func(key, value []byte) {
		_, err := raw.Exec(`INSERT INTO t7 (key, value) VALUES (?, ?)`, key, value)
		require.NoError(t, err)
	}
	insert(idx.Encode(), minimalMessage("first"))
	idx2 := idx
	idx2.ID = 2
	idx2.Timestamp = 60
	insert(idx2.Encode(), []byte{7, 1, 2}) // unsupported discriminant
	idx3 := idx
	idx3.ID = 3
	idx3.Timestamp = 70
	insert(idx3.Encode(), minimalMessage("third")[:9]) // truncated envelope
	insert([]byte{1, 2, 3}, minimalMessage("lost"))    // key too short to parse

	var got []*postbox.Message
	stats, err := db.ScanMessages(ctx, func(_ postbox.MessageIndex, msg *postbox.Message) error {
		got = append(got, msg)
		return nil
	})
	require.NoError(t, err)

	// Every record with a parseable key reaches the callback, degraded ones
	// included; the malformed-key row is counted separately.
	assert.Len(t, got, 3)
	assert.Equal(t, 4, stats.Scanned)
	assert.Equal(t, 1, stats.Decoded)
	assert.Equal(t, 1, stats.Unsupported)
	assert.Equal(t, 1, stats.Fallback)
	assert.Equal(t, 1, stats.MalformedKeys)

	assert.Equal(t, "first", got[0].Text)
	assert.NoError(t, got[0].DecodeError)
	assert.ErrorIs(t, got[1].DecodeError, postbox.ErrUnsupportedRecordType)
	assert.Error(t, got[2].DecodeError)
}

func TestScanAndGetPeers(t *testing.T) {
	ctx := context.Background()
	db, raw := openTestDB(t)

	peerValue := postbox.EncodeRootObject(postbox.HashName("TelegramUser"), func(e *postbox.Encoder) {
		e.PutString("fn", "Grace")
		e.PutString("un", "hopper")
	})
	_, err := raw.Exec(`INSERT INTO t2 (key, value) VALUES (?, ?)`, "314", peerValue)
	require.NoError(t, err)
	_, err = raw.Exec(`INSERT INTO t2 (key, value) VALUES (?, ?)`, "not-a-peer", []byte{1})
	require.NoError(t, err)

	var peers []*postbox.Peer
	err = db.ScanPeers(ctx, func(peer *postbox.Peer) error {
		peers = append(peers, peer)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "Grace", peers[0].FirstName)
	assert.EqualValues(t, 314, peers[0].ID)

	peer, err := db.GetPeer(ctx, 314)
	require.NoError(t, err)
	assert.Equal(t, "hopper", peer.Username)

	missing, err := db.GetPeer(ctx, 999)
	require.NoError(t, err)
	assert.True(t, missing.Unknown)
}
