// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package store reads the plaintext copy of the datastore produced by the
// external SQLCipher export: an ordered key-value scan over the message
// table (t7) and the peer table (t2), plus a read-through peer cache for
// record enrichment.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/telegram-rescue/tgrescue/postbox"
)

const (
	scanMessagesQuery = `SELECT key, value FROM t7 ORDER BY key`
	scanPeersQuery    = `SELECT key, value FROM t2`
	getPeerQuery      = `SELECT value FROM t2 WHERE key = ? ORDER BY key LIMIT 1`

	progressInterval = 1000
)

// DB is a read handle on a plaintext datastore.
type DB struct {
	db       *sql.DB
	registry *postbox.Registry
}

// Open opens a plaintext datastore read-only. The registry may be nil, in
// which case all object schemas decode generically.
func Open(path string, registry *postbox.Registry) (*DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open datastore: %w", err)
	}
	return &DB{db: db, registry: registry}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Stats counts scan outcomes so an operator can judge how complete the
// recovered data is. Fallback counts records that reached the caller as
// error placeholders; MalformedKeys counts rows dropped because the index
// key itself would not parse.
type Stats struct {
	Scanned       int `json:"scanned"`
	Decoded       int `json:"decoded"`
	Unsupported   int `json:"unsupported"`
	Fallback      int `json:"fallback"`
	MalformedKeys int `json:"malformedKeys"`
}

// ScanMessages walks the message table in key order, invoking fn with each
// record's index and decoded value. Records with an unsupported discriminant
// or a malformed envelope reach fn as error placeholders rather than being
// dropped, so fn sees every record whose index key parsed. Returning an
// error from fn aborts the scan.
func (d *DB) ScanMessages(ctx context.Context, fn func(idx postbox.MessageIndex, msg *postbox.Message) error) (*Stats, error) {
	log := zerolog.Ctx(ctx)
	rows, err := d.db.QueryContext(ctx, scanMessagesQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to scan message table: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var key, value []byte
		if err = rows.Scan(&key, &value); err != nil {
			return &stats, err
		}
		stats.Scanned++
		if stats.Scanned%progressInterval == 0 {
			log.Info().
				Int("scanned", stats.Scanned).
				Int("decoded", stats.Decoded).
				Int("fallback", stats.Fallback).
				Msg("Scanning message table")
		}

		idx, err := postbox.DecodeMessageIndex(key)
		if err != nil {
			stats.MalformedKeys++
			log.Debug().Err(err).Hex("key", key).Msg("Skipping record with malformed index key")
			continue
		}
		msg, err := postbox.DecodeMessage(value, d.registry)
		if err != nil {
			// Non-zero discriminant: not a complete message record. Emitted
			// as a placeholder so fn sees every scanned record.
			stats.Unsupported++
			msg = postbox.ErrorRecord(value, err)
		} else if msg.DecodeError != nil {
			stats.Fallback++
		} else {
			stats.Decoded++
		}
		if err = fn(idx, msg); err != nil {
			return &stats, err
		}
	}
	return &stats, rows.Err()
}

// ScanPeers walks the peer table. Keys are decimal-string peer ids; values
// that fail to decode reach fn as parse-error peers rather than aborting the
// scan.
func (d *DB) ScanPeers(ctx context.Context, fn func(peer *postbox.Peer) error) error {
	rows, err := d.db.QueryContext(ctx, scanPeersQuery)
	if err != nil {
		return fmt.Errorf("failed to scan peer table: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err = rows.Scan(&key, &value); err != nil {
			return err
		}
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			zerolog.Ctx(ctx).Debug().Str("key", key).Msg("Skipping peer with non-numeric key")
			continue
		}
		peer, err := postbox.DecodePeer(id, value)
		if err != nil {
			peer = &postbox.Peer{ID: id, ParseError: true}
		}
		if err = fn(peer); err != nil {
			return err
		}
	}
	return rows.Err()
}

// GetPeer fetches and decodes a single peer record. A missing row returns an
// Unknown peer, a malformed one a ParseError peer; neither is an error.
func (d *DB) GetPeer(ctx context.Context, id int64) (*postbox.Peer, error) {
	var value []byte
	err := d.db.QueryRowContext(ctx, getPeerQuery, strconv.FormatInt(id, 10)).Scan(&value)
	if err == sql.ErrNoRows {
		return &postbox.Peer{ID: id, Unknown: true}, nil
	} else if err != nil {
		return nil, err
	}
	peer, err := postbox.DecodePeer(id, value)
	if err != nil {
		return &postbox.Peer{ID: id, ParseError: true}, nil
	}
	return peer, nil
}
