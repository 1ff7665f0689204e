// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"sync"

	"github.com/telegram-rescue/tgrescue/postbox"
)

// PeerLookup fetches one peer record by id.
type PeerLookup interface {
	GetPeer(ctx context.Context, id int64) (*postbox.Peer, error)
}

// PeerCache is a read-through cache over a PeerLookup. Misses are cached as
// Unknown peers so repeated lookups of absent peers stay cheap. There is no
// eviction: a recovery session sees a bounded set of peers. The mutex makes
// the cache safe to share when record decoding is parallelized.
type PeerCache struct {
	lookup PeerLookup

	lock  sync.Mutex
	peers map[int64]*postbox.Peer
}

// NewPeerCache wraps a lookup with a cache.
func NewPeerCache(lookup PeerLookup) *PeerCache {
	return &PeerCache{
		lookup: lookup,
		peers:  make(map[int64]*postbox.Peer),
	}
}

// Get returns the peer for id, fetching it on first use.
func (c *PeerCache) Get(ctx context.Context, id int64) (*postbox.Peer, error) {
	c.lock.Lock()
	peer, ok := c.peers[id]
	c.lock.Unlock()
	if ok {
		return peer, nil
	}

	peer, err := c.lookup.GetPeer(ctx, id)
	if err != nil {
		return nil, err
	}
	c.lock.Lock()
	// Another goroutine may have filled the entry meanwhile; keep the first.
	if existing, ok := c.peers[id]; ok {
		peer = existing
	} else {
		c.peers[id] = peer
	}
	c.lock.Unlock()
	return peer, nil
}

// Enrich attaches author and forward-author records to a decoded message.
func (c *PeerCache) Enrich(ctx context.Context, msg *postbox.Message) (*postbox.Peer, error) {
	var author *postbox.Peer
	var err error
	if msg.AuthorID != nil {
		author, err = c.Get(ctx, *msg.AuthorID)
		if err != nil {
			return nil, err
		}
	}
	if msg.ForwardInfo != nil && msg.ForwardInfo.AuthorID != 0 {
		msg.ForwardInfo.Author, err = c.Get(ctx, msg.ForwardInfo.AuthorID)
		if err != nil {
			return nil, err
		}
	}
	return author, nil
}
