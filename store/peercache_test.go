package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telegram-rescue/tgrescue/postbox"
)

type fakeLookup struct {
	lock  sync.Mutex
	calls map[int64]int
	peers map[int64]*postbox.Peer
}

func (f *fakeLookup) GetPeer(_ context.Context, id int64) (*postbox.Peer, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.calls == nil {
		f.calls = make(map[int64]int)
	}
	f.calls[id]++
	if peer, ok := f.peers[id]; ok {
		return peer, nil
	}
	return &postbox.Peer{ID: id, Unknown: true}, nil
}

func TestPeerCacheReadThrough(t *testing.T) {
	ctx := context.Background()
	lookup := &fakeLookup{peers: map[int64]*postbox.Peer{
		42: {ID: 42, FirstName: "Ada"},
	}}
	cache := NewPeerCache(lookup)

	peer, err := cache.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "Ada", peer.FirstName)

	// Hits and misses are both cached.
	for i := 0; i < 5; i++ {
		_, err = cache.Get(ctx, 42)
		require.NoError(t, err)
		missing, err := cache.Get(ctx, 99)
		require.NoError(t, err)
		assert.True(t, missing.Unknown)
	}
	assert.Equal(t, 1, lookup.calls[42])
	assert.Equal(t, 1, lookup.calls[99])
}

func TestPeerCacheConcurrent(t *testing.T) {
	ctx := context.Background()
	lookup := &fakeLookup{peers: map[int64]*postbox.Peer{1: {ID: 1, Username: "one"}}}
	cache := NewPeerCache(lookup)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			peer, err := cache.Get(ctx, 1)
			assert.NoError(t, err)
			assert.Equal(t, "one", peer.Username)
		}()
	}
	wg.Wait()
}

func TestPeerCacheEnrich(t *testing.T) {
	ctx := context.Background()
	lookup := &fakeLookup{peers: map[int64]*postbox.Peer{
		5: {ID: 5, FirstName: "Author"},
		6: {ID: 6, FirstName: "Origin"},
	}}
	cache := NewPeerCache(lookup)

	authorID := int64(5)
	msg := &postbox.Message{
		AuthorID:    &authorID,
		ForwardInfo: &postbox.ForwardInfo{AuthorID: 6},
	}
	author, err := cache.Enrich(ctx, msg)
	require.NoError(t, err)
	require.NotNil(t, author)
	assert.Equal(t, "Author", author.FirstName)
	require.NotNil(t, msg.ForwardInfo.Author)
	assert.Equal(t, "Origin", msg.ForwardInfo.Author.FirstName)

	// No author: nothing to enrich.
	author, err = cache.Enrich(ctx, &postbox.Message{})
	require.NoError(t, err)
	assert.Nil(t, author)
}
