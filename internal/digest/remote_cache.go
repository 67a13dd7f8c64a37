package digest

import (
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"

	"github.com/devrev/samoa/internal/util"
)

const (
	defaultRemoteExpiration = 30 * time.Minute
	defaultCleanupInterval  = 5 * time.Minute
)

// RemoteCache holds the latest digest received from each peer partition.
// Entries expire so digests of partitions that stop gossiping are forgotten.
type RemoteCache struct {
	cache      *cache.Cache
	expiration time.Duration
}

// NewRemoteCache returns a cache whose entries live for expiration
func NewRemoteCache(expiration time.Duration) *RemoteCache {
	if expiration <= 0 {
		expiration = defaultRemoteExpiration
	}
	return &RemoteCache{
		cache:      cache.New(expiration, defaultCleanupInterval),
		expiration: expiration,
	}
}

// Put replaces the digest of a partition
func (c *RemoteCache) Put(partition uuid.UUID, raw []byte) {
	c.cache.Set(partition.String(), FromBytes(raw), c.expiration)
}

// Get returns the cached digest of a partition
func (c *RemoteCache) Get(partition uuid.UUID) (*Digest, bool) {
	obj, found := c.cache.Get(partition.String())
	if !found {
		return nil, false
	}
	return obj.(*Digest), true
}

// Delete forgets a partition's digest
func (c *RemoteCache) Delete(partition uuid.UUID) {
	c.cache.Delete(partition.String())
}

// MayHold reports whether the partition may already hold checksum. Unknown
// partitions are assumed not to.
func (c *RemoteCache) MayHold(partition uuid.UUID, checksum util.ContentChecksum) bool {
	d, ok := c.Get(partition)
	return ok && d.Test(checksum)
}

// Count returns the number of cached digests
func (c *RemoteCache) Count() int {
	return c.cache.ItemCount()
}

// Clear drops every cached digest
func (c *RemoteCache) Clear() {
	c.cache.Flush()
}
