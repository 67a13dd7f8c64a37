// Package digest implements the bloom filter a partition publishes to its
// replicas to summarize the content checksums it holds.
package digest

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/devrev/samoa/internal/storage/rollinghash"
	"github.com/devrev/samoa/internal/util"
)

const (
	// DefaultSize is the digest size in bytes
	DefaultSize = 1024
	// HashCount is the number of bits set per checksum
	HashCount = 2
)

// Properties describes the sizing of a digest
type Properties struct {
	SizeBytes int
	HashCount int
	SetBits   int
	Added     uint64
}

// FillRatio returns the fraction of bits set
func (p Properties) FillRatio() float64 {
	if p.SizeBytes == 0 {
		return 0
	}
	return float64(p.SetBits) / float64(p.SizeBytes*8)
}

// Digest is a bloom filter over content checksums. The two bit positions of
// a checksum are its high and low halves modulo the bit count.
type Digest struct {
	mu       sync.RWMutex
	region   rollinghash.Region
	bits     []byte
	added    uint64
	readOnly bool
}

// New returns an in-memory digest of size bytes
func New(size int) *Digest {
	region := rollinghash.NewHeapRegion(size)
	return &Digest{region: region, bits: region.Bytes()}
}

// Open maps the digest file at path, creating it when missing
func Open(path string, size int) (*Digest, error) {
	region, err := rollinghash.OpenFileRegion(path, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open digest: %w", err)
	}
	return &Digest{region: region, bits: region.Bytes()}, nil
}

// FromBytes wraps a copy of a raw filter received from a peer. The result
// is read-only.
func FromBytes(raw []byte) *Digest {
	return &Digest{bits: append([]byte{}, raw...), readOnly: true}
}

func (d *Digest) positions(c util.ContentChecksum) [HashCount]uint64 {
	m := uint64(len(d.bits)) * 8
	return [HashCount]uint64{uint64(c.High()) % m, uint64(c.Low()) % m}
}

// Add records a checksum
func (d *Digest) Add(c util.ContentChecksum) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.readOnly || len(d.bits) == 0 {
		return
	}
	for _, pos := range d.positions(c) {
		d.bits[pos/8] |= 1 << (pos % 8)
	}
	d.added++
}

// Test reports whether a checksum may have been added
func (d *Digest) Test(c util.ContentChecksum) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if len(d.bits) == 0 {
		return false
	}
	for _, pos := range d.positions(c) {
		if d.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// Bytes returns a copy of the raw filter
func (d *Digest) Bytes() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]byte{}, d.bits...)
}

// Properties returns sizing metadata
func (d *Digest) Properties() Properties {
	d.mu.RLock()
	defer d.mu.RUnlock()

	set := 0
	for _, b := range d.bits {
		set += bits.OnesCount8(b)
	}
	return Properties{SizeBytes: len(d.bits), HashCount: HashCount, SetBits: set, Added: d.added}
}

// Clear resets every bit
func (d *Digest) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.readOnly {
		return
	}
	for i := range d.bits {
		d.bits[i] = 0
	}
	d.added = 0
}

// Sync flushes a file-backed digest
func (d *Digest) Sync() error {
	if d.region == nil {
		return nil
	}
	return d.region.Sync()
}

// Close releases the backing region
func (d *Digest) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.region == nil {
		return nil
	}
	err := d.region.Close()
	d.region = nil
	d.bits = nil
	return err
}
