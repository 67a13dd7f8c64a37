// Package rollinghash implements a fixed-capacity, log-structured hash over
// a single region. Records are written as sequences of packets appended to
// a circular arena and indexed by a chained hash table at the front of the
// region. Space is reclaimed strictly from the head of the arena.
package rollinghash

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/devrev/samoa/internal/util"
)

// Region layout:
//
//	[0:24)          header: magic, region size, index size, begin, end, flags
//	[24:24+4*I)     index of first-packet offsets, 0 meaning empty
//	[24+4*I:S)      packet arena
const (
	regionHeaderLength = 24
	regionMagic        = 0x31485253
	regionFlagWrapped  = 1

	// MaxRegionSize bounds regions so chain offsets fit in 24 bits of 4-byte units
	MaxRegionSize = 1 << 26

	recordPrefixLength = 6
	// MaxKeyLength is the largest key a record may carry
	MaxKeyLength = 1<<16 - 1
)

var (
	// ErrNoSpace is returned when an allocation cannot fit in the arena
	ErrNoSpace = errors.New("rolling hash: insufficient space")
	// ErrIntegrity is returned when a packet fails CRC or structural checks
	ErrIntegrity = errors.New("rolling hash: integrity violation")
	// ErrHeadNotDead is returned by ReclaimHead when the head is live
	ErrHeadNotDead = errors.New("rolling hash: head record is not dead")
	// ErrHeadDead is returned by RotateHead when the head is already dead
	ErrHeadDead = errors.New("rolling hash: head record is dead")
	// ErrEmpty is returned by head operations on an empty ring
	ErrEmpty = errors.New("rolling hash: ring is empty")
)

// PacketInfo describes one allocated packet
type PacketInfo struct {
	Offset   uint32
	Length   int
	Capacity int
}

// Cursor is a logical arena position which stays meaningful while records
// are reclaimed from the head and appended at the tail.
type Cursor uint64

// Ring is a rolling hash over a region. It is not safe for concurrent use.
type Ring struct {
	region     Region
	buf        []byte
	indexSize  uint32
	arenaStart uint32
	arenaEnd   uint32

	// logical sequence numbers of begin and end, for cursors
	headSeq uint64
	tailSeq uint64
}

// Open attaches a ring to region, formatting it when it is blank
func Open(region Region, indexSize uint32) (*Ring, error) {
	buf := region.Bytes()
	size := len(buf)
	if indexSize == 0 {
		return nil, fmt.Errorf("rolling hash: index size must be positive")
	}
	if size > MaxRegionSize {
		return nil, fmt.Errorf("rolling hash: region size %d exceeds maximum %d", size, MaxRegionSize)
	}
	arenaStart := uint32(regionHeaderLength + 4*int(indexSize))
	arenaEnd := uint32(size &^ (PacketAlignment - 1))
	if int(arenaEnd)-int(arenaStart) < MinPacketLength {
		return nil, fmt.Errorf("rolling hash: region size %d too small for %d index slots", size, indexSize)
	}

	r := &Ring{
		region:     region,
		buf:        buf,
		indexSize:  indexSize,
		arenaStart: arenaStart,
		arenaEnd:   arenaEnd,
	}

	switch binary.LittleEndian.Uint32(buf[0:]) {
	case 0:
		binary.LittleEndian.PutUint32(buf[0:], regionMagic)
		binary.LittleEndian.PutUint32(buf[4:], uint32(size))
		binary.LittleEndian.PutUint32(buf[8:], indexSize)
		r.setBegin(arenaStart)
		r.setEnd(arenaStart)
		r.setWrapped(false)
	case regionMagic:
		if got := binary.LittleEndian.Uint32(buf[4:]); got != uint32(size) {
			return nil, fmt.Errorf("rolling hash: region was formatted with size %d, opened with %d", got, size)
		}
		if got := binary.LittleEndian.Uint32(buf[8:]); got != indexSize {
			return nil, fmt.Errorf("rolling hash: region was formatted with %d index slots, opened with %d", got, indexSize)
		}
		if !r.inArena(r.begin()) || !r.inArena(r.end()) {
			return nil, fmt.Errorf("rolling hash: corrupt region header: %w", ErrIntegrity)
		}
	default:
		return nil, fmt.Errorf("rolling hash: region has unknown magic: %w", ErrIntegrity)
	}

	r.tailSeq = uint64(r.Used())
	return r, nil
}

// Close releases the underlying region
func (r *Ring) Close() error {
	return r.region.Close()
}

// Sync flushes the region to its backing store
func (r *Ring) Sync() error {
	return r.region.Sync()
}

func (r *Ring) begin() uint32 { return binary.LittleEndian.Uint32(r.buf[12:]) }
func (r *Ring) end() uint32   { return binary.LittleEndian.Uint32(r.buf[16:]) }

func (r *Ring) setBegin(v uint32) { binary.LittleEndian.PutUint32(r.buf[12:], v) }
func (r *Ring) setEnd(v uint32)   { binary.LittleEndian.PutUint32(r.buf[16:], v) }

// IsWrapped reports whether live packets cross the end of the arena
func (r *Ring) IsWrapped() bool {
	return binary.LittleEndian.Uint32(r.buf[20:])&regionFlagWrapped != 0
}

func (r *Ring) setWrapped(on bool) {
	v := binary.LittleEndian.Uint32(r.buf[20:]) &^ regionFlagWrapped
	if on {
		v |= regionFlagWrapped
	}
	binary.LittleEndian.PutUint32(r.buf[20:], v)
}

func (r *Ring) inArena(off uint32) bool {
	return off >= r.arenaStart && off <= r.arenaEnd && off%PacketAlignment == 0
}

// BeginOffset returns the offset of the oldest packet
func (r *Ring) BeginOffset() uint32 { return r.begin() }

// EndOffset returns the allocation frontier
func (r *Ring) EndOffset() uint32 { return r.end() }

// Size returns the region size in bytes
func (r *Ring) Size() int { return len(r.buf) }

// ArenaSize returns the number of bytes available to packets
func (r *Ring) ArenaSize() int { return int(r.arenaEnd - r.arenaStart) }

// IsEmpty reports whether the arena holds no packets
func (r *Ring) IsEmpty() bool {
	return r.begin() == r.end() && !r.IsWrapped()
}

// Used returns the number of arena bytes occupied by packets
func (r *Ring) Used() int {
	begin, end := r.begin(), r.end()
	if !r.IsWrapped() {
		return int(end - begin)
	}
	return int(r.arenaEnd-begin) + int(end-r.arenaStart)
}

// Utilization returns the occupied fraction of the arena
func (r *Ring) Utilization() float64 {
	return float64(r.Used()) / float64(r.ArenaSize())
}

func (r *Ring) packetAt(off uint32) packet {
	return packet{buf: r.buf, offset: off}
}

// nextPacketOffset returns the physical offset following p
func (r *Ring) nextPacketOffset(p packet) uint32 {
	next := p.offset + uint32(p.length())
	if next == r.arenaEnd {
		return r.arenaStart
	}
	return next
}

// checkedPacket returns the packet at off after validating its metadata
func (r *Ring) checkedPacket(off uint32) (packet, error) {
	if !r.inArena(off) || off+PacketHeaderLength > r.arenaEnd {
		return packet{}, fmt.Errorf("packet offset %d outside arena: %w", off, ErrIntegrity)
	}
	p := r.packetAt(off)
	if !p.checkMetaCRC() {
		return packet{}, fmt.Errorf("packet at %d failed metadata CRC: %w", off, ErrIntegrity)
	}
	if off+uint32(p.length()) > r.arenaEnd {
		return packet{}, fmt.Errorf("packet at %d overruns arena: %w", off, ErrIntegrity)
	}
	return p, nil
}

func (r *Ring) slotFor(key []byte) uint32 {
	return uint32(xxhash.Sum64(key) % uint64(r.indexSize))
}

func (r *Ring) indexAt(slot uint32) uint32 {
	return binary.LittleEndian.Uint32(r.buf[regionHeaderLength+4*slot:])
}

func (r *Ring) setIndex(slot, off uint32) {
	binary.LittleEndian.PutUint32(r.buf[regionHeaderLength+4*slot:], off)
}

type span struct {
	offset uint32
	length int
}

// bytesFor returns the fewest arena bytes holding capacity n
func bytesFor(n int) int {
	k := (n + MaxPacketCapacity - 1) / MaxPacketCapacity
	if k == 0 {
		k = 1
	}
	last := n - (k-1)*MaxPacketCapacity
	return (k-1)*MaxPacketLength + packetLengthFor(last)
}

// partition tiles length bytes at offset with packets of legal size
func partition(offset uint32, length int) []span {
	var out []span
	for length > 0 {
		take := length
		switch {
		case length <= MaxPacketLength:
		case length-MaxPacketLength >= MinPacketLength:
			take = MaxPacketLength
		default:
			take = length - MinPacketLength
		}
		out = append(out, span{offset: offset, length: take})
		offset += uint32(take)
		length -= take
	}
	return out
}

func capacityOf(spans []span) int {
	total := 0
	for _, s := range spans {
		total += s.length - PacketHeaderLength
	}
	return total
}

// plan computes packet placement for capacity n without mutating the ring.
// It returns the spans and the frontier state after allocation.
func (r *Ring) plan(n int) ([]span, uint32, bool, error) {
	begin, end, wrapped := r.begin(), r.end(), r.IsWrapped()
	if r.IsEmpty() {
		begin, end = r.arenaStart, r.arenaStart
	}

	var out []span
	remaining := n
	pos := end
	for {
		limit := r.arenaEnd
		if wrapped {
			limit = begin
		}
		avail := int(limit - pos)

		if !wrapped && avail > 0 && avail < MinPacketLength {
			return nil, 0, false, fmt.Errorf("arena tail gap of %d bytes: %w", avail, ErrIntegrity)
		}

		if avail >= MinPacketLength {
			if need := bytesFor(remaining); need <= avail {
				take := need
				fits := true
				if left := avail - need; left > 0 && left < MinPacketLength {
					// absorb the remainder rather than leave a gap
					take = avail
					fits = capacityOf(partition(pos, avail)) >= remaining
				}
				if fits {
					out = append(out, partition(pos, take)...)
					next := pos + uint32(take)
					if next == r.arenaEnd {
						next = r.arenaStart
						wrapped = true
					}
					return out, next, wrapped, nil
				}
			}
			spans := partition(pos, avail)
			out = append(out, spans...)
			remaining -= capacityOf(spans)
			pos += uint32(avail)
		}

		if wrapped {
			return nil, 0, false, ErrNoSpace
		}
		wrapped = true
		pos = r.arenaStart
	}
}

// allocate commits an allocation of capacity n and initializes packet headers
func (r *Ring) allocate(n int) ([]span, error) {
	spans, newEnd, wrapped, err := r.plan(n)
	if err != nil {
		return nil, err
	}

	if r.IsEmpty() {
		r.setBegin(r.arenaStart)
	}
	for i, s := range spans {
		p := r.packetAt(s.offset)
		p.initialize(s.length, i > 0, i == len(spans)-1)
		r.tailSeq += uint64(s.length)
	}
	r.setEnd(newEnd)
	r.setWrapped(wrapped)
	return spans, nil
}

// CanPut reports whether a record with the given lengths fits right now
func (r *Ring) CanPut(keyLength, valueLength int) bool {
	_, _, _, err := r.plan(recordPrefixLength + keyLength + valueLength)
	return err == nil
}

// CanEverPut reports whether a record with the given lengths fits in an
// empty arena
func (r *Ring) CanEverPut(keyLength, valueLength int) bool {
	return keyLength <= MaxKeyLength &&
		bytesFor(recordPrefixLength+keyLength+valueLength) <= r.ArenaSize()
}

// AllocatePackets allocates a packet sequence with total capacity of at
// least n. The packets are zero-filled and checksummed but not indexed.
func (r *Ring) AllocatePackets(n int) ([]PacketInfo, error) {
	if n <= 0 {
		return nil, fmt.Errorf("rolling hash: invalid allocation size %d", n)
	}
	spans, err := r.allocate(n)
	if err != nil {
		return nil, err
	}
	out := make([]PacketInfo, len(spans))
	running := uint32(0)
	for i, s := range spans {
		p := r.packetAt(s.offset)
		running = util.UpdateChecksum(running, p.content())
		p.setCombinedCRC(running)
		p.updateMetaCRC()
		out[i] = PacketInfo{Offset: s.offset, Length: s.length, Capacity: p.capacity()}
	}
	return out, nil
}

// Get returns the live record stored under key, or nil
func (r *Ring) Get(key []byte) (*Record, error) {
	off := r.indexAt(r.slotFor(key))
	for off != 0 {
		rec, err := r.recordAt(off)
		if err != nil {
			return nil, err
		}
		recKey, err := rec.Key()
		if err != nil {
			return nil, err
		}
		if bytes.Equal(recKey, key) {
			return rec, nil
		}
		off = rec.first.hashChainNext()
	}
	return nil, nil
}

// Put appends a record and links it at the front of its hash chain, where it
// shadows any older record with the same key.
func (r *Ring) Put(key, value []byte) (*Record, error) {
	if len(key) > MaxKeyLength {
		return nil, fmt.Errorf("rolling hash: key length %d exceeds %d", len(key), MaxKeyLength)
	}
	packets, err := r.AllocatePackets(recordPrefixLength + len(key) + len(value))
	if err != nil {
		return nil, err
	}

	var prefix [recordPrefixLength]byte
	binary.LittleEndian.PutUint16(prefix[0:], uint16(len(key)))
	binary.LittleEndian.PutUint32(prefix[2:], uint32(len(value)))
	sources := [][]byte{prefix[:], key, value}

	running := uint32(0)
	for _, info := range packets {
		p := r.packetAt(info.Offset)
		dst := p.content()
		for len(dst) > 0 && len(sources) > 0 {
			n := copy(dst, sources[0])
			dst = dst[n:]
			sources[0] = sources[0][n:]
			if len(sources[0]) == 0 {
				sources = sources[1:]
			}
		}
		running = util.UpdateChecksum(running, p.content())
		p.setCombinedCRC(running)
	}

	first := r.packetAt(packets[0].Offset)
	slot := r.slotFor(key)
	first.setHashChainNext(r.indexAt(slot))
	for _, info := range packets {
		r.packetAt(info.Offset).updateMetaCRC()
	}
	r.setIndex(slot, first.offset)

	return &Record{ring: r, first: first, keyLength: len(key), valueLength: len(value)}, nil
}

// MarkDead flags every packet of rec dead and unlinks it from its chain
func (r *Ring) MarkDead(rec *Record) error {
	if rec.IsDead() {
		return nil
	}
	key, err := rec.Key()
	if err != nil {
		return err
	}
	if err := r.unlink(key, rec.first.offset, rec.first.hashChainNext()); err != nil {
		return err
	}

	p := rec.first
	for {
		p.setFlag(flagDead, true)
		if p.offset == rec.first.offset {
			p.setHashChainNext(0)
		}
		p.updateMetaCRC()
		if p.completesSequence() {
			return nil
		}
		next, err := r.checkedPacket(r.nextPacketOffset(p))
		if err != nil {
			return err
		}
		p = next
	}
}

func (r *Ring) unlink(key []byte, target, next uint32) error {
	slot := r.slotFor(key)
	if r.indexAt(slot) == target {
		r.setIndex(slot, next)
		return nil
	}
	off := r.indexAt(slot)
	for off != 0 {
		p, err := r.checkedPacket(off)
		if err != nil {
			return err
		}
		if p.hashChainNext() == target {
			p.setHashChainNext(next)
			p.updateMetaCRC()
			return nil
		}
		off = p.hashChainNext()
	}
	return fmt.Errorf("record at %d missing from its hash chain: %w", target, ErrIntegrity)
}

// Head returns the oldest record in the arena, live or dead
func (r *Ring) Head() (*Record, error) {
	if r.IsEmpty() {
		return nil, nil
	}
	return r.recordAt(r.begin())
}

// ReclaimHead releases the packets of the dead head record
func (r *Ring) ReclaimHead() error {
	head, err := r.Head()
	if err != nil {
		return err
	}
	if head == nil {
		return ErrEmpty
	}
	if !head.IsDead() {
		return ErrHeadNotDead
	}

	p := head.first
	for {
		length := uint64(p.length())
		next := p.offset + uint32(length)
		r.headSeq += length
		if next == r.arenaEnd {
			next = r.arenaStart
			r.setWrapped(false)
		}
		r.setBegin(next)
		if p.completesSequence() {
			break
		}
		if p, err = r.checkedPacket(next); err != nil {
			return err
		}
	}

	if r.begin() == r.end() && !r.IsWrapped() {
		r.setBegin(r.arenaStart)
		r.setEnd(r.arenaStart)
	}
	return nil
}

// RotateHead copies the live head record to the tail, marks the original
// dead and reclaims it. It returns the relocated record.
func (r *Ring) RotateHead() (*Record, error) {
	head, err := r.Head()
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, ErrEmpty
	}
	if head.IsDead() {
		return nil, ErrHeadDead
	}

	key, value, err := head.Read()
	if err != nil {
		return nil, err
	}
	moved, err := r.Put(key, value)
	if err != nil {
		return nil, err
	}
	if err := r.MarkDead(head); err != nil {
		return nil, err
	}
	if err := r.ReclaimHead(); err != nil {
		return nil, err
	}
	return moved, nil
}

// recordAt loads the record whose first packet is at off
func (r *Ring) recordAt(off uint32) (*Record, error) {
	p, err := r.checkedPacket(off)
	if err != nil {
		return nil, err
	}
	if p.continuesSequence() {
		return nil, fmt.Errorf("packet at %d is not the start of a record: %w", off, ErrIntegrity)
	}
	// a record starting in a minimum-length tail packet spills its prefix
	// into the next packet
	rec := &Record{ring: r, first: p}
	prefix, err := rec.gather(recordPrefixLength, false)
	if err != nil {
		return nil, err
	}
	rec.keyLength = int(binary.LittleEndian.Uint16(prefix[0:]))
	rec.valueLength = int(binary.LittleEndian.Uint32(prefix[2:]))
	return rec, nil
}

// Begin returns a cursor at the oldest record
func (r *Ring) Begin() Cursor {
	return Cursor(r.headSeq)
}

// Next returns the record at c and the cursor following it. Cursors behind
// the head skip forward to the oldest record. ok is false at the end.
func (r *Ring) Next(c Cursor) (rec *Record, next Cursor, ok bool, err error) {
	if uint64(c) < r.headSeq {
		c = Cursor(r.headSeq)
	}
	if uint64(c) >= r.tailSeq {
		return nil, c, false, nil
	}

	rel := uint64(r.begin()-r.arenaStart) + (uint64(c) - r.headSeq)
	off := r.arenaStart + uint32(rel%uint64(r.ArenaSize()))
	rec, err = r.recordAt(off)
	if err != nil {
		return nil, c, false, err
	}
	return rec, c + Cursor(rec.spanLength()), true, nil
}

// CheckIntegrity walks every packet between begin and end, verifying
// metadata CRCs, sequence structure and running content CRCs, and then
// verifies that every hash chain reaches only live record heads.
func (r *Ring) CheckIntegrity() error {
	used := r.Used()
	off := r.begin()
	inSequence := false
	running := uint32(0)

	for walked := 0; walked < used; {
		p, err := r.checkedPacket(off)
		if err != nil {
			return err
		}
		if p.continuesSequence() != inSequence {
			return fmt.Errorf("packet at %d breaks sequence structure: %w", off, ErrIntegrity)
		}
		if !inSequence {
			running = 0
		}
		running = util.UpdateChecksum(running, p.content())
		if running != p.combinedCRC() {
			return fmt.Errorf("packet at %d failed content CRC: %w", off, ErrIntegrity)
		}
		inSequence = !p.completesSequence()
		walked += p.length()
		off = r.nextPacketOffset(p)
	}
	if inSequence {
		return fmt.Errorf("arena ends inside a record: %w", ErrIntegrity)
	}

	for slot := uint32(0); slot < r.indexSize; slot++ {
		for off := r.indexAt(slot); off != 0; {
			rec, err := r.recordAt(off)
			if err != nil {
				return err
			}
			if rec.IsDead() {
				return fmt.Errorf("hash chain %d references dead record at %d: %w", slot, off, ErrIntegrity)
			}
			off = rec.first.hashChainNext()
		}
	}
	return nil
}
