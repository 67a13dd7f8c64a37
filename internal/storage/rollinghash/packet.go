package rollinghash

import (
	"encoding/binary"

	"github.com/devrev/samoa/internal/util"
)

// Packet layout:
//
//	[0:4)   metadata CRC over bytes [4:13)
//	[4:8)   combined CRC, running over the content of the record so far
//	[8:13)  40 packed bits: flags (3), capacity (13), hash chain next (24, in 4-byte units)
//	[13:)   content
const (
	PacketHeaderLength = 13
	PacketAlignment    = 4
	MinPacketLength    = 16
	MaxPacketCapacity  = 1<<13 - 1
	MaxPacketLength    = PacketHeaderLength + MaxPacketCapacity

	flagContinues = 1 << 0
	flagCompletes = 1 << 1
	flagDead      = 1 << 2

	capacityShift = 3
	capacityMask  = 1<<13 - 1
	nextShift     = 16
	nextMask      = 1<<24 - 1
)

func align(n int) int {
	return (n + PacketAlignment - 1) &^ (PacketAlignment - 1)
}

// packetLengthFor returns the aligned length of a packet with capacity c
func packetLengthFor(capacity int) int {
	return align(PacketHeaderLength + capacity)
}

// packet is a view of a packet header inside a region
type packet struct {
	buf    []byte
	offset uint32
}

func (p packet) bits() uint64 {
	b := p.buf[p.offset+8 : p.offset+13]
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 | uint64(b[4])<<32
}

func (p packet) setBits(v uint64) {
	b := p.buf[p.offset+8 : p.offset+13]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
}

func (p packet) flag(f uint64) bool {
	return p.bits()&f != 0
}

func (p packet) setFlag(f uint64, on bool) {
	v := p.bits()
	if on {
		v |= f
	} else {
		v &^= f
	}
	p.setBits(v)
}

func (p packet) continuesSequence() bool { return p.flag(flagContinues) }
func (p packet) completesSequence() bool { return p.flag(flagCompletes) }
func (p packet) isDead() bool            { return p.flag(flagDead) }

func (p packet) capacity() int {
	return int(p.bits() >> capacityShift & capacityMask)
}

func (p packet) length() int {
	return packetLengthFor(p.capacity())
}

func (p packet) hashChainNext() uint32 {
	return uint32(p.bits()>>nextShift&nextMask) * PacketAlignment
}

func (p packet) setHashChainNext(offset uint32) {
	v := p.bits() &^ (nextMask << nextShift)
	v |= uint64(offset/PacketAlignment) << nextShift
	p.setBits(v)
}

func (p packet) content() []byte {
	start := p.offset + PacketHeaderLength
	return p.buf[start : start+uint32(p.capacity())]
}

func (p packet) metaCRC() uint32 {
	return binary.LittleEndian.Uint32(p.buf[p.offset:])
}

func (p packet) combinedCRC() uint32 {
	return binary.LittleEndian.Uint32(p.buf[p.offset+4:])
}

func (p packet) setCombinedCRC(crc uint32) {
	binary.LittleEndian.PutUint32(p.buf[p.offset+4:], crc)
}

func (p packet) computeMetaCRC() uint32 {
	return util.ComputeChecksum(p.buf[p.offset+4 : p.offset+PacketHeaderLength])
}

func (p packet) updateMetaCRC() {
	binary.LittleEndian.PutUint32(p.buf[p.offset:], p.computeMetaCRC())
}

func (p packet) checkMetaCRC() bool {
	return p.metaCRC() == p.computeMetaCRC()
}

// initialize writes a fresh header with zeroed content
func (p packet) initialize(length int, continues, completes bool) {
	capacity := length - PacketHeaderLength
	v := uint64(capacity) << capacityShift
	if continues {
		v |= flagContinues
	}
	if completes {
		v |= flagCompletes
	}
	hdr := p.buf[p.offset : p.offset+uint32(length)]
	for i := range hdr {
		hdr[i] = 0
	}
	p.setBits(v)
}
