package rollinghash

import (
	"fmt"

	"github.com/devrev/samoa/internal/util"
)

// Record is a handle to a packet sequence holding one key and value. It is
// valid until the ring reclaims or overwrites its packets.
type Record struct {
	ring        *Ring
	first       packet
	keyLength   int
	valueLength int
}

// Offset returns the offset of the record's first packet
func (rec *Record) Offset() uint32 { return rec.first.offset }

// IsDead reports whether the record has been marked dead
func (rec *Record) IsDead() bool { return rec.first.isDead() }

// KeyLength returns the length of the key
func (rec *Record) KeyLength() int { return rec.keyLength }

// ValueLength returns the length of the value
func (rec *Record) ValueLength() int { return rec.valueLength }

// Key copies the record's key out of the ring
func (rec *Record) Key() ([]byte, error) {
	buf, err := rec.gather(recordPrefixLength+rec.keyLength, false)
	if err != nil {
		return nil, err
	}
	return buf[recordPrefixLength:], nil
}

// Read copies key and value out of the ring, verifying the running content
// CRC of every packet.
func (rec *Record) Read() (key, value []byte, err error) {
	buf, err := rec.gather(recordPrefixLength+rec.keyLength+rec.valueLength, true)
	if err != nil {
		return nil, nil, err
	}
	key = buf[recordPrefixLength : recordPrefixLength+rec.keyLength]
	value = buf[recordPrefixLength+rec.keyLength:]
	return key, value, nil
}

// Value copies the record's value out of the ring
func (rec *Record) Value() ([]byte, error) {
	_, value, err := rec.Read()
	return value, err
}

// Packets lists the packets of the record
func (rec *Record) Packets() ([]PacketInfo, error) {
	var out []PacketInfo
	err := rec.walk(func(p packet) bool {
		out = append(out, PacketInfo{Offset: p.offset, Length: p.length(), Capacity: p.capacity()})
		return true
	})
	return out, err
}

func (rec *Record) spanLength() int {
	total := 0
	_ = rec.walk(func(p packet) bool {
		total += p.length()
		return true
	})
	return total
}

// walk visits each packet of the record in order until fn returns false
func (rec *Record) walk(fn func(p packet) bool) error {
	p := rec.first
	for {
		if !fn(p) || p.completesSequence() {
			return nil
		}
		next, err := rec.ring.checkedPacket(rec.ring.nextPacketOffset(p))
		if err != nil {
			return err
		}
		if !next.continuesSequence() {
			return fmt.Errorf("record at %d is truncated: %w", rec.first.offset, ErrIntegrity)
		}
		p = next
	}
}

// gather concatenates the first n content bytes of the record
func (rec *Record) gather(n int, verify bool) ([]byte, error) {
	out := make([]byte, 0, n)
	running := uint32(0)
	var crcErr error

	err := rec.walk(func(p packet) bool {
		content := p.content()
		if need := n - len(out); need > 0 {
			if need > len(content) {
				need = len(content)
			}
			out = append(out, content[:need]...)
		}
		if !verify {
			return len(out) < n
		}
		running = util.UpdateChecksum(running, content)
		if running != p.combinedCRC() {
			crcErr = fmt.Errorf("packet at %d failed content CRC: %w", p.offset, ErrIntegrity)
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if crcErr != nil {
		return nil, crcErr
	}
	if len(out) < n {
		return nil, fmt.Errorf("record at %d shorter than its declared lengths: %w", rec.first.offset, ErrIntegrity)
	}
	return out, nil
}
