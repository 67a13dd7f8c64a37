package model

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// namespace for name-derived identifiers
var samoaNamespace = uuid.MustParse("6f1c1f0e-3a4b-5c6d-8e9f-a0b1c2d3e4f5")

// NilUUID is the all-zero identifier
var NilUUID = uuid.Nil

// NameUUID derives a deterministic identifier from a name
func NameUUID(name string) uuid.UUID {
	return uuid.NewSHA1(samoaNamespace, []byte(name))
}

// RandomUUID returns a new random identifier
func RandomUUID() uuid.UUID {
	return uuid.New()
}

// UUIDToHex renders an identifier as 32 hex characters
func UUIDToHex(u uuid.UUID) string {
	return hex.EncodeToString(u[:])
}

// ParseUUID accepts 32 hex characters or the dashed canonical form
func ParseUUID(s string) (uuid.UUID, error) {
	if len(s) == 32 {
		raw, err := hex.DecodeString(s)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid uuid %q: %w", s, err)
		}
		return uuid.FromBytes(raw)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid uuid %q: %w", s, err)
	}
	return u, nil
}

// UUIDFromBytes parses the 16-byte string form
func UUIDFromBytes(b []byte) (uuid.UUID, error) {
	if len(b) != 16 {
		return uuid.Nil, fmt.Errorf("invalid uuid length %d", len(b))
	}
	return uuid.FromBytes(b)
}

// UUIDLess orders identifiers bytewise
func UUIDLess(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}
