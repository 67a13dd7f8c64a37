package util

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// FieldReader walks the fields of a protowire-encoded message. Callers
// consume each field with Bytes, Varint or Skip before calling Next again.
type FieldReader struct {
	buf []byte
	num protowire.Number
	typ protowire.Type
	err error
}

// NewFieldReader creates a reader over an encoded message
func NewFieldReader(b []byte) *FieldReader {
	return &FieldReader{buf: b}
}

// Next advances to the next field tag
func (r *FieldReader) Next() bool {
	if r.err != nil || len(r.buf) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(r.buf)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return false
	}
	r.buf = r.buf[n:]
	r.num, r.typ = num, typ
	return true
}

// Number returns the current field number
func (r *FieldReader) Number() protowire.Number {
	return r.num
}

// Bytes consumes a length-delimited field. The result is a copy.
func (r *FieldReader) Bytes() []byte {
	if r.typ != protowire.BytesType {
		r.err = fmt.Errorf("field %d: wire type %d is not bytes", r.num, r.typ)
		return nil
	}
	v, n := protowire.ConsumeBytes(r.buf)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return nil
	}
	r.buf = r.buf[n:]
	return append([]byte{}, v...)
}

// Varint consumes a varint field
func (r *FieldReader) Varint() uint64 {
	if r.typ != protowire.VarintType {
		r.err = fmt.Errorf("field %d: wire type %d is not varint", r.num, r.typ)
		return 0
	}
	v, n := protowire.ConsumeVarint(r.buf)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

// Bool consumes a varint field as a boolean
func (r *FieldReader) Bool() bool {
	return r.Varint() != 0
}

// Skip consumes a field this reader does not understand
func (r *FieldReader) Skip() {
	n := protowire.ConsumeFieldValue(r.num, r.typ, r.buf)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return
	}
	r.buf = r.buf[n:]
}

// Err returns the first decoding error
func (r *FieldReader) Err() error {
	return r.err
}

// AppendBytesField appends a length-delimited field
func AppendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendStringField appends a string field, omitting empty values
func AppendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// AppendVarintField appends a varint field, omitting zero values
func AppendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// AppendBoolField appends a boolean field, omitting false
func AppendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return AppendVarintField(b, num, 1)
}

// AppendMessageField appends an embedded message produced by enc
func AppendMessageField(b []byte, num protowire.Number, enc func([]byte) []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, enc(nil))
}
