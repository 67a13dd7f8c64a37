package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

const (
	// MaxMessageSize is the largest message body the 2-byte prefix can describe
	MaxMessageSize = 1<<16 - 1
	// MaxDataBlockSize bounds a single data block
	MaxDataBlockSize = 64 << 20
	// MaxDataBlocks bounds the data blocks of one message
	MaxDataBlocks = 1024
)

var (
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
	ErrBlockTooLarge   = errors.New("data block exceeds maximum size")
)

// writeFrame writes a frame with the format:
// - 2 bytes: message length (uint16, big endian)
// - N bytes: message body
// - data blocks, back to back, with lengths declared in the body
func writeFrame(w io.Writer, body []byte, blocks [][]byte) error {
	if len(body) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(body))
	}
	if len(blocks) > MaxDataBlocks {
		return fmt.Errorf("%w: %d blocks", ErrBlockTooLarge, len(blocks))
	}
	header := make([]byte, 2)
	binary.BigEndian.PutUint16(header, uint16(len(body)))

	bufs := net.Buffers{header, body}
	for _, blk := range blocks {
		if len(blk) > MaxDataBlockSize {
			return fmt.Errorf("%w: %d bytes", ErrBlockTooLarge, len(blk))
		}
		bufs = append(bufs, blk)
	}
	_, err := bufs.WriteTo(w)
	return err
}

// readBody reads the length prefix and message body of a frame
func readBody(r io.Reader) ([]byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	body := make([]byte, binary.BigEndian.Uint16(header[:]))
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, unexpected(err)
	}
	return body, nil
}

// readBlocks reads the data blocks that follow a message body
func readBlocks(r io.Reader, lengths []uint64) ([][]byte, error) {
	if len(lengths) == 0 {
		return nil, nil
	}
	if len(lengths) > MaxDataBlocks {
		return nil, fmt.Errorf("%w: %d blocks", ErrBlockTooLarge, len(lengths))
	}
	blocks := make([][]byte, len(lengths))
	for i, n := range lengths {
		if n > MaxDataBlockSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrBlockTooLarge, n)
		}
		blocks[i] = make([]byte, n)
		if _, err := io.ReadFull(r, blocks[i]); err != nil {
			return nil, unexpected(err)
		}
	}
	return blocks, nil
}

// unexpected turns a clean EOF inside a frame into io.ErrUnexpectedEOF
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// WriteRequest frames and writes a request
func WriteRequest(w io.Writer, req *Request) error {
	return writeFrame(w, MarshalRequest(req), req.DataBlocks)
}

// ReadRequest reads one framed request. io.EOF is returned only when the
// stream ends cleanly between frames.
func ReadRequest(r io.Reader) (*Request, error) {
	body, err := readBody(r)
	if err != nil {
		return nil, err
	}
	req, lengths, err := UnmarshalRequest(body)
	if err != nil {
		return nil, err
	}
	if req.DataBlocks, err = readBlocks(r, lengths); err != nil {
		return nil, err
	}
	return req, nil
}

// WriteResponse frames and writes a response
func WriteResponse(w io.Writer, resp *Response) error {
	return writeFrame(w, MarshalResponse(resp), resp.DataBlocks)
}

// ReadResponse reads one framed response
func ReadResponse(r io.Reader) (*Response, error) {
	body, err := readBody(r)
	if err != nil {
		return nil, err
	}
	resp, lengths, err := UnmarshalResponse(body)
	if err != nil {
		return nil, err
	}
	if resp.DataBlocks, err = readBlocks(r, lengths); err != nil {
		return nil, err
	}
	return resp, nil
}
