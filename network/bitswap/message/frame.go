package message

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrMessageTooLarge is returned when a frame announces a body larger than
// the reader accepts.
var ErrMessageTooLarge = errors.New("message exceeds maximum size")

// WriteFrame writes m as a uvarint length prefix followed by the encoded
// body and returns the number of body bytes written.
func WriteFrame(w io.Writer, m *Message) (int, error) {
	data := Encode(m)
	lenBuf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(lenBuf, uint64(len(data)))

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(lenBuf[:n]); err != nil {
		return 0, err
	}
	if _, err := bw.Write(data); err != nil {
		return 0, err
	}
	if err := bw.Flush(); err != nil {
		return 0, err
	}
	return len(data), nil
}

// ReadFrame reads one length prefixed message. io.EOF is returned unwrapped
// when the stream ends cleanly between frames.
func ReadFrame(r *bufio.Reader, maxSize int, opts DecodeOptions) (*Message, int, error) {
	msgLen, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, 0, err
	}
	if maxSize > 0 && msgLen > uint64(maxSize) {
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, msgLen, maxSize)
	}

	buf := make([]byte, msgLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, 0, fmt.Errorf("failed to read message body: %w", err)
	}

	m, err := Decode(buf, opts)
	if err != nil {
		return nil, 0, err
	}
	return m, int(msgLen), nil
}
