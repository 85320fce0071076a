// Package protocol implements the framed binary wire format shared by the
// cachedb client and server.
//
// Frame layout (all integers big-endian):
//
//	opCode  (1 byte)  1=Pull, 2=Push, 3=PullReply
//	keySize (2 bytes)
//	key     (keySize bytes)
//	valSize (2 bytes)  -- Push and PullReply only
//	val     (valSize bytes)
//
// Pull frames carry no value fields at all. Zero-length keys and values are
// valid.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	e "github.com/cachedb/cachedb/internal/errors"
)

type OpCode byte

const (
	OpPull      OpCode = 1
	OpPush      OpCode = 2
	OpPullReply OpCode = 3
)

// MaxFieldSize bounds keys and values to what fits in the 16-bit size fields.
const MaxFieldSize = 1<<16 - 1

func (op OpCode) String() string {
	switch op {
	case OpPull:
		return "pull"
	case OpPush:
		return "push"
	case OpPullReply:
		return "pullReply"
	}
	return fmt.Sprintf("unknown(%d)", byte(op))
}

func (op OpCode) valid() bool {
	return op == OpPull || op == OpPush || op == OpPullReply
}

// hasValue reports whether frames with this op code carry the valSize/val
// fields.
func (op OpCode) hasValue() bool {
	return op == OpPush || op == OpPullReply
}

type Message struct {
	Op  OpCode
	Key []byte
	Val []byte
}

// Encode serializes the message into a single frame.
func (m Message) Encode() ([]byte, error) {
	if !m.Op.valid() {
		return nil, fmt.Errorf("%w: cannot encode op code %d", e.ProtocolError, byte(m.Op))
	}
	if len(m.Key) > MaxFieldSize {
		return nil, fmt.Errorf("%w: key too large (%d bytes)", e.ProtocolError, len(m.Key))
	}
	if m.Op.hasValue() && len(m.Val) > MaxFieldSize {
		return nil, fmt.Errorf("%w: value too large (%d bytes)", e.ProtocolError, len(m.Val))
	}

	size := 1 + 2 + len(m.Key)
	if m.Op.hasValue() {
		size += 2 + len(m.Val)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, byte(m.Op))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.Key)))
	buf = append(buf, m.Key...)
	if m.Op.hasValue() {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.Val)))
		buf = append(buf, m.Val...)
	}
	return buf, nil
}

// Decode parses a single frame from the front of data and returns the message
// together with the number of bytes consumed. A frame whose declared sizes
// exceed the bytes available is a protocol error.
func Decode(data []byte) (Message, int, error) {
	if len(data) < 1 {
		return Message{}, 0, fmt.Errorf("%w: empty frame", e.ProtocolError)
	}

	op := OpCode(data[0])
	if !op.valid() {
		return Message{}, 0, fmt.Errorf("%w: unknown op code %d", e.ProtocolError, data[0])
	}
	offset := 1

	key, n, err := decodeField(data[offset:], "key")
	if err != nil {
		return Message{}, 0, err
	}
	offset += n

	msg := Message{Op: op, Key: key}
	if !op.hasValue() {
		return msg, offset, nil
	}

	val, n, err := decodeField(data[offset:], "value")
	if err != nil {
		return Message{}, 0, err
	}
	offset += n

	msg.Val = val
	return msg, offset, nil
}

func decodeField(data []byte, name string) ([]byte, int, error) {
	if len(data) < 2 {
		return nil, 0, fmt.Errorf("%w: truncated %s size", e.ProtocolError, name)
	}
	size := int(binary.BigEndian.Uint16(data))
	if len(data) < 2+size {
		return nil, 0, fmt.Errorf("%w: %s truncated (declared %d bytes, have %d)", e.ProtocolError, name, size, len(data)-2)
	}

	field := make([]byte, size)
	copy(field, data[2:2+size])
	return field, 2 + size, nil
}

// Read reads exactly one frame from r. io.EOF is returned unwrapped when the
// stream ends cleanly on a frame boundary; errors mid-frame are transport
// errors.
func Read(r io.Reader) (Message, error) {
	var header [3]byte
	if _, err := io.ReadFull(r, header[:1]); err != nil {
		if err == io.EOF {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("%w: reading op code: %s", e.TransportError, err)
	}

	op := OpCode(header[0])
	if !op.valid() {
		return Message{}, fmt.Errorf("%w: unknown op code %d", e.ProtocolError, header[0])
	}

	key, err := readField(r, "key")
	if err != nil {
		return Message{}, err
	}

	msg := Message{Op: op, Key: key}
	if !op.hasValue() {
		return msg, nil
	}

	msg.Val, err = readField(r, "value")
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

func readField(r io.Reader, name string) ([]byte, error) {
	var sizeBuf [2]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: reading %s size: %s", e.TransportError, name, err)
	}

	field := make([]byte, binary.BigEndian.Uint16(sizeBuf[:]))
	if _, err := io.ReadFull(r, field); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %s", e.TransportError, name, err)
	}
	return field, nil
}

// Write encodes the message and writes the whole frame to w.
func Write(w io.Writer, msg Message) error {
	frame, err := msg.Encode()
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("%w: writing %s frame: %s", e.TransportError, msg.Op, err)
	}
	return nil
}
