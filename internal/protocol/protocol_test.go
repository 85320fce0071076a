package protocol

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	e "github.com/cachedb/cachedb/internal/errors"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	sizes := []int{0, 1, MaxFieldSize}

	for _, op := range []OpCode{OpPull, OpPush, OpPullReply} {
		for _, keySize := range sizes {
			for _, valSize := range sizes {
				msg := Message{
					Op:  op,
					Key: bytes.Repeat([]byte{'k'}, keySize),
				}
				if op.hasValue() {
					msg.Val = bytes.Repeat([]byte{'v'}, valSize)
				}

				t.Run(msg.Op.String(), func(t *testing.T) {
					t.Parallel()

					frame, err := msg.Encode()
					require.NoError(t, err)

					decoded, consumed, err := Decode(frame)
					require.NoError(t, err)
					require.Equal(t, len(frame), consumed)

					require.Equal(t, msg.Op, decoded.Op)
					require.Equal(t, msg.Key, decoded.Key)
					if op.hasValue() {
						require.Equal(t, msg.Val, decoded.Val)
					} else {
						require.Nil(t, decoded.Val)
					}

					reencoded, err := decoded.Encode()
					require.NoError(t, err)
					require.Equal(t, frame, reencoded)
				})
			}
		}
	}
}

func TestPullFramesCarryNoValue(t *testing.T) {
	t.Parallel()

	frame, err := Message{Op: OpPull, Key: []byte("k")}.Encode()
	require.NoError(t, err)

	// op + keySize + key, nothing else
	require.Equal(t, []byte{1, 0, 1, 'k'}, frame)
}

func TestEncodeRejectsOversizedFields(t *testing.T) {
	t.Parallel()

	huge := make([]byte, MaxFieldSize+1)

	_, err := Message{Op: OpPull, Key: huge}.Encode()
	require.ErrorIs(t, err, e.ProtocolError)

	_, err = Message{Op: OpPush, Key: []byte("k"), Val: huge}.Encode()
	require.ErrorIs(t, err, e.ProtocolError)

	// Pull ignores the value entirely, so an oversized value is fine
	_, err = Message{Op: OpPull, Key: []byte("k"), Val: huge}.Encode()
	require.NoError(t, err)
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		frame []byte
	}{
		{name: "empty", frame: []byte{}},
		{name: "unknown op code", frame: []byte{9, 0, 0}},
		{name: "zero op code", frame: []byte{0, 0, 0}},
		{name: "missing key size", frame: []byte{1, 0}},
		{name: "truncated key", frame: []byte{1, 0, 5, 'a', 'b'}},
		{name: "push missing value size", frame: []byte{2, 0, 1, 'k', 0}},
		{name: "push truncated value", frame: []byte{2, 0, 1, 'k', 0, 3, 'v'}},
		{name: "reply truncated value", frame: []byte{3, 0, 0, 0, 2, 'v'}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			_, _, err := Decode(c.frame)
			require.ErrorIs(t, err, e.ProtocolError)
		})
	}
}

func TestDecodeEmptyKeyAndValue(t *testing.T) {
	t.Parallel()

	msg, consumed, err := Decode([]byte{3, 0, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, 5, consumed)
	assert.Equal(t, OpPullReply, msg.Op)
	assert.Empty(t, msg.Key)
	assert.Empty(t, msg.Val)
}

func TestDecodeReturnsConsumedLengthForTrailingData(t *testing.T) {
	t.Parallel()

	first, err := Message{Op: OpPush, Key: []byte("k"), Val: []byte("v")}.Encode()
	require.NoError(t, err)
	second, err := Message{Op: OpPull, Key: []byte("other")}.Encode()
	require.NoError(t, err)

	stream := append(append([]byte{}, first...), second...)

	msg, consumed, err := Decode(stream)
	require.NoError(t, err)
	assert.Equal(t, len(first), consumed)
	assert.Equal(t, OpPush, msg.Op)

	msg, consumed, err = Decode(stream[consumed:])
	require.NoError(t, err)
	assert.Equal(t, len(second), consumed)
	assert.Equal(t, OpPull, msg.Op)
	assert.Equal(t, []byte("other"), msg.Key)
}

func TestReadFromStream(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, Message{Op: OpPush, Key: []byte("key"), Val: []byte("value")}))
	require.NoError(t, Write(&buf, Message{Op: OpPull, Key: []byte("key")}))

	msg, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, OpPush, msg.Op)
	assert.Equal(t, []byte("key"), msg.Key)
	assert.Equal(t, []byte("value"), msg.Val)

	msg, err = Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, OpPull, msg.Op)

	_, err = Read(&buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadUnknownOpCodeIsProtocolError(t *testing.T) {
	t.Parallel()

	_, err := Read(strings.NewReader("\x07\x00\x00"))
	require.ErrorIs(t, err, e.ProtocolError)
}

func TestReadTruncatedStreamIsTransportError(t *testing.T) {
	t.Parallel()

	// Declares a 5 byte key but the stream ends after 2
	_, err := Read(strings.NewReader("\x01\x00\x05ab"))
	require.ErrorIs(t, err, e.TransportError)
}
