package store

import (
	"bytes"
	"encoding/binary"
	"time"
)

// timeLayout is a fixed-width 25-byte RFC 3339 rendering (UTC, four
// fractional digits) used for every persisted timestamp, so values can be
// decoded without a length prefix.
const timeLayout = "2006-01-02T15:04:05.0000Z"
const timeLayoutLen = 25

func writeBytes(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

func readBytes(input []byte) (out []byte, rest []byte, err error) {
	if len(input) < 4 {
		return nil, input, errShort("byte slice length prefix")
	}
	n := binary.BigEndian.Uint32(input[:4])
	input = input[4:]
	if uint64(len(input)) < uint64(n) {
		return nil, input, errShort("byte slice body")
	}
	out = make([]byte, n)
	copy(out, input[:n])
	return out, input[n:], nil
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func readString(input []byte) (string, []byte, error) {
	b, rest, err := readBytes(input)
	if err != nil {
		return "", rest, err
	}
	return string(b), rest, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readUint32(input []byte) (uint32, []byte, error) {
	if len(input) < 4 {
		return 0, input, errShort("uint32")
	}
	return binary.BigEndian.Uint32(input[:4]), input[4:], nil
}

func writeTime(buf *bytes.Buffer, t time.Time) {
	buf.WriteString(t.UTC().Format(timeLayout))
}

func readTime(input []byte) (time.Time, []byte, error) {
	if len(input) < timeLayoutLen {
		return time.Time{}, input, errShort("timestamp")
	}
	t, err := time.Parse(timeLayout, string(input[:timeLayoutLen]))
	if err != nil {
		return time.Time{}, input, err
	}
	return t, input[timeLayoutLen:], nil
}

type decodeError struct {
	field string
}

func (e *decodeError) Error() string {
	return "store: truncated encoding: " + e.field
}

func errShort(field string) error {
	return &decodeError{field: field}
}
