// Package wire implements the little-endian, fixed-width packet codec
// shared by the server and the client apply path. Every encode/decode
// function is pure: it operates on an in-memory buffer and returns an
// error rather than touching a connection.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// ErrMalformed is returned when a packet's tag or fields cannot be
// parsed from the supplied bytes.
var ErrMalformed = fmt.Errorf("wire: malformed packet")

func readUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, ErrMalformed
	}
	return b[0], nil
}

func writeUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func readUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, ErrMalformed
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func writeUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, ErrMalformed
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readInt32(r io.Reader) (int32, error) {
	v, err := readUint32(r)
	return int32(v), err
}

func writeInt32(w io.Writer, v int32) error {
	return writeUint32(w, uint32(v))
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, ErrMalformed
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readInt64(r io.Reader) (int64, error) {
	v, err := readUint64(r)
	return int64(v), err
}

func writeInt64(w io.Writer, v int64) error {
	return writeUint64(w, uint64(v))
}

func readFloat32(r io.Reader) (float32, error) {
	v, err := readUint32(r)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

func writeFloat32(w io.Writer, v float32) error {
	return writeUint32(w, math.Float32bits(v))
}

func readBool(r io.Reader) (bool, error) {
	b, err := readUint8(r)
	return b != 0, err
}

func writeBool(w io.Writer, v bool) error {
	if v {
		return writeUint8(w, 1)
	}
	return writeUint8(w, 0)
}

// readString reads a u16-length-prefixed UTF-8 string.
func readString(r io.Reader) (string, error) {
	n, err := readUint16(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", ErrMalformed
	}
	return string(buf), nil
}

// writeString writes a u16-length-prefixed UTF-8 string. The caller
// must ensure len(s) <= 65535.
func writeString(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("wire: string too long (%d bytes)", len(s))
	}
	if err := writeUint16(w, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}
