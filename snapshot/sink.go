package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncated is the panic value of a source read past its end when no
// fatal handler is installed.
var ErrTruncated = errors.New("snapshot stream truncated")

// maxInt is the largest value PutInt can encode.
const maxInt = 1<<30 - 1

// ---------------------------------------------------------------------------
// Byte sink
// ---------------------------------------------------------------------------

// SnapshotByteSink collects the serialized stream.
type SnapshotByteSink struct {
	data []byte
}

func NewSnapshotByteSink(initialSize int) *SnapshotByteSink {
	return &SnapshotByteSink{data: make([]byte, 0, initialSize)}
}

// Put appends one byte. The description names the byte for tracing.
func (s *SnapshotByteSink) Put(b byte, description string) {
	s.data = append(s.data, b)
}

// PutInt appends n in one to four bytes. The low two bits of the first
// byte hold the byte count minus one.
func (s *SnapshotByteSink) PutInt(n int, description string) {
	if n < 0 || n > maxInt {
		panic(fmt.Sprintf("snapshot: %s: integer %d out of range", description, n))
	}
	v := uint32(n) << 2
	switch {
	case n < 1<<6:
		s.data = append(s.data, byte(v))
	case n < 1<<14:
		v |= 1
		s.data = append(s.data, byte(v), byte(v>>8))
	case n < 1<<22:
		v |= 2
		s.data = append(s.data, byte(v), byte(v>>8), byte(v>>16))
	default:
		v |= 3
		s.data = binary.LittleEndian.AppendUint32(s.data, v)
	}
}

// PutRaw appends data verbatim.
func (s *SnapshotByteSink) PutRaw(data []byte, description string) {
	s.data = append(s.data, data...)
}

// Position is the number of bytes written so far.
func (s *SnapshotByteSink) Position() int { return len(s.data) }

// Data returns the stream.
func (s *SnapshotByteSink) Data() []byte { return s.data }

// ---------------------------------------------------------------------------
// Byte source
// ---------------------------------------------------------------------------

// SnapshotByteSource reads a stream written by SnapshotByteSink. Reading
// past the end is corruption and goes to Fatal.
type SnapshotByteSource struct {
	data []byte
	pos  int

	// Fatal reports corruption. It must not return.
	Fatal func(location, message string)
}

func NewSnapshotByteSource(data []byte) *SnapshotByteSource {
	return &SnapshotByteSource{data: data}
}

func (s *SnapshotByteSource) fail(location string, need int) {
	msg := fmt.Sprintf("need %d bytes at offset %d of %d", need, s.pos, len(s.data))
	if s.Fatal != nil {
		s.Fatal(location, msg)
	}
	panic(fmt.Errorf("%w: %s", ErrTruncated, msg))
}

func (s *SnapshotByteSource) HasMore() bool { return s.pos < len(s.data) }

func (s *SnapshotByteSource) Position() int { return s.pos }

func (s *SnapshotByteSource) Length() int { return len(s.data) }

// Get reads one byte.
func (s *SnapshotByteSource) Get() byte {
	if s.pos >= len(s.data) {
		s.fail("SnapshotByteSource::Get", 1)
	}
	b := s.data[s.pos]
	s.pos++
	return b
}

// GetInt reads a value written by PutInt.
func (s *SnapshotByteSource) GetInt() int {
	if s.pos >= len(s.data) {
		s.fail("SnapshotByteSource::GetInt", 1)
	}
	n := int(s.data[s.pos]&3) + 1
	if s.pos+n > len(s.data) {
		s.fail("SnapshotByteSource::GetInt", n)
	}
	var v uint32
	for i := n - 1; i >= 0; i-- {
		v = v<<8 | uint32(s.data[s.pos+i])
	}
	s.pos += n
	return int(v >> 2)
}

// CopyRaw copies the next len(dst) bytes into dst.
func (s *SnapshotByteSource) CopyRaw(dst []byte) {
	if s.pos+len(dst) > len(s.data) {
		s.fail("SnapshotByteSource::CopyRaw", len(dst))
	}
	copy(dst, s.data[s.pos:])
	s.pos += len(dst)
}

// Advance skips n bytes.
func (s *SnapshotByteSource) Advance(n int) {
	if s.pos+n > len(s.data) {
		s.fail("SnapshotByteSource::Advance", n)
	}
	s.pos += n
}
