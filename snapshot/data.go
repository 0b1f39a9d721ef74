package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"strings"

	"github.com/chazu/heapsnap/heap"
	"github.com/chazu/heapsnap/isolate"
	"github.com/zeebo/xxh3"
)

// ---------------------------------------------------------------------------
// Reservations
// ---------------------------------------------------------------------------

// Reservation is one chunk size of the reservation list. The high bit marks
// the last chunk of a space.
type Reservation uint32

const reservationLastBit = 1 << 31

func NewReservation(size uint32, last bool) Reservation {
	r := Reservation(size &^ reservationLastBit)
	if last {
		r |= reservationLastBit
	}
	return r
}

func (r Reservation) ChunkSize() uint32 { return uint32(r) &^ reservationLastBit }

func (r Reservation) IsLast() bool { return r&reservationLastBit != 0 }

func (r Reservation) MarkLast() Reservation { return r | reservationLastBit }

// ---------------------------------------------------------------------------
// Sanity checks
// ---------------------------------------------------------------------------

// SanityCheckResult says why serialized data was accepted or rejected.
type SanityCheckResult int

const (
	CheckSuccess SanityCheckResult = iota
	InvalidHeader
	MagicNumberMismatch
	VersionMismatch
	SourceMismatch
	CPUFeaturesMismatch
	FlagsMismatch
	LengthMismatch
	ChecksumMismatch
)

var sanityCheckNames = [...]string{
	"success", "invalid header", "magic number mismatch", "version mismatch", "source mismatch",
	"cpu features mismatch", "flags mismatch", "length mismatch", "checksum mismatch",
}

func (r SanityCheckResult) String() string {
	if r >= 0 && int(r) < len(sanityCheckNames) {
		return sanityCheckNames[r]
	}
	return fmt.Sprintf("SanityCheckResult(%d)", int(r))
}

// ErrRejected is wrapped by every rejection of serialized data.
var ErrRejected = errors.New("serialized data rejected")

// RejectionError carries the failed check.
type RejectionError struct {
	Reason SanityCheckResult
}

func (e *RejectionError) Error() string { return fmt.Sprintf("%v: %s", ErrRejected, e.Reason) }

func (e *RejectionError) Unwrap() error { return ErrRejected }

// ---------------------------------------------------------------------------
// Checksum
// ---------------------------------------------------------------------------

// Checksum is a Fletcher style sum over the payload in little-endian
// words, folded to two 32-bit halves.
type Checksum struct {
	A, B uint32
}

func NewChecksum(payload []byte) Checksum {
	var a, b uint64 = 1, 0
	n := len(payload) / heap.PointerSize * heap.PointerSize
	for i := 0; i < n; i += heap.PointerSize {
		a += binary.LittleEndian.Uint64(payload[i:])
		b += a
	}
	if tail := payload[n:]; len(tail) > 0 {
		var word [heap.PointerSize]byte
		copy(word[:], tail)
		a += binary.LittleEndian.Uint64(word[:])
		b += a
	}
	a ^= a >> 32
	b ^= b >> 32
	return Checksum{A: uint32(a), B: uint32(b)}
}

func (c Checksum) Check(a, b uint32) bool { return c.A == a && c.B == b }

// Combined folds both halves into one word.
func (c Checksum) Combined() uint32 { return c.A ^ bits.RotateLeft32(c.B, 16) }

// MagicNumber identifies the external reference table layout. Data
// written against a different table cannot be read.
func MagicNumber(iso *isolate.Isolate) uint32 {
	entries := iso.ExternalReferenceTable().Entries()
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return uint32(xxh3.HashString(strings.Join(names, "\n"))) ^ 0xC0DE0000
}

// SourceHash identifies the source a code cache was produced for.
func SourceHash(source string) uint32 { return uint32(xxh3.HashString(source)) }

func putUint32s(dst []byte, vs ...uint32) {
	for i, v := range vs {
		binary.LittleEndian.PutUint32(dst[i*4:], v)
	}
}

func getUint32(data []byte, offset int) uint32 {
	return binary.LittleEndian.Uint32(data[offset:])
}

func decodeReservationList(data []byte, count int) []Reservation {
	out := make([]Reservation, count)
	for i := range out {
		out[i] = Reservation(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

// ---------------------------------------------------------------------------
// Startup and context data
// ---------------------------------------------------------------------------

// Header layout of SnapshotData, in 32-bit words.
const (
	snapshotMagicOffset        = 0
	snapshotVersionOffset      = 4
	snapshotReservationsOffset = 8
	snapshotPayloadLenOffset   = 12
	snapshotChecksumOffset     = 16
	snapshotHeaderSize         = 20
)

// SnapshotData is a serialized startup or context stream with its header
// and reservation list.
type SnapshotData struct {
	data []byte
}

func NewSnapshotData(iso *isolate.Isolate, payload []byte, reservations []Reservation) *SnapshotData {
	size := snapshotHeaderSize + 4*len(reservations) + len(payload)
	data := make([]byte, size)
	for i, r := range reservations {
		binary.LittleEndian.PutUint32(data[snapshotHeaderSize+4*i:], uint32(r))
	}
	copy(data[snapshotHeaderSize+4*len(reservations):], payload)
	putUint32s(data,
		MagicNumber(iso),
		VersionHash(),
		uint32(len(reservations)),
		uint32(len(payload)),
		NewChecksum(data[snapshotHeaderSize:]).Combined(),
	)
	return &SnapshotData{data: data}
}

// SnapshotDataFromBytes wraps data read back from storage. Call
// SanityCheck before using it.
func SnapshotDataFromBytes(data []byte) *SnapshotData { return &SnapshotData{data: data} }

func (d *SnapshotData) Bytes() []byte { return d.data }

func (d *SnapshotData) numReservations() int { return int(getUint32(d.data, snapshotReservationsOffset)) }

func (d *SnapshotData) SanityCheck(iso *isolate.Isolate) SanityCheckResult {
	if len(d.data) < snapshotHeaderSize {
		return InvalidHeader
	}
	if getUint32(d.data, snapshotMagicOffset) != MagicNumber(iso) {
		return MagicNumberMismatch
	}
	if getUint32(d.data, snapshotVersionOffset) != VersionHash() {
		return VersionMismatch
	}
	n := uint64(d.numReservations())
	length := uint64(getUint32(d.data, snapshotPayloadLenOffset))
	if snapshotHeaderSize+4*n+length != uint64(len(d.data)) {
		return LengthMismatch
	}
	// The checksum covers the reservations as well as the payload.
	if NewChecksum(d.data[snapshotHeaderSize:]).Combined() != getUint32(d.data, snapshotChecksumOffset) {
		return ChecksumMismatch
	}
	return CheckSuccess
}

func (d *SnapshotData) Reservations() []Reservation {
	return decodeReservationList(d.data[snapshotHeaderSize:], d.numReservations())
}

func (d *SnapshotData) Payload() []byte {
	return d.data[snapshotHeaderSize+4*d.numReservations():]
}

// ---------------------------------------------------------------------------
// Code cache data
// ---------------------------------------------------------------------------

// Header layout of SerializedCodeData, in 32-bit words.
const (
	codeMagicOffset         = 0
	codeVersionOffset       = 4
	codeSourceHashOffset    = 8
	codeCPUFeaturesOffset   = 12
	codeFlagHashOffset      = 16
	codeInternalizedOffset  = 20
	codeReservationsOffset  = 24
	codeStubKeysOffset      = 28
	codePayloadLengthOffset = 32
	codeChecksum1Offset     = 36
	codeChecksum2Offset     = 40
	codeHeaderSize          = 44
)

// SerializedCodeData is a code cache: one compiled script, the stub keys
// it needs and the checks that bind it to a source and an engine build.
type SerializedCodeData struct {
	data []byte
}

func newSerializedCodeData(payload []byte, cs *CodeSerializer) *SerializedCodeData {
	iso := cs.iso
	reservations := cs.EncodeReservations()
	keys := cs.stubKeys
	payloadOffset := heap.RoundUp(codeHeaderSize+4*(len(reservations)+len(keys)), heap.PointerSize)
	data := make([]byte, payloadOffset+len(payload))
	off := codeHeaderSize
	for _, r := range reservations {
		binary.LittleEndian.PutUint32(data[off:], uint32(r))
		off += 4
	}
	for _, k := range keys {
		binary.LittleEndian.PutUint32(data[off:], k)
		off += 4
	}
	copy(data[payloadOffset:], payload)
	// The checksum covers the reservations and stub keys too.
	sum := NewChecksum(data[codeHeaderSize:])
	putUint32s(data,
		MagicNumber(iso),
		VersionHash(),
		SourceHash(cs.h.StringContent(cs.source.Address())),
		iso.CPUFeatures(),
		iso.Flags().Hash(),
		uint32(cs.numInternalizedStrings),
		uint32(len(reservations)),
		uint32(len(keys)),
		uint32(len(payload)),
		sum.A,
		sum.B,
	)
	return &SerializedCodeData{data: data}
}

// SerializedCodeDataFromBytes wraps a cache read back from storage.
func SerializedCodeDataFromBytes(data []byte) *SerializedCodeData {
	return &SerializedCodeData{data: data}
}

func (d *SerializedCodeData) Bytes() []byte { return d.data }

func (d *SerializedCodeData) numReservations() int { return int(getUint32(d.data, codeReservationsOffset)) }

func (d *SerializedCodeData) numStubKeys() int { return int(getUint32(d.data, codeStubKeysOffset)) }

func (d *SerializedCodeData) payloadOffset() int {
	return heap.RoundUp(codeHeaderSize+4*(d.numReservations()+d.numStubKeys()), heap.PointerSize)
}

// NumInternalizedStrings is the number of internalized strings the
// payload allocates.
func (d *SerializedCodeData) NumInternalizedStrings() int {
	return int(getUint32(d.data, codeInternalizedOffset))
}

func (d *SerializedCodeData) SanityCheck(iso *isolate.Isolate, source string) SanityCheckResult {
	if len(d.data) < codeHeaderSize {
		return InvalidHeader
	}
	switch {
	case getUint32(d.data, codeMagicOffset) != MagicNumber(iso):
		return MagicNumberMismatch
	case getUint32(d.data, codeVersionOffset) != VersionHash():
		return VersionMismatch
	case getUint32(d.data, codeSourceHashOffset) != SourceHash(source):
		return SourceMismatch
	case getUint32(d.data, codeCPUFeaturesOffset) != iso.CPUFeatures():
		return CPUFeaturesMismatch
	case getUint32(d.data, codeFlagHashOffset) != iso.Flags().Hash():
		return FlagsMismatch
	}
	lists := uint64(d.numReservations()) + uint64(d.numStubKeys())
	offset := uint64(heap.RoundUp(int(min(lists, uint64(len(d.data)))*4)+codeHeaderSize, heap.PointerSize))
	if offset+uint64(getUint32(d.data, codePayloadLengthOffset)) != uint64(len(d.data)) {
		return LengthMismatch
	}
	if !NewChecksum(d.data[codeHeaderSize:]).Check(getUint32(d.data, codeChecksum1Offset), getUint32(d.data, codeChecksum2Offset)) {
		return ChecksumMismatch
	}
	return CheckSuccess
}

func (d *SerializedCodeData) Reservations() []Reservation {
	return decodeReservationList(d.data[codeHeaderSize:], d.numReservations())
}

// CodeStubKeys lists the stubs the payload refers to, in attachment order.
func (d *SerializedCodeData) CodeStubKeys() []uint32 {
	n := d.numStubKeys()
	base := codeHeaderSize + 4*d.numReservations()
	keys := make([]uint32, n)
	for i := range keys {
		keys[i] = getUint32(d.data, base+4*i)
	}
	return keys
}

func (d *SerializedCodeData) Payload() []byte { return d.data[d.payloadOffset():] }
