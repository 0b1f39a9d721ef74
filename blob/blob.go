// Package blob stores startup snapshots on disk.
//
// A blob file is the four byte magic "HSNB", one format byte and a
// canonical CBOR map. The snapshot payloads may be snappy compressed; the
// build id is derived from the uncompressed payloads so that identical
// snapshots get identical ids.
package blob

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/heapsnap/snapshot"
)

var log = commonlog.GetLogger("heapsnap.blob")

var (
	ErrNotABlob = errors.New("not a startup blob")
	ErrCorrupt  = errors.New("corrupt startup blob")
)

const formatVersion = 1

var fileMagic = []byte("HSNB")

// buildNamespace scopes build ids to this file format.
var buildNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/chazu/heapsnap/blob"))

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("blob: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// StartupData is a startup snapshot plus the context snapshot created
// with it.
type StartupData struct {
	BuildID     uuid.UUID
	Version     string
	Flags       string
	CPUFeatures uint32
	Startup     []byte
	Context     []byte
}

// wireData is the encoded form.
type wireData struct {
	BuildID     []byte `cbor:"1,keyasint"`
	Version     string `cbor:"2,keyasint"`
	Flags       string `cbor:"3,keyasint"`
	CPUFeatures uint32 `cbor:"4,keyasint"`
	Compressed  bool   `cbor:"5,keyasint"`
	Startup     []byte `cbor:"6,keyasint"`
	Context     []byte `cbor:"7,keyasint,omitempty"`
}

// New wraps a freshly created snapshot.
func New(snap *snapshot.Snapshot, flags string, cpuFeatures uint32) *StartupData {
	d := &StartupData{
		Version:     snapshot.Version,
		Flags:       flags,
		CPUFeatures: cpuFeatures,
		Startup:     snap.Startup.Bytes(),
	}
	if snap.Context != nil {
		d.Context = snap.Context.Bytes()
	}
	d.BuildID = d.computeBuildID()
	return d
}

func (d *StartupData) computeBuildID() uuid.UUID {
	content := make([]byte, 0, len(d.Startup)+len(d.Context)+1)
	content = append(content, d.Startup...)
	content = append(content, 0)
	content = append(content, d.Context...)
	return uuid.NewSHA1(buildNamespace, content)
}

// Snapshot returns the payloads as snapshot data. They still need a
// sanity check against the isolate that reads them.
func (d *StartupData) Snapshot() *snapshot.Snapshot {
	s := &snapshot.Snapshot{Startup: snapshot.SnapshotDataFromBytes(d.Startup)}
	if len(d.Context) > 0 {
		s.Context = snapshot.SnapshotDataFromBytes(d.Context)
	}
	return s
}

// HasContext reports whether a context snapshot is present.
func (d *StartupData) HasContext() bool { return len(d.Context) > 0 }

// Marshal encodes d, compressing the payloads when compress is set.
func Marshal(d *StartupData, compress bool) ([]byte, error) {
	w := wireData{
		BuildID:     d.BuildID[:],
		Version:     d.Version,
		Flags:       d.Flags,
		CPUFeatures: d.CPUFeatures,
		Compressed:  compress,
		Startup:     d.Startup,
		Context:     d.Context,
	}
	if compress {
		w.Startup = snappy.Encode(nil, d.Startup)
		if len(d.Context) > 0 {
			w.Context = snappy.Encode(nil, d.Context)
		}
	}
	body, err := cborEncMode.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("blob: marshal: %w", err)
	}
	out := make([]byte, 0, len(fileMagic)+1+len(body))
	out = append(out, fileMagic...)
	out = append(out, formatVersion)
	return append(out, body...), nil
}

// Unmarshal decodes a blob and verifies its build id.
func Unmarshal(data []byte) (*StartupData, error) {
	if len(data) < len(fileMagic)+1 || !bytes.Equal(data[:len(fileMagic)], fileMagic) {
		return nil, ErrNotABlob
	}
	if v := data[len(fileMagic)]; v != formatVersion {
		return nil, fmt.Errorf("%w: format version %d", ErrNotABlob, v)
	}
	var w wireData
	if err := cbor.Unmarshal(data[len(fileMagic)+1:], &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	id, err := uuid.FromBytes(w.BuildID)
	if err != nil {
		return nil, fmt.Errorf("%w: build id: %v", ErrCorrupt, err)
	}
	d := &StartupData{
		BuildID:     id,
		Version:     w.Version,
		Flags:       w.Flags,
		CPUFeatures: w.CPUFeatures,
		Startup:     w.Startup,
		Context:     w.Context,
	}
	if w.Compressed {
		if d.Startup, err = snappy.Decode(nil, w.Startup); err != nil {
			return nil, fmt.Errorf("%w: startup payload: %v", ErrCorrupt, err)
		}
		if len(w.Context) > 0 {
			if d.Context, err = snappy.Decode(nil, w.Context); err != nil {
				return nil, fmt.Errorf("%w: context payload: %v", ErrCorrupt, err)
			}
		}
	}
	if got := d.computeBuildID(); got != id {
		return nil, fmt.Errorf("%w: build id %s does not match contents (%s)", ErrCorrupt, id, got)
	}
	return d, nil
}

// WriteFile writes d to path.
func WriteFile(path string, d *StartupData, compress bool) error {
	data, err := Marshal(d, compress)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("blob: writing %s: %w", path, err)
	}
	log.Infof("wrote %s: %d bytes, build %s", path, len(data), d.BuildID)
	return nil
}

// ReadFile reads and verifies the blob at path.
func ReadFile(path string) (*StartupData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("blob: reading %s: %w", path, err)
	}
	d, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("blob: %s: %w", path, err)
	}
	log.Debugf("read %s: build %s, %s", path, d.BuildID, d.Version)
	return d, nil
}
