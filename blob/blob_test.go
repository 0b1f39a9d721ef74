package blob

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/chazu/heapsnap/snapshot"
)

func testData(startup, context string) *StartupData {
	snap := &snapshot.Snapshot{Startup: snapshot.SnapshotDataFromBytes([]byte(startup))}
	if context != "" {
		snap.Context = snapshot.SnapshotDataFromBytes([]byte(context))
	}
	return New(snap, "--no-serialize-inner --no-debug-code", 0x3)
}

func TestRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		d := testData("startup payload startup payload startup payload", "context payload")
		data, err := Marshal(d, compress)
		if err != nil {
			t.Fatalf("Marshal(compress=%v) failed: %v", compress, err)
		}
		got, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("Unmarshal(compress=%v) failed: %v", compress, err)
		}
		if got.BuildID != d.BuildID || got.Version != snapshot.Version || got.Flags != d.Flags || got.CPUFeatures != 3 {
			t.Errorf("compress=%v: header = %+v", compress, got)
		}
		if string(got.Startup) != string(d.Startup) || string(got.Context) != string(d.Context) {
			t.Errorf("compress=%v: payloads differ", compress)
		}
		if !got.HasContext() {
			t.Errorf("compress=%v: context lost", compress)
		}
	}
}

func TestWithoutContext(t *testing.T) {
	d := testData("startup only", "")
	data, err := Marshal(d, true)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.HasContext() || got.Snapshot().Context != nil {
		t.Errorf("context appeared from nowhere")
	}
}

func TestBuildIDDeterministic(t *testing.T) {
	a := testData("same", "bytes")
	b := testData("same", "bytes")
	c := testData("same", "other")
	if a.BuildID != b.BuildID {
		t.Errorf("identical contents got ids %s and %s", a.BuildID, b.BuildID)
	}
	if a.BuildID == c.BuildID {
		t.Errorf("different contents share id %s", a.BuildID)
	}
	if a.BuildID.Version() != 5 {
		t.Errorf("build id version = %d", a.BuildID.Version())
	}
	first, _ := Marshal(a, false)
	second, _ := Marshal(b, false)
	if !bytes.Equal(first, second) {
		t.Errorf("encoding is not canonical")
	}
}

func TestTamperedPayload(t *testing.T) {
	d := testData("startup payload", "context payload")
	data, err := Marshal(d, false)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	i := bytes.Index(data, []byte("startup payload"))
	if i < 0 {
		t.Fatalf("payload not found in encoding")
	}
	data[i] ^= 0x20
	if _, err := Unmarshal(data); !errors.Is(err, ErrCorrupt) {
		t.Errorf("err = %v, want ErrCorrupt", err)
	}
}

func TestNotABlob(t *testing.T) {
	tests := [][]byte{nil, []byte("HSN"), []byte("ELF\x7f\x01"), append([]byte("HSNB"), 9)}
	for _, data := range tests {
		if _, err := Unmarshal(data); !errors.Is(err, ErrNotABlob) {
			t.Errorf("Unmarshal(%q) err = %v, want ErrNotABlob", data, err)
		}
	}
	if _, err := Unmarshal(append([]byte("HSNB\x01"), 0xff, 0x00)); !errors.Is(err, ErrCorrupt) {
		t.Errorf("garbage body err = %v, want ErrCorrupt", err)
	}
}

func TestFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.blob")
	d := testData("file startup", "file context")
	if err := WriteFile(path, d, true); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if got.BuildID != d.BuildID {
		t.Errorf("build id = %s, want %s", got.BuildID, d.BuildID)
	}
	if _, err := ReadFile(filepath.Join(t.TempDir(), "missing.blob")); err == nil {
		t.Errorf("ReadFile of a missing file succeeded")
	}
}
