package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const fullConfig = `
[flags]
serialize-inner = true
trace-serializer = false
profile-deserialization = true
zap-handles = false
debug-code = true

[heap]
max-heap-size = 16777216
address-seed = 42

[isolate]
cpu-features = ["sse3", "avx2"]

[snapshot]
output = "out/startup.blob"
compress = false

[code-cache]
path = "cache/code.db"
`

func TestDefault(t *testing.T) {
	c := Default()
	if !c.Flags.ZapHandles || c.Flags.SerializeInner {
		t.Errorf("default flags = %+v", c.Flags)
	}
	if c.Snapshot.Output != "snapshot.blob" || !c.Snapshot.Compress {
		t.Errorf("default snapshot = %+v", c.Snapshot)
	}
	if err := Validate(nil); err != nil {
		t.Errorf("empty document rejected: %v", err)
	}
}

func TestParse(t *testing.T) {
	c, err := Parse([]byte(fullConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	want := Flags{SerializeInner: true, ProfileDeserialization: true, DebugCode: true}
	if c.Flags != want {
		t.Errorf("flags = %+v", c.Flags)
	}
	if c.Heap.MaxHeapSize != 16<<20 || c.Heap.AddressSeed != 42 {
		t.Errorf("heap = %+v", c.Heap)
	}
	if c.Snapshot.Output != "out/startup.blob" || c.Snapshot.Compress {
		t.Errorf("snapshot = %+v", c.Snapshot)
	}
	if c.CodeCache.Path != "cache/code.db" {
		t.Errorf("code cache = %+v", c.CodeCache)
	}
	cpu, err := c.CPUFeatures()
	if err != nil || cpu != CPUSSE3|CPUAVX2 {
		t.Errorf("CPUFeatures = %#x, %v", cpu, err)
	}
}

func TestParsePartialKeepsDefaults(t *testing.T) {
	c, err := Parse([]byte("[heap]\naddress-seed = 7\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if c.Heap.AddressSeed != 7 || c.Heap.MaxHeapSize != Default().Heap.MaxHeapSize {
		t.Errorf("heap = %+v", c.Heap)
	}
	if !c.Flags.ZapHandles {
		t.Errorf("default flag lost")
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown key", "[flags]\nbogus = true\n"},
		{"unknown table", "[network]\nport = 1\n"},
		{"wrong type", "[heap]\nmax-heap-size = \"big\"\n"},
		{"heap too small", "[heap]\nmax-heap-size = 1024\n"},
		{"negative seed", "[heap]\naddress-seed = -1\n"},
		{"unknown cpu feature", "[isolate]\ncpu-features = [\"mmx\"]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc)); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestParseSyntaxError(t *testing.T) {
	_, err := Parse([]byte("[flags\n"))
	if err == nil || errors.Is(err, ErrInvalidConfig) {
		t.Errorf("err = %v, want a parse error", err)
	}
}

// ---------------------------------------------------------------------------
// Files
// ---------------------------------------------------------------------------

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(fullConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Dir != dir {
		t.Errorf("Dir = %q, want %q", c.Dir, dir)
	}
	if got := c.ResolvePath(c.Snapshot.Output); got != filepath.Join(dir, "out", "startup.blob") {
		t.Errorf("ResolvePath = %q", got)
	}
	if got := c.ResolvePath("/abs/path"); got != "/abs/path" {
		t.Errorf("absolute path rewritten to %q", got)
	}

	if _, err := Load(t.TempDir()); err == nil {
		t.Errorf("Load of an empty directory succeeded")
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, FileName), []byte("[heap]\naddress-seed = 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	c, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c == nil || c.Dir != root || c.Heap.AddressSeed != 3 {
		t.Errorf("found %+v", c)
	}
}

// ---------------------------------------------------------------------------
// Flags and CPU features
// ---------------------------------------------------------------------------

func TestFlagsString(t *testing.T) {
	f := Flags{ZapHandles: true, DebugCode: true}
	want := "--debug-code --no-profile-deserialization --no-serialize-inner --no-trace-serializer --zap-handles"
	if got := f.String(); got != want {
		t.Errorf("String() = %q", got)
	}
}

func TestFlagsHash(t *testing.T) {
	base := Flags{}.Hash()
	if (Flags{TraceSerializer: true, ZapHandles: true, ProfileDeserialization: true}).Hash() != base {
		t.Errorf("diagnostic flags changed the hash")
	}
	if (Flags{DebugCode: true}).Hash() == base {
		t.Errorf("debug-code did not change the hash")
	}
	if (Flags{SerializeInner: true}).Hash() == base {
		t.Errorf("serialize-inner did not change the hash")
	}
}

func TestParseCPUFeatures(t *testing.T) {
	mask, err := ParseCPUFeatures([]string{"sse4_1", "bmi2", "sse4_1"})
	if err != nil || mask != CPUSSE41|CPUBMI2 {
		t.Errorf("mask = %#x, %v", mask, err)
	}
	if _, err := ParseCPUFeatures([]string{"3dnow"}); err == nil {
		t.Errorf("unknown feature accepted")
	}
	empty := &Config{}
	if got, err := empty.CPUFeatures(); err != nil || got != DetectCPUFeatures() {
		t.Errorf("unpinned features = %#x, %v", got, err)
	}
}
