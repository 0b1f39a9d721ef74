// Package config handles heapsnap.toml configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/zeebo/xxh3"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "heapsnap.toml"

// ErrInvalidConfig is returned when a document fails schema validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents a heapsnap.toml configuration.
type Config struct {
	Flags     Flags           `toml:"flags"`
	Heap      HeapConfig      `toml:"heap"`
	Isolate   IsolateConfig   `toml:"isolate"`
	Snapshot  SnapshotConfig  `toml:"snapshot"`
	CodeCache CodeCacheConfig `toml:"code-cache"`

	// Dir is the directory containing the file (set at load time).
	Dir string `toml:"-"`
}

// Flags are engine switches. Those that change generated code feed the
// flags hash stored in code caches.
type Flags struct {
	SerializeInner         bool `toml:"serialize-inner"`
	TraceSerializer        bool `toml:"trace-serializer"`
	ProfileDeserialization bool `toml:"profile-deserialization"`
	ZapHandles             bool `toml:"zap-handles"`
	DebugCode              bool `toml:"debug-code"`
}

// HeapConfig sizes and places the heap.
type HeapConfig struct {
	MaxHeapSize int `toml:"max-heap-size"`
	// AddressSeed fixes the address space layout; 0 picks a random one.
	AddressSeed int64 `toml:"address-seed"`
}

// IsolateConfig pins isolate properties.
type IsolateConfig struct {
	// CPUFeatures overrides host detection when non-empty.
	CPUFeatures []string `toml:"cpu-features"`
}

// SnapshotConfig configures startup blob output.
type SnapshotConfig struct {
	Output   string `toml:"output"`
	Compress bool   `toml:"compress"`
}

// CodeCacheConfig configures the persistent code cache.
type CodeCacheConfig struct {
	Path string `toml:"path"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Flags: Flags{ZapHandles: true},
		Heap:  HeapConfig{MaxHeapSize: 64 << 20},
		Snapshot: SnapshotConfig{
			Output:   "snapshot.blob",
			Compress: true,
		},
		CodeCache: CodeCacheConfig{Path: "codecache.db"},
	}
}

// Parse validates data against the schema and decodes it over the defaults.
func Parse(data []byte) (*Config, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}
	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return c, nil
}

// Load parses the heapsnap.toml file in dir.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a heapsnap.toml file. It
// returns nil if there is none.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			return Load(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// ResolvePath makes p relative to the configuration's directory.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// String renders the flags as a sorted command line.
func (f Flags) String() string {
	parts := []string{
		flagString("serialize-inner", f.SerializeInner),
		flagString("trace-serializer", f.TraceSerializer),
		flagString("profile-deserialization", f.ProfileDeserialization),
		flagString("zap-handles", f.ZapHandles),
		flagString("debug-code", f.DebugCode),
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

func flagString(name string, on bool) string {
	if on {
		return "--" + name
	}
	return "--no-" + name
}

// Hash covers the flags that change generated code.
func (f Flags) Hash() uint32 {
	s := flagString("serialize-inner", f.SerializeInner) + " " + flagString("debug-code", f.DebugCode)
	return uint32(xxh3.HashString(s))
}
