package config

import (
	"fmt"

	"github.com/klauspost/cpuid/v2"
)

// CPU feature bits stored in code cache headers.
const (
	CPUSSE3 uint32 = 1 << iota
	CPUSSSE3
	CPUSSE41
	CPUSSE42
	CPUAVX
	CPUAVX2
	CPUPOPCNT
	CPULZCNT
	CPUBMI1
	CPUBMI2
)

var cpuFeatureNames = map[string]uint32{
	"sse3":   CPUSSE3,
	"ssse3":  CPUSSSE3,
	"sse4_1": CPUSSE41,
	"sse4_2": CPUSSE42,
	"avx":    CPUAVX,
	"avx2":   CPUAVX2,
	"popcnt": CPUPOPCNT,
	"lzcnt":  CPULZCNT,
	"bmi1":   CPUBMI1,
	"bmi2":   CPUBMI2,
}

// ParseCPUFeatures turns feature names into a bitmask.
func ParseCPUFeatures(names []string) (uint32, error) {
	var mask uint32
	for _, n := range names {
		bit, ok := cpuFeatureNames[n]
		if !ok {
			return 0, fmt.Errorf("unknown cpu feature %q", n)
		}
		mask |= bit
	}
	return mask, nil
}

// DetectCPUFeatures probes the host.
func DetectCPUFeatures() uint32 {
	var mask uint32
	probe := []struct {
		id  cpuid.FeatureID
		bit uint32
	}{
		{cpuid.SSE3, CPUSSE3},
		{cpuid.SSSE3, CPUSSSE3},
		{cpuid.SSE4, CPUSSE41},
		{cpuid.SSE42, CPUSSE42},
		{cpuid.AVX, CPUAVX},
		{cpuid.AVX2, CPUAVX2},
		{cpuid.POPCNT, CPUPOPCNT},
		{cpuid.LZCNT, CPULZCNT},
		{cpuid.BMI1, CPUBMI1},
		{cpuid.BMI2, CPUBMI2},
	}
	for _, p := range probe {
		if cpuid.CPU.Supports(p.id) {
			mask |= p.bit
		}
	}
	return mask
}

// CPUFeatures returns the configured feature set, detecting it from the
// host when none is pinned.
func (c *Config) CPUFeatures() (uint32, error) {
	if len(c.Isolate.CPUFeatures) == 0 {
		return DetectCPUFeatures(), nil
	}
	return ParseCPUFeatures(c.Isolate.CPUFeatures)
}
