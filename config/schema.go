package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"
)

const schemaSource = `
#Config: {
	flags?: {
		"serialize-inner"?:         bool
		"trace-serializer"?:        bool
		"profile-deserialization"?: bool
		"zap-handles"?:             bool
		"debug-code"?:              bool
	}
	heap?: {
		"max-heap-size"?: int & >=1048576
		"address-seed"?:  int & >=0
	}
	isolate?: {
		"cpu-features"?: [...("sse3" | "ssse3" | "sse4_1" | "sse4_2" | "avx" | "avx2" | "popcnt" | "lzcnt" | "bmi1" | "bmi2")]
	}
	snapshot?: {
		output?:   string
		compress?: bool
	}
	"code-cache"?: {
		path?: string
	}
}
`

// Validate checks a TOML document against the configuration schema.
// Unknown keys and mistyped values are rejected.
func Validate(data []byte) error {
	var raw map[string]any
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return fmt.Errorf("parse error: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compiling schema: %w", err)
	}
	v := schema.Unify(ctx.Encode(raw))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
