package replaytrace

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/replaytrace/replaytrace-go/transform"
)

// TransformConfig is a loaded-and-compiled set of per-adapter
// transform rules, keyed by adapter name.
type TransformConfig struct {
	engines map[string]*transform.Engine
}

// EngineFor returns the compiled Engine for adapter, or nil if none
// was configured — kernel.Run treats a nil Engine as a no-op
// pass-through.
func (c TransformConfig) EngineFor(adapter string) *transform.Engine {
	if c.engines == nil {
		return nil
	}
	return c.engines[adapter]
}

// rawTransformConfig is the on-disk YAML shape: a map from adapter
// name ("http", "sql", "docstore", …) to that adapter's rule list.
type rawTransformConfig map[string][]transform.Rule

// LoadTransformConfig reads and compiles a per-adapter transform
// config from a YAML file at path.
func LoadTransformConfig(path string) (TransformConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return TransformConfig{}, fmt.Errorf("replaytrace: read transform config %s: %w", path, err)
	}
	return ParseTransformConfig(b)
}

// ParseTransformConfig is LoadTransformConfig without the filesystem
// read, for hosts that already have the document in memory. A rule
// with an invalid regex makes the whole parse fail with a wrapped
// error naming its adapter; no engine is returned for any adapter, and
// the other rules are not kept.
func ParseTransformConfig(b []byte) (TransformConfig, error) {
	var raw rawTransformConfig
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return TransformConfig{}, fmt.Errorf("replaytrace: parse transform config: %w", err)
	}

	out := TransformConfig{engines: make(map[string]*transform.Engine, len(raw))}
	for adapter, rules := range raw {
		eng, err := transform.Compile(transform.Config{Rules: rules})
		if err != nil {
			return TransformConfig{}, fmt.Errorf("replaytrace: compile transform rules for %q: %w", adapter, err)
		}
		out.engines[adapter] = eng
	}
	return out, nil
}
