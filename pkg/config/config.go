package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Load reads a config file and returns it as a map. Files ending in .yaml or
// .yml are parsed as YAML, everything else as JSON.
func Load(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg map[string]interface{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	return cfg, nil
}

// ApplyToFlags overrides flag defaults from config for any flag not
// explicitly set on the command line. Call this AFTER parsing. Keys in the
// config can use either hyphens or underscores (e.g. "log-level" or
// "log_level" both match the --log-level flag). Unknown keys are returned so
// the caller can warn about them.
func ApplyToFlags(fs *pflag.FlagSet, cfg map[string]interface{}) (unknown []string, err error) {
	used := make(map[string]bool)
	fs.VisitAll(func(f *pflag.Flag) {
		key := f.Name
		val, ok := cfg[key]
		if !ok {
			// Try underscore variant: log-level → log_level
			key = strings.ReplaceAll(f.Name, "-", "_")
			val, ok = cfg[key]
		}
		if !ok {
			return
		}
		used[key] = true
		if f.Changed || err != nil {
			return
		}

		var s string
		switch v := val.(type) {
		case string:
			s = v
		case float64:
			s = strconv.FormatFloat(v, 'f', -1, 64) // JSON numbers
		case int, int64, uint64, bool:
			s = fmt.Sprintf("%v", v)
		default:
			err = fmt.Errorf("config key %q: unsupported value %v", key, val)
			return
		}
		if serr := f.Value.Set(s); serr != nil {
			err = fmt.Errorf("config key %q: %w", key, serr)
		}
	})

	for k := range cfg {
		if !used[k] {
			unknown = append(unknown, k)
		}
	}
	return unknown, err
}
