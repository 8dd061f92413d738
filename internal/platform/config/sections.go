package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-ini/ini"
	"gopkg.in/yaml.v3"
)

// sections is the decoder-neutral view of a config file: section name to
// key/value pairs, all values kept as raw strings.
type sections map[string]map[string]string

func decodeINI(data []byte) (sections, error) {
	f, err := ini.LoadSources(ini.LoadOptions{SpaceBeforeInlineComment: true}, data)
	if err != nil {
		return nil, fmt.Errorf("decode ini: %w", err)
	}
	out := sections{}
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection && len(sec.Keys()) == 0 {
			continue
		}
		values := make(map[string]string, len(sec.Keys()))
		for _, key := range sec.Keys() {
			values[key.Name()] = key.Value()
		}
		out[strings.ToLower(sec.Name())] = values
	}
	return out, nil
}

func decodeYAML(data []byte) (sections, error) {
	var raw map[string]map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	out := sections{}
	for name, values := range raw {
		sec := make(map[string]string, len(values))
		for k, v := range values {
			sec[k] = yamlScalar(v)
		}
		out[strings.ToLower(name)] = sec
	}
	return out, nil
}

func yamlScalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, yamlScalar(item))
		}
		return strings.Join(parts, " ")
	default:
		return fmt.Sprint(t)
	}
}

// section returns a copy of the named section; missing sections are empty.
func (s sections) section(name string) map[string]string {
	out := map[string]string{}
	for k, v := range s[name] {
		out[k] = v
	}
	return out
}

func (s sections) view(name string) sectionView {
	return sectionView{name: name, values: s[name]}
}

type sectionView struct {
	name   string
	values map[string]string
}

func (v sectionView) lookup(key string) (string, bool) {
	val, ok := v.values[key]
	return val, ok
}

// raw returns the value untrimmed; used where exact equality matters.
func (v sectionView) raw(key string) string {
	return v.values[key]
}

func (v sectionView) str(key, def string) string {
	val, ok := v.values[key]
	if !ok || strings.TrimSpace(val) == "" {
		return def
	}
	return strings.TrimSpace(val)
}

func (v sectionView) boolean(key string, def bool) (bool, error) {
	val, ok := v.values[key]
	if !ok || strings.TrimSpace(val) == "" {
		return def, nil
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("parse %s.%s: invalid boolean %q", v.name, key, val)
}

func (v sectionView) integer(key string, def int) (int, error) {
	val, ok := v.values[key]
	if !ok || strings.TrimSpace(val) == "" {
		return def, nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return 0, fmt.Errorf("parse %s.%s: %w", v.name, key, err)
	}
	return i, nil
}

func (v sectionView) duration(key string, def time.Duration) (time.Duration, error) {
	val, ok := v.values[key]
	if !ok || strings.TrimSpace(val) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil {
		return 0, fmt.Errorf("parse %s.%s: %w", v.name, key, err)
	}
	return d, nil
}

func (v sectionView) list(key string) []string {
	return strings.Fields(v.values[key])
}
