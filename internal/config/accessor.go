package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// GetByPath returns the value at a dot-notation path such as "server.port".
// Numeric segments index into lists.
func GetByPath(cfg *Config, path string) (any, error) {
	tree, err := toMap(cfg)
	if err != nil {
		return nil, err
	}
	var node any = tree
	for i, key := range splitPath(path) {
		switch v := node.(type) {
		case map[string]any:
			child, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("unknown key %q in %s (have: %s)", key, parentPath(path, i), strings.Join(sortedKeys(v), ", "))
			}
			node = child
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("index %q out of range in %s", key, parentPath(path, i))
			}
			node = v[idx]
		default:
			return nil, fmt.Errorf("%s is a %T, not a section", parentPath(path, i), node)
		}
	}
	return node, nil
}

// SetByPath assigns value at a dot-notation path. String values are read as
// YAML scalars or flow lists, so "true", "9000" and "[a, b]" get their natural
// types. Paths that do not name a config field are rejected.
func SetByPath(cfg *Config, path string, value any) error {
	keys := splitPath(path)
	if len(keys) == 0 {
		return fmt.Errorf("empty path")
	}
	tree, err := toMap(cfg)
	if err != nil {
		return err
	}

	section := tree
	for i, key := range keys[:len(keys)-1] {
		child, ok := section[key]
		if !ok {
			child = make(map[string]any)
			section[key] = child
		}
		m, ok := child.(map[string]any)
		if !ok {
			return fmt.Errorf("%s is a %T, not a section", parentPath(path, i+1), child)
		}
		section = m
	}
	section[keys[len(keys)-1]] = parseValue(value)

	data, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var updated Config
	if err := dec.Decode(&updated); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	*cfg = updated
	return nil
}

// parseValue types a command-line string. Anything that does not decode to a
// scalar or a list stays a string.
func parseValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	var decoded any
	if err := yaml.Unmarshal([]byte(s), &decoded); err != nil {
		return s
	}
	switch decoded.(type) {
	case bool, int, int64, float64, []any:
		return decoded
	default:
		return s
	}
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// parentPath is the path prefix before segment i, or "config" at the root.
func parentPath(path string, i int) string {
	if i == 0 {
		return "config"
	}
	return strings.Join(splitPath(path)[:i], ".")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Sanitize returns a copy of the config with sensitive values masked.
func Sanitize(cfg *Config) *Config {
	c := *cfg
	c.PhotoDM.AppSecret = maskString(c.PhotoDM.AppSecret)
	c.PhotoDM.VerifyToken = maskString(c.PhotoDM.VerifyToken)
	if c.PhotoDM.DemoAccounts != nil {
		masked := make(map[string]string, len(c.PhotoDM.DemoAccounts))
		for user := range c.PhotoDM.DemoAccounts {
			masked[user] = "***"
		}
		c.PhotoDM.DemoAccounts = masked
	}
	if c.Server.Auth.PasswordHash != "" {
		c.Server.Auth.PasswordHash = "***"
	}
	c.Relay.URL = maskURL(c.Relay.URL)
	return &c
}

// maskURL hides the userinfo of a broker URL.
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.User("***")
	return u.String()
}

// maskString keeps the first and last four characters of long secrets.
func maskString(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "***"
	default:
		return s[:4] + "****" + s[len(s)-4:]
	}
}

// ListPaths returns every leaf path of cfg with its current value.
func ListPaths(cfg *Config) map[string]any {
	tree, err := toMap(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if prefix != "" {
				k = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(k, child)
				continue
			}
			out[k] = v
		}
	}
	walk("", tree)
	return out
}
