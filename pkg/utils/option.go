// Package utils collects small, dependency-free helpers shared across
// provider option types and the session runtime: the opaque Option map
// that backs ProviderConfig, pointer helpers, and a panic-safe goroutine
// launcher.
package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// Option is the opaque, dotted-path configuration bag every provider
// option type (deepgramOption, sarvamOption, ...) is built from. Keys use
// "." to namespace STT ("listen.*") vs TTS ("speak.*") vs voice
// ("speaker.*") concerns, matching the teacher's provider option layout.
type Option map[string]interface{}

// GetString returns the string value at key, or an error if absent or of
// the wrong type. Providers treat a non-nil error as "use the default".
func (o Option) GetString(key string) (string, error) {
	v, ok := o[key]
	if !ok {
		return "", fmt.Errorf("option: missing key %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("option: key %q is not a string", key)
	}
	return s, nil
}

// GetStringOr returns the string at key, or def if the key is absent.
func (o Option) GetStringOr(key, def string) string {
	if v, err := o.GetString(key); err == nil {
		return v
	}
	return def
}

// GetBool returns the bool value at key, or an error if absent.
func (o Option) GetBool(key string) (bool, error) {
	v, ok := o[key]
	if !ok {
		return false, fmt.Errorf("option: missing key %q", key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("option: key %q is not a bool", key)
	}
	return b, nil
}

// GetBoolOr returns the bool at key, or def if absent or of the wrong type.
func (o Option) GetBoolOr(key string, def bool) bool {
	if v, err := o.GetBool(key); err == nil {
		return v
	}
	return def
}

// GetInt returns the int value at key. Numbers decoded from JSON configs
// commonly arrive as float64 or string, so both are coerced.
func (o Option) GetInt(key string) (int, error) {
	v, ok := o[key]
	if !ok {
		return 0, fmt.Errorf("option: missing key %q", key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("option: key %q is not an int: %w", key, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("option: key %q is not an int", key)
	}
}

// GetIntOr returns the int at key, or def if absent or malformed.
func (o Option) GetIntOr(key string, def int) int {
	if v, err := o.GetInt(key); err == nil {
		return v
	}
	return def
}

// GetFloat64 returns the float64 value at key.
func (o Option) GetFloat64(key string) (float64, error) {
	v, ok := o[key]
	if !ok {
		return 0, fmt.Errorf("option: missing key %q", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("option: key %q is not a float64", key)
	}
}

// GetStringSlice returns a []string at key. It accepts a native
// []interface{}/[]string, or a "[a b c]"-bracketed / comma-joined string,
// matching the variety of shapes providers receive keyword lists in.
func (o Option) GetStringSlice(key string) ([]string, error) {
	v, ok := o[key]
	if !ok {
		return nil, fmt.Errorf("option: missing key %q", key)
	}
	switch vv := v.(type) {
	case []string:
		return vv, nil
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			out = append(out, fmt.Sprintf("%v", e))
		}
		return out, nil
	case string:
		s := strings.TrimSpace(vv)
		s = strings.TrimPrefix(s, "[")
		s = strings.TrimSuffix(s, "]")
		if s == "" {
			return []string{}, nil
		}
		fields := strings.Fields(s)
		if len(fields) > 1 {
			return fields, nil
		}
		return strings.Split(s, ","), nil
	default:
		return nil, fmt.Errorf("option: key %q is not a string slice", key)
	}
}
