package dogpile

import (
	"strconv"
	"strings"
)

// CoerceConfigValue translates a single string-valued configuration
// entry into a typed value: integers, floats (including
// signed and scientific notation), booleans (case-insensitive
// true/false), the literal "None"/"none" as untyped nil, comma
// separated lists, and otherwise the original string.
//
// This is a boundary-only concern — it runs once per config value at
// startup — and no example in the retrieved corpus calls a config
// decoding library (mapstructure/viper/cast) against hand-rolled
// key/value data of this shape, so it is implemented directly against
// strconv rather than adopting a dependency with no grounding in the
// pack (see DESIGN.md).
func CoerceConfigValue(raw string) any {
	switch strings.ToLower(raw) {
	case "none", "null":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if strings.Contains(raw, ",") {
		parts := strings.Split(raw, ",")
		list := make([]any, len(parts))
		for i, p := range parts {
			list[i] = CoerceConfigValue(strings.TrimSpace(p))
		}
		return list
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

// ParsedConfig is the result of coercing a flat configuration map for
// a given prefix: the backend name, the expiration time, the "wrap"
// proxy list and the backend's own constructor arguments.
type ParsedConfig struct {
	Backend        string
	ExpirationTime *float64
	Wrap           []string
	Arguments      map[string]any
}

// CoerceConfigArguments parses a flat map keyed like
// "<prefix>.backend", "<prefix>.expiration_time",
// "<prefix>.arguments.<name>" and "<prefix>.wrap" into a
// ParsedConfig. Keys outside the prefix, or without one of the
// recognized suffixes, are ignored.
func CoerceConfigArguments(config map[string]string, prefix string) (ParsedConfig, error) {
	out := ParsedConfig{Arguments: map[string]any{}}
	argPrefix := prefix + ".arguments."
	for key, raw := range config {
		if !strings.HasPrefix(key, prefix+".") {
			continue
		}
		switch {
		case key == prefix+".backend":
			out.Backend = raw
		case key == prefix+".expiration_time":
			v := CoerceConfigValue(raw)
			f, ok := toFloat(v)
			if !ok {
				return ParsedConfig{}, ErrBadExpiration
			}
			out.ExpirationTime = &f
		case key == prefix+".wrap":
			for _, name := range strings.Split(raw, ",") {
				name = strings.TrimSpace(name)
				if name != "" {
					out.Wrap = append(out.Wrap, name)
				}
			}
		case strings.HasPrefix(key, argPrefix):
			name := strings.TrimPrefix(key, argPrefix)
			out.Arguments[name] = CoerceConfigValue(raw)
		}
	}
	if out.Backend == "" {
		return ParsedConfig{}, ErrUnknownBackend
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
