package config

import (
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"
)

// Field describes one key of Config as seen by `config get/set`. Keys and
// their metadata come from the struct's json and config tags:
//
//	Token string `json:"token" config:"secret"`
//	Kind  string `json:"kind" config:"oneof=sse nats"`
type Field struct {
	Key    string
	Kind   reflect.Kind
	Secret bool
	OneOf  []string
}

var fields = describe(reflect.TypeOf(Config{}), "", map[string]Field{})

func describe(t reflect.Type, prefix string, out map[string]Field) map[string]Field {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		name, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		key := prefix + name
		if sf.Type.Kind() == reflect.Struct {
			describe(sf.Type, key+".", out)
			continue
		}
		f := Field{Key: key, Kind: sf.Type.Kind()}
		for _, opt := range strings.Split(sf.Tag.Get("config"), ",") {
			switch {
			case opt == "secret":
				f.Secret = true
			case strings.HasPrefix(opt, "oneof="):
				f.OneOf = strings.Fields(strings.TrimPrefix(opt, "oneof="))
			}
		}
		out[key] = f
	}
	return out
}

// Lookup returns the field registered under a dot-separated key.
func Lookup(key string) (Field, bool) {
	f, ok := fields[key]
	return f, ok
}

// IsSecretKey reports whether key holds a credential.
func IsSecretKey(key string) bool {
	return fields[key].Secret
}

// Coerce turns command-line text into the value stored under key. Known
// keys take their field's type and allowed values; unknown keys store
// booleans and numbers typed and everything else as a string.
func Coerce(key, raw string) (any, error) {
	f, ok := fields[key]
	if !ok {
		return guess(raw), nil
	}
	switch f.Kind {
	case reflect.Int, reflect.Int64:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%s expects an integer, got %q", key, raw)
		}
		return n, nil
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%s expects true or false, got %q", key, raw)
		}
		return b, nil
	}
	if len(f.OneOf) > 0 && !slices.Contains(f.OneOf, raw) {
		return nil, fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(f.OneOf, "|"), raw)
	}
	return raw, nil
}

func guess(raw string) any {
	if b, err := strconv.ParseBool(raw); err == nil && (raw == "true" || raw == "false") {
		return b
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n
	}
	return raw
}

// Flatten turns nested sections into dot-separated keys:
// {"reveal": {"per_tick": 3}} becomes {"reveal.per_tick": 3}. Empty
// sections produce no keys.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if section, ok := v.(map[string]any); ok {
				walk(prefix+k+".", section)
				continue
			}
			out[prefix+k] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten is the inverse of Flatten.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, v := range flat {
		section := out
		for {
			head, rest, nested := strings.Cut(key, ".")
			if !nested {
				section[head] = v
				break
			}
			child, ok := section[head].(map[string]any)
			if !ok {
				child = make(map[string]any)
				section[head] = child
			}
			section, key = child, rest
		}
	}
	return out
}

// MaskSecrets returns a copy of flat with secret values reduced to their
// last four characters, e.g. "***1234". Empty secrets stay empty.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		if s, ok := v.(string); ok && s != "" && IsSecretKey(k) {
			v = mask(s)
		}
		out[k] = v
	}
	return out
}

func mask(s string) string {
	r := []rune(s)
	if len(r) > 4 {
		r = r[len(r)-4:]
	}
	return "***" + string(r)
}
