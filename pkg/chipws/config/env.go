package config

import (
	"os"
	"strings"

	"github.com/zclconf/go-cty/cty"
)

// GetEnvObject returns the process environment as a cty object. Names that
// are not valid HCL identifiers have their invalid characters replaced with
// underscores.
func GetEnvObject() cty.Value {
	return envObject(os.Environ())
}

func envObject(environ []string) cty.Value {
	attrs := make(map[string]cty.Value, len(environ))
	for _, kv := range environ {
		key, value, found := strings.Cut(kv, "=")
		if !found || key == "" {
			continue
		}
		attrs[envAttrName(key)] = cty.StringVal(value)
	}
	return cty.ObjectVal(attrs)
}

func envAttrName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			return r
		case r >= '0' && r <= '9', r == '-':
			return r
		}
		return '_'
	}, leadingUnderscore(name))
}

// leadingUnderscore prefixes names that start with a digit or hyphen, which
// HCL identifiers cannot.
func leadingUnderscore(name string) string {
	c := name[0]
	if (c >= '0' && c <= '9') || c == '-' {
		return "_" + name
	}
	return name
}
