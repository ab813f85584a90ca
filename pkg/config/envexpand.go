package config

import (
	"os"
	"strings"
)

// ExpandEnv expands ${VAR} references in YAML content from the environment.
// Only the braced form is recognised: bare $VAR passes through untouched, so
// shell snippets and regex anchors embedded in config values survive. "$$"
// escapes a literal dollar. Missing variables expand to the empty string;
// validation catches required fields left empty.
func ExpandEnv(data []byte) []byte {
	s := string(data)
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '$' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(s) && s[i+1] == '$' {
			b.WriteByte('$')
			i++
			continue
		}
		if i+1 < len(s) && s[i+1] == '{' {
			if end := strings.IndexByte(s[i+2:], '}'); end >= 0 {
				name := s[i+2 : i+2+end]
				if isEnvName(name) {
					b.WriteString(os.Getenv(name))
					i += 2 + end
					continue
				}
			}
		}
		b.WriteByte('$')
	}
	return []byte(b.String())
}

func isEnvName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
