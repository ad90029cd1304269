package proxy

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const fallbackFilename = "download"

// ContentDisposition builds an attachment header, adding filename* for non-ASCII names.
func ContentDisposition(name string) string {
	name = sanitizeFilename(name)
	if name == "" {
		name = fallbackFilename
	}
	var ascii strings.Builder
	needsExtended := false
	for _, r := range name {
		if r > unicode.MaxASCII {
			ascii.WriteByte('_')
			needsExtended = true
			continue
		}
		ascii.WriteRune(r)
	}
	header := `attachment; filename="` + ascii.String() + `"`
	if needsExtended {
		header += "; filename*=UTF-8''" + encodeExtValue(name)
	}
	return header
}

func sanitizeFilename(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == utf8.RuneError, unicode.IsControl(r):
			continue
		case r == '"':
			b.WriteByte('\'')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "." || out == ".." {
		return ""
	}
	return out
}

func encodeExtValue(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAttrChar(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isAttrChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}
