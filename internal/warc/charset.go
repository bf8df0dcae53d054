package warc

import (
	"mime"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
)

// DecodeBody converts body to UTF-8 using the charset declared in
// contentType. Unknown or missing charsets fall back to UTF-8 with invalid
// bytes replaced by U+FFFD.
func DecodeBody(body []byte, contentType string) string {
	if name := charsetOf(contentType); name != "" {
		if enc, err := htmlindex.Get(name); err == nil {
			if out, err := enc.NewDecoder().Bytes(body); err == nil {
				return strings.ToValidUTF8(string(out), "\uFFFD")
			}
		}
	}
	return strings.ToValidUTF8(string(body), "\uFFFD")
}

func charsetOf(contentType string) string {
	if contentType == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		return strings.TrimSpace(params["charset"])
	}
	// Lenient scan for headers mime rejects, e.g. a trailing bare semicolon.
	lower := strings.ToLower(contentType)
	idx := strings.Index(lower, "charset=")
	if idx < 0 {
		return ""
	}
	v := contentType[idx+len("charset="):]
	if end := strings.IndexAny(v, "; "); end >= 0 {
		v = v[:end]
	}
	return strings.Trim(v, `"'`)
}
