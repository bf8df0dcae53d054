package crawler

import (
	"net/url"
	"strings"
)

// SplitTarget returns the lowercased host (including any port) and scheme of
// a capture URL. Unparseable URLs yield empty strings.
func SplitTarget(rawURL string) (domain string, scheme string) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", ""
	}
	return strings.ToLower(u.Host), strings.ToLower(u.Scheme)
}
