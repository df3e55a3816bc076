package go_ctrstream

import (
	"net/url"
	"strings"
)

// ObfuscateUrl removes credentials and the query string from a resource url
// so that it can be logged. Signed media urls carry their token in the query.
func ObfuscateUrl(rawUrl string) string {
	u, err := url.Parse(rawUrl)
	if err != nil {
		if idx := strings.IndexAny(rawUrl, "?#"); idx >= 0 {
			return rawUrl[:idx]
		}

		return rawUrl
	}

	u.User = nil
	if len(u.RawQuery) > 0 {
		u.RawQuery = "..."
	}
	u.Fragment = ""
	return u.String()
}
