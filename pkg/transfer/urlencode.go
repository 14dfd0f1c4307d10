package transfer

import (
	"net/url"
	"strings"
)

// URLEncode percent-encodes s for use in a URL query or path segment.
// Spaces become %20.
func URLEncode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// URLDecode reverses percent-encoding. A '+' is left as is.
func URLDecode(s string) (string, error) {
	return url.PathUnescape(s)
}
