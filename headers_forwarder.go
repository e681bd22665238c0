package benchproxy

import (
	"net/http"
	"slices"
	"strings"
)

// Headers that describe a single connection and never cross the proxy.
var hopByHopHeaders = NewStringSetFromStrings([]string{
	"connection",
	"keep-alive",
	"proxy-authenticate",
	"proxy-authorization",
	"te",
	"trailer",
	"transfer-encoding",
	"upgrade",
	"content-length",
})

type HeadersForwarder struct {
	allowedHeaders []string
}

func NewHeadersForwarder(allowedHeaders []string) *HeadersForwarder {
	normalized := make([]string, 0, len(allowedHeaders))
	for _, h := range allowedHeaders {
		normalized = append(normalized, strings.ToLower(h))
	}
	return &HeadersForwarder{
		allowedHeaders: normalized,
	}
}

// Forward picks the allowed client headers to send on to the backends.
func (hf *HeadersForwarder) Forward(req http.Header) http.Header {
	allowedHeaders := hf.filterNormalized(req)
	headers := make(http.Header, len(allowedHeaders))
	for _, h := range allowedHeaders {
		headers[h] = slices.Clone(req[h])
	}

	return headers
}

func (hf *HeadersForwarder) filterNormalized(reqHeaders http.Header) []string {
	filtered := make([]string, 0, len(reqHeaders))
	for header := range reqHeaders {
		norm := strings.ToLower(header)
		if slices.Contains(hf.allowedHeaders, norm) {
			filtered = append(filtered, header)
		}
	}

	return filtered
}

// copyResponseHeaders copies a backend's response headers onto the client
// response, leaving out hop-by-hop headers.
func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		if hopByHopHeaders.Has(strings.ToLower(name)) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
