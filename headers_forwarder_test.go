package benchproxy

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeadersToForward(t *testing.T) {
	forwarder := NewHeadersForwarder([]string{
		"custom_header",
		"Custom_Header2",
		"custom_header3",
	})

	testHeaders := http.Header{
		"custOm_headeR":  []string{"A", "B", "C"},
		"custom_header2": []string{"A", "B", "C"},
		"customHeader3":  []string{"A"},
		"cUstom_header3": []string{"B", "C"},
		"Authorization":  []string{"Bearer x"},
	}

	forwarded := forwarder.Forward(testHeaders)
	require.Len(t, forwarded, 3)

	for h := range forwarded {
		require.Contains(t, []string{"custom_header", "custom_header2", "custom_header3"}, strings.ToLower(h))
	}
	require.Equal(t, []string{"A", "B", "C"}, forwarded["custOm_headeR"])

	_, ok := forwarded["customHeader3"] // nolint:staticcheck
	require.False(t, ok)
	_, ok = forwarded["Authorization"]
	require.False(t, ok)

	// forwarded values do not alias the client's
	forwarded["custom_header2"][0] = "Z"
	require.Equal(t, "A", testHeaders["custom_header2"][0])
}

func TestHeadersForwarderNoneAllowed(t *testing.T) {
	forwarded := NewHeadersForwarder(nil).Forward(http.Header{"X-Anything": []string{"1"}})
	require.Empty(t, forwarded)
}

func TestCopyResponseHeaders(t *testing.T) {
	src := http.Header{}
	src.Set("Content-Type", "application/json")
	src.Set("Content-Length", "42")
	src.Set("Connection", "keep-alive")
	src.Set("Transfer-Encoding", "chunked")
	src.Add("X-Node", "a")
	src.Add("X-Node", "b")

	dst := http.Header{}
	copyResponseHeaders(dst, src)
	require.Equal(t, "application/json", dst.Get("Content-Type"))
	require.Equal(t, []string{"a", "b"}, dst.Values("X-Node"))
	require.Empty(t, dst.Get("Content-Length"))
	require.Empty(t, dst.Get("Connection"))
	require.Empty(t, dst.Get("Transfer-Encoding"))
}
