package benchproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"
)

type Backend struct {
	Name            string
	Role            BackendRole
	rpcURL          string
	wsURL           string
	headers         map[string]string
	client          *LimitedHTTPClient
	dialer          *websocket.Dialer
	maxResponseSize int64
}

type BackendOpt func(b *Backend)

func WithHeaders(headers map[string]string) BackendOpt {
	return func(b *Backend) {
		b.headers = headers
	}
}

func WithTimeout(timeout time.Duration) BackendOpt {
	return func(b *Backend) {
		b.client.Timeout = timeout
	}
}

func WithMaxResponseSize(size int64) BackendOpt {
	return func(b *Backend) {
		b.maxResponseSize = size
	}
}

func WithWSURL(wsURL string) BackendOpt {
	return func(b *Backend) {
		b.wsURL = wsURL
	}
}

func NewBackend(
	name string,
	role BackendRole,
	rpcURL string,
	rpcSemaphore *semaphore.Weighted,
	opts ...BackendOpt,
) *Backend {
	backend := &Backend{
		Name:            name,
		Role:            role,
		rpcURL:          rpcURL,
		maxResponseSize: math.MaxInt64,
		client: &LimitedHTTPClient{
			Client:      http.Client{Timeout: defaultResponseTimeout},
			sem:         rpcSemaphore,
			backendName: name,
		},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}

	for _, opt := range opts {
		opt(backend)
	}
	if backend.wsURL == "" {
		backend.wsURL = deriveWSURL(rpcURL)
	}

	return backend
}

func (b *Backend) IsPrimary() bool {
	return b.Role == RolePrimary
}

func (b *Backend) RPCURL() string {
	return b.rpcURL
}

func (b *Backend) WSURL() string {
	return b.wsURL
}

func (b *Backend) Timeout() time.Duration {
	return b.client.Timeout
}

// BackendResponse is a backend's HTTP answer, read in full.
type BackendResponse struct {
	Backend    string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// Forward posts a raw JSON-RPC payload. Any HTTP answer is a response;
// only transport failures come back as errors. The returned duration
// covers the full round trip including the body read.
func (b *Backend) Forward(ctx context.Context, body []byte, header http.Header) (*BackendResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, wrapErr(err, "error creating backend request")
	}

	for name, values := range header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	httpReq.Header.Set("content-type", "application/json")
	for name, value := range b.headers {
		httpReq.Header.Set(name, value)
	}

	start := time.Now()
	httpRes, err := b.client.DoLimited(httpReq)
	if err != nil {
		if errors.Is(err, ErrContextCanceled) {
			return nil, err
		}
		return nil, wrapErr(err, "error in backend request")
	}
	defer httpRes.Body.Close()

	resB, err := io.ReadAll(LimitReader(httpRes.Body, b.maxResponseSize))
	if errors.Is(err, ErrLimitReaderOverLimit) {
		return nil, ErrBackendResponseTooLarge
	}
	if err != nil {
		return nil, wrapErr(err, "error reading response body")
	}

	return &BackendResponse{
		Backend:    b.Name,
		StatusCode: httpRes.StatusCode,
		Header:     httpRes.Header.Clone(),
		Body:       resB,
		Duration:   time.Since(start),
	}, nil
}

// Call issues a single JSON-RPC request and reports the HTTP status and
// round trip time. The body is discarded.
func (b *Backend) Call(ctx context.Context, id string, method string, params ...any) (int, time.Duration, error) {
	if params == nil {
		params = []any{}
	}
	req := map[string]any{
		"jsonrpc": JSONRPCVersion,
		"method":  method,
		"params":  params,
		"id":      id,
	}
	res, err := b.Forward(ctx, mustMarshalJSON(req), nil)
	if err != nil {
		return 0, 0, err
	}
	return res.StatusCode, res.Duration, nil
}

func (b *Backend) DialWS(ctx context.Context) (*websocket.Conn, error) {
	var header http.Header
	if len(b.headers) > 0 {
		header = make(http.Header, len(b.headers))
		for name, value := range b.headers {
			header.Set(name, value)
		}
	}
	conn, _, err := b.dialer.DialContext(ctx, b.wsURL, header) // nolint:bodyclose
	if err != nil {
		return nil, wrapErr(err, "error dialing backend")
	}
	return conn, nil
}

// deriveWSURL swaps an HTTP scheme for its websocket equivalent.
func deriveWSURL(rpcURL string) string {
	u, err := url.Parse(rpcURL)
	if err != nil {
		return ""
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}

func mustMarshalJSON(in interface{}) []byte {
	out, err := json.Marshal(in)
	if err != nil {
		panic(err)
	}
	return out
}

func formatWSError(err error) []byte {
	m := websocket.FormatCloseMessage(websocket.CloseNormalClosure, fmt.Sprintf("%v", err))
	if e, ok := err.(*websocket.CloseError); ok {
		if e.Code != websocket.CloseNoStatusReceived {
			m = websocket.FormatCloseMessage(e.Code, e.Text)
		}
	}
	return m
}

func sleepContext(ctx context.Context, duration time.Duration) bool {
	if duration <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(duration)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type LimitedHTTPClient struct {
	http.Client
	sem         *semaphore.Weighted
	backendName string
}

func (c *LimitedHTTPClient) DoLimited(req *http.Request) (*http.Response, error) {
	if c.sem == nil {
		return c.Do(req)
	}

	if err := c.sem.Acquire(req.Context(), 1); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, ErrContextCanceled
		}
		RecordTooManyRequests(c.backendName)
		return nil, wrapErr(err, ErrTooManyRequests.Message)
	}
	defer c.sem.Release(1)
	return c.Do(req)
}
