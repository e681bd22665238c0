package benchproxy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// MockBackend is a JSON-RPC backend that answers every call with a fixed
// result after an optional delay, and remembers what it was sent.
type MockBackend struct {
	server *httptest.Server

	mu       sync.Mutex
	handler  http.HandlerFunc
	requests []*RecordedRequest
}

type RecordedRequest struct {
	Method  string
	Headers http.Header
	Body    []byte
}

func NewMockBackend(t *testing.T, handler http.HandlerFunc) *MockBackend {
	mb := &MockBackend{handler: handler}
	mb.server = httptest.NewServer(http.HandlerFunc(mb.wrappedHandler))
	t.Cleanup(mb.server.Close)
	return mb
}

func (m *MockBackend) URL() string {
	return m.server.URL
}

func (m *MockBackend) SetHandler(handler http.HandlerFunc) {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
}

func (m *MockBackend) Requests() []*RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

func (m *MockBackend) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *MockBackend) wrappedHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		panic(err)
	}
	var req RPCReq
	_ = json.Unmarshal(body, &req)

	m.mu.Lock()
	m.requests = append(m.requests, &RecordedRequest{
		Method:  req.Method,
		Headers: r.Header.Clone(),
		Body:    body,
	})
	handler := m.handler
	m.mu.Unlock()

	r.Body = io.NopCloser(bytes.NewReader(body))
	handler(w, r)
}

// SingleResponseHandler writes body with the given status code.
func SingleResponseHandler(code int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}
}

// DelayedHandler sleeps before delegating, giving up early when the
// caller goes away.
func DelayedHandler(delay time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
		next(w, r)
	}
}

// HangingUpHandler drops the connection without answering.
func HangingUpHandler(w http.ResponseWriter, r *http.Request) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("response writer cannot hijack")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		panic(err)
	}
	_ = conn.Close()
}
