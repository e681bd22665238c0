package benchproxy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type testProxy struct {
	server  *httptest.Server
	stats   *StatsAggregator
	races   *RaceLog
	prober  *HealthProber
	watcher *HeightWatcher
}

func newTestProxy(t *testing.T, primaryURL string, secondaryURLs []string, opts ...ServerOpt) *testProxy {
	t.Helper()
	primary := NewBackend("primary", RolePrimary, primaryURL, nil)
	secondaries := make([]*Backend, 0, len(secondaryURLs))
	for i, u := range secondaryURLs {
		secondaries = append(secondaries, NewBackend("node-"+string(rune('b'+i)), RoleSecondary, u, nil))
	}

	tp := &testProxy{
		stats:   NewStatsAggregator(nil),
		races:   newTestRaceLog(t),
		watcher: NewHeightWatcher(primary, secondaries, 5),
	}
	if len(secondaries) > 0 {
		tp.prober = newTestProber(t, secondaries)
	}
	d := NewDispatcher(primary, secondaries, tp.prober, tp.watcher, tp.stats, WithRaceLog(tp.races))
	opts = append([]ServerOpt{
		WithStatusAPI(NewStatusAPIHandler(d, tp.prober, tp.watcher, tp.stats, tp.races)),
	}, opts...)
	srv := NewServer(d, tp.stats, 1024, 5*time.Second, opts...)
	tp.server = httptest.NewServer(srv.Handler())
	t.Cleanup(tp.server.Close)
	return tp
}

func (tp *testProxy) post(t *testing.T, body string, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, tp.server.URL, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	resBody, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, resBody
}

func TestServerRelaysWinningResponse(t *testing.T) {
	primaryMB := NewMockBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Node-Version", "op-geth/v1.101")
		w.Header().Set("Connection", "keep-alive")
		_, _ = w.Write([]byte(primaryResBody))
	})
	tp := newTestProxy(t, primaryMB.URL(), nil,
		WithServedByHeader(true),
		WithForwardHeaders([]string{"X-Request-Source"}))

	res, body := tp.post(t, blockNumberReq, http.Header{
		"X-Request-Source": []string{"bench"},
		"X-Not-Forwarded":  []string{"nope"},
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, primaryResBody, string(body))
	require.Equal(t, "primary", res.Header.Get(servedByHeader))
	require.Equal(t, "op-geth/v1.101", res.Header.Get("X-Node-Version"))

	got := primaryMB.Requests()[0]
	require.Equal(t, "bench", got.Headers.Get("X-Request-Source"))
	require.Empty(t, got.Headers.Get("X-Not-Forwarded"))
}

func TestServerOmitsServedByByDefault(t *testing.T) {
	primaryMB := NewMockBackend(t, SingleResponseHandler(http.StatusOK, primaryResBody))
	tp := newTestProxy(t, primaryMB.URL(), nil)

	res, _ := tp.post(t, blockNumberReq, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Empty(t, res.Header.Get(servedByHeader))
}

func TestServerPassesThroughBackendStatus(t *testing.T) {
	errBody := `{"jsonrpc":"2.0","error":{"code":-32005,"message":"rate limited"},"id":1}`
	primaryMB := NewMockBackend(t, SingleResponseHandler(http.StatusTooManyRequests, errBody))
	tp := newTestProxy(t, primaryMB.URL(), nil)

	res, body := tp.post(t, blockNumberReq, nil)
	require.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	require.Equal(t, errBody, string(body))
}

func TestServerRejectsBadRequests(t *testing.T) {
	primaryMB := NewMockBackend(t, SingleResponseHandler(http.StatusOK, primaryResBody))
	tp := newTestProxy(t, primaryMB.URL(), nil)

	tests := []struct {
		name   string
		body   string
		status int
		code   int
	}{
		{"too large", `{"jsonrpc":"2.0","method":"eth_call","params":["` + strings.Repeat("a", 2048) + `"],"id":1}`, http.StatusRequestEntityTooLarge, ErrRequestBodyTooLarge.Code},
		{"not json", `this is not json`, http.StatusBadRequest, JSONRPCErrorParse},
		{"empty batch", `[]`, http.StatusBadRequest, JSONRPCErrorInvalidRequest},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, http.StatusBadRequest, JSONRPCErrorInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, body := tp.post(t, tt.body, nil)
			require.Equal(t, tt.status, res.StatusCode)
			rpcRes, err := ParseRPCRes(strings.NewReader(string(body)))
			require.NoError(t, err)
			require.True(t, rpcRes.IsError())
			require.Equal(t, tt.code, rpcRes.Error.Code)
		})
	}
	require.Zero(t, primaryMB.RequestCount())
}

func TestServerBadGateway(t *testing.T) {
	tp := newTestProxy(t, unreachableRPCURL, nil)

	res, body := tp.post(t, blockNumberReq, nil)
	require.Equal(t, http.StatusBadGateway, res.StatusCode)
	rpcRes, err := ParseRPCRes(strings.NewReader(string(body)))
	require.NoError(t, err)
	require.Equal(t, ErrBackendBadGateway.Code, rpcRes.Error.Code)
	require.Equal(t, json.RawMessage("1"), rpcRes.ID)
}

func TestServerHealthz(t *testing.T) {
	tp := newTestProxy(t, unreachableRPCURL, nil)
	res, err := http.Get(tp.server.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "OK", string(body))
}

func TestServerStatusAPI(t *testing.T) {
	primaryMB := NewMockBackend(t, SingleResponseHandler(http.StatusOK, primaryResBody))
	secondaryMB := NewMockBackend(t, SingleResponseHandler(http.StatusOK, secondaryResBody))
	tp := newTestProxy(t, primaryMB.URL(), []string{secondaryMB.URL()})
	tp.watcher.SetHeight("primary", 200)
	tp.watcher.SetHeight("node-b", 150)

	res, _ := tp.post(t, blockNumberReq, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	waitForRace(t, tp.races, 1)

	statusRes, err := http.Get(tp.server.URL + "/status")
	require.NoError(t, err)
	defer statusRes.Body.Close()
	require.Equal(t, http.StatusOK, statusRes.StatusCode)
	require.Equal(t, "application/json", statusRes.Header.Get("Content-Type"))

	var status statusResponse
	require.NoError(t, json.NewDecoder(statusRes.Body).Decode(&status))
	require.True(t, status.ProbingEnabled)
	require.True(t, status.TrackingEnabled)
	require.Len(t, status.Backends, 2)
	require.Equal(t, "primary", status.Backends[0].Name)
	require.Nil(t, status.Backends[0].Health)
	require.EqualValues(t, 200, status.Backends[0].Height.Height)
	require.Equal(t, "node-b", status.Backends[1].Name)
	require.True(t, status.Backends[1].Behind)
	require.NotNil(t, status.Backends[1].Health)
	require.True(t, status.Backends[1].Health.Available)
	require.EqualValues(t, 1, status.Stats.TotalRequests)
	require.Contains(t, status.SecondaryDelays, "eth_blockNumber")

	racesRes, err := http.Get(tp.server.URL + "/status/races")
	require.NoError(t, err)
	defer racesRes.Body.Close()
	var races []RaceSummary
	require.NoError(t, json.NewDecoder(racesRes.Body).Decode(&races))
	require.Len(t, races, 1)
	require.Equal(t, "eth_blockNumber", races[0].Method)
	require.Equal(t, "primary", races[0].ServedBy)
	require.NotEmpty(t, races[0].ID)
}

func TestServerRacesWithoutLog(t *testing.T) {
	h := NewStatusAPIHandler(NewDispatcher(nil, nil, nil, nil, nil), nil, nil, nil, nil)
	rec := httptest.NewRecorder()
	h.HandleRaces(rec, httptest.NewRequest(http.MethodGet, "/status/races", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())
}

func TestServerCORS(t *testing.T) {
	primaryMB := NewMockBackend(t, SingleResponseHandler(http.StatusOK, primaryResBody))
	tp := newTestProxy(t, primaryMB.URL(), nil, WithAllowAllOrigins(true))

	req, err := http.NewRequest(http.MethodOptions, tp.server.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))

	res, _ = tp.post(t, blockNumberReq, http.Header{"Origin": []string{"https://app.example"}})
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))
}

func TestServerRejectsPlainGet(t *testing.T) {
	tp := newTestProxy(t, unreachableRPCURL, nil)
	res, err := http.Get(tp.server.URL)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestServerWebSocketRelay(t *testing.T) {
	upgrader := websocket.Upgrader{}
	echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(echo.Close)

	tp := newTestProxy(t, echo.URL, nil)
	wsURL := "ws" + strings.TrimPrefix(tp.server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil) // nolint:bodyclose
	require.NoError(t, err)

	sub := `{"jsonrpc":"2.0","method":"eth_subscribe","params":["newHeads"],"id":1}`
	for i := 0; i < 2; i++ {
		require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(sub)))
		_, msg, err := client.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, sub, string(msg))
	}

	require.NoError(t, client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	client.Close()

	require.Eventually(t, func() bool {
		return tp.stats.Summary().WebSocket.Sessions == 1
	}, 5*time.Second, 10*time.Millisecond)
	ws := tp.stats.Summary().WebSocket
	require.EqualValues(t, 2, ws.ClientToBackendMessages)
	require.EqualValues(t, 2, ws.BackendToClientMessages)
	require.Zero(t, ws.Errors)
}

func TestServerWebSocketDialFailure(t *testing.T) {
	tp := newTestProxy(t, unreachableRPCURL, nil)
	wsURL := "ws" + strings.TrimPrefix(tp.server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil) // nolint:bodyclose
	require.NoError(t, err)
	defer client.Close()

	_, _, err = client.ReadMessage()
	require.Error(t, err)
	require.Eventually(t, func() bool {
		return tp.stats.Summary().WebSocket.Errors == 1
	}, 5*time.Second, 10*time.Millisecond)
}
