package benchproxy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
)

const (
	ContextKeyReqID = "req_id"

	servedByHeader = "X-Served-By"
)

type Server struct {
	dispatcher       *Dispatcher
	stats            *StatsAggregator
	status           *StatusAPIHandler
	headersForwarder *HeadersForwarder
	maxBodySize      int64
	timeout          time.Duration
	enableServedBy   bool
	allowAllOrigins  bool
	upgrader         *websocket.Upgrader
	rpcServer        *http.Server
}

type ServerOpt func(s *Server)

func WithServedByHeader(enabled bool) ServerOpt {
	return func(s *Server) {
		s.enableServedBy = enabled
	}
}

func WithAllowAllOrigins(enabled bool) ServerOpt {
	return func(s *Server) {
		s.allowAllOrigins = enabled
		if enabled {
			s.upgrader.CheckOrigin = func(r *http.Request) bool {
				return true
			}
		}
	}
}

func WithForwardHeaders(headers []string) ServerOpt {
	return func(s *Server) {
		s.headersForwarder = NewHeadersForwarder(headers)
	}
}

func WithStatusAPI(status *StatusAPIHandler) ServerOpt {
	return func(s *Server) {
		s.status = status
	}
}

func NewServer(
	dispatcher *Dispatcher,
	stats *StatsAggregator,
	maxBodySize int64,
	timeout time.Duration,
	opts ...ServerOpt,
) *Server {
	if maxBodySize == 0 {
		maxBodySize = defaultMaxBodySizeBytes
	}
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}
	s := &Server{
		dispatcher:       dispatcher,
		stats:            stats,
		headersForwarder: NewHeadersForwarder(nil),
		maxBodySize:      maxBodySize,
		timeout:          timeout,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: 5 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the routed handler for the RPC listener. CORS is only
// added when all origins are allowed.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.HandleHealthz).Methods(http.MethodGet)
	if s.status != nil {
		router.HandleFunc("/status", s.status.HandleStatus).Methods(http.MethodGet)
		router.HandleFunc("/status/races", s.status.HandleRaces).Methods(http.MethodGet)
	}
	router.HandleFunc("/", s.HandleWS).Methods(http.MethodGet)
	router.HandleFunc("/", s.HandleRPC).Methods(http.MethodPost)

	if !s.allowAllOrigins {
		return router
	}
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(router)
}

func (s *Server) ListenAndServe(addr string) error {
	s.rpcServer = &http.Server{
		Handler:           s.Handler(),
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info("starting HTTP server", "addr", addr)
	return s.rpcServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) {
	if s.rpcServer != nil {
		_ = s.rpcServer.Shutdown(ctx)
	}
}

func (s *Server) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) HandleRPC(w http.ResponseWriter, r *http.Request) {
	ctx := s.populateContext(w, r)
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodySize))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			log.Warn("request body too large", "req_id", GetReqID(ctx), "limit", s.maxBodySize)
			writeRPCError(ctx, w, nil, ErrRequestBodyTooLarge)
			return
		}
		log.Error("error reading request body", "req_id", GetReqID(ctx), "err", err)
		writeRPCError(ctx, w, nil, ErrInternal)
		return
	}

	info, err := ParseRequestInfo(body)
	if err != nil {
		log.Debug("rejecting malformed request", "req_id", GetReqID(ctx), "err", err)
		writeRPCError(ctx, w, nil, err)
		return
	}

	header := s.headersForwarder.Forward(r.Header)
	res, err := s.dispatcher.Dispatch(ctx, body, info, header)
	if err != nil {
		log.Warn("request failed",
			"req_id", GetReqID(ctx),
			"method", info.Label(),
			"err", err)
		writeRPCError(ctx, w, info.ID, err)
		return
	}

	copyResponseHeaders(w.Header(), res.Header)
	if s.enableServedBy {
		w.Header().Set(servedByHeader, res.Backend)
	}
	w.WriteHeader(res.StatusCode)
	RecordHTTPResponseCode(res.StatusCode)
	if _, err := w.Write(res.Body); err != nil {
		log.Debug("error writing response", "req_id", GetReqID(ctx), "err", err)
	}
}

// HandleWS relays a websocket session to the primary.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	ctx := s.populateContext(w, r)

	if !isWebsocketUpgrade(r) {
		writeRPCError(ctx, w, nil, ErrInvalidRequest("websocket upgrade required"))
		return
	}

	primary := s.dispatcher.Primary()
	if primary == nil {
		writeRPCError(ctx, w, nil, ErrNoBackends)
		return
	}

	clientConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("error upgrading client conn", "req_id", GetReqID(ctx), "err", err)
		return
	}

	connectStart := time.Now()
	backendConn, err := primary.DialWS(ctx)
	if err != nil {
		log.Error("error dialing primary websocket", "req_id", GetReqID(ctx), "backend", primary.Name, "err", err)
		_ = clientConn.WriteMessage(websocket.CloseMessage, formatWSError(err))
		clientConn.Close()
		if s.stats != nil {
			s.stats.RecordWebSocket(WebSocketStats{Backend: primary.Name, Err: err})
		}
		return
	}
	connectTime := time.Since(connectStart)

	log.Info("accepted WS connection", "req_id", GetReqID(ctx), "backend", primary.Name)
	go func() {
		// the upgraded session is detached from the HTTP request lifetime
		relay := NewWSRelay(primary, clientConn, backendConn)
		stats := relay.Relay(context.WithoutCancel(ctx))
		stats.ConnectTime = connectTime
		log.Info("WS session closed",
			"req_id", GetReqID(ctx),
			"duration", stats.Duration,
			"client_msgs", stats.ClientToBackendMessages,
			"backend_msgs", stats.BackendToClientMessages,
			"err", stats.Err)
		if s.stats != nil {
			s.stats.RecordWebSocket(stats)
		}
	}()
}

func (s *Server) populateContext(w http.ResponseWriter, r *http.Request) context.Context {
	return context.WithValue(r.Context(), ContextKeyReqID, randStr(10)) // nolint:staticcheck
}

func GetReqID(ctx context.Context) string {
	reqId, ok := ctx.Value(ContextKeyReqID).(string)
	if !ok {
		return ""
	}
	return reqId
}

func writeRPCError(ctx context.Context, w http.ResponseWriter, id json.RawMessage, err error) {
	var res *RPCRes
	if r, ok := err.(*RPCErr); ok {
		res = NewRPCErrorRes(id, r)
	} else {
		res = NewRPCErrorRes(id, ErrInternal)
	}
	writeRPCRes(ctx, w, res)
}

func writeRPCRes(ctx context.Context, w http.ResponseWriter, res *RPCRes) {
	statusCode := 200
	if res.IsError() && res.Error.HTTPErrorCode != 0 {
		statusCode = res.Error.HTTPErrorCode
	}

	w.Header().Set("content-type", "application/json")
	w.WriteHeader(statusCode)
	enc := json.NewEncoder(w)
	if err := enc.Encode(res); err != nil {
		log.Error("error writing rpc response", "req_id", GetReqID(ctx), "err", err)
		RecordHTTPResponseCode(http.StatusInternalServerError)
		return
	}
	RecordHTTPResponseCode(statusCode)
}

func randStr(l int) string {
	b := make([]byte, l)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(b)
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
