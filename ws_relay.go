package benchproxy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
)

const defaultWSWriteTimeout = 10 * time.Second

// WSRelay copies frames both ways between a client and the primary without
// inspecting them. Subscriptions are stateful, so they are never raced.
type WSRelay struct {
	backend       *Backend
	clientConn    *websocket.Conn
	clientConnMu  sync.Mutex
	backendConn   *websocket.Conn
	backendConnMu sync.Mutex
	writeTimeout  time.Duration

	clientMsgs  atomic.Uint64
	backendMsgs atomic.Uint64
}

func NewWSRelay(backend *Backend, clientConn, backendConn *websocket.Conn) *WSRelay {
	return &WSRelay{
		backend:      backend,
		clientConn:   clientConn,
		backendConn:  backendConn,
		writeTimeout: defaultWSWriteTimeout,
	}
}

// Relay runs until either side closes and returns the session's counters.
func (w *WSRelay) Relay(ctx context.Context) WebSocketStats {
	start := time.Now()
	RecordWSSessionStart()
	defer RecordWSSessionEnd()

	errC := make(chan error, 2)
	go w.clientPump(ctx, errC)
	go w.backendPump(ctx, errC)

	var err error
	select {
	case err = <-errC:
	case <-ctx.Done():
		err = ctx.Err()
	}
	w.close()

	stats := WebSocketStats{
		Backend:                 w.backend.Name,
		Duration:                time.Since(start),
		ClientToBackendMessages: w.clientMsgs.Load(),
		BackendToClientMessages: w.backendMsgs.Load(),
	}
	if err != nil && !isNormalClose(err) {
		stats.Err = err
	}
	return stats
}

func (w *WSRelay) clientPump(ctx context.Context, errC chan error) {
	for {
		msgType, msg, err := w.clientConn.ReadMessage()
		if err != nil {
			if werr := w.writeBackendConn(websocket.CloseMessage, formatWSError(err)); werr != nil {
				log.Debug("error writing close to backend", "req_id", GetReqID(ctx), "err", werr)
			}
			errC <- err
			return
		}

		w.clientMsgs.Add(1)
		RecordWSMessage(SourceClient)
		log.Trace("relaying ws message to backend", "req_id", GetReqID(ctx), "type", msgType, "size", len(msg))

		if err := w.writeBackendConn(msgType, msg); err != nil {
			errC <- err
			return
		}
	}
}

func (w *WSRelay) backendPump(ctx context.Context, errC chan error) {
	for {
		msgType, msg, err := w.backendConn.ReadMessage()
		if err != nil {
			if werr := w.writeClientConn(websocket.CloseMessage, formatWSError(err)); werr != nil {
				log.Debug("error writing close to client", "req_id", GetReqID(ctx), "err", werr)
			}
			errC <- err
			return
		}

		w.backendMsgs.Add(1)
		RecordWSMessage(SourceBackend)
		log.Trace("relaying ws message to client", "req_id", GetReqID(ctx), "type", msgType, "size", len(msg))

		if err := w.writeClientConn(msgType, msg); err != nil {
			errC <- err
			return
		}
	}
}

func (w *WSRelay) close() {
	w.clientConn.Close()
	w.backendConn.Close()
}

func (w *WSRelay) writeClientConn(msgType int, msg []byte) error {
	w.clientConnMu.Lock()
	defer w.clientConnMu.Unlock()
	if err := w.clientConn.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.clientConn.WriteMessage(msgType, msg)
}

func (w *WSRelay) writeBackendConn(msgType int, msg []byte) error {
	w.backendConnMu.Lock()
	defer w.backendConnMu.Unlock()
	if err := w.backendConn.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.backendConn.WriteMessage(msgType, msg)
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
