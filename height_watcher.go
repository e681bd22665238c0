package benchproxy

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultReconnectDelay = 10 * time.Second

	newHeadsSubscriptionID = 1
)

var newHeadsSubscribeReq = mustMarshalJSON(map[string]any{
	"jsonrpc": JSONRPCVersion,
	"id":      newHeadsSubscriptionID,
	"method":  "eth_subscribe",
	"params":  []string{"newHeads"},
})

type HeightRecord struct {
	Height     uint64    `json:"height"`
	LastUpdate time.Time `json:"last_update"`
}

type HeightWatcherOpt func(w *HeightWatcher)

func WithReconnectDelay(d time.Duration) HeightWatcherOpt {
	return func(w *HeightWatcher) {
		w.reconnectDelay = d
	}
}

// HeightWatcher follows the newHeads feed of every backend and reports
// secondaries that have fallen too far behind the primary.
type HeightWatcher struct {
	primary         *Backend
	backends        []*Backend
	maxBlocksBehind uint64
	reconnectDelay  time.Duration

	heights sync.Map // backend name -> HeightRecord
}

func NewHeightWatcher(primary *Backend, secondaries []*Backend, maxBlocksBehind uint64, opts ...HeightWatcherOpt) *HeightWatcher {
	w := &HeightWatcher{
		primary:         primary,
		maxBlocksBehind: maxBlocksBehind,
		reconnectDelay:  DefaultReconnectDelay,
	}
	if primary != nil {
		w.backends = append(w.backends, primary)
	}
	w.backends = append(w.backends, secondaries...)
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks until ctx is done and every watch task has exited.
func (w *HeightWatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, be := range w.backends {
		be := be
		g.Go(func() error {
			w.watch(ctx, be)
			return nil
		})
	}
	return g.Wait()
}

func (w *HeightWatcher) watch(ctx context.Context, be *Backend) {
	var backoff BackoffStrategy = NewStaticBackoff(w.reconnectDelay)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := w.subscribe(ctx, be); err != nil && ctx.Err() == nil {
			log.Warn("newHeads subscription ended",
				"backend", be.Name,
				"url", be.WSURL(),
				"err", err)
		}
		if ctx.Err() != nil {
			return
		}

		backoff.Backoff()
		RecordHeightWatcherReconnect(be.Name)
		if !sleepContext(ctx, backoff.BackoffWait()) {
			return
		}
	}
}

func (w *HeightWatcher) subscribe(ctx context.Context, be *Backend) error {
	conn, err := be.DialWS(ctx)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	if err := conn.WriteMessage(websocket.TextMessage, newHeadsSubscribeReq); err != nil {
		return wrapErr(err, "error sending newHeads subscription")
	}
	log.Info("subscribed to newHeads", "backend", be.Name)

	for {
		if ctx.Err() != nil {
			return nil
		}
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		w.handleMessage(be.Name, msg)
	}
}

type newHeadsMessage struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Params *struct {
		Result struct {
			Number string `json:"number"`
		} `json:"result"`
	} `json:"params"`
}

func (w *HeightWatcher) handleMessage(backend string, msg []byte) {
	var m newHeadsMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		log.Warn("malformed newHeads message", "backend", backend, "err", err)
		return
	}

	if m.Method != "eth_subscription" {
		if string(m.ID) == "1" && len(m.Result) > 0 {
			log.Debug("newHeads subscription confirmed", "backend", backend, "subscription", string(m.Result))
		}
		return
	}
	if m.Params == nil {
		log.Warn("newHeads notification without params", "backend", backend)
		return
	}
	height, err := hexutil.DecodeUint64(m.Params.Result.Number)
	if err != nil {
		log.Warn("invalid block number in newHeads notification",
			"backend", backend,
			"number", m.Params.Result.Number,
			"err", err)
		return
	}
	w.SetHeight(backend, height)
}

// SetHeight records the latest height for a backend. Later writes win.
func (w *HeightWatcher) SetHeight(backend string, height uint64) {
	w.heights.Store(backend, HeightRecord{Height: height, LastUpdate: time.Now()})
	RecordBackendHeight(backend, height)
	log.Trace("block height updated", "backend", backend, "height", height)
}

func (w *HeightWatcher) Height(name string) (HeightRecord, bool) {
	v, ok := w.heights.Load(name)
	if !ok {
		return HeightRecord{}, false
	}
	return v.(HeightRecord), true
}

func (w *HeightWatcher) Heights() map[string]uint64 {
	out := make(map[string]uint64)
	w.heights.Range(func(k, v any) bool {
		out[k.(string)] = v.(HeightRecord).Height
		return true
	})
	return out
}

// IsSecondaryBehind reports whether a secondary trails the primary by more
// than the allowed number of blocks. A secondary with no height yet counts
// as behind once the primary's height is known.
func (w *HeightWatcher) IsSecondaryBehind(name string) bool {
	if w.primary == nil {
		return false
	}
	primary, ok := w.Height(w.primary.Name)
	if !ok {
		return false
	}
	secondary, ok := w.Height(name)
	if !ok {
		return true
	}
	return primary.Height > secondary.Height &&
		primary.Height-secondary.Height > w.maxBlocksBehind
}
