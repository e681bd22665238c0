package benchproxy

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	MethodUnknown = "unknown"

	// DefaultCUPrice is charged for methods missing from the price table.
	DefaultCUPrice = 50
)

// Methods that create or read server-side filter and subscription state.
// Secondaries never see them.
var statefulMethods = NewStringSetFromStrings([]string{
	"eth_newFilter",
	"eth_newBlockFilter",
	"eth_newPendingTransactionFilter",
	"eth_getFilterChanges",
	"eth_getFilterLogs",
	"eth_uninstallFilter",
	"eth_subscribe",
	"eth_unsubscribe",
	"eth_subscription",
})

var expensiveMethods = NewStringSetFromStrings([]string{
	"debug_traceBlockByHash",
	"debug_traceBlockByNumber",
	"debug_traceCall",
	"debug_traceTransaction",
	"debug_storageRangeAt",
	"debug_getModifiedAccountsByHash",
	"debug_getModifiedAccountsByNumber",
})

func IsStatefulMethod(method string) bool {
	return statefulMethods.Has(method)
}

func IsExpensiveMethod(method string) bool {
	return expensiveMethods.Has(method) || strings.HasPrefix(method, "trace_")
}

type CUPriceTable map[string]uint64

func (t CUPriceTable) Price(key string) uint64 {
	if price, ok := t[key]; ok {
		return price
	}
	// variant keys fall back to their base method
	if i := strings.IndexByte(key, '#'); i > 0 {
		if price, ok := t[key[:i]]; ok {
			return price
		}
	}
	return DefaultCUPrice
}

func DefaultCUPrices() CUPriceTable {
	return CUPriceTable{
		"debug_traceBlockByHash":                  90,
		"debug_traceBlockByNumber":                90,
		"debug_traceCall":                         90,
		"debug_traceTransaction":                  90,
		"debug_storageRangeAt":                    50,
		"eth_accounts":                            0,
		"eth_blockNumber":                         10,
		"eth_call":                                21,
		"eth_chainId":                             0,
		"eth_coinbase":                            0,
		"eth_createAccessList":                    30,
		"eth_estimateGas":                         60,
		"eth_feeHistory":                          15,
		"eth_gasPrice":                            15,
		"eth_getBalance":                          11,
		"eth_getBlockByHash":                      21,
		"eth_getBlockByHash#full":                 60,
		"eth_getBlockByNumber":                    24,
		"eth_getBlockByNumber#full":               60,
		"eth_getBlockReceipts":                    80,
		"eth_getBlockTransactionCountByHash":      15,
		"eth_getBlockTransactionCountByNumber":    11,
		"eth_getCode":                             24,
		"eth_getFilterChanges":                    20,
		"eth_getFilterLogs":                       60,
		"eth_getLogs":                             60,
		"eth_getProof":                            11,
		"eth_getStorageAt":                        14,
		"eth_getTransactionByBlockHashAndIndex":   19,
		"eth_getTransactionByBlockNumberAndIndex": 13,
		"eth_getTransactionByHash":                11,
		"eth_getTransactionCount":                 11,
		"eth_getTransactionReceipt":               30,
		"eth_getUncleByBlockHashAndIndex":         15,
		"eth_getUncleByBlockNumberAndIndex":       15,
		"eth_getUncleCountByBlockHash":            15,
		"eth_getUncleCountByBlockNumber":          15,
		"eth_hashrate":                            0,
		"eth_maxPriorityFeePerGas":                16,
		"eth_mining":                              0,
		"eth_newBlockFilter":                      20,
		"eth_newFilter":                           20,
		"eth_newPendingTransactionFilter":         20,
		"eth_protocolVersion":                     0,
		"eth_sendRawTransaction":                  90,
		"eth_syncing":                             0,
		"eth_subscribe":                           10,
		"eth_subscription":                        25,
		"eth_uninstallFilter":                     10,
		"eth_unsubscribe":                         10,
		"net_listening":                           0,
		"net_peerCount":                           0,
		"net_version":                             0,
		"trace_block":                             90,
		"trace_call":                              60,
		"trace_callMany":                          90,
		"trace_filter":                            75,
		"trace_get":                               20,
		"trace_rawTransaction":                    75,
		"trace_replayBlockTransactions":           90,
		"trace_replayBlockTransactions#vmTrace":   300,
		"trace_replayTransaction":                 90,
		"trace_replayTransaction#vmTrace":         300,
		"trace_transaction":                       90,
		"txpool_content":                          1000,
		"web3_clientVersion":                      0,
		"web3_sha3":                               10,
	}
}

// LoadCUPrices reads a YAML mapping of method to price and lays it over
// the default table.
func LoadCUPrices(path string) (CUPriceTable, error) {
	prices := DefaultCUPrices()
	if path == "" {
		return prices, nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "error reading cu prices file")
	}
	overrides := make(map[string]uint64)
	if err := yaml.Unmarshal(contents, &overrides); err != nil {
		return nil, errors.Wrapf(err, "error parsing cu prices file %s", path)
	}
	for method, price := range overrides {
		prices[method] = price
	}
	return prices, nil
}

// CUMethodKey returns the price table key for a call. Full-transaction
// block fetches and vmTrace replays are priced separately.
func CUMethodKey(method string, params json.RawMessage) string {
	switch method {
	case "eth_getBlockByNumber", "eth_getBlockByHash":
		var p []json.RawMessage
		if err := json.Unmarshal(params, &p); err != nil || len(p) < 2 {
			return method
		}
		var full bool
		if err := json.Unmarshal(p[1], &full); err == nil && full {
			return method + "#full"
		}
	case "trace_replayTransaction", "trace_replayBlockTransactions":
		var p []json.RawMessage
		if err := json.Unmarshal(params, &p); err != nil || len(p) < 2 {
			return method
		}
		var traceTypes []string
		if err := json.Unmarshal(p[1], &traceTypes); err != nil {
			return method
		}
		for _, tt := range traceTypes {
			if tt == "vmTrace" {
				return method + "#vmTrace"
			}
		}
	}
	return method
}
