package benchproxy

import (
	"encoding/json"
	"fmt"
	"io"
)

type RPCReq struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type RPCRes struct {
	JSONRPC string
	Result  interface{}
	Error   *RPCErr
	ID      json.RawMessage
}

type rpcResJSON struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCErr         `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type nullResultRPCRes struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  interface{}     `json:"result"`
	ID      json.RawMessage `json:"id"`
}

func (r *RPCRes) IsError() bool {
	return r.Error != nil
}

func (r *RPCRes) MarshalJSON() ([]byte, error) {
	if r.Result == nil && r.Error == nil {
		return json.Marshal(&nullResultRPCRes{
			JSONRPC: r.JSONRPC,
			Result:  nil,
			ID:      r.ID,
		})
	}

	return json.Marshal(&rpcResJSON{
		JSONRPC: r.JSONRPC,
		Result:  r.Result,
		Error:   r.Error,
		ID:      r.ID,
	})
}

type RPCErr struct {
	Code          int    `json:"code"`
	Message       string `json:"message"`
	Data          string `json:"data,omitempty"`
	HTTPErrorCode int    `json:"-"`
}

func (r *RPCErr) Error() string {
	return r.Message
}

func ParseRPCReq(body []byte) (*RPCReq, error) {
	req := new(RPCReq)
	if err := json.Unmarshal(body, req); err != nil {
		return nil, ErrParseErr
	}

	return req, nil
}

func ParseBatchRPCReq(body []byte) ([]json.RawMessage, error) {
	batch := make([]json.RawMessage, 0)
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, err
	}

	return batch, nil
}

func ParseRPCRes(r io.Reader) (*RPCRes, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, wrapErr(err, "error reading RPC response")
	}

	res := new(RPCRes)
	if err := json.Unmarshal(body, res); err != nil {
		return nil, wrapErr(err, "error unmarshalling RPC response")
	}

	return res, nil
}

func NewRPCErrorRes(id json.RawMessage, err error) *RPCRes {
	var rpcErr *RPCErr
	if rr, ok := err.(*RPCErr); ok {
		rpcErr = rr
	} else {
		rpcErr = &RPCErr{
			Code:    JSONRPCErrorInternal,
			Message: err.Error(),
		}
	}

	return &RPCRes{
		JSONRPC: JSONRPCVersion,
		Error:   rpcErr,
		ID:      id,
	}
}

func IsBatch(raw []byte) bool {
	for _, c := range raw {
		// skip insignificant whitespace (http://www.ietf.org/rfc/rfc4627.txt)
		if c == 0x20 || c == 0x09 || c == 0x0a || c == 0x0d {
			continue
		}
		return c == '['
	}
	return false
}

// RequestInfo describes an inbound request as far as routing and
// accounting are concerned. The body itself is forwarded untouched.
type RequestInfo struct {
	Methods     []string
	CUKeys      []string
	IsBatch     bool
	IsStateful  bool
	IsExpensive bool
	ID          json.RawMessage
}

// Label is the method name used in logs and metrics.
func (r *RequestInfo) Label() string {
	if !r.IsBatch {
		if len(r.Methods) == 0 {
			return MethodUnknown
		}
		return r.Methods[0]
	}
	return fmt.Sprintf("batch[%d]", len(r.Methods))
}

func ParseRequestInfo(body []byte) (*RequestInfo, error) {
	info := &RequestInfo{IsBatch: IsBatch(body)}

	var reqs []*RPCReq
	if info.IsBatch {
		batch, err := ParseBatchRPCReq(body)
		if err != nil {
			return nil, ErrParseErr
		}
		if len(batch) == 0 {
			return nil, ErrInvalidRequest("must specify at least one batch call")
		}
		for _, raw := range batch {
			req, err := ParseRPCReq(raw)
			if err != nil {
				return nil, err
			}
			reqs = append(reqs, req)
		}
	} else {
		req, err := ParseRPCReq(body)
		if err != nil {
			return nil, err
		}
		info.ID = req.ID
		reqs = append(reqs, req)
	}

	for _, req := range reqs {
		if req.Method == "" {
			return nil, ErrInvalidRequest("no method specified")
		}
		info.Methods = append(info.Methods, req.Method)
		info.CUKeys = append(info.CUKeys, CUMethodKey(req.Method, req.Params))
		if IsStatefulMethod(req.Method) {
			info.IsStateful = true
		}
		if IsExpensiveMethod(req.Method) {
			info.IsExpensive = true
		}
	}

	return info, nil
}
