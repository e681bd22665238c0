package benchproxy

import (
	"context"
	"errors"
	"fmt"
)

const (
	JSONRPCVersion             = "2.0"
	JSONRPCErrorInternal       = -32000
	JSONRPCErrorInvalidRequest = -32600
	JSONRPCErrorParse          = -32700
)

var (
	ErrParseErr = &RPCErr{
		Code:          JSONRPCErrorParse,
		Message:       "parse error",
		HTTPErrorCode: 400,
	}
	ErrInternal = &RPCErr{
		Code:          JSONRPCErrorInternal,
		Message:       "internal error",
		HTTPErrorCode: 500,
	}
	ErrNoBackends = &RPCErr{
		Code:          JSONRPCErrorInternal - 11,
		Message:       "no backend available",
		HTTPErrorCode: 503,
	}
	ErrBackendBadGateway = &RPCErr{
		Code:          JSONRPCErrorInternal - 13,
		Message:       "backend request failed",
		HTTPErrorCode: 502,
	}
	ErrGatewayTimeout = &RPCErr{
		Code:          JSONRPCErrorInternal - 15,
		Message:       "no response from any backend",
		HTTPErrorCode: 504,
	}
	ErrRequestBodyTooLarge = &RPCErr{
		Code:          JSONRPCErrorInternal - 21,
		Message:       "request body too large",
		HTTPErrorCode: 413,
	}
	ErrContextCanceled = &RPCErr{
		Code:          JSONRPCErrorInternal - 23,
		Message:       context.Canceled.Error(),
		HTTPErrorCode: 499,
	}
	ErrTooManyRequests = &RPCErr{
		Code:          JSONRPCErrorInternal - 24,
		Message:       "too many requests",
		HTTPErrorCode: 429,
	}

	ErrBackendResponseTooLarge = errors.New("backend response too large")
)

func ErrInvalidRequest(msg string) *RPCErr {
	return &RPCErr{
		Code:          JSONRPCErrorInvalidRequest,
		Message:       msg,
		HTTPErrorCode: 400,
	}
}

// badGateway carries the transport error of a failed race leg behind a 502.
func badGateway(backend string, cause error) *RPCErr {
	return &RPCErr{
		Code:          ErrBackendBadGateway.Code,
		Message:       fmt.Sprintf("%s: %s: %v", ErrBackendBadGateway.Message, backend, cause),
		HTTPErrorCode: ErrBackendBadGateway.HTTPErrorCode,
	}
}

func wrapErr(err error, msg string) error {
	return fmt.Errorf("%s\n%w", msg, err)
}
