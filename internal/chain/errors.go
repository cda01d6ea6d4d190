package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrUnsupportedChain    = errors.New("unsupported chain")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrRejected            = errors.New("rejected by upstream")
	ErrNonceConflict       = errors.New("nonce conflict")
	ErrConfirmationTimeout = errors.New("confirmation timeout")
)

// RPCError is a JSON-RPC error object returned by a node or bundler.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: rpc error %d: %s", e.Method, e.Code, e.Message)
}

// Is reports EntryPoint AA25 (invalid account nonce) as ErrNonceConflict and
// every other rpc error as ErrRejected.
func (e *RPCError) Is(target error) bool {
	switch target {
	case ErrRejected:
		return true
	case ErrNonceConflict:
		return strings.Contains(e.Message, "AA25")
	}
	return false
}

func classify(method string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return &RPCError{Method: method, Code: rpcErr.ErrorCode(), Message: rpcErr.Error()}
	}
	return fmt.Errorf("%s: %w: %v", method, ErrUpstreamUnavailable, err)
}
