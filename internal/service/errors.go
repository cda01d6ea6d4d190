package service

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sandeepkv93/smart-session-gateway/internal/chain"
)

var (
	ErrValidation            = errors.New("validation error")
	ErrAccountNotFound       = errors.New("account not found")
	ErrAuthorizationNotFound = errors.New("authorization not found")
	ErrAuthorizationExpired  = errors.New("authorization expired")
	ErrAuthorizationInFlight = errors.New("authorization already being signed")
	ErrUnauthorizedPath      = errors.New("unauthorized path")
	ErrUnknownPolicyKind     = errors.New("unknown policy kind")
	ErrOperationReverted     = errors.New("operation reverted")
	ErrOperationNotFound     = errors.New("operation not found")

	ErrNonceConflict       = chain.ErrNonceConflict
	ErrConfirmationTimeout = chain.ErrConfirmationTimeout
	ErrUpstreamUnavailable = chain.ErrUpstreamUnavailable
)

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// OperationRevertedError reports a user operation that the bundler rejected or
// that executed on chain without success.
type OperationRevertedError struct {
	UserOpHash      common.Hash
	TransactionHash common.Hash
	Reason          string
}

func (e *OperationRevertedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("operation %s reverted", e.UserOpHash.Hex())
	}
	return fmt.Sprintf("operation %s reverted: %s", e.UserOpHash.Hex(), e.Reason)
}

func (e *OperationRevertedError) Is(target error) bool {
	return target == ErrOperationReverted
}

// BatchError is returned when a delegated batch stops part way. Completed holds
// the transaction hashes of the steps that were confirmed before Step failed.
type BatchError struct {
	Completed []common.Hash
	Step      int
	Err       error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch step %d failed after %d completed: %v", e.Step, len(e.Completed), e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}
