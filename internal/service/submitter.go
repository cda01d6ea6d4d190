package service

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sandeepkv93/smart-session-gateway/internal/aa"
	"github.com/sandeepkv93/smart-session-gateway/internal/chain"
	"github.com/sandeepkv93/smart-session-gateway/internal/domain"
	"github.com/sandeepkv93/smart-session-gateway/internal/observability"
	"github.com/sandeepkv93/smart-session-gateway/internal/repository"
)

type SubmitterOptions struct {
	EntryPoint      common.Address
	Sponsored       bool
	MaxRetries      int
	InitialInterval time.Duration
	Logger          *slog.Logger
}

// Submitter drives a user operation from draft to a terminal receipt.
type Submitter struct {
	upstreams       Upstreams
	operations      repository.OperationRepository
	locks           *keyedMutex
	entryPoint      common.Address
	sponsored       bool
	maxRetries      int
	initialInterval time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

func NewSubmitter(upstreams Upstreams, operations repository.OperationRepository, opts SubmitterOptions) *Submitter {
	if opts.EntryPoint == (common.Address{}) {
		opts.EntryPoint = aa.EntryPointV07Address
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 200 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Submitter{
		upstreams:       upstreams,
		operations:      operations,
		locks:           newKeyedMutex(),
		entryPoint:      opts.EntryPoint,
		sponsored:       opts.Sponsored,
		maxRetries:      opts.MaxRetries,
		initialInterval: opts.InitialInterval,
		logger:          opts.Logger,
		now:             time.Now,
	}
}

// SubmitRequest describes one user operation executed under a session.
type SubmitRequest struct {
	Account         common.Address
	ChainID         uint64
	SessionRecordID uint
	Kind            domain.OperationKind
	// Validator scopes the nonce; it defaults to the smart sessions module.
	Validator  common.Address
	Calls      []aa.Call
	Encoder    aa.SignatureEncoder
	SessionKey *ecdsa.PrivateKey
	// OnConfirmed runs after a successful receipt, also when the caller has
	// stopped waiting.
	OnConfirmed func(ctx context.Context, res SubmitResult) error
}

type SubmitResult struct {
	UserOpHash      common.Hash           `json:"user_op_hash"`
	TransactionHash common.Hash           `json:"transaction_hash"`
	State           domain.OperationState `json:"state"`
}

// Submit signs, submits and waits for req. Once the bundler has accepted the
// operation the returned result is non-nil even when err is set, and the
// outcome is recorded even if ctx is cancelled while waiting.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if len(req.Calls) == 0 {
		return nil, validationErrorf("at least one call is required")
	}
	if req.SessionKey == nil || req.Encoder == nil {
		return nil, validationErrorf("session key and signature encoder are required")
	}
	if req.Validator == (common.Address{}) {
		req.Validator = aa.SmartSessionsAddress
	}
	callData, err := aa.EncodeExecute(req.Calls)
	if err != nil {
		return nil, validationErrorf("%v", err)
	}

	ctx, span := observability.StartSpan(ctx, "userop.submit", trace.WithAttributes(
		attribute.Int64("chain.id", int64(req.ChainID)),
		attribute.String("account", req.Account.Hex()),
		attribute.String("kind", string(req.Kind)),
	))
	defer span.End()

	node, err := s.upstreams.Node(ctx, req.ChainID)
	if err != nil {
		return nil, err
	}
	bundler, err := s.upstreams.Bundler(ctx, req.ChainID)
	if err != nil {
		return nil, err
	}

	started := s.now()
	hash, err := s.sendSerialized(ctx, node, bundler, req, callData)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		var reverted *OperationRevertedError
		if errors.As(err, &reverted) {
			s.recordFailedSubmission(ctx, req, reverted)
		}
		observability.RecordUserOperation(ctx, req.ChainID, string(req.Kind), "rejected", s.now().Sub(started).Seconds())
		return nil, err
	}
	span.SetAttributes(attribute.String("userop.hash", hash.Hex()))

	if err := s.operations.Create(ctx, &domain.Operation{
		UserOpHash:      hash.Hex(),
		SessionRecordID: req.SessionRecordID,
		AccountAddress:  req.Account.Hex(),
		ChainID:         req.ChainID,
		Kind:            req.Kind,
		State:           domain.OperationSubmitted,
	}); err != nil {
		s.logger.ErrorContext(ctx, "persist submitted operation failed", "user_op_hash", hash.Hex(), "error", err)
	}

	result := &SubmitResult{UserOpHash: hash, State: domain.OperationSubmitted}
	outcome := make(chan error, 1)
	waitCtx := context.WithoutCancel(ctx)
	go func() {
		outcome <- s.await(waitCtx, bundler, req, hash, result, started)
	}()

	select {
	case err := <-outcome:
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "operation failed")
		}
		return result, err
	case <-ctx.Done():
		s.logger.WarnContext(waitCtx, "caller left before confirmation; polling continues", "user_op_hash", hash.Hex())
		return &SubmitResult{UserOpHash: hash, State: domain.OperationSubmitted}, ctx.Err()
	}
}

// sendSerialized holds the per account and validator lock from nonce fetch
// until the bundler accepts the operation. A nonce conflict is retried once
// with a fresh nonce.
func (s *Submitter) sendSerialized(ctx context.Context, node NodeClient, bundler BundlerClient, req SubmitRequest, callData []byte) (common.Hash, error) {
	unlock, err := s.locks.Lock(ctx, fmt.Sprintf("%s|%d|%s", req.Account.Hex(), req.ChainID, req.Validator.Hex()))
	if err != nil {
		return common.Hash{}, err
	}
	defer unlock()

	hash, err := s.prepareAndSend(ctx, node, bundler, req, callData)
	if errors.Is(err, ErrNonceConflict) {
		s.logger.WarnContext(ctx, "nonce conflict, retrying with fresh nonce", "account", req.Account.Hex(), "chain_id", req.ChainID)
		hash, err = s.prepareAndSend(ctx, node, bundler, req, callData)
	}
	if err != nil {
		return common.Hash{}, s.mapSendError(err)
	}
	return hash, nil
}

func (s *Submitter) prepareAndSend(ctx context.Context, node NodeClient, bundler BundlerClient, req SubmitRequest, callData []byte) (common.Hash, error) {
	op := &aa.UserOperation{Sender: req.Account, CallData: callData}

	nonce, err := retryUpstream(ctx, s, func() (*big.Int, error) {
		return node.GetNonce(ctx, req.Account, aa.EncodeValidatorNonceKey(req.Validator))
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch nonce: %w", err)
	}
	op.Nonce = nonce

	mock, err := req.Encoder.EncodeSignature(aa.OwnableMockSignature)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode draft signature: %w", err)
	}
	op.Signature = mock

	fees, err := retryUpstream(ctx, s, func() (chain.GasPrice, error) { return bundler.GasPrice(ctx) })
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch gas price: %w", err)
	}
	op.MaxFeePerGas = fees.MaxFeePerGas
	op.MaxPriorityFeePerGas = fees.MaxPriorityFeePerGas

	estimate, err := retryUpstream(ctx, s, func() (chain.GasEstimate, error) {
		if s.sponsored {
			return bundler.Sponsor(ctx, op)
		}
		return bundler.EstimateGas(ctx, op)
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}
	if err := estimate.Apply(op); err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}

	hash, err := op.Hash(s.entryPoint, req.ChainID)
	if err != nil {
		return common.Hash{}, err
	}
	userOpSig, err := aa.SignUserOpHash(req.SessionKey, hash)
	if err != nil {
		return common.Hash{}, err
	}
	if op.Signature, err = req.Encoder.EncodeSignature(userOpSig); err != nil {
		return common.Hash{}, fmt.Errorf("encode session signature: %w", err)
	}

	sent, err := retryUpstream(ctx, s, func() (common.Hash, error) { return bundler.SendUserOperation(ctx, op) })
	if err != nil {
		var rpcErr *chain.RPCError
		if errors.As(err, &rpcErr) && !errors.Is(err, ErrNonceConflict) {
			return common.Hash{}, &OperationRevertedError{UserOpHash: hash, Reason: rpcErr.Message}
		}
		return common.Hash{}, err
	}
	if sent != hash {
		s.logger.WarnContext(ctx, "bundler returned unexpected user operation hash", "computed", hash.Hex(), "returned", sent.Hex())
	}
	return sent, nil
}

// await polls for the receipt and records the terminal state.
func (s *Submitter) await(ctx context.Context, bundler BundlerClient, req SubmitRequest, hash common.Hash, result *SubmitResult, started time.Time) error {
	receipt, err := bundler.WaitForReceipt(ctx, hash)
	elapsed := s.now().Sub(started).Seconds()
	switch {
	case err == nil && receipt.Success:
		tx := receipt.TransactionHash()
		result.TransactionHash = tx
		result.State = domain.OperationConfirmed
		s.finish(ctx, hash, repository.OperationUpdate{State: domain.OperationConfirmed, TransactionHash: tx.Hex()})
		observability.RecordUserOperation(ctx, req.ChainID, string(req.Kind), "confirmed", elapsed)
		if req.OnConfirmed != nil {
			return req.OnConfirmed(ctx, *result)
		}
		return nil

	case err == nil:
		tx := receipt.TransactionHash()
		result.TransactionHash = tx
		result.State = domain.OperationFailed
		reason := receipt.Reason
		if reason == "" {
			reason = "execution reverted"
		}
		s.finish(ctx, hash, repository.OperationUpdate{State: domain.OperationFailed, TransactionHash: tx.Hex(), FailureKind: "reverted", Reason: reason})
		observability.RecordUserOperation(ctx, req.ChainID, string(req.Kind), "reverted", elapsed)
		return &OperationRevertedError{UserOpHash: hash, TransactionHash: tx, Reason: reason}

	case errors.Is(err, ErrConfirmationTimeout):
		result.State = domain.OperationFailed
		s.finish(ctx, hash, repository.OperationUpdate{State: domain.OperationFailed, FailureKind: "confirmation_timeout", Reason: err.Error()})
		observability.RecordUserOperation(ctx, req.ChainID, string(req.Kind), "timeout", elapsed)
		return err

	default:
		result.State = domain.OperationFailed
		s.finish(ctx, hash, repository.OperationUpdate{State: domain.OperationFailed, FailureKind: "receipt_error", Reason: err.Error()})
		observability.RecordUserOperation(ctx, req.ChainID, string(req.Kind), "error", elapsed)
		return err
	}
}

func (s *Submitter) finish(ctx context.Context, hash common.Hash, update repository.OperationUpdate) {
	if err := s.operations.Update(ctx, hash.Hex(), update); err != nil {
		s.logger.ErrorContext(ctx, "record operation outcome failed", "user_op_hash", hash.Hex(), "state", update.State, "error", err)
		return
	}
	s.logger.InfoContext(ctx, "user operation finished", "user_op_hash", hash.Hex(), "state", update.State, "failure_kind", update.FailureKind)
}

func (s *Submitter) recordFailedSubmission(ctx context.Context, req SubmitRequest, reverted *OperationRevertedError) {
	if reverted.UserOpHash == (common.Hash{}) {
		return
	}
	err := s.operations.Create(ctx, &domain.Operation{
		UserOpHash:      reverted.UserOpHash.Hex(),
		SessionRecordID: req.SessionRecordID,
		AccountAddress:  req.Account.Hex(),
		ChainID:         req.ChainID,
		Kind:            req.Kind,
		State:           domain.OperationFailed,
		FailureKind:     "rejected",
		Reason:          reverted.Reason,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "persist rejected operation failed", "error", err)
	}
}

// mapSendError turns a bundler rejection into OperationReverted. Nonce
// conflicts that survived the retry and upstream errors pass through.
func (s *Submitter) mapSendError(err error) error {
	if errors.Is(err, ErrNonceConflict) || errors.Is(err, ErrUpstreamUnavailable) {
		return err
	}
	var rpcErr *chain.RPCError
	if errors.As(err, &rpcErr) {
		return &OperationRevertedError{Reason: rpcErr.Message}
	}
	return err
}

// retryUpstream retries fn while it reports ErrUpstreamUnavailable, up to
// MaxRetries additional attempts with exponential backoff.
func retryUpstream[T any](ctx context.Context, s *Submitter, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialInterval
	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !errors.Is(err, ErrUpstreamUnavailable) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.maxRetries+1)),
	)
}
