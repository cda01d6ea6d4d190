package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/sandeepkv93/smart-session-gateway/internal/aa"
)

type GasPrice struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

type gasPriceTier struct {
	MaxFeePerGas         *hexutil.Big `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big `json:"maxPriorityFeePerGas"`
}

type gasPriceResult struct {
	Slow     gasPriceTier `json:"slow"`
	Standard gasPriceTier `json:"standard"`
	Fast     gasPriceTier `json:"fast"`
}

// GasEstimate carries the gas fields a bundler or paymaster fills into a draft.
type GasEstimate struct {
	PreVerificationGas            *hexutil.Big    `json:"preVerificationGas"`
	VerificationGasLimit          *hexutil.Big    `json:"verificationGasLimit"`
	CallGasLimit                  *hexutil.Big    `json:"callGasLimit"`
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
}

var maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// checkUint128 rejects values the packed user operation cannot hold.
func checkUint128(field string, v *hexutil.Big) error {
	if v == nil {
		return nil
	}
	n := v.ToInt()
	if n.Sign() < 0 || n.Cmp(maxUint128) > 0 {
		return fmt.Errorf("%w: %s %s exceeds uint128", ErrRejected, field, n)
	}
	return nil
}

// Validate checks every gas field fits the 128-bit halves of a packed slot.
func (g GasEstimate) Validate() error {
	fields := []struct {
		name string
		v    *hexutil.Big
	}{
		{"preVerificationGas", g.PreVerificationGas},
		{"verificationGasLimit", g.VerificationGasLimit},
		{"callGasLimit", g.CallGasLimit},
		{"paymasterVerificationGasLimit", g.PaymasterVerificationGasLimit},
		{"paymasterPostOpGasLimit", g.PaymasterPostOpGasLimit},
	}
	for _, f := range fields {
		if err := checkUint128(f.name, f.v); err != nil {
			return err
		}
	}
	return nil
}

// Apply copies the estimate onto op, leaving fields the estimate lacks
// untouched. op is not modified when the estimate is out of range.
func (g GasEstimate) Apply(op *aa.UserOperation) error {
	if err := g.Validate(); err != nil {
		return err
	}
	set := func(dst **big.Int, v *hexutil.Big) {
		if v != nil {
			*dst = v.ToInt()
		}
	}
	set(&op.PreVerificationGas, g.PreVerificationGas)
	set(&op.VerificationGasLimit, g.VerificationGasLimit)
	set(&op.CallGasLimit, g.CallGasLimit)
	if g.Paymaster != nil {
		op.Paymaster = g.Paymaster
		op.PaymasterData = g.PaymasterData
		set(&op.PaymasterVerificationGasLimit, g.PaymasterVerificationGasLimit)
		set(&op.PaymasterPostOpGasLimit, g.PaymasterPostOpGasLimit)
	}
	return nil
}

type UserOperationReceipt struct {
	UserOpHash    common.Hash    `json:"userOpHash"`
	Sender        common.Address `json:"sender"`
	Success       bool           `json:"success"`
	Reason        string         `json:"reason"`
	ActualGasCost *hexutil.Big   `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big   `json:"actualGasUsed"`
	Receipt       struct {
		TransactionHash common.Hash `json:"transactionHash"`
	} `json:"receipt"`
}

func (r *UserOperationReceipt) TransactionHash() common.Hash {
	return r.Receipt.TransactionHash
}

type BundlerOptions struct {
	EntryPoint   common.Address
	PollInterval time.Duration
	Timeout      time.Duration
}

// Bundler talks to an ERC-4337 bundler that also exposes pimlico paymaster
// and gas price methods.
type Bundler struct {
	rpc          *rpc.Client
	entryPoint   common.Address
	pollInterval time.Duration
	timeout      time.Duration
}

func NewBundler(client *rpc.Client, opts BundlerOptions) *Bundler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	return &Bundler{rpc: client, entryPoint: opts.EntryPoint, pollInterval: opts.PollInterval, timeout: opts.Timeout}
}

// GasPrice returns the fast tier of pimlico_getUserOperationGasPrice.
func (b *Bundler) GasPrice(ctx context.Context) (GasPrice, error) {
	var out gasPriceResult
	if err := b.rpc.CallContext(ctx, &out, "pimlico_getUserOperationGasPrice"); err != nil {
		return GasPrice{}, classify("pimlico_getUserOperationGasPrice", err)
	}
	if out.Fast.MaxFeePerGas == nil || out.Fast.MaxPriorityFeePerGas == nil {
		return GasPrice{}, fmt.Errorf("pimlico_getUserOperationGasPrice: %w: missing fast tier", ErrUpstreamUnavailable)
	}
	if err := checkUint128("maxFeePerGas", out.Fast.MaxFeePerGas); err != nil {
		return GasPrice{}, fmt.Errorf("pimlico_getUserOperationGasPrice: %w", err)
	}
	if err := checkUint128("maxPriorityFeePerGas", out.Fast.MaxPriorityFeePerGas); err != nil {
		return GasPrice{}, fmt.Errorf("pimlico_getUserOperationGasPrice: %w", err)
	}
	return GasPrice{
		MaxFeePerGas:         out.Fast.MaxFeePerGas.ToInt(),
		MaxPriorityFeePerGas: out.Fast.MaxPriorityFeePerGas.ToInt(),
	}, nil
}

func (b *Bundler) EstimateGas(ctx context.Context, op *aa.UserOperation) (GasEstimate, error) {
	var out GasEstimate
	if err := b.rpc.CallContext(ctx, &out, "eth_estimateUserOperationGas", op, b.entryPoint); err != nil {
		return GasEstimate{}, classify("eth_estimateUserOperationGas", err)
	}
	return out, nil
}

// Sponsor asks the paymaster to cover op; the result includes gas limits.
func (b *Bundler) Sponsor(ctx context.Context, op *aa.UserOperation) (GasEstimate, error) {
	var out GasEstimate
	if err := b.rpc.CallContext(ctx, &out, "pm_sponsorUserOperation", op, b.entryPoint); err != nil {
		return GasEstimate{}, classify("pm_sponsorUserOperation", err)
	}
	if out.Paymaster == nil {
		return GasEstimate{}, fmt.Errorf("pm_sponsorUserOperation: %w: no paymaster in response", ErrRejected)
	}
	return out, nil
}

func (b *Bundler) SendUserOperation(ctx context.Context, op *aa.UserOperation) (common.Hash, error) {
	var hash common.Hash
	if err := b.rpc.CallContext(ctx, &hash, "eth_sendUserOperation", op, b.entryPoint); err != nil {
		return common.Hash{}, classify("eth_sendUserOperation", err)
	}
	return hash, nil
}

// GetUserOperationReceipt returns nil without error while the operation is pending.
func (b *Bundler) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*UserOperationReceipt, error) {
	var out *UserOperationReceipt
	if err := b.rpc.CallContext(ctx, &out, "eth_getUserOperationReceipt", hash); err != nil {
		return nil, classify("eth_getUserOperationReceipt", err)
	}
	return out, nil
}

var errReceiptPending = errors.New("receipt pending")

// WaitForReceipt polls until a receipt exists, the bundler rejects the lookup,
// or the configured timeout elapses. Transport errors are polled through.
func (b *Bundler) WaitForReceipt(ctx context.Context, hash common.Hash) (*UserOperationReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	receipt, err := backoff.Retry(ctx, func() (*UserOperationReceipt, error) {
		r, err := b.GetUserOperationReceipt(ctx, hash)
		if err != nil {
			if errors.Is(err, ErrRejected) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if r == nil {
			return nil, errReceiptPending
		}
		return r, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(b.pollInterval)),
		backoff.WithMaxElapsedTime(b.timeout),
	)
	switch {
	case err == nil:
		return receipt, nil
	case errors.Is(err, ErrRejected):
		return nil, err
	case errors.Is(err, errReceiptPending), errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: user operation %s", ErrConfirmationTimeout, hash.Hex())
	default:
		return nil, err
	}
}

func (b *Bundler) Close() {
	b.rpc.Close()
}
