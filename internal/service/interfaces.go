package service

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sandeepkv93/smart-session-gateway/internal/aa"
	"github.com/sandeepkv93/smart-session-gateway/internal/chain"
)

type NodeClient interface {
	GetNonce(ctx context.Context, sender common.Address, key *big.Int) (*big.Int, error)
	IsModuleInstalled(ctx context.Context, account common.Address, moduleType aa.ModuleType, module common.Address) (bool, error)
}

type BundlerClient interface {
	GasPrice(ctx context.Context) (chain.GasPrice, error)
	EstimateGas(ctx context.Context, op *aa.UserOperation) (chain.GasEstimate, error)
	Sponsor(ctx context.Context, op *aa.UserOperation) (chain.GasEstimate, error)
	SendUserOperation(ctx context.Context, op *aa.UserOperation) (common.Hash, error)
	WaitForReceipt(ctx context.Context, hash common.Hash) (*chain.UserOperationReceipt, error)
}

// Upstreams resolves the per-chain collaborators.
type Upstreams interface {
	Node(ctx context.Context, chainID uint64) (NodeClient, error)
	Bundler(ctx context.Context, chainID uint64) (BundlerClient, error)
}

type registryUpstreams struct {
	registry *chain.Registry
}

func NewRegistryUpstreams(registry *chain.Registry) Upstreams {
	return registryUpstreams{registry: registry}
}

func (u registryUpstreams) Node(ctx context.Context, chainID uint64) (NodeClient, error) {
	n, err := u.registry.Node(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (u registryUpstreams) Bundler(ctx context.Context, chainID uint64) (BundlerClient, error) {
	b, err := u.registry.Bundler(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// KeySealer protects session private keys at rest.
type KeySealer interface {
	Seal(plaintext, additionalData []byte) ([]byte, error)
	Open(sealed, additionalData []byte) ([]byte, error)
}
