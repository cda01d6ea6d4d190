package chain

import (
	"context"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/sandeepkv93/smart-session-gateway/internal/aa"
)

// Node reads account and EntryPoint state from an execution client.
type Node struct {
	eth        *ethclient.Client
	entryPoint common.Address
}

func NewNode(client *rpc.Client, entryPoint common.Address) *Node {
	return &Node{eth: ethclient.NewClient(client), entryPoint: entryPoint}
}

// GetNonce returns the EntryPoint nonce of sender for the given uint192 key.
func (n *Node) GetNonce(ctx context.Context, sender common.Address, key *big.Int) (*big.Int, error) {
	data, err := aa.EncodeGetNonce(sender, key)
	if err != nil {
		return nil, err
	}
	out, err := n.eth.CallContract(ctx, ethereum.CallMsg{To: &n.entryPoint, Data: data}, nil)
	if err != nil {
		return nil, classify("eth_call getNonce", err)
	}
	if len(out) != 32 {
		return nil, fmt.Errorf("getNonce: %w: unexpected result length %d", ErrUpstreamUnavailable, len(out))
	}
	return new(big.Int).SetBytes(out), nil
}

// IsModuleInstalled reports false for accounts without code.
func (n *Node) IsModuleInstalled(ctx context.Context, account common.Address, moduleType aa.ModuleType, module common.Address) (bool, error) {
	code, err := n.eth.CodeAt(ctx, account, nil)
	if err != nil {
		return false, classify("eth_getCode", err)
	}
	if len(code) == 0 {
		return false, nil
	}
	data, err := aa.EncodeIsModuleInstalled(moduleType, module)
	if err != nil {
		return false, err
	}
	out, err := n.eth.CallContract(ctx, ethereum.CallMsg{To: &account, Data: data}, nil)
	if err != nil {
		return false, classify("eth_call isModuleInstalled", err)
	}
	if len(out) != 32 {
		return false, nil
	}
	return out[31] == 1, nil
}

func (n *Node) Close() {
	n.eth.Close()
}
