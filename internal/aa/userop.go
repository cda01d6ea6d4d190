package aa

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Call is a single execution requested from the account.
type Call struct {
	To    common.Address `json:"to"`
	Value *big.Int       `json:"value"`
	Data  hexutil.Bytes  `json:"data"`
}

// UserOperation is an EntryPoint v0.7 user operation in its unpacked RPC form.
type UserOperation struct {
	Sender                        common.Address
	Nonce                         *big.Int
	Factory                       *common.Address
	FactoryData                   []byte
	CallData                      []byte
	CallGasLimit                  *big.Int
	VerificationGasLimit          *big.Int
	PreVerificationGas            *big.Int
	MaxFeePerGas                  *big.Int
	MaxPriorityFeePerGas          *big.Int
	Paymaster                     *common.Address
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
	PaymasterData                 []byte
	Signature                     []byte
}

type userOperationJSON struct {
	Sender                        common.Address  `json:"sender"`
	Nonce                         *hexutil.Big    `json:"nonce"`
	Factory                       *common.Address `json:"factory,omitempty"`
	FactoryData                   hexutil.Bytes   `json:"factoryData,omitempty"`
	CallData                      hexutil.Bytes   `json:"callData"`
	CallGasLimit                  *hexutil.Big    `json:"callGasLimit"`
	VerificationGasLimit          *hexutil.Big    `json:"verificationGasLimit"`
	PreVerificationGas            *hexutil.Big    `json:"preVerificationGas"`
	MaxFeePerGas                  *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas          *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData,omitempty"`
	Signature                     hexutil.Bytes   `json:"signature"`
}

func hexBig(v *big.Int) *hexutil.Big {
	if v == nil {
		return (*hexutil.Big)(new(big.Int))
	}
	return (*hexutil.Big)(v)
}

func optHexBig(v *big.Int) *hexutil.Big {
	if v == nil {
		return nil
	}
	return (*hexutil.Big)(v)
}

func (op *UserOperation) MarshalJSON() ([]byte, error) {
	out := userOperationJSON{
		Sender:               op.Sender,
		Nonce:                hexBig(op.Nonce),
		Factory:              op.Factory,
		FactoryData:          op.FactoryData,
		CallData:             op.CallData,
		CallGasLimit:         hexBig(op.CallGasLimit),
		VerificationGasLimit: hexBig(op.VerificationGasLimit),
		PreVerificationGas:   hexBig(op.PreVerificationGas),
		MaxFeePerGas:         hexBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: hexBig(op.MaxPriorityFeePerGas),
		Signature:            op.Signature,
	}
	if op.Paymaster != nil {
		out.Paymaster = op.Paymaster
		out.PaymasterVerificationGasLimit = hexBig(op.PaymasterVerificationGasLimit)
		out.PaymasterPostOpGasLimit = hexBig(op.PaymasterPostOpGasLimit)
		out.PaymasterData = op.PaymasterData
	}
	if out.CallData == nil {
		out.CallData = hexutil.Bytes{}
	}
	if out.Signature == nil {
		out.Signature = hexutil.Bytes{}
	}
	return json.Marshal(out)
}

func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var in userOperationJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*op = UserOperation{
		Sender:                        in.Sender,
		Nonce:                         (*big.Int)(in.Nonce),
		Factory:                       in.Factory,
		FactoryData:                   in.FactoryData,
		CallData:                      in.CallData,
		CallGasLimit:                  (*big.Int)(in.CallGasLimit),
		VerificationGasLimit:          (*big.Int)(in.VerificationGasLimit),
		PreVerificationGas:            (*big.Int)(in.PreVerificationGas),
		MaxFeePerGas:                  (*big.Int)(in.MaxFeePerGas),
		MaxPriorityFeePerGas:          (*big.Int)(in.MaxPriorityFeePerGas),
		Paymaster:                     in.Paymaster,
		PaymasterVerificationGasLimit: (*big.Int)(in.PaymasterVerificationGasLimit),
		PaymasterPostOpGasLimit:       (*big.Int)(in.PaymasterPostOpGasLimit),
		PaymasterData:                 in.PaymasterData,
		Signature:                     in.Signature,
	}
	return nil
}

var (
	ErrMissingNonce  = errors.New("user operation nonce missing")
	ErrGasOutOfRange = errors.New("user operation gas field exceeds uint128")
)

// Hash computes the EntryPoint v0.7 user operation hash.
func (op *UserOperation) Hash(entryPoint common.Address, chainID uint64) (common.Hash, error) {
	if op.Nonce == nil {
		return common.Hash{}, ErrMissingNonce
	}
	for _, v := range []*big.Int{
		op.VerificationGasLimit, op.CallGasLimit,
		op.MaxPriorityFeePerGas, op.MaxFeePerGas,
		op.PaymasterVerificationGasLimit, op.PaymasterPostOpGasLimit,
	} {
		if v != nil && (v.Sign() < 0 || v.BitLen() > 128) {
			return common.Hash{}, ErrGasOutOfRange
		}
	}
	var initCode []byte
	if op.Factory != nil {
		initCode = append(append(initCode, op.Factory.Bytes()...), op.FactoryData...)
	}
	var paymasterAndData []byte
	if op.Paymaster != nil {
		paymasterAndData = append(paymasterAndData, op.Paymaster.Bytes()...)
		paymasterGas := packUint128Pair(op.PaymasterVerificationGasLimit, op.PaymasterPostOpGasLimit)
		paymasterAndData = append(paymasterAndData, paymasterGas[:]...)
		paymasterAndData = append(paymasterAndData, op.PaymasterData...)
	}
	packed, err := args(tAddress, tUint256, tBytes32, tBytes32, tBytes32, tUint256, tBytes32, tBytes32).Pack(
		op.Sender,
		op.Nonce,
		[32]byte(crypto.Keccak256Hash(initCode)),
		[32]byte(crypto.Keccak256Hash(op.CallData)),
		packUint128Pair(op.VerificationGasLimit, op.CallGasLimit),
		orZero(op.PreVerificationGas),
		packUint128Pair(op.MaxPriorityFeePerGas, op.MaxFeePerGas),
		[32]byte(crypto.Keccak256Hash(paymasterAndData)),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack user operation: %w", err)
	}
	enc, err := args(tBytes32, tAddress, tUint256).Pack(
		[32]byte(crypto.Keccak256Hash(packed)), entryPoint, new(big.Int).SetUint64(chainID),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode user operation hash: %w", err)
	}
	return crypto.Keccak256Hash(enc), nil
}

// packUint128Pair places hi in the upper and lo in the lower 16 bytes.
func packUint128Pair(hi, lo *big.Int) [32]byte {
	var out [32]byte
	orZero(hi).FillBytes(out[0:16])
	orZero(lo).FillBytes(out[16:32])
	return out
}

// EncodeValidatorNonceKey returns the uint192 EntryPoint nonce key that routes
// validation to validator: the address left-aligned in 24 bytes.
func EncodeValidatorNonceKey(validator common.Address) *big.Int {
	var key [24]byte
	copy(key[:], validator.Bytes())
	return new(big.Int).SetBytes(key[:])
}

var (
	executeSelector = []byte{0xe9, 0xae, 0x5c, 0x53}

	modeSingle = [32]byte{}
	modeBatch  = [32]byte{0x01}
)

type abiExecution struct {
	Target   common.Address `abi:"target"`
	Value    *big.Int       `abi:"value"`
	CallData []byte         `abi:"callData"`
}

var ErrNoCalls = errors.New("no calls to execute")

// EncodeExecute builds ERC-7579 execute(bytes32,bytes) calldata for calls.
func EncodeExecute(calls []Call) ([]byte, error) {
	if len(calls) == 0 {
		return nil, ErrNoCalls
	}
	var (
		mode      [32]byte
		execution []byte
	)
	if len(calls) == 1 {
		c := calls[0]
		mode = modeSingle
		value := common.LeftPadBytes(orZero(c.Value).Bytes(), 32)
		execution = append(append(append(execution, c.To.Bytes()...), value...), c.Data...)
	} else {
		mode = modeBatch
		executions := make([]abiExecution, 0, len(calls))
		for _, c := range calls {
			executions = append(executions, abiExecution{Target: c.To, Value: orZero(c.Value), CallData: c.Data})
		}
		enc, err := args(tExecutions).Pack(executions)
		if err != nil {
			return nil, fmt.Errorf("encode batch execution: %w", err)
		}
		execution = enc
	}
	enc, err := args(tBytes32, tBytes).Pack(mode, execution)
	if err != nil {
		return nil, fmt.Errorf("encode execute: %w", err)
	}
	return append(append([]byte(nil), executeSelector...), enc...), nil
}

var isModuleInstalledSelector = crypto.Keccak256([]byte("isModuleInstalled(uint256,address,bytes)"))[:4]

// EncodeIsModuleInstalled builds isModuleInstalled calldata with empty context.
func EncodeIsModuleInstalled(moduleType ModuleType, module common.Address) ([]byte, error) {
	enc, err := args(tUint256, tAddress, tBytes).Pack(big.NewInt(int64(moduleType)), module, []byte{})
	if err != nil {
		return nil, fmt.Errorf("encode isModuleInstalled: %w", err)
	}
	return append(append([]byte(nil), isModuleInstalledSelector...), enc...), nil
}

var getNonceSelector = crypto.Keccak256([]byte("getNonce(address,uint192)"))[:4]

// EncodeGetNonce builds EntryPoint getNonce(address,uint192) calldata.
func EncodeGetNonce(sender common.Address, key *big.Int) ([]byte, error) {
	enc, err := args(tAddress, mustType("uint192")).Pack(sender, key)
	if err != nil {
		return nil, fmt.Errorf("encode getNonce: %w", err)
	}
	return append(append([]byte(nil), getNonceSelector...), enc...), nil
}
