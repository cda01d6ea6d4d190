package aa

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type PolicyKind string

const (
	PolicyKindSudo            PolicyKind = "sudo"
	PolicyKindSpendingLimits  PolicyKind = "spendingLimits"
	PolicyKindValueLimit      PolicyKind = "valueLimit"
	PolicyKindTimeFrame       PolicyKind = "timeFrame"
	PolicyKindUniversalAction PolicyKind = "universalAction"
)

func (k PolicyKind) Valid() bool {
	switch k {
	case PolicyKindSudo, PolicyKindSpendingLimits, PolicyKindValueLimit, PolicyKindTimeFrame, PolicyKindUniversalAction:
		return true
	}
	return false
}

// Policy is a concrete, on-chain verifiable policy: the policy contract and
// the init data it is installed with.
type Policy struct {
	Kind     PolicyKind     `json:"kind"`
	Address  common.Address `json:"policy"`
	InitData hexutil.Bytes  `json:"initData"`
}

type TokenLimit struct {
	Token common.Address `json:"token"`
	Limit *big.Int       `json:"limit"`
}

type ParamCondition uint8

const (
	ParamConditionEqual ParamCondition = iota
	ParamConditionGreaterThan
	ParamConditionLessThan
	ParamConditionGreaterThanOrEqual
	ParamConditionLessThanOrEqual
	ParamConditionNotEqual
	ParamConditionInRange
)

type ParamRule struct {
	Condition ParamCondition `json:"condition"`
	Offset    uint64         `json:"offset"`
	IsLimited bool           `json:"isLimited"`
	Ref       common.Hash    `json:"ref"`
	Limit     *big.Int       `json:"limit,omitempty"`
	Used      *big.Int       `json:"used,omitempty"`
}

type ActionConfig struct {
	ValueLimitPerUse *big.Int    `json:"valueLimitPerUse"`
	ParamRules       []ParamRule `json:"paramRules"`
}

const MaxParamRules = 16

var ErrInvalidPolicyParams = errors.New("invalid policy params")

func SudoPolicy() Policy {
	return Policy{Kind: PolicyKindSudo, Address: SudoPolicyAddress, InitData: hexutil.Bytes{}}
}

func SpendingLimitsPolicy(limits []TokenLimit) (Policy, error) {
	if len(limits) == 0 {
		return Policy{}, fmt.Errorf("%w: spending limits require at least one token", ErrInvalidPolicyParams)
	}
	tokens := make([]common.Address, 0, len(limits))
	amounts := make([]*big.Int, 0, len(limits))
	for _, l := range limits {
		if l.Limit == nil || l.Limit.Sign() < 0 {
			return Policy{}, fmt.Errorf("%w: spending limit for %s must be non-negative", ErrInvalidPolicyParams, l.Token.Hex())
		}
		tokens = append(tokens, l.Token)
		amounts = append(amounts, l.Limit)
	}
	data, err := args(tAddresses, tUint256s).Pack(tokens, amounts)
	if err != nil {
		return Policy{}, fmt.Errorf("encode spending limits: %w", err)
	}
	return Policy{Kind: PolicyKindSpendingLimits, Address: SpendingLimitsPolicyAddress, InitData: data}, nil
}

func ValueLimitPolicy(limit *big.Int) (Policy, error) {
	if limit == nil || limit.Sign() < 0 {
		return Policy{}, fmt.Errorf("%w: value limit must be non-negative", ErrInvalidPolicyParams)
	}
	data, err := args(tUint256).Pack(limit)
	if err != nil {
		return Policy{}, fmt.Errorf("encode value limit: %w", err)
	}
	return Policy{Kind: PolicyKindValueLimit, Address: ValueLimitPolicyAddress, InitData: data}, nil
}

const maxUint48 = 1<<48 - 1

// TimeFramePolicy packs validUntil and validAfter as two uint48 values.
func TimeFramePolicy(validUntil, validAfter uint64) (Policy, error) {
	if validUntil > maxUint48 || validAfter > maxUint48 {
		return Policy{}, fmt.Errorf("%w: time frame bounds exceed uint48", ErrInvalidPolicyParams)
	}
	if validUntil != 0 && validUntil <= validAfter {
		return Policy{}, fmt.Errorf("%w: validUntil must be after validAfter", ErrInvalidPolicyParams)
	}
	data := make([]byte, 12)
	putUint48(data[0:6], validUntil)
	putUint48(data[6:12], validAfter)
	return Policy{Kind: PolicyKindTimeFrame, Address: TimeFramePolicyAddress, InitData: data}, nil
}

func putUint48(dst []byte, v uint64) {
	for i := 5; i >= 0; i-- {
		dst[i] = byte(v)
		v >>= 8
	}
}

type abiLimitUsage struct {
	Limit *big.Int `abi:"limit"`
	Used  *big.Int `abi:"used"`
}

type abiParamRule struct {
	Condition uint8         `abi:"condition"`
	Offset    uint64        `abi:"offset"`
	IsLimited bool          `abi:"isLimited"`
	Ref       [32]byte      `abi:"ref"`
	Usage     abiLimitUsage `abi:"usage"`
}

type abiParamRules struct {
	Length *big.Int         `abi:"length"`
	Rules  [16]abiParamRule `abi:"rules"`
}

type abiActionConfig struct {
	ValueLimitPerUse *big.Int      `abi:"valueLimitPerUse"`
	ParamRules       abiParamRules `abi:"paramRules"`
}

func UniversalActionPolicy(cfg ActionConfig) (Policy, error) {
	if len(cfg.ParamRules) > MaxParamRules {
		return Policy{}, fmt.Errorf("%w: at most %d param rules", ErrInvalidPolicyParams, MaxParamRules)
	}
	enc := abiActionConfig{
		ValueLimitPerUse: orZero(cfg.ValueLimitPerUse),
		ParamRules:       abiParamRules{Length: big.NewInt(int64(len(cfg.ParamRules)))},
	}
	for i := range enc.ParamRules.Rules {
		enc.ParamRules.Rules[i].Usage = abiLimitUsage{Limit: new(big.Int), Used: new(big.Int)}
	}
	for i, r := range cfg.ParamRules {
		if r.Condition > ParamConditionInRange {
			return Policy{}, fmt.Errorf("%w: unknown param condition %d", ErrInvalidPolicyParams, r.Condition)
		}
		enc.ParamRules.Rules[i] = abiParamRule{
			Condition: uint8(r.Condition),
			Offset:    r.Offset,
			IsLimited: r.IsLimited,
			Ref:       r.Ref,
			Usage:     abiLimitUsage{Limit: orZero(r.Limit), Used: orZero(r.Used)},
		}
	}
	data, err := args(tActionConfig).Pack(enc)
	if err != nil {
		return Policy{}, fmt.Errorf("encode action config: %w", err)
	}
	return Policy{Kind: PolicyKindUniversalAction, Address: UniversalActionPolicyAddress, InitData: data}, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
