package aa

import (
	"github.com/ethereum/go-ethereum/accounts/abi"
)

func mustType(t string, components ...abi.ArgumentMarshaling) abi.Type {
	typ, err := abi.NewType(t, "", components)
	if err != nil {
		panic(err)
	}
	return typ
}

func args(types ...abi.Type) abi.Arguments {
	out := make(abi.Arguments, 0, len(types))
	for _, t := range types {
		out = append(out, abi.Argument{Type: t})
	}
	return out
}

var (
	tAddress   = mustType("address")
	tAddresses = mustType("address[]")
	tBytes     = mustType("bytes")
	tBytes32   = mustType("bytes32")
	tBytes4    = mustType("bytes4")
	tUint256   = mustType("uint256")
	tUint256s  = mustType("uint256[]")
	tBool      = mustType("bool")

	policyComponents = []abi.ArgumentMarshaling{
		{Name: "policy", Type: "address"},
		{Name: "initData", Type: "bytes"},
	}
	actionComponents = []abi.ArgumentMarshaling{
		{Name: "actionTargetSelector", Type: "bytes4"},
		{Name: "actionTarget", Type: "address"},
		{Name: "actionPolicies", Type: "tuple[]", Components: policyComponents},
	}
	sessionComponents = []abi.ArgumentMarshaling{
		{Name: "sessionValidator", Type: "address"},
		{Name: "sessionValidatorInitData", Type: "bytes"},
		{Name: "salt", Type: "bytes32"},
		{Name: "userOpPolicies", Type: "tuple[]", Components: policyComponents},
		{Name: "actions", Type: "tuple[]", Components: actionComponents},
		{Name: "permitERC4337Paymaster", Type: "bool"},
	}
	chainDigestComponents = []abi.ArgumentMarshaling{
		{Name: "chainId", Type: "uint64"},
		{Name: "sessionDigest", Type: "bytes32"},
	}
	executionComponents = []abi.ArgumentMarshaling{
		{Name: "target", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "callData", Type: "bytes"},
	}
	paramRuleComponents = []abi.ArgumentMarshaling{
		{Name: "condition", Type: "uint8"},
		{Name: "offset", Type: "uint64"},
		{Name: "isLimited", Type: "bool"},
		{Name: "ref", Type: "bytes32"},
		{Name: "usage", Type: "tuple", Components: []abi.ArgumentMarshaling{
			{Name: "limit", Type: "uint256"},
			{Name: "used", Type: "uint256"},
		}},
	}
	actionConfigComponents = []abi.ArgumentMarshaling{
		{Name: "valueLimitPerUse", Type: "uint256"},
		{Name: "paramRules", Type: "tuple", Components: []abi.ArgumentMarshaling{
			{Name: "length", Type: "uint256"},
			{Name: "rules", Type: "tuple[16]", Components: paramRuleComponents},
		}},
	}

	tSession      = mustType("tuple", sessionComponents...)
	tChainDigests = mustType("tuple[]", chainDigestComponents...)
	tExecutions   = mustType("tuple[]", executionComponents...)
	tActionConfig = mustType("tuple", actionConfigComponents...)
)
