// Package aa holds the account-abstraction primitives used to enable and use
// smart sessions on ERC-7579 accounts: policy init data, session digests,
// nonce keys, v0.7 user operation hashing and smart-session signatures.
//
// Every function in this package is a pure function over its inputs.
package aa

import "github.com/ethereum/go-ethereum/common"

var (
	EntryPointV07Address = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")

	SmartSessionsAddress     = common.HexToAddress("0x00000000002B0eCfbD0496EE71e01257dA0E37DE")
	OwnableValidatorAddress  = common.HexToAddress("0x2483DA3A338895199E5e538530213157e931Bf06")
	WebAuthnValidatorAddress = common.HexToAddress("0x2f167e55d42584f65e2e30a748f41ee75a311414")

	SudoPolicyAddress            = common.HexToAddress("0x0000003111cD8e92337C100F22B7A9dbf8DEE301")
	SpendingLimitsPolicyAddress  = common.HexToAddress("0x00000088D48cF102A8Cdb0137A9b173f957c6343")
	ValueLimitPolicyAddress      = common.HexToAddress("0x730DA93267E7E513e932301B47F2ac7D062abC83")
	TimeFramePolicyAddress       = common.HexToAddress("0x8177451511dE0577b911C254E9551D981C26dc72")
	UniversalActionPolicyAddress = common.HexToAddress("0x0000006DDA6c463511C4e9B05CFc34C1247fCF1F")

	// FallbackTargetFlag and FallbackSelectorFlag mark the catch-all action
	// recognised by the smart sessions module.
	FallbackTargetFlag   = common.HexToAddress("0x0000000000000000000000000000000000000001")
	FallbackSelectorFlag = [4]byte{0x00, 0x00, 0x00, 0x01}

	// TransferSelector is transfer(address,uint256).
	TransferSelector = [4]byte{0xa9, 0x05, 0x9c, 0xbb}
)

const EntryPointVersion = "0.7"

type ModuleType uint8

const (
	ModuleTypeValidator ModuleType = 1
	ModuleTypeExecutor  ModuleType = 2
	ModuleTypeFallback  ModuleType = 3
	ModuleTypeHook      ModuleType = 4
)

func ParseModuleType(s string) (ModuleType, bool) {
	switch s {
	case "validator":
		return ModuleTypeValidator, true
	case "executor":
		return ModuleTypeExecutor, true
	case "fallback":
		return ModuleTypeFallback, true
	case "hook":
		return ModuleTypeHook, true
	default:
		return 0, false
	}
}
