package aa

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Selector is a 4-byte function selector.
type Selector [4]byte

func (s Selector) Hex() string { return hexutil.Encode(s[:]) }

func (s Selector) MarshalText() ([]byte, error) { return []byte(s.Hex()), nil }

func (s *Selector) UnmarshalText(text []byte) error {
	raw, err := hexutil.Decode(string(text))
	if err != nil {
		return fmt.Errorf("decode selector: %w", err)
	}
	if len(raw) != 4 {
		return fmt.Errorf("selector must be 4 bytes, got %d", len(raw))
	}
	copy(s[:], raw)
	return nil
}

func ParseSelector(v string) (Selector, error) {
	var s Selector
	err := s.UnmarshalText([]byte(strings.TrimSpace(v)))
	return s, err
}

type Action struct {
	Target   common.Address `json:"actionTarget"`
	Selector Selector       `json:"actionTargetSelector"`
	Policies []Policy       `json:"actionPolicies"`
}

// Session is the immutable descriptor of a smart session. Any change to a
// field changes both its digest and the enable hash derived from it.
type Session struct {
	Validator         common.Address `json:"sessionValidator"`
	ValidatorInitData hexutil.Bytes  `json:"sessionValidatorInitData"`
	Salt              common.Hash    `json:"salt"`
	UserOpPolicies    []Policy       `json:"userOpPolicies"`
	Actions           []Action       `json:"actions"`
	ChainID           uint64         `json:"chainId"`
	PermitPaymaster   bool           `json:"permitERC4337Paymaster"`
}

var ErrInvalidSalt = errors.New("invalid salt")

// DefaultSalt is the UTF-8 string "0" right-padded to 32 bytes.
var DefaultSalt = common.Hash{0x30}

// SaltFromString left-pads hex input and right-pads any other string to 32 bytes.
func SaltFromString(v string) (common.Hash, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return DefaultSalt, nil
	}
	if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
		raw, err := hex.DecodeString(v[2:])
		if err == nil {
			if len(raw) > common.HashLength {
				return common.Hash{}, fmt.Errorf("%w: hex salt exceeds 32 bytes", ErrInvalidSalt)
			}
			return common.BytesToHash(raw), nil
		}
	}
	if len(v) > common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: salt exceeds 32 bytes", ErrInvalidSalt)
	}
	var h common.Hash
	copy(h[:], v)
	return h, nil
}

// EncodeValidationData encodes an ownable validator configuration with the
// owners sorted ascending, as the validator requires.
func EncodeValidationData(threshold uint64, owners []common.Address) ([]byte, error) {
	if threshold == 0 || int(threshold) > len(owners) {
		return nil, fmt.Errorf("threshold %d invalid for %d owners", threshold, len(owners))
	}
	sorted := append([]common.Address(nil), owners...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i][:], sorted[j][:]) < 0 })
	return args(tUint256, tAddresses).Pack(new(big.Int).SetUint64(threshold), sorted)
}

func (s Session) PermissionID() (common.Hash, error) {
	enc, err := args(tAddress, tBytes, tBytes32).Pack(s.Validator, []byte(s.ValidatorInitData), [32]byte(s.Salt))
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode permission id: %w", err)
	}
	return crypto.Keccak256Hash(enc), nil
}

func (s Session) Digest() (common.Hash, error) {
	policies, err := hashPolicies(s.UserOpPolicies)
	if err != nil {
		return common.Hash{}, err
	}
	actions, err := hashActions(s.Actions)
	if err != nil {
		return common.Hash{}, err
	}
	enc, err := args(tAddress, tBytes32, tBytes32, tBytes32, tBytes32, tUint256, tBool).Pack(
		s.Validator,
		[32]byte(crypto.Keccak256Hash(s.ValidatorInitData)),
		[32]byte(s.Salt),
		[32]byte(policies),
		[32]byte(actions),
		new(big.Int).SetUint64(s.ChainID),
		s.PermitPaymaster,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode session digest: %w", err)
	}
	return crypto.Keccak256Hash(enc), nil
}

// EnableHash is the digest the enabling validator's owner must sign.
func (s Session) EnableHash(account, enableValidator common.Address) (common.Hash, error) {
	digest, err := s.Digest()
	if err != nil {
		return common.Hash{}, err
	}
	enc, err := args(tBytes32, tAddress, tAddress, tUint256).Pack(
		[32]byte(digest), account, enableValidator, new(big.Int).SetUint64(s.ChainID),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode enable hash: %w", err)
	}
	return crypto.Keccak256Hash(enc), nil
}

func hashPolicies(policies []Policy) (common.Hash, error) {
	var buf []byte
	for _, p := range policies {
		enc, err := args(tAddress, tBytes).Pack(p.Address, []byte(p.InitData))
		if err != nil {
			return common.Hash{}, fmt.Errorf("encode policy: %w", err)
		}
		buf = append(buf, crypto.Keccak256(enc)...)
	}
	return crypto.Keccak256Hash(buf), nil
}

func hashActions(actions []Action) (common.Hash, error) {
	var buf []byte
	for _, a := range actions {
		policies, err := hashPolicies(a.Policies)
		if err != nil {
			return common.Hash{}, err
		}
		enc, err := args(tBytes4, tAddress, tBytes32).Pack([4]byte(a.Selector), a.Target, [32]byte(policies))
		if err != nil {
			return common.Hash{}, fmt.Errorf("encode action: %w", err)
		}
		buf = append(buf, crypto.Keccak256(enc)...)
	}
	return crypto.Keccak256Hash(buf), nil
}

type abiPolicy struct {
	Policy   common.Address `abi:"policy"`
	InitData []byte         `abi:"initData"`
}

type abiAction struct {
	ActionTargetSelector [4]byte        `abi:"actionTargetSelector"`
	ActionTarget         common.Address `abi:"actionTarget"`
	ActionPolicies       []abiPolicy    `abi:"actionPolicies"`
}

type abiSession struct {
	SessionValidator         common.Address `abi:"sessionValidator"`
	SessionValidatorInitData []byte         `abi:"sessionValidatorInitData"`
	Salt                     [32]byte       `abi:"salt"`
	UserOpPolicies           []abiPolicy    `abi:"userOpPolicies"`
	Actions                  []abiAction    `abi:"actions"`
	PermitERC4337Paymaster   bool           `abi:"permitERC4337Paymaster"`
}

func toABIPolicies(policies []Policy) []abiPolicy {
	out := make([]abiPolicy, 0, len(policies))
	for _, p := range policies {
		out = append(out, abiPolicy{Policy: p.Address, InitData: p.InitData})
	}
	return out
}

func (s Session) toABI() abiSession {
	actions := make([]abiAction, 0, len(s.Actions))
	for _, a := range s.Actions {
		actions = append(actions, abiAction{
			ActionTargetSelector: a.Selector,
			ActionTarget:         a.Target,
			ActionPolicies:       toABIPolicies(a.Policies),
		})
	}
	return abiSession{
		SessionValidator:         s.Validator,
		SessionValidatorInitData: s.ValidatorInitData,
		Salt:                     s.Salt,
		UserOpPolicies:           toABIPolicies(s.UserOpPolicies),
		Actions:                  actions,
		PermitERC4337Paymaster:   s.PermitPaymaster,
	}
}
