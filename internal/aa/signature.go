package aa

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

type SmartSessionMode byte

const (
	SmartSessionModeUse    SmartSessionMode = 0x00
	SmartSessionModeEnable SmartSessionMode = 0x01
)

// SignatureEncoder wraps a raw user operation signature into the composite
// signature the smart sessions validator expects.
type SignatureEncoder interface {
	EncodeSignature(userOpSig []byte) ([]byte, error)
}

// OwnableMockSignature is a threshold-1 ownable validator signature used only
// to size drafts for gas estimation.
var OwnableMockSignature = hexutil.MustDecode("0xe8b94748580ca0b4993c9a1b86b5be851bfc076ff5ce3a1ff65bf16392acfcb800f9b4f1aef1555c7fce5599fffb17e7c635502154a0333ba21f3ae491839af51c")

var ErrMissingEnableSignature = errors.New("enable signature missing")

type ChainDigest struct {
	ChainID       uint64      `json:"chainId"`
	SessionDigest common.Hash `json:"sessionDigest"`
}

// EnableSessionDetails is everything needed to enable a session inside the
// first user operation that uses it.
type EnableSessionDetails struct {
	PermissionID         common.Hash    `json:"permissionId"`
	PermissionEnableHash common.Hash    `json:"permissionEnableHash"`
	Account              common.Address `json:"account"`
	EnableValidator      common.Address `json:"enableValidator"`
	Session              Session        `json:"session"`
	ChainDigestIndex     uint8          `json:"chainDigestIndex"`
	ChainDigests         []ChainDigest  `json:"hashesAndChainIds"`
	PermissionEnableSig  hexutil.Bytes  `json:"permissionEnableSig,omitempty"`
}

func NewEnableSessionDetails(account, enableValidator common.Address, session Session) (*EnableSessionDetails, error) {
	permissionID, err := session.PermissionID()
	if err != nil {
		return nil, err
	}
	digest, err := session.Digest()
	if err != nil {
		return nil, err
	}
	enableHash, err := session.EnableHash(account, enableValidator)
	if err != nil {
		return nil, err
	}
	return &EnableSessionDetails{
		PermissionID:         permissionID,
		PermissionEnableHash: enableHash,
		Account:              account,
		EnableValidator:      enableValidator,
		Session:              session,
		ChainDigests:         []ChainDigest{{ChainID: session.ChainID, SessionDigest: digest}},
	}, nil
}

type abiChainDigest struct {
	ChainId       uint64   `abi:"chainId"`
	SessionDigest [32]byte `abi:"sessionDigest"`
}

var enableSignatureArgs = args(tBytes32, mustType("uint8"), tChainDigests, tSession, tAddress, tBytes, tBytes)

func (d *EnableSessionDetails) EncodeSignature(userOpSig []byte) ([]byte, error) {
	if len(d.PermissionEnableSig) == 0 {
		return nil, ErrMissingEnableSignature
	}
	digests := make([]abiChainDigest, 0, len(d.ChainDigests))
	for _, cd := range d.ChainDigests {
		digests = append(digests, abiChainDigest{ChainId: cd.ChainID, SessionDigest: cd.SessionDigest})
	}
	enc, err := enableSignatureArgs.Pack(
		[32]byte(d.PermissionID),
		d.ChainDigestIndex,
		digests,
		d.Session.toABI(),
		d.EnableValidator,
		[]byte(d.PermissionEnableSig),
		userOpSig,
	)
	if err != nil {
		return nil, fmt.Errorf("encode enable session signature: %w", err)
	}
	return append([]byte{byte(SmartSessionModeEnable)}, enc...), nil
}

// UseSession encodes signatures for a session that is already enabled.
type UseSession struct {
	PermissionID common.Hash
}

func (u UseSession) EncodeSignature(userOpSig []byte) ([]byte, error) {
	out := make([]byte, 0, 1+common.HashLength+len(userOpSig))
	out = append(out, byte(SmartSessionModeUse))
	out = append(out, u.PermissionID.Bytes()...)
	return append(out, userOpSig...), nil
}

// SignUserOpHash signs hash as an EIP-191 personal message with a 27/28 recovery id.
func SignUserOpHash(key *ecdsa.PrivateKey, hash common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(hash.Bytes()), key)
	if err != nil {
		return nil, fmt.Errorf("sign user operation hash: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverUserOpSigner returns the address that produced sig over hash.
func RecoverUserOpSigner(hash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes", crypto.SignatureLength)
	}
	normalized := append([]byte(nil), sig...)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(hash.Bytes()), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
