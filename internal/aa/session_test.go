package aa

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	testAccount = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testOwner   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testToken   = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func testSession(t *testing.T) Session {
	t.Helper()
	initData, err := EncodeValidationData(1, []common.Address{testOwner})
	if err != nil {
		t.Fatalf("encode validation data: %v", err)
	}
	spend, err := SpendingLimitsPolicy([]TokenLimit{{Token: testToken, Limit: big.NewInt(1000)}})
	if err != nil {
		t.Fatalf("spending limits: %v", err)
	}
	return Session{
		Validator:         OwnableValidatorAddress,
		ValidatorInitData: initData,
		Salt:              DefaultSalt,
		UserOpPolicies:    []Policy{SudoPolicy()},
		Actions: []Action{{
			Target:   testToken,
			Selector: TransferSelector,
			Policies: []Policy{spend},
		}},
		ChainID: 84532,
	}
}

func TestEnableHashDeterministic(t *testing.T) {
	s := testSession(t)
	a, err := s.EnableHash(testAccount, OwnableValidatorAddress)
	if err != nil {
		t.Fatalf("enable hash: %v", err)
	}
	b, err := testSession(t).EnableHash(testAccount, OwnableValidatorAddress)
	if err != nil {
		t.Fatalf("enable hash: %v", err)
	}
	if a != b {
		t.Fatalf("expected identical enable hashes, got %s and %s", a.Hex(), b.Hex())
	}
	if a == (common.Hash{}) {
		t.Fatal("expected non-zero enable hash")
	}
}

func TestEnableHashSensitivity(t *testing.T) {
	base, err := testSession(t).EnableHash(testAccount, OwnableValidatorAddress)
	if err != nil {
		t.Fatalf("enable hash: %v", err)
	}
	cases := []struct {
		name   string
		mutate func(*Session)
		acct   common.Address
		enable common.Address
	}{
		{name: "salt", mutate: func(s *Session) { s.Salt = common.Hash{0x31} }},
		{name: "chain", mutate: func(s *Session) { s.ChainID = 11155111 }},
		{name: "validator", mutate: func(s *Session) { s.Validator = WebAuthnValidatorAddress }},
		{name: "actions", mutate: func(s *Session) { s.Actions = nil }},
		{name: "policies", mutate: func(s *Session) { s.UserOpPolicies = nil }},
		{name: "paymaster", mutate: func(s *Session) { s.PermitPaymaster = true }},
		{name: "account", acct: testOwner},
		{name: "enable validator", enable: WebAuthnValidatorAddress},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := testSession(t)
			if tc.mutate != nil {
				tc.mutate(&s)
			}
			acct, enable := testAccount, OwnableValidatorAddress
			if tc.acct != (common.Address{}) {
				acct = tc.acct
			}
			if tc.enable != (common.Address{}) {
				enable = tc.enable
			}
			got, err := s.EnableHash(acct, enable)
			if err != nil {
				t.Fatalf("enable hash: %v", err)
			}
			if got == base {
				t.Fatalf("expected enable hash to change when %s changes", tc.name)
			}
		})
	}
}

func TestPermissionIDIgnoresPolicies(t *testing.T) {
	s := testSession(t)
	a, err := s.PermissionID()
	if err != nil {
		t.Fatalf("permission id: %v", err)
	}
	s.Actions = nil
	s.UserOpPolicies = nil
	b, err := s.PermissionID()
	if err != nil {
		t.Fatalf("permission id: %v", err)
	}
	if a != b {
		t.Fatal("permission id must depend only on validator, init data and salt")
	}
	s.Salt = common.Hash{0x01}
	c, _ := s.PermissionID()
	if c == a {
		t.Fatal("expected permission id to change with salt")
	}
}

func TestEncodeValidationDataSortsOwners(t *testing.T) {
	a, err := EncodeValidationData(1, []common.Address{testToken, testOwner})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := EncodeValidationData(1, []common.Address{testOwner, testToken})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("owner order must not affect validation data")
	}
	if _, err := EncodeValidationData(2, []common.Address{testOwner}); err == nil {
		t.Fatal("expected threshold above owner count to fail")
	}
	if _, err := EncodeValidationData(0, []common.Address{testOwner}); err == nil {
		t.Fatal("expected zero threshold to fail")
	}
}

func TestSaltFromString(t *testing.T) {
	cases := []struct {
		in      string
		want    common.Hash
		wantErr bool
	}{
		{in: "", want: DefaultSalt},
		{in: "0", want: DefaultSalt},
		{in: "0x01", want: common.BytesToHash([]byte{0x01})},
		{in: "abc", want: common.Hash{'a', 'b', 'c'}},
		{in: "0x" + string(bytes.Repeat([]byte("ab"), 33)), wantErr: true},
		{in: string(bytes.Repeat([]byte("x"), 33)), wantErr: true},
	}
	for _, tc := range cases {
		got, err := SaltFromString(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("SaltFromString(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("SaltFromString(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("SaltFromString(%q) = %s, want %s", tc.in, got.Hex(), tc.want.Hex())
		}
	}
}

func TestParseSelector(t *testing.T) {
	s, err := ParseSelector("0xa9059cbb")
	if err != nil {
		t.Fatalf("parse selector: %v", err)
	}
	if s != Selector(TransferSelector) {
		t.Fatalf("unexpected selector %s", s.Hex())
	}
	if _, err := ParseSelector("0xa9059c"); err == nil {
		t.Fatal("expected short selector to fail")
	}
}
