package service

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sandeepkv93/smart-session-gateway/internal/aa"
	"github.com/sandeepkv93/smart-session-gateway/internal/chain"
	"github.com/sandeepkv93/smart-session-gateway/internal/domain"
	"github.com/sandeepkv93/smart-session-gateway/internal/repository"
	"github.com/sandeepkv93/smart-session-gateway/internal/security"
)

const testChainID uint64 = 11155111

type fakeNode struct {
	mu         sync.Mutex
	nonce      int64
	nonceErrs  []error
	nonceCalls int
	installed  map[common.Address]bool
}

func (n *fakeNode) GetNonce(_ context.Context, _ common.Address, _ *big.Int) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nonceCalls++
	if len(n.nonceErrs) > 0 {
		err := n.nonceErrs[0]
		n.nonceErrs = n.nonceErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return big.NewInt(n.nonce), nil
}

func (n *fakeNode) IsModuleInstalled(_ context.Context, _ common.Address, _ aa.ModuleType, module common.Address) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.installed[module], nil
}

type receiptOutcome struct {
	success bool
	reason  string
	err     error
}

type fakeBundler struct {
	mu            sync.Mutex
	chainID       uint64
	sendErrs      []error
	sent          []*aa.UserOperation
	outcomes      []receiptOutcome
	byHash        map[common.Hash]receiptOutcome
	sponsorCalls  int
	estimateCalls int
	// callGas overrides the estimated callGasLimit when set.
	callGas *hexutil.Big
	// block, when set, holds WaitForReceipt until it is closed.
	block chan struct{}
}

func newFakeBundler() *fakeBundler {
	return &fakeBundler{chainID: testChainID, byHash: make(map[common.Hash]receiptOutcome)}
}

func (b *fakeBundler) GasPrice(context.Context) (chain.GasPrice, error) {
	return chain.GasPrice{MaxFeePerGas: big.NewInt(30), MaxPriorityFeePerGas: big.NewInt(2)}, nil
}

func (b *fakeBundler) estimate() chain.GasEstimate {
	est := chain.GasEstimate{
		PreVerificationGas:   hexBigFor(50_000),
		VerificationGasLimit: hexBigFor(500_000),
		CallGasLimit:         hexBigFor(100_000),
	}
	if b.callGas != nil {
		est.CallGasLimit = b.callGas
	}
	return est
}

func (b *fakeBundler) EstimateGas(context.Context, *aa.UserOperation) (chain.GasEstimate, error) {
	b.mu.Lock()
	b.estimateCalls++
	b.mu.Unlock()
	return b.estimate(), nil
}

func (b *fakeBundler) Sponsor(context.Context, *aa.UserOperation) (chain.GasEstimate, error) {
	b.mu.Lock()
	b.sponsorCalls++
	b.mu.Unlock()
	est := b.estimate()
	pm := common.HexToAddress("0x0000000000000000000000000000000000000bad")
	est.Paymaster = &pm
	est.PaymasterVerificationGasLimit = hexBigFor(40_000)
	est.PaymasterPostOpGasLimit = hexBigFor(10_000)
	return est, nil
}

func (b *fakeBundler) SendUserOperation(_ context.Context, op *aa.UserOperation) (common.Hash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sendErrs) > 0 {
		err := b.sendErrs[0]
		b.sendErrs = b.sendErrs[1:]
		if err != nil {
			return common.Hash{}, err
		}
	}
	hash, err := op.Hash(aa.EntryPointV07Address, b.chainID)
	if err != nil {
		return common.Hash{}, err
	}
	outcome := receiptOutcome{success: true}
	if len(b.outcomes) > 0 {
		outcome = b.outcomes[0]
		b.outcomes = b.outcomes[1:]
	}
	b.byHash[hash] = outcome
	b.sent = append(b.sent, op)
	return hash, nil
}

func (b *fakeBundler) WaitForReceipt(ctx context.Context, hash common.Hash) (*chain.UserOperationReceipt, error) {
	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b.mu.Lock()
	outcome, ok := b.byHash[hash]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown user operation %s", hash.Hex())
	}
	if outcome.err != nil {
		return nil, outcome.err
	}
	r := &chain.UserOperationReceipt{UserOpHash: hash, Success: outcome.success, Reason: outcome.reason}
	r.Receipt.TransactionHash = txHashFor(hash)
	return r, nil
}

func (b *fakeBundler) sentOps() []*aa.UserOperation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*aa.UserOperation(nil), b.sent...)
}

func hexBigFor(v int64) *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(v))
}

func txHashFor(userOpHash common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte("tx"), userOpHash.Bytes())
}

type fakeUpstreams struct {
	chainID uint64
	node    *fakeNode
	bundler *fakeBundler
}

func (u fakeUpstreams) Node(_ context.Context, chainID uint64) (NodeClient, error) {
	if chainID != u.chainID {
		return nil, fmt.Errorf("%w: %d", chain.ErrUnsupportedChain, chainID)
	}
	return u.node, nil
}

func (u fakeUpstreams) Bundler(_ context.Context, chainID uint64) (BundlerClient, error) {
	if chainID != u.chainID {
		return nil, fmt.Errorf("%w: %d", chain.ErrUnsupportedChain, chainID)
	}
	return u.bundler, nil
}

func newServiceDBForTest(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := repository.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type harness struct {
	node       *fakeNode
	bundler    *fakeBundler
	accounts   repository.AccountRepository
	records    repository.SessionRecordRepository
	operations repository.OperationRepository
	pending    *InMemoryPendingAuthorizationStore
	misses     *InMemoryEndpointMissCache
	submitter  *Submitter
	sessions   *SessionService
	gateway    *Gateway
	account    common.Address
}

const testSubject = "owner-1"

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := newServiceDBForTest(t)
	h := &harness{
		node:       &fakeNode{installed: map[common.Address]bool{}},
		bundler:    newFakeBundler(),
		accounts:   repository.NewAccountRepository(db),
		records:    repository.NewSessionRecordRepository(db),
		operations: repository.NewOperationRepository(db),
		pending:    NewInMemoryPendingAuthorizationStore(time.Minute),
		misses:     NewInMemoryEndpointMissCache(),
		account:    common.HexToAddress("0x00000000000000000000000000000000000a11ce"),
	}
	upstreams := fakeUpstreams{chainID: testChainID, node: h.node, bundler: h.bundler}
	sealer, err := security.NewKeySealer(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	h.submitter = NewSubmitter(upstreams, h.operations, SubmitterOptions{MaxRetries: 2, InitialInterval: time.Millisecond})
	h.sessions = NewSessionService(h.accounts, h.records, h.operations, h.pending, NewPolicyComposer(nil), h.submitter, upstreams, sealer, h.misses, SessionServiceOptions{})
	h.gateway = NewGateway(h.records, h.submitter, sealer, h.misses, GatewayOptions{})

	if _, err := h.sessions.RegisterAccount(context.Background(), testSubject, RegisterAccountInput{
		ChainID:           testChainID,
		Address:           h.account,
		Owners:            []common.Address{common.HexToAddress("0x00000000000000000000000000000000000000b0")},
		OwnerCredentialID: "passkey-1",
	}); err != nil {
		t.Fatalf("register account: %v", err)
	}
	return h
}

func sudoPolicies() []PolicyRequest {
	return []PolicyRequest{{Kind: aa.PolicyKindSudo}}
}

func noopCalls(to common.Address) []aa.Call {
	return []aa.Call{{To: to, Value: new(big.Int)}}
}

// enableSession configures and signs a session and returns the stored record.
func (h *harness) enableSession(t *testing.T, salt string) (*ConfigureSessionResult, *domain.SessionRecord) {
	t.Helper()
	ctx := context.Background()
	cfg, err := h.sessions.ConfigureSession(ctx, testSubject, ConfigureSessionInput{
		Account:  h.account,
		ChainID:  testChainID,
		Policies: sudoPolicies(),
		Salt:     salt,
	})
	if err != nil {
		t.Fatalf("configure session: %v", err)
	}
	if _, err := h.sessions.SignSessionCreation(ctx, testSubject, SignSessionInput{
		Account:        h.account,
		ChainID:        testChainID,
		EnableHash:     cfg.EnableHash,
		OwnerSignature: []byte{0xde, 0xad},
		Calls:          noopCalls(h.account),
	}); err != nil {
		t.Fatalf("sign session: %v", err)
	}
	account, err := h.accounts.FindOrCreateUser(ctx, testSubject)
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	acc, err := h.accounts.FindAccountForUser(ctx, account.ID, testChainID, h.account.Hex())
	if err != nil {
		t.Fatalf("find account: %v", err)
	}
	record, err := h.records.FindByEnableHash(ctx, acc.ID, cfg.EnableHash.Hex())
	if err != nil {
		t.Fatalf("find record: %v", err)
	}
	return cfg, record
}
