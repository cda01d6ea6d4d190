package service

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/sync/errgroup"

	"github.com/sandeepkv93/smart-session-gateway/internal/aa"
	"github.com/sandeepkv93/smart-session-gateway/internal/chain"
	"github.com/sandeepkv93/smart-session-gateway/internal/domain"
	"github.com/sandeepkv93/smart-session-gateway/internal/observability"
	"github.com/sandeepkv93/smart-session-gateway/internal/repository"
)

type SessionServiceOptions struct {
	// EnableValidator is the owner controlled validator that countersigns
	// session enablement.
	EnableValidator common.Address
	Logger          *slog.Logger
}

type SessionService struct {
	accounts        repository.AccountRepository
	records         repository.SessionRecordRepository
	operations      repository.OperationRepository
	pending         PendingAuthorizationStore
	composer        *PolicyComposer
	submitter       *Submitter
	upstreams       Upstreams
	sealer          KeySealer
	missCache       EndpointMissCache
	enableValidator common.Address
	logger          *slog.Logger
	now             func() time.Time
}

func NewSessionService(
	accounts repository.AccountRepository,
	records repository.SessionRecordRepository,
	operations repository.OperationRepository,
	pending PendingAuthorizationStore,
	composer *PolicyComposer,
	submitter *Submitter,
	upstreams Upstreams,
	sealer KeySealer,
	missCache EndpointMissCache,
	opts SessionServiceOptions,
) *SessionService {
	if opts.EnableValidator == (common.Address{}) {
		opts.EnableValidator = aa.WebAuthnValidatorAddress
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if missCache == nil {
		missCache = NewNoopEndpointMissCache()
	}
	return &SessionService{
		accounts:        accounts,
		records:         records,
		operations:      operations,
		pending:         pending,
		composer:        composer,
		submitter:       submitter,
		upstreams:       upstreams,
		sealer:          sealer,
		missCache:       missCache,
		enableValidator: opts.EnableValidator,
		logger:          opts.Logger,
		now:             time.Now,
	}
}

// EndpointURLFor derives the public agent-access path of a session key.
func EndpointURLFor(sessionKey common.Address) string {
	sum := crypto.Keccak256(append([]byte("agent-access:"), sessionKey.Bytes()...))
	return hex.EncodeToString(sum)[:32]
}

type RegisterAccountInput struct {
	ChainID           uint64           `json:"chainId"`
	Address           common.Address   `json:"address"`
	Owners            []common.Address `json:"owners"`
	OwnerCredentialID string           `json:"ownerCredentialId"`
}

func (s *SessionService) RegisterAccount(ctx context.Context, subject string, in RegisterAccountInput) (*domain.Account, error) {
	if in.Address == (common.Address{}) {
		return nil, validationErrorf("address is required")
	}
	if _, ok := chain.Slug(in.ChainID); !ok {
		return nil, fmt.Errorf("%w: %d", chain.ErrUnsupportedChain, in.ChainID)
	}
	user, err := s.accounts.FindOrCreateUser(ctx, subject)
	if err != nil {
		return nil, err
	}
	owners := make([]string, 0, len(in.Owners))
	for _, o := range in.Owners {
		owners = append(owners, o.Hex())
	}
	account := &domain.Account{
		UserID:            user.ID,
		ChainID:           in.ChainID,
		Address:           in.Address.Hex(),
		Owners:            owners,
		OwnerCredentialID: strings.TrimSpace(in.OwnerCredentialID),
	}
	if err := s.accounts.UpsertAccount(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

func (s *SessionService) ListAccounts(ctx context.Context, subject string) ([]domain.Account, error) {
	user, err := s.accounts.FindOrCreateUser(ctx, subject)
	if err != nil {
		return nil, err
	}
	return s.accounts.ListAccountsForUser(ctx, user.ID)
}

func (s *SessionService) resolveAccount(ctx context.Context, subject string, chainID uint64, address common.Address) (*domain.Account, error) {
	user, err := s.accounts.FindOrCreateUser(ctx, subject)
	if err != nil {
		return nil, err
	}
	account, err := s.accounts.FindAccountForUser(ctx, user.ID, chainID, address.Hex())
	if errors.Is(err, repository.ErrAccountNotFound) {
		return nil, ErrAccountNotFound
	}
	return account, err
}

type ConfigureSessionInput struct {
	Account  common.Address  `json:"account"`
	ChainID  uint64          `json:"chainId"`
	Policies []PolicyRequest `json:"policies"`
	Actions  []ActionRequest `json:"actions,omitempty"`
	Salt     string          `json:"salt,omitempty"`
	// SessionKey optionally supplies the session private key as hex.
	SessionKey      string `json:"sessionKey,omitempty"`
	PermitPaymaster *bool  `json:"permitPaymaster,omitempty"`
}

type ConfigureSessionResult struct {
	EnableHash        common.Hash    `json:"enableHash"`
	PermissionID      common.Hash    `json:"permissionId"`
	OwnerCredentialID string         `json:"ownerCredentialId"`
	SessionKeyAddress common.Address `json:"sessionKeyAddress"`
	EndpointURL       string         `json:"endpointUrl"`
	ExpiresAt         time.Time      `json:"expiresAt"`
}

// ConfigureSession builds a session for the account, persists it inactive and
// parks its enable payload until the owner signs the enable hash.
func (s *SessionService) ConfigureSession(ctx context.Context, subject string, in ConfigureSessionInput) (result *ConfigureSessionResult, err error) {
	defer func() {
		observability.RecordSessionConfigure(ctx, in.ChainID, outcomeOf(err))
	}()
	if in.Account == (common.Address{}) {
		return nil, validationErrorf("account is required")
	}
	composition, err := s.composer.Compose(in.Policies, in.Actions)
	if err != nil {
		return nil, err
	}
	actions := composition.Actions
	if len(actions) == 0 {
		if !composition.Sudo {
			return nil, validationErrorf("no allowed actions: supply actions or configure DEFAULT_ACTIONS")
		}
		actions = []aa.Action{fallbackAction()}
	}
	salt, err := aa.SaltFromString(in.Salt)
	if err != nil {
		return nil, validationErrorf("%v", err)
	}
	key, err := sessionKeyFrom(in.SessionKey)
	if err != nil {
		return nil, err
	}

	account, err := s.resolveAccount(ctx, subject, in.ChainID, in.Account)
	if err != nil {
		return nil, err
	}

	keyAddress := crypto.PubkeyToAddress(key.PublicKey)
	initData, err := aa.EncodeValidationData(1, []common.Address{keyAddress})
	if err != nil {
		return nil, err
	}
	permitPaymaster := true
	if in.PermitPaymaster != nil {
		permitPaymaster = *in.PermitPaymaster
	}
	session := aa.Session{
		Validator:         aa.OwnableValidatorAddress,
		ValidatorInitData: initData,
		Salt:              salt,
		UserOpPolicies:    composition.UserOpPolicies,
		Actions:           actions,
		ChainID:           in.ChainID,
		PermitPaymaster:   permitPaymaster,
	}
	details, err := aa.NewEnableSessionDetails(in.Account, s.enableValidator, session)
	if err != nil {
		return nil, err
	}

	record, err := s.records.FindByEnableHash(ctx, account.ID, details.PermissionEnableHash.Hex())
	switch {
	case err == nil && record.Enabled():
		return nil, validationErrorf("session %s is already enabled", details.PermissionEnableHash.Hex())
	case errors.Is(err, repository.ErrSessionRecordNotFound):
		record, err = s.newSessionRecord(ctx, account, key, details)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	pending := &PendingAuthorization{
		EnableHash:      details.PermissionEnableHash,
		AccountID:       account.ID,
		SessionRecordID: record.ID,
		ChainID:         in.ChainID,
		Details:         details,
	}
	if err := s.pending.Put(ctx, pending); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "session configured",
		"account", in.Account.Hex(),
		"chain_id", in.ChainID,
		"enable_hash", details.PermissionEnableHash.Hex(),
		"permission_id", details.PermissionID.Hex(),
	)
	return &ConfigureSessionResult{
		EnableHash:        details.PermissionEnableHash,
		PermissionID:      details.PermissionID,
		OwnerCredentialID: account.OwnerCredentialID,
		SessionKeyAddress: keyAddress,
		EndpointURL:       record.EndpointURL,
		ExpiresAt:         pending.ExpiresAt,
	}, nil
}

func (s *SessionService) newSessionRecord(ctx context.Context, account *domain.Account, key *ecdsa.PrivateKey, details *aa.EnableSessionDetails) (*domain.SessionRecord, error) {
	sealed, err := s.sealer.Seal(crypto.FromECDSA(key), details.PermissionEnableHash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("seal session key: %w", err)
	}
	snapshot, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("encode session details: %w", err)
	}
	keyAddress := crypto.PubkeyToAddress(key.PublicKey)
	record := &domain.SessionRecord{
		AccountID:            account.ID,
		SessionKeyAddress:    keyAddress.Hex(),
		SealedSessionKey:     sealed,
		PermissionEnableHash: details.PermissionEnableHash.Hex(),
		PermissionID:         details.PermissionID.Hex(),
		Details:              string(snapshot),
		EndpointURL:          EndpointURLFor(keyAddress),
	}
	if err := s.records.Create(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func sessionKeyFrom(raw string) (*ecdsa.PrivateKey, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return crypto.GenerateKey()
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, validationErrorf("invalid session key")
	}
	return key, nil
}

type SignSessionInput struct {
	Account        common.Address `json:"account"`
	ChainID        uint64         `json:"chainId"`
	EnableHash     common.Hash    `json:"enableHash"`
	OwnerSignature hexutil.Bytes  `json:"ownerSignature"`
	Calls          []aa.Call      `json:"calls"`
}

type SignSessionResult struct {
	UserOpHash      common.Hash           `json:"userOpHash"`
	TransactionHash common.Hash           `json:"transactionHash"`
	PermissionID    common.Hash           `json:"permissionId"`
	State           domain.OperationState `json:"state"`
}

// SignSessionCreation embeds the owner's enable signature and submits the
// first operation under the session. A pending authorization is consumed by
// the first sign that reaches the bundler.
func (s *SessionService) SignSessionCreation(ctx context.Context, subject string, in SignSessionInput) (result *SignSessionResult, err error) {
	defer func() {
		observability.RecordSessionSign(ctx, in.ChainID, outcomeOf(err))
	}()
	if in.Account == (common.Address{}) || in.EnableHash == (common.Hash{}) {
		return nil, validationErrorf("account and enableHash are required")
	}
	if len(in.OwnerSignature) == 0 {
		return nil, validationErrorf("ownerSignature is required")
	}
	if len(in.Calls) == 0 {
		return nil, validationErrorf("at least one call is required")
	}

	account, err := s.resolveAccount(ctx, subject, in.ChainID, in.Account)
	if err != nil {
		return nil, err
	}
	pending, err := s.pending.Claim(ctx, in.EnableHash)
	if err != nil {
		return nil, err
	}
	var submitted bool
	defer func() {
		if submitted {
			if cerr := s.pending.Complete(context.WithoutCancel(ctx), in.EnableHash); cerr != nil {
				s.logger.ErrorContext(ctx, "complete pending authorization failed", "error", cerr)
			}
			return
		}
		if rerr := s.pending.Release(context.WithoutCancel(ctx), in.EnableHash); rerr != nil {
			s.logger.ErrorContext(ctx, "release pending authorization failed", "error", rerr)
		}
	}()
	if pending.AccountID != account.ID || pending.ChainID != in.ChainID || pending.Details == nil {
		return nil, ErrAuthorizationNotFound
	}

	record, err := s.records.FindByID(ctx, pending.SessionRecordID)
	if err != nil {
		return nil, err
	}
	key, err := openRecordKey(s.sealer, record)
	if err != nil {
		return nil, err
	}
	details := *pending.Details
	details.PermissionEnableSig = append(hexutil.Bytes(nil), in.OwnerSignature...)

	res, err := s.submitter.Submit(ctx, SubmitRequest{
		Account:         in.Account,
		ChainID:         in.ChainID,
		SessionRecordID: record.ID,
		Kind:            domain.OperationKindEnable,
		Calls:           in.Calls,
		Encoder:         &details,
		SessionKey:      key,
		OnConfirmed: func(ctx context.Context, res SubmitResult) error {
			if err := s.records.MarkEnabled(ctx, record.ID, res.TransactionHash.Hex(), s.now()); err != nil {
				return err
			}
			if err := s.missCache.Invalidate(ctx, record.EndpointURL); err != nil {
				s.logger.WarnContext(ctx, "invalidate endpoint miss cache failed", "error", err)
			}
			return nil
		},
	})
	submitted = res != nil
	if err != nil {
		if res != nil {
			return &SignSessionResult{UserOpHash: res.UserOpHash, TransactionHash: res.TransactionHash, PermissionID: details.PermissionID, State: res.State}, err
		}
		return nil, err
	}

	s.logger.InfoContext(ctx, "session enabled",
		"account", in.Account.Hex(),
		"chain_id", in.ChainID,
		"permission_id", details.PermissionID.Hex(),
		"transaction_hash", res.TransactionHash.Hex(),
	)
	return &SignSessionResult{
		UserOpHash:      res.UserOpHash,
		TransactionHash: res.TransactionHash,
		PermissionID:    details.PermissionID,
		State:           res.State,
	}, nil
}

func openRecordKey(sealer KeySealer, record *domain.SessionRecord) (*ecdsa.PrivateKey, error) {
	raw, err := sealer.Open(record.SealedSessionKey, common.HexToHash(record.PermissionEnableHash).Bytes())
	if err != nil {
		return nil, fmt.Errorf("open session key %d: %w", record.ID, err)
	}
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("decode session key %d: %w", record.ID, err)
	}
	return key, nil
}

// SessionRecordView is a session record without key material.
type SessionRecordView struct {
	ID                   uint            `json:"id"`
	SessionKeyAddress    string          `json:"sessionKeyAddress"`
	PermissionEnableHash string          `json:"permissionEnableHash"`
	PermissionID         string          `json:"permissionId"`
	Details              json.RawMessage `json:"details"`
	Endpoint             EndpointView    `json:"endpoint"`
	EnableTxHash         *string         `json:"enableTxHash,omitempty"`
	EnabledAt            *time.Time      `json:"enabledAt,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
}

type EndpointView struct {
	Active bool   `json:"active"`
	URL    string `json:"url"`
}

func (s *SessionService) GetSessionRecords(ctx context.Context, subject string, address common.Address, chainID uint64) ([]SessionRecordView, error) {
	account, err := s.resolveAccount(ctx, subject, chainID, address)
	if err != nil {
		return nil, err
	}
	records, err := s.records.ListByAccount(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	views := make([]SessionRecordView, 0, len(records))
	for _, r := range records {
		views = append(views, SessionRecordView{
			ID:                   r.ID,
			SessionKeyAddress:    r.SessionKeyAddress,
			PermissionEnableHash: r.PermissionEnableHash,
			PermissionID:         r.PermissionID,
			Details:              json.RawMessage(r.Details),
			Endpoint:             EndpointView{Active: r.EndpointActive, URL: r.EndpointURL},
			EnableTxHash:         r.EnableTxHash,
			EnabledAt:            r.EnabledAt,
			CreatedAt:            r.CreatedAt,
		})
	}
	return views, nil
}

// SetEndpointActive toggles agent access for the account's session at path.
// Repeating the same call leaves the same state.
func (s *SessionService) SetEndpointActive(ctx context.Context, subject, path string, address common.Address, chainID uint64, active bool) (bool, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return false, validationErrorf("path is required")
	}
	account, err := s.resolveAccount(ctx, subject, chainID, address)
	if err != nil {
		return false, err
	}
	state, err := s.records.SetEndpointActive(ctx, account.ID, path, active)
	if errors.Is(err, repository.ErrSessionRecordNotFound) {
		return false, ErrUnauthorizedPath
	}
	if err != nil {
		return false, err
	}
	if err := s.missCache.Invalidate(ctx, path); err != nil {
		s.logger.WarnContext(ctx, "invalidate endpoint miss cache failed", "error", err)
	}
	return state, nil
}

func (s *SessionService) IsModuleInstalled(ctx context.Context, address common.Address, chainID uint64, module common.Address, kind string) (bool, error) {
	moduleType, ok := aa.ParseModuleType(strings.ToLower(strings.TrimSpace(kind)))
	if !ok {
		return false, validationErrorf("unknown module kind %q", kind)
	}
	if address == (common.Address{}) || module == (common.Address{}) {
		return false, validationErrorf("account and module are required")
	}
	node, err := s.upstreams.Node(ctx, chainID)
	if err != nil {
		return false, err
	}
	return node.IsModuleInstalled(ctx, address, moduleType, module)
}

type InstalledValidators struct {
	Ownable       bool `json:"ownable"`
	WebAuthn      bool `json:"webauthn"`
	SmartSessions bool `json:"smartSessions"`
}

// InstalledValidators checks the three validators a session flow depends on.
func (s *SessionService) InstalledValidators(ctx context.Context, address common.Address, chainID uint64) (InstalledValidators, error) {
	if address == (common.Address{}) {
		return InstalledValidators{}, validationErrorf("account is required")
	}
	node, err := s.upstreams.Node(ctx, chainID)
	if err != nil {
		return InstalledValidators{}, err
	}
	var out InstalledValidators
	g, gctx := errgroup.WithContext(ctx)
	check := func(dst *bool, module common.Address) {
		g.Go(func() error {
			ok, err := node.IsModuleInstalled(gctx, address, aa.ModuleTypeValidator, module)
			*dst = ok
			return err
		})
	}
	check(&out.Ownable, aa.OwnableValidatorAddress)
	check(&out.WebAuthn, aa.WebAuthnValidatorAddress)
	check(&out.SmartSessions, aa.SmartSessionsAddress)
	if err := g.Wait(); err != nil {
		return InstalledValidators{}, err
	}
	return out, nil
}

func (s *SessionService) GetOperation(ctx context.Context, subject string, userOpHash common.Hash) (*domain.Operation, error) {
	op, err := s.operations.FindByHash(ctx, userOpHash.Hex())
	if errors.Is(err, repository.ErrOperationNotFound) {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.resolveAccount(ctx, subject, op.ChainID, common.HexToAddress(op.AccountAddress)); err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrOperationNotFound
		}
		return nil, err
	}
	return op, nil
}

func (s *SessionService) ListOperations(ctx context.Context, subject string, address common.Address, chainID uint64, page repository.PageRequest) (repository.PageResult[domain.Operation], error) {
	if _, err := s.resolveAccount(ctx, subject, chainID, address); err != nil {
		return repository.PageResult[domain.Operation]{}, err
	}
	return s.operations.ListByAccount(ctx, chainID, address.Hex(), page)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrValidation), errors.Is(err, ErrUnknownPolicyKind):
		return "invalid"
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrAuthorizationNotFound):
		return "not_found"
	case errors.Is(err, ErrAuthorizationExpired):
		return "expired"
	case errors.Is(err, ErrAuthorizationInFlight):
		return "conflict"
	case errors.Is(err, ErrOperationReverted):
		return "reverted"
	case errors.Is(err, ErrConfirmationTimeout):
		return "timeout"
	default:
		return "error"
	}
}
