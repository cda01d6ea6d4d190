package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/sandeepkv93/smart-session-gateway/internal/aa"
	"github.com/sandeepkv93/smart-session-gateway/internal/domain"
	"github.com/sandeepkv93/smart-session-gateway/internal/observability"
	"github.com/sandeepkv93/smart-session-gateway/internal/repository"
)

type AgentStep struct {
	ChainID *uint64        `json:"chainId,omitempty"`
	To      common.Address `json:"to"`
	Value   *Amount        `json:"value,omitempty"`
	Data    hexutil.Bytes  `json:"data,omitempty"`
}

type AgentAccessRequest struct {
	Description string      `json:"description"`
	Steps       []AgentStep `json:"steps"`
}

type AgentAccessResult struct {
	TransactionHashes []common.Hash `json:"transactionHashes"`
	UserOpHashes      []common.Hash `json:"userOpHashes"`
}

type GatewayOptions struct {
	MissTTL time.Duration
	Logger  *slog.Logger
}

// Gateway executes pre-declared call batches through an enabled session
// reached by its public endpoint path.
type Gateway struct {
	records   repository.SessionRecordRepository
	submitter *Submitter
	sealer    KeySealer
	missCache EndpointMissCache
	missTTL   time.Duration
	logger    *slog.Logger
}

func NewGateway(records repository.SessionRecordRepository, submitter *Submitter, sealer KeySealer, missCache EndpointMissCache, opts GatewayOptions) *Gateway {
	if missCache == nil {
		missCache = NewNoopEndpointMissCache()
	}
	if opts.MissTTL <= 0 {
		opts.MissTTL = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Gateway{
		records:   records,
		submitter: submitter,
		sealer:    sealer,
		missCache: missCache,
		missTTL:   opts.MissTTL,
		logger:    opts.Logger,
	}
}

// Invoke runs the steps one after another. When a step fails the remaining
// steps are skipped and a *BatchError carries the hashes already confirmed;
// the returned result holds the same hashes.
func (g *Gateway) Invoke(ctx context.Context, path string, req AgentAccessRequest) (*AgentAccessResult, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrUnauthorizedPath
	}
	if len(req.Steps) == 0 {
		return nil, validationErrorf("at least one step is required")
	}
	for i, step := range req.Steps {
		if step.To == (common.Address{}) {
			return nil, validationErrorf("step %d: to is required", i)
		}
	}

	record, account, err := g.resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	calls := make([]aa.Call, 0, len(req.Steps))
	for i, step := range req.Steps {
		if step.ChainID != nil && *step.ChainID != account.ChainID {
			return nil, validationErrorf("step %d: chain %d does not match session chain %d", i, *step.ChainID, account.ChainID)
		}
		calls = append(calls, aa.Call{To: step.To, Value: step.Value.Int(), Data: step.Data})
	}

	key, err := openRecordKey(g.sealer, record)
	if err != nil {
		return nil, err
	}
	g.logger.InfoContext(ctx, "agent access invoked",
		"account", account.Address,
		"chain_id", account.ChainID,
		"session_record_id", record.ID,
		"steps", len(calls),
		"description", req.Description,
	)

	encoder := aa.UseSession{PermissionID: common.HexToHash(record.PermissionID)}
	out := &AgentAccessResult{TransactionHashes: []common.Hash{}, UserOpHashes: []common.Hash{}}
	for i, call := range calls {
		res, err := g.submitter.Submit(ctx, SubmitRequest{
			Account:         common.HexToAddress(account.Address),
			ChainID:         account.ChainID,
			SessionRecordID: record.ID,
			Kind:            domain.OperationKindAgent,
			Calls:           []aa.Call{call},
			Encoder:         encoder,
			SessionKey:      key,
		})
		if res != nil {
			out.UserOpHashes = append(out.UserOpHashes, res.UserOpHash)
		}
		if err != nil {
			observability.RecordAgentStep(ctx, outcomeOf(err))
			g.logger.WarnContext(ctx, "agent access step failed", "step", i, "completed", len(out.TransactionHashes), "error", err)
			return out, &BatchError{
				Completed: append([]common.Hash(nil), out.TransactionHashes...),
				Step:      i,
				Err:       err,
			}
		}
		observability.RecordAgentStep(ctx, "success")
		out.TransactionHashes = append(out.TransactionHashes, res.TransactionHash)
	}
	return out, nil
}

// resolve hides the difference between unknown and inactive paths.
func (g *Gateway) resolve(ctx context.Context, path string) (*domain.SessionRecord, *domain.Account, error) {
	if miss, err := g.missCache.IsMiss(ctx, path); err == nil && miss {
		return nil, nil, ErrUnauthorizedPath
	}
	record, account, err := g.records.FindActiveByEndpoint(ctx, path)
	if errors.Is(err, repository.ErrSessionRecordNotFound) {
		if err := g.missCache.MarkMiss(ctx, path, g.missTTL); err != nil {
			g.logger.WarnContext(ctx, "mark endpoint miss failed", "error", err)
		}
		return nil, nil, ErrUnauthorizedPath
	}
	if err != nil {
		return nil, nil, err
	}
	return record, account, nil
}
