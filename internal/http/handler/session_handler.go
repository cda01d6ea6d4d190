package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/sandeepkv93/smart-session-gateway/internal/domain"
	"github.com/sandeepkv93/smart-session-gateway/internal/http/middleware"
	"github.com/sandeepkv93/smart-session-gateway/internal/http/response"
	"github.com/sandeepkv93/smart-session-gateway/internal/observability"
	"github.com/sandeepkv93/smart-session-gateway/internal/repository"
	"github.com/sandeepkv93/smart-session-gateway/internal/service"
)

// SessionAPI is the owner facing session lifecycle implemented by
// service.SessionService.
type SessionAPI interface {
	RegisterAccount(ctx context.Context, subject string, in service.RegisterAccountInput) (*domain.Account, error)
	ListAccounts(ctx context.Context, subject string) ([]domain.Account, error)
	ConfigureSession(ctx context.Context, subject string, in service.ConfigureSessionInput) (*service.ConfigureSessionResult, error)
	SignSessionCreation(ctx context.Context, subject string, in service.SignSessionInput) (*service.SignSessionResult, error)
	GetSessionRecords(ctx context.Context, subject string, address common.Address, chainID uint64) ([]service.SessionRecordView, error)
	SetEndpointActive(ctx context.Context, subject, path string, address common.Address, chainID uint64, active bool) (bool, error)
	IsModuleInstalled(ctx context.Context, address common.Address, chainID uint64, module common.Address, kind string) (bool, error)
	InstalledValidators(ctx context.Context, address common.Address, chainID uint64) (service.InstalledValidators, error)
	GetOperation(ctx context.Context, subject string, userOpHash common.Hash) (*domain.Operation, error)
	ListOperations(ctx context.Context, subject string, address common.Address, chainID uint64, page repository.PageRequest) (repository.PageResult[domain.Operation], error)
}

type SessionHandler struct {
	sessions SessionAPI
}

func NewSessionHandler(sessions SessionAPI) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

func (h *SessionHandler) RegisterAccount(w http.ResponseWriter, r *http.Request) {
	var in service.RegisterAccountInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err, nil)
		return
	}
	account, err := h.sessions.RegisterAccount(r.Context(), middleware.SubjectFromContext(r.Context()), in)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	observability.Audit(r, "account.register", "account", account.Address, "chain_id", account.ChainID)
	response.JSON(w, r, http.StatusCreated, account)
}

func (h *SessionHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.sessions.ListAccounts(r.Context(), middleware.SubjectFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	response.JSON(w, r, http.StatusOK, accounts)
}

func (h *SessionHandler) ConfigureSession(w http.ResponseWriter, r *http.Request) {
	var in service.ConfigureSessionInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err, nil)
		return
	}
	res, err := h.sessions.ConfigureSession(r.Context(), middleware.SubjectFromContext(r.Context()), in)
	if err != nil {
		observability.Audit(r, "session.configure", "outcome", "failure", "account", in.Account.Hex(), "chain_id", in.ChainID)
		writeError(w, r, err, nil)
		return
	}
	observability.Audit(r, "session.configure", "outcome", "success",
		"account", in.Account.Hex(),
		"chain_id", in.ChainID,
		"permission_id", res.PermissionID.Hex(),
	)
	response.JSON(w, r, http.StatusCreated, res)
}

func (h *SessionHandler) SignSessionCreation(w http.ResponseWriter, r *http.Request) {
	var in service.SignSessionInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err, nil)
		return
	}
	res, err := h.sessions.SignSessionCreation(r.Context(), middleware.SubjectFromContext(r.Context()), in)
	if err != nil {
		observability.Audit(r, "session.sign", "outcome", "failure", "account", in.Account.Hex(), "chain_id", in.ChainID, "reason", revertReason(err))
		var details any
		if res != nil {
			details = res
		}
		writeError(w, r, err, details)
		return
	}
	observability.Audit(r, "session.sign", "outcome", "success",
		"account", in.Account.Hex(),
		"chain_id", in.ChainID,
		"user_op_hash", res.UserOpHash.Hex(),
	)
	response.JSON(w, r, http.StatusOK, res)
}

func (h *SessionHandler) GetSessionRecords(w http.ResponseWriter, r *http.Request) {
	addr, chainID, err := accountQuery(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	records, err := h.sessions.GetSessionRecords(r.Context(), middleware.SubjectFromContext(r.Context()), addr, chainID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	response.JSON(w, r, http.StatusOK, records)
}

type setEndpointRequest struct {
	Path    string         `json:"path"`
	Account common.Address `json:"account"`
	ChainID uint64         `json:"chainId"`
	Active  *bool          `json:"active"`
}

func (h *SessionHandler) SetEndpointActive(w http.ResponseWriter, r *http.Request) {
	var req setEndpointRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if req.Active == nil {
		writeError(w, r, fmt.Errorf("%w: active is required", service.ErrValidation), nil)
		return
	}
	active, err := h.sessions.SetEndpointActive(r.Context(), middleware.SubjectFromContext(r.Context()), req.Path, req.Account, req.ChainID, *req.Active)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	observability.Audit(r, "endpoint.activate", "account", req.Account.Hex(), "chain_id", req.ChainID, "active", active)
	response.JSON(w, r, http.StatusOK, map[string]bool{"active": active})
}

func (h *SessionHandler) IsModuleInstalled(w http.ResponseWriter, r *http.Request) {
	addr, chainID, err := accountQuery(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	module, err := parseAddress(r.URL.Query().Get("module"), "module")
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	kind := r.URL.Query().Get("kind")
	if strings.TrimSpace(kind) == "" {
		kind = "validator"
	}
	installed, err := h.sessions.IsModuleInstalled(r.Context(), addr, chainID, module, kind)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]bool{"installed": installed})
}

func (h *SessionHandler) InstalledValidators(w http.ResponseWriter, r *http.Request) {
	addr, chainID, err := accountQuery(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out, err := h.sessions.InstalledValidators(r.Context(), addr, chainID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	response.JSON(w, r, http.StatusOK, out)
}

func (h *SessionHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	addr, chainID, err := accountQuery(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	page, err := pageQuery(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out, err := h.sessions.ListOperations(r.Context(), middleware.SubjectFromContext(r.Context()), addr, chainID, page)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	response.JSON(w, r, http.StatusOK, out)
}

func (h *SessionHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "hash")
	if !isHexHash(raw) {
		writeError(w, r, fmt.Errorf("%w: hash must be a 32 byte hex value", service.ErrValidation), nil)
		return
	}
	op, err := h.sessions.GetOperation(r.Context(), middleware.SubjectFromContext(r.Context()), common.HexToHash(raw))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	response.JSON(w, r, http.StatusOK, op)
}

func isHexHash(s string) bool {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 2*common.HashLength {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
