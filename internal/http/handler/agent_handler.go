package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/sandeepkv93/smart-session-gateway/internal/http/response"
	"github.com/sandeepkv93/smart-session-gateway/internal/observability"
	"github.com/sandeepkv93/smart-session-gateway/internal/service"
)

type AgentGateway interface {
	Invoke(ctx context.Context, path string, req service.AgentAccessRequest) (*service.AgentAccessResult, error)
}

type AgentHandler struct {
	gateway AgentGateway
}

func NewAgentHandler(gateway AgentGateway) *AgentHandler {
	return &AgentHandler{gateway: gateway}
}

// batchFailure is returned in error.details when a batch stops part way.
type batchFailure struct {
	TransactionHashes []common.Hash `json:"transactionHashes"`
	UserOpHashes      []common.Hash `json:"userOpHashes"`
	FailedStep        int           `json:"failedStep"`
	Reason            string        `json:"reason,omitempty"`
}

// Invoke runs a delegated batch through the session behind the path. The
// path is the only credential, so lookup misses and inactive endpoints are
// indistinguishable to the caller.
func (h *AgentHandler) Invoke(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "path")
	var req service.AgentAccessRequest
	if err := decodeLenientJSON(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	res, err := h.gateway.Invoke(r.Context(), path, req)
	if err != nil {
		var batchErr *service.BatchError
		if errors.As(err, &batchErr) {
			details := batchFailure{
				TransactionHashes: batchErr.Completed,
				FailedStep:        batchErr.Step,
				Reason:            revertReason(err),
			}
			if res != nil {
				details.UserOpHashes = res.UserOpHashes
			}
			observability.Audit(r, "agent.access", "outcome", "partial",
				"completed", len(batchErr.Completed),
				"failed_step", batchErr.Step,
			)
			writeError(w, r, err, details)
			return
		}
		observability.Audit(r, "agent.access", "outcome", "failure")
		writeError(w, r, err, nil)
		return
	}
	observability.Audit(r, "agent.access", "outcome", "success", "steps", len(res.TransactionHashes))
	response.JSON(w, r, http.StatusOK, res)
}
