package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sandeepkv93/smart-session-gateway/internal/chain"
	"github.com/sandeepkv93/smart-session-gateway/internal/http/response"
	"github.com/sandeepkv93/smart-session-gateway/internal/service"
)

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// Order matters: ErrUnsupportedChain and ErrUnknownPolicyKind are checked
// before the broader categories they may be wrapped in.
var errorMappings = []errorMapping{
	{service.ErrUnknownPolicyKind, http.StatusBadRequest, "UNKNOWN_POLICY_KIND", ""},
	{chain.ErrUnsupportedChain, http.StatusBadRequest, "UNSUPPORTED_CHAIN", "unsupported chain"},
	{service.ErrValidation, http.StatusBadRequest, "VALIDATION_ERROR", ""},
	{service.ErrAccountNotFound, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "account not found"},
	{service.ErrAuthorizationNotFound, http.StatusNotFound, "AUTHORIZATION_NOT_FOUND", "authorization not found"},
	{service.ErrOperationNotFound, http.StatusNotFound, "OPERATION_NOT_FOUND", "operation not found"},
	{service.ErrAuthorizationExpired, http.StatusGone, "AUTHORIZATION_EXPIRED", "authorization expired"},
	{service.ErrAuthorizationInFlight, http.StatusConflict, "CONFLICT", "authorization is already being signed"},
	{service.ErrUnauthorizedPath, http.StatusUnauthorized, "UNAUTHORIZED_PATH", "unauthorized"},
	{service.ErrOperationReverted, http.StatusUnprocessableEntity, "OPERATION_REVERTED", ""},
	{service.ErrConfirmationTimeout, http.StatusGatewayTimeout, "CONFIRMATION_TIMEOUT", "operation submitted but not confirmed in time"},
	{service.ErrNonceConflict, http.StatusConflict, "NONCE_CONFLICT", "account nonce changed concurrently"},
	{service.ErrUpstreamUnavailable, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "chain or bundler unavailable"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "TIMEOUT", "request timed out"},
	{context.Canceled, http.StatusGatewayTimeout, "TIMEOUT", "request cancelled"},
}

// writeError maps a service error onto the response envelope. details is
// attached as-is, typically progress the caller can still act on.
func writeError(w http.ResponseWriter, r *http.Request, err error, details any) {
	for _, m := range errorMappings {
		if !errors.Is(err, m.target) {
			continue
		}
		msg := m.message
		if msg == "" {
			msg = err.Error()
		}
		if m.status >= http.StatusInternalServerError {
			slog.WarnContext(r.Context(), "request failed upstream", "code", m.code, "error", err)
		}
		response.Error(w, r, m.status, m.code, msg, details)
		return
	}
	slog.ErrorContext(r.Context(), "unhandled request error", "error", err)
	response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
}

func revertReason(err error) string {
	var reverted *service.OperationRevertedError
	if errors.As(err, &reverted) {
		return reverted.Reason
	}
	return ""
}
