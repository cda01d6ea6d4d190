package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sandeepkv93/smart-session-gateway/internal/domain"
	"github.com/sandeepkv93/smart-session-gateway/internal/health"
	"github.com/sandeepkv93/smart-session-gateway/internal/http/handler"
	"github.com/sandeepkv93/smart-session-gateway/internal/repository"
	"github.com/sandeepkv93/smart-session-gateway/internal/security"
	"github.com/sandeepkv93/smart-session-gateway/internal/service"
)

const testAccount = "0x00000000000000000000000000000000000a11ce"

type stubSessions struct {
	subject      string
	configureErr error
	signRes      *service.SignSessionResult
	signErr      error
	setActive    []bool
	setErr       error
	operation    *domain.Operation
	page         repository.PageRequest
}

func (s *stubSessions) RegisterAccount(_ context.Context, subject string, in service.RegisterAccountInput) (*domain.Account, error) {
	s.subject = subject
	return &domain.Account{ID: 1, ChainID: in.ChainID, Address: in.Address.Hex()}, nil
}

func (s *stubSessions) ListAccounts(_ context.Context, subject string) ([]domain.Account, error) {
	s.subject = subject
	return []domain.Account{{ID: 1, ChainID: 11155111, Address: testAccount}}, nil
}

func (s *stubSessions) ConfigureSession(_ context.Context, subject string, in service.ConfigureSessionInput) (*service.ConfigureSessionResult, error) {
	s.subject = subject
	if s.configureErr != nil {
		return nil, s.configureErr
	}
	return &service.ConfigureSessionResult{EnableHash: common.HexToHash("0x01"), OwnerCredentialID: "passkey-1"}, nil
}

func (s *stubSessions) SignSessionCreation(_ context.Context, subject string, _ service.SignSessionInput) (*service.SignSessionResult, error) {
	s.subject = subject
	return s.signRes, s.signErr
}

func (s *stubSessions) GetSessionRecords(context.Context, string, common.Address, uint64) ([]service.SessionRecordView, error) {
	return []service.SessionRecordView{{ID: 7, Endpoint: service.EndpointView{URL: "abc", Active: true}}}, nil
}

func (s *stubSessions) SetEndpointActive(_ context.Context, _ string, _ string, _ common.Address, _ uint64, active bool) (bool, error) {
	if s.setErr != nil {
		return false, s.setErr
	}
	s.setActive = append(s.setActive, active)
	return active, nil
}

func (s *stubSessions) IsModuleInstalled(_ context.Context, _ common.Address, _ uint64, _ common.Address, kind string) (bool, error) {
	return kind == "validator", nil
}

func (s *stubSessions) InstalledValidators(context.Context, common.Address, uint64) (service.InstalledValidators, error) {
	return service.InstalledValidators{Ownable: true, SmartSessions: true}, nil
}

func (s *stubSessions) GetOperation(_ context.Context, _ string, hash common.Hash) (*domain.Operation, error) {
	if s.operation == nil {
		return nil, service.ErrOperationNotFound
	}
	return s.operation, nil
}

func (s *stubSessions) ListOperations(_ context.Context, _ string, _ common.Address, _ uint64, page repository.PageRequest) (repository.PageResult[domain.Operation], error) {
	s.page = page
	return repository.PageResult[domain.Operation]{Items: []domain.Operation{}, Page: 1, PageSize: 20}, nil
}

type stubGateway struct {
	path string
	res  *service.AgentAccessResult
	err  error
}

func (g *stubGateway) Invoke(_ context.Context, path string, _ service.AgentAccessRequest) (*service.AgentAccessResult, error) {
	g.path = path
	return g.res, g.err
}

type testEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
	Meta struct {
		RequestID string `json:"request_id"`
	} `json:"meta"`
}

type routerFixture struct {
	handler  http.Handler
	sessions *stubSessions
	gateway  *stubGateway
	token    string
}

func newRouterFixture(t *testing.T, mutate func(*Dependencies)) *routerFixture {
	t.Helper()
	jwtMgr := security.NewJWTManager("iss", "aud", "abcdefghijklmnopqrstuvwxyz123456")
	token, err := jwtMgr.SignAccessToken("owner-1", time.Hour)
	if err != nil {
		t.Fatalf("sign access token: %v", err)
	}
	sessions := &stubSessions{}
	gateway := &stubGateway{res: &service.AgentAccessResult{TransactionHashes: []common.Hash{common.HexToHash("0xaa")}}}
	dep := Dependencies{
		SessionHandler:    handler.NewSessionHandler(sessions),
		AgentHandler:      handler.NewAgentHandler(gateway),
		JWTManager:        jwtMgr,
		AgentRateLimitRPM: 1000,
	}
	if mutate != nil {
		mutate(&dep)
	}
	return &routerFixture{handler: NewRouter(dep), sessions: sessions, gateway: gateway, token: token}
}

func (f *routerFixture) do(t *testing.T, method, target, body string, auth bool) (*httptest.ResponseRecorder, testEnvelope) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.RemoteAddr = "10.10.10.10:1234"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	var env testEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v body=%s", err, rr.Body.String())
	}
	return rr, env
}

func TestRouterHealthEndpoints(t *testing.T) {
	t.Run("live", func(t *testing.T) {
		f := newRouterFixture(t, nil)
		rr, env := f.do(t, http.MethodGet, "/health/live", "", false)
		if rr.Code != http.StatusOK || !env.Success || env.Meta.RequestID == "" {
			t.Fatalf("unexpected live response %d %+v", rr.Code, env)
		}
	})

	t.Run("nil readiness returns ready", func(t *testing.T) {
		f := newRouterFixture(t, nil)
		rr, _ := f.do(t, http.MethodGet, "/health/ready", "", false)
		if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"status":"ready"`) {
			t.Fatalf("expected ready, got %d %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("unready dependency returns 503", func(t *testing.T) {
		f := newRouterFixture(t, func(dep *Dependencies) {
			dep.Readiness = health.NewProbeRunner(time.Second, 0, health.Probe{Name: "database", Check: func(context.Context) error {
				return errors.New("db down")
			}})
		})
		rr, env := f.do(t, http.MethodGet, "/health/ready", "", false)
		if rr.Code != http.StatusServiceUnavailable || env.Error == nil || env.Error.Code != "DEPENDENCY_UNREADY" {
			t.Fatalf("expected DEPENDENCY_UNREADY, got %d %s", rr.Code, rr.Body.String())
		}
	})
}

func TestRouterOwnerAPIRequiresBearer(t *testing.T) {
	f := newRouterFixture(t, nil)
	for _, target := range []string{"/api/v1/accounts", "/api/v1/sessions?account=" + testAccount + "&chainId=1"} {
		rr, env := f.do(t, http.MethodGet, target, "", false)
		if rr.Code != http.StatusUnauthorized || env.Error == nil || env.Error.Code != "UNAUTHORIZED" {
			t.Fatalf("%s: expected 401, got %d", target, rr.Code)
		}
	}
}

func TestRouterPassesSubjectToService(t *testing.T) {
	f := newRouterFixture(t, nil)
	rr, _ := f.do(t, http.MethodGet, "/api/v1/accounts", "", true)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if f.sessions.subject != "owner-1" {
		t.Fatalf("expected subject owner-1, got %q", f.sessions.subject)
	}
}

func TestRouterConfigureSessionErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", fmt.Errorf("%w: policies are required", service.ErrValidation), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown policy", fmt.Errorf("%w: bogus", service.ErrUnknownPolicyKind), http.StatusBadRequest, "UNKNOWN_POLICY_KIND"},
		{"account", service.ErrAccountNotFound, http.StatusNotFound, "ACCOUNT_NOT_FOUND"},
		{"upstream", fmt.Errorf("node: %w", service.ErrUpstreamUnavailable), http.StatusBadGateway, "UPSTREAM_UNAVAILABLE"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newRouterFixture(t, nil)
			f.sessions.configureErr = tc.err
			body := `{"account":"` + testAccount + `","chainId":11155111,"policies":[{"kind":"sudo"}]}`
			rr, env := f.do(t, http.MethodPost, "/api/v1/sessions", body, true)
			if rr.Code != tc.status || env.Error == nil || env.Error.Code != tc.code {
				t.Fatalf("expected %d %s, got %d %s", tc.status, tc.code, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestRouterConfigureSessionSuccess(t *testing.T) {
	f := newRouterFixture(t, nil)
	body := `{"account":"` + testAccount + `","chainId":11155111,"policies":[{"kind":"sudo"}]}`
	rr, env := f.do(t, http.MethodPost, "/api/v1/sessions", body, true)
	if rr.Code != http.StatusCreated || !env.Success {
		t.Fatalf("expected 201, got %d %s", rr.Code, rr.Body.String())
	}
	var res service.ConfigureSessionResult
	if err := json.Unmarshal(env.Data, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.OwnerCredentialID != "passkey-1" || res.EnableHash != common.HexToHash("0x01") {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRouterRejectsMalformedBodies(t *testing.T) {
	f := newRouterFixture(t, nil)
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"not json", "{"},
		{"unknown field", `{"account":"` + testAccount + `","bogus":true}`},
		{"bad address", `{"account":"0x123","chainId":1}`},
		{"two objects", `{"chainId":1}{"chainId":2}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr, env := f.do(t, http.MethodPost, "/api/v1/sessions", tc.body, true)
			if rr.Code != http.StatusBadRequest || env.Error == nil || env.Error.Code != "VALIDATION_ERROR" {
				t.Fatalf("expected 400 VALIDATION_ERROR, got %d %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestRouterSignSessionErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", service.ErrAuthorizationNotFound, http.StatusNotFound, "AUTHORIZATION_NOT_FOUND"},
		{"expired", service.ErrAuthorizationExpired, http.StatusGone, "AUTHORIZATION_EXPIRED"},
		{"in flight", service.ErrAuthorizationInFlight, http.StatusConflict, "CONFLICT"},
		{"reverted", &service.OperationRevertedError{Reason: "AA23"}, http.StatusUnprocessableEntity, "OPERATION_REVERTED"},
		{"timeout", fmt.Errorf("await: %w", service.ErrConfirmationTimeout), http.StatusGatewayTimeout, "CONFIRMATION_TIMEOUT"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newRouterFixture(t, nil)
			f.sessions.signErr = tc.err
			body := `{"account":"` + testAccount + `","chainId":11155111,"enableHash":"0x` + strings.Repeat("01", 32) + `","ownerSignature":"0x01"}`
			rr, env := f.do(t, http.MethodPost, "/api/v1/sessions/sign", body, true)
			if rr.Code != tc.status || env.Error == nil || env.Error.Code != tc.code {
				t.Fatalf("expected %d %s, got %d %s", tc.status, tc.code, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestRouterSignTimeoutReturnsPollableHash(t *testing.T) {
	f := newRouterFixture(t, nil)
	hash := common.HexToHash("0xbeef")
	f.sessions.signRes = &service.SignSessionResult{UserOpHash: hash, State: domain.OperationFailed}
	f.sessions.signErr = service.ErrConfirmationTimeout
	body := `{"account":"` + testAccount + `","chainId":11155111,"enableHash":"0x` + strings.Repeat("01", 32) + `","ownerSignature":"0x01"}`
	rr, env := f.do(t, http.MethodPost, "/api/v1/sessions/sign", body, true)
	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rr.Code)
	}
	var details service.SignSessionResult
	if err := json.Unmarshal(env.Error.Details, &details); err != nil {
		t.Fatalf("decode details: %v", err)
	}
	if details.UserOpHash != hash {
		t.Fatalf("expected user op hash %s in details, got %s", hash.Hex(), details.UserOpHash.Hex())
	}
}

func TestRouterSetEndpointActive(t *testing.T) {
	f := newRouterFixture(t, nil)
	body := `{"path":"abc","account":"` + testAccount + `","chainId":11155111,"active":true}`
	for i := 0; i < 2; i++ {
		rr, env := f.do(t, http.MethodPost, "/api/v1/endpoints/activate", body, true)
		if rr.Code != http.StatusOK || string(env.Data) != `{"active":true}` {
			t.Fatalf("expected active true, got %d %s", rr.Code, rr.Body.String())
		}
	}
	if len(f.sessions.setActive) != 2 {
		t.Fatalf("expected two calls, got %v", f.sessions.setActive)
	}

	rr, _ := f.do(t, http.MethodPost, "/api/v1/endpoints/activate", `{"path":"abc","account":"`+testAccount+`","chainId":1}`, true)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when active is missing, got %d", rr.Code)
	}

	f.sessions.setErr = service.ErrUnauthorizedPath
	rr, _ = f.do(t, http.MethodPost, "/api/v1/endpoints/activate", body, true)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown path, got %d", rr.Code)
	}
}

func TestRouterQueryValidation(t *testing.T) {
	f := newRouterFixture(t, nil)
	tests := []struct {
		target string
		status int
	}{
		{"/api/v1/sessions?account=" + testAccount + "&chainId=11155111", http.StatusOK},
		{"/api/v1/sessions?account=nope&chainId=11155111", http.StatusBadRequest},
		{"/api/v1/sessions?account=" + testAccount + "&chainId=0", http.StatusBadRequest},
		{"/api/v1/modules/installed?account=" + testAccount + "&chainId=1&module=" + testAccount, http.StatusOK},
		{"/api/v1/modules/installed?account=" + testAccount + "&chainId=1", http.StatusBadRequest},
		{"/api/v1/validators?account=" + testAccount + "&chainId=1", http.StatusOK},
		{"/api/v1/operations?account=" + testAccount + "&chainId=1&page=2&page_size=5", http.StatusOK},
		{"/api/v1/operations?account=" + testAccount + "&chainId=1&page=-1", http.StatusBadRequest},
		{"/api/v1/operations/0x1234", http.StatusBadRequest},
		{"/api/v1/operations/0x" + strings.Repeat("ab", 32), http.StatusNotFound},
	}
	for _, tc := range tests {
		rr, _ := f.do(t, http.MethodGet, tc.target, "", true)
		if rr.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d %s", tc.target, tc.status, rr.Code, rr.Body.String())
		}
	}
	if f.sessions.page.Page != 2 || f.sessions.page.PageSize != 5 {
		t.Fatalf("expected page request forwarded, got %+v", f.sessions.page)
	}
}

func TestRouterAgentAccessIsPublic(t *testing.T) {
	f := newRouterFixture(t, nil)
	body := `{"description":"swap","steps":[{"to":"` + testAccount + `"}]}`
	rr, env := f.do(t, http.MethodPost, "/public/agent-access/path123", body, false)
	if rr.Code != http.StatusOK || !env.Success {
		t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	if f.gateway.path != "path123" {
		t.Fatalf("expected path forwarded, got %q", f.gateway.path)
	}
}

func TestRouterAgentAccessUnauthorizedPath(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.gateway.res, f.gateway.err = nil, service.ErrUnauthorizedPath
	rr, env := f.do(t, http.MethodPost, "/public/agent-access/nope", `{"steps":[{"to":"`+testAccount+`"}]}`, false)
	if rr.Code != http.StatusUnauthorized || env.Error.Code != "UNAUTHORIZED_PATH" {
		t.Fatalf("expected 401, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestRouterAgentAccessPartialBatchKeepsCompletedHashes(t *testing.T) {
	f := newRouterFixture(t, nil)
	hashA := common.HexToHash("0xa1")
	f.gateway.res = &service.AgentAccessResult{TransactionHashes: []common.Hash{hashA}, UserOpHashes: []common.Hash{common.HexToHash("0x01"), common.HexToHash("0x02")}}
	f.gateway.err = &service.BatchError{
		Completed: []common.Hash{hashA},
		Step:      1,
		Err:       &service.OperationRevertedError{UserOpHash: common.HexToHash("0x02"), Reason: "transfer amount exceeds allowance"},
	}
	body := `{"steps":[{"to":"` + testAccount + `"},{"to":"` + testAccount + `"}]}`
	rr, env := f.do(t, http.MethodPost, "/public/agent-access/path123", body, false)
	if rr.Code != http.StatusUnprocessableEntity || env.Error.Code != "OPERATION_REVERTED" {
		t.Fatalf("expected 422, got %d %s", rr.Code, rr.Body.String())
	}
	var details struct {
		TransactionHashes []common.Hash `json:"transactionHashes"`
		FailedStep        int           `json:"failedStep"`
		Reason            string        `json:"reason"`
	}
	if err := json.Unmarshal(env.Error.Details, &details); err != nil {
		t.Fatalf("decode details: %v", err)
	}
	if len(details.TransactionHashes) != 1 || details.TransactionHashes[0] != hashA || details.FailedStep != 1 {
		t.Fatalf("unexpected details %+v", details)
	}
	if details.Reason != "transfer amount exceeds allowance" {
		t.Fatalf("expected revert reason, got %q", details.Reason)
	}
}

func TestRouterAgentAccessRateLimited(t *testing.T) {
	f := newRouterFixture(t, func(dep *Dependencies) { dep.AgentRateLimitRPM = 1 })
	body := `{"steps":[{"to":"` + testAccount + `"}]}`
	if rr, _ := f.do(t, http.MethodPost, "/public/agent-access/path123", body, false); rr.Code != http.StatusOK {
		t.Fatalf("expected first call to pass, got %d", rr.Code)
	}
	rr, env := f.do(t, http.MethodPost, "/public/agent-access/path123", body, false)
	if rr.Code != http.StatusTooManyRequests || env.Error.Code != "RATE_LIMITED" {
		t.Fatalf("expected 429, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestRouterUnknownRouteUnmatched(t *testing.T) {
	f := newRouterFixture(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected request id header on every response")
	}
}

func TestRouterAgentAccessToleratesExtraStepFields(t *testing.T) {
	f := newRouterFixture(t, nil)
	body := `{"steps":[{"to":"` + testAccount + `","value":"0x0","gas":"0x5208","from":"` + testAccount + `"}]}`
	rr, _ := f.do(t, http.MethodPost, "/public/agent-access/path123", body, false)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body.String())
	}
}
