package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sandeepkv93/smart-session-gateway/internal/health"
	"github.com/sandeepkv93/smart-session-gateway/internal/http/handler"
	"github.com/sandeepkv93/smart-session-gateway/internal/http/middleware"
	"github.com/sandeepkv93/smart-session-gateway/internal/http/response"
	"github.com/sandeepkv93/smart-session-gateway/internal/security"
)

const defaultBodyLimit = 1 << 20

type Dependencies struct {
	SessionHandler    *handler.SessionHandler
	AgentHandler      *handler.AgentHandler
	JWTManager        *security.JWTManager
	AgentRateLimitRPM int
	// AgentRateLimiter overrides the in-process limiter on the agent route,
	// typically with a redis backed one shared across replicas.
	AgentRateLimiter func(http.Handler) http.Handler
	Readiness        *health.ProbeRunner
	BodyLimit        int64
	EnableOTelHTTP   bool
}

func NewRouter(dep Dependencies) http.Handler {
	bodyLimit := dep.BodyLimit
	if bodyLimit <= 0 {
		bodyLimit = defaultBodyLimit
	}
	agentLimiter := dep.AgentRateLimiter
	if agentLimiter == nil {
		agentLimiter = middleware.NewDistributedRateLimiter(
			middleware.NewLocalFixedWindowLimiter(),
			middleware.PerMinutePolicy(dep.AgentRateLimitRPM),
			middleware.FailClosed,
			"agent_access",
			middleware.AgentPathKeyFunc("path"),
		).Middleware()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.StructuredRequestLogger)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.BodyLimit(bodyLimit))

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if dep.Readiness == nil {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": []any{}})
			return
		}
		ready, results := dep.Readiness.Ready(r.Context())
		if ready {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": results})
			return
		}
		response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "dependencies are not ready", map[string]any{"checks": results})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(dep.JWTManager))

		r.Get("/accounts", dep.SessionHandler.ListAccounts)
		r.Post("/accounts", dep.SessionHandler.RegisterAccount)

		r.Get("/sessions", dep.SessionHandler.GetSessionRecords)
		r.Post("/sessions", dep.SessionHandler.ConfigureSession)
		r.Post("/sessions/sign", dep.SessionHandler.SignSessionCreation)

		r.Post("/endpoints/activate", dep.SessionHandler.SetEndpointActive)

		r.Get("/modules/installed", dep.SessionHandler.IsModuleInstalled)
		r.Get("/validators", dep.SessionHandler.InstalledValidators)

		r.Get("/operations", dep.SessionHandler.ListOperations)
		r.Get("/operations/{hash}", dep.SessionHandler.GetOperation)
	})

	r.With(agentLimiter).Post("/public/agent-access/{path}", dep.AgentHandler.Invoke)

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}
