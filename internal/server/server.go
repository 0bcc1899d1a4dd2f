// Package server provides the HTTP channel and the approval API for latch.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dativo-io/latch/internal/agent"
	"github.com/dativo-io/latch/internal/approval"
	"github.com/dativo-io/latch/internal/audit"
	"github.com/dativo-io/latch/internal/evidence"
	"github.com/dativo-io/latch/internal/otel"
	"github.com/dativo-io/latch/internal/policy"
)

const (
	defaultTimeout = 60 * time.Second
	turnTimeout    = 10 * time.Minute
	maxBodyBytes   = 1 << 20
)

// TurnHandler processes one inbound message. *agent.Runner satisfies it.
type TurnHandler interface {
	HandleTurn(ctx context.Context, req agent.TurnRequest) *agent.TurnResponse
}

// PolicySource returns the policy currently in force (builtin, persisted
// approvals and config rules).
type PolicySource interface {
	Policy(ctx context.Context) (*policy.Policy, error)
}

// Server holds the dependencies of the HTTP API.
type Server struct {
	router           *chi.Mux
	turns            TurnHandler
	rules            *approval.Store
	policies         PolicySource
	evidenceStore    *evidence.Store
	audit            audit.Sink
	apiKeys          []string
	ratchetThreshold int
	startTime        time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithEvidenceStore exposes turn evidence under /v1/evidence.
func WithEvidenceStore(es *evidence.Store) Option {
	return func(s *Server) { s.evidenceStore = es }
}

// WithAudit records approval changes made through the API.
func WithAudit(sink audit.Sink) Option {
	return func(s *Server) { s.audit = sink }
}

// WithRatchetThreshold sets the default threshold for GET /v1/rules/ratchet.
func WithRatchetThreshold(n int) Option {
	return func(s *Server) { s.ratchetThreshold = n }
}

// NewServer builds a Server. With no apiKeys every authenticated route answers 401.
func NewServer(turns TurnHandler, rules *approval.Store, policies PolicySource, apiKeys []string, opts ...Option) *Server {
	s := &Server{
		router:           chi.NewRouter(),
		turns:            turns,
		rules:            rules,
		policies:         policies,
		audit:            audit.Discard{},
		apiKeys:          apiKeys,
		ratchetThreshold: 5,
		startTime:        time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the configured http.Handler. /v1/messages runs a whole
// turn and is registered without the default request timeout.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.Middleware())

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))

		r.Post("/v1/messages", s.handleMessage)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(defaultTimeout))

			r.Get("/v1/rules", s.handleRulesList)
			r.Post("/v1/rules/approve", s.handleRulesApprove)
			r.Get("/v1/rules/ratchet", s.handleRulesRatchet)
			r.Delete("/v1/rules/{id}", s.handleRulesRevoke)

			r.Post("/v1/policy/evaluate", s.handlePolicyEvaluate)

			r.Get("/v1/evidence", s.handleEvidenceList)
			r.Get("/v1/evidence/{id}", s.handleEvidenceGet)
			r.Get("/v1/evidence/{id}/verify", s.handleEvidenceVerify)
		})
	})
	return r
}
