// Package api exposes the case-tracking core over HTTP: session-token auth,
// case submission and workflow routes, and admin metrics.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"casetrack/api/handlers"
	"casetrack/config"
	"casetrack/core/dedup"
	"casetrack/core/store"
	"casetrack/core/utils"
	"casetrack/core/workflow"
)

type Server struct {
	cfg      *config.AppConfig
	users    store.UsersStore
	sessions store.SessionsStore
	cases    store.CasesStore
	events   store.EventsStore
	dedup    *dedup.Service
	workflow *workflow.Manager
	rates    store.RateLimitStore
	logger   *utils.Logger
}

type ServerDeps struct {
	Config     *config.AppConfig
	Users      store.UsersStore
	Sessions   store.SessionsStore
	Cases      store.CasesStore
	Events     store.EventsStore
	Dedup      *dedup.Service
	Workflow   *workflow.Manager
	RateLimits store.RateLimitStore
	Logger     *utils.Logger
}

func NewServer(deps ServerDeps) *Server {
	return &Server{
		cfg:      deps.Config,
		users:    deps.Users,
		sessions: deps.Sessions,
		cases:    deps.Cases,
		events:   deps.Events,
		dedup:    deps.Dedup,
		workflow: deps.Workflow,
		rates:    deps.RateLimits,
		logger:   deps.Logger,
	}
}

func (s *Server) Router() http.Handler {
	authH := handlers.NewAuthHandler(s.cfg, s.users, s.sessions, s.logger)
	casesH := handlers.NewCasesHandler(s.cfg, s.cases, s.events, s.dedup, s.workflow, s.rates, s.logger)
	adminH := handlers.NewAdminHandler(s.cases, s.workflow, s.logger)

	r := chi.NewRouter()
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", authH.Register)
		r.Post("/auth/login", authH.Login)

		r.Group(func(r chi.Router) {
			r.Use(s.sessionMiddleware)

			r.Post("/auth/logout", authH.Logout)
			r.Get("/auth/me", authH.Me)

			r.Route("/cases", func(r chi.Router) {
				r.Post("/", casesH.Submit)
				r.Get("/", casesH.List)
				r.Route("/{caseID}", func(r chi.Router) {
					r.Get("/", casesH.Get)
					r.Get("/transitions", casesH.ListTransitions)
					r.Post("/transitions", casesH.Transition)
					r.With(s.requireRole(store.RoleOfficer)).Get("/events", casesH.ListEvents)
				})
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(s.requireRole(store.RoleAdmin))
				r.Get("/metrics", adminH.Metrics)
				r.Get("/overdue", adminH.Overdue)
			})
		})
	})
	return r
}
