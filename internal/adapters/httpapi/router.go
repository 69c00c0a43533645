package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/app"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/ports"
)

// Deps: tout est optionnel, les routes d'un composant absent ne sont pas montées.
type Deps struct {
	Settings      *app.SettingsService
	Subscriptions *app.SubscriptionService
	Manager       ManagerControl
	Jobs          ports.JobRegistry
	JobCanceller  JobCanceller
	Bandwidth     BandwidthStatus
	Domains       DomainStatus
	Logins        LoginStatus
	Files         FileOpener
	Bus           ports.EventBus
	CORSOrigins   []string
}

type Server struct {
	logger zerolog.Logger
	deps   Deps
	bus    ports.EventBus
}

func NewServer(logger zerolog.Logger, deps Deps) *Server {
	return &Server{logger: logger, deps: deps, bus: deps.Bus}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(s.logger))
	r.Use(hlog.RequestIDHandler("request_id", "Request-Id"))
	r.Use(hlog.RemoteAddrHandler("remote_ip"))
	r.Use(hlog.UserAgentHandler("user_agent"))
	r.Use(hlog.AccessHandler(accessLogFn))
	if len(s.deps.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.deps.CORSOrigins,
			AllowedMethods: []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID"},
			ExposedHeaders: []string{"Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// SSE: pas de timeout sur le flux
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(defaultRequestTimeout))

			r.Get("/health", s.handleHealth)
			r.Get("/version", s.handleVersion)
			r.Get("/openapi.json", s.handleOpenAPI)

			if s.deps.Settings != nil {
				NewSettingsHandler(s.deps.Settings).Routes(r)
			}
			if s.deps.Subscriptions != nil {
				NewSubscriptionsHandler(s.deps.Subscriptions).Routes(r)
			}
			if s.deps.Manager != nil {
				NewManagerHandler(s.deps.Manager, s.deps.Settings).Routes(r)
			}
			if s.deps.Jobs != nil {
				NewJobsHandler(s.deps.Jobs, s.deps.JobCanceller).Routes(r)
			}
			NewNetworkHandler(s.deps.Bandwidth, s.deps.Domains, s.deps.Logins, s.deps.Manager).Routes(r)
			if s.deps.Files != nil {
				NewFilesHandler(s.deps.Files).Routes(r)
			}
		})
	})

	return r
}
