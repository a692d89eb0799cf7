package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/campaign-dispatcher/internal/pkg/httputil"
	"github.com/ignite/campaign-dispatcher/internal/tracking"
)

// Routes bundles the handlers mounted by SetupRoutes. Tracking and Health
// are optional.
type Routes struct {
	Campaigns      *CampaignHandlers
	Tracking       *tracking.Handler
	Health         *HealthChecker
	AllowedOrigins []string
}

// SetupRoutes configures all routes.
func SetupRoutes(rt Routes) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	origins := rt.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	if rt.Health != nil {
		r.Get("/health", rt.Health.HandleHealth)
		r.Get("/health/live", rt.Health.HandleLiveness)
		r.Get("/health/ready", rt.Health.HandleReadiness)
	} else {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			httputil.OK(w, map[string]string{"status": "healthy"})
		})
	}

	if rt.Tracking != nil {
		rt.Tracking.Routes(r)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(time.Minute))
		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", rt.Campaigns.CreateCampaign)
			r.Get("/", rt.Campaigns.ListCampaigns)
			r.Get("/{id}", rt.Campaigns.GetCampaign)
			r.Post("/{id}/cancel", rt.Campaigns.CancelCampaign)
		})
	})

	return r
}
