package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/nikhilbhutani/jobpipeline/internal/api/handlers"
	"github.com/nikhilbhutani/jobpipeline/internal/api/middleware"
	"github.com/nikhilbhutani/jobpipeline/internal/auth"
	"github.com/nikhilbhutani/jobpipeline/internal/config"
)

// Deps are the services the HTTP surface is built on.
type Deps struct {
	Jobs      handlers.JobStore
	Documents handlers.Documents
	Queue     handlers.Enqueuer
	Files     handlers.Files
	Users     auth.Users
	Answerer  handlers.Answerer
	Resolver  handlers.Resolver
	Subscribe handlers.Subscribe
	Checks    map[string]handlers.Check
	Metrics   http.Handler
}

type Router struct {
	mux  *chi.Mux
	cfg  *config.Config
	deps Deps
	jwt  *auth.JWTMiddleware
}

func NewRouter(cfg *config.Config, deps Deps) *Router {
	return &Router{
		mux:  chi.NewRouter(),
		cfg:  cfg,
		deps: deps,
		jwt:  auth.NewJWTMiddleware(cfg.Auth.JWTSecret, deps.Users),
	}
}

func (rt *Router) Setup() http.Handler {
	r := rt.mux

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(rt.cfg.Server.AllowedOrigins))

	health := handlers.NewHealthHandler(rt.deps.Checks)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)
	if rt.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", rt.deps.Metrics)
	}

	rl := middleware.NewRateLimiter(rt.cfg.Server.RequestsPerSec, rt.cfg.Server.Burst, 0)

	jobH := handlers.NewJobHandler(rt.deps.Jobs, rt.deps.Queue, rt.deps.Files, rt.cfg.Server.MaxUploadBytes)
	docH := handlers.NewDocumentHandler(rt.deps.Documents, jobH, rt.deps.Files, rt.cfg.RAG.ChunkTokens)
	entityH := handlers.NewEntityHandler(rt.deps.Jobs, rt.deps.Queue)
	ragH := handlers.NewRAGHandler(rt.deps.Answerer, rt.deps.Resolver, handlers.RAGLimits{
		ChatModel:        rt.cfg.LLM.ChatModel,
		MaxSections:      rt.cfg.RAG.MaxSections,
		MaxContextTokens: rt.cfg.RAG.MaxContextTokens,
		MaxHistoryTokens: rt.cfg.RAG.MaxHistoryTokens,
	})
	eventsH := handlers.NewEventsHandler(rt.deps.Subscribe)

	r.Route("/v1", func(r chi.Router) {
		r.Use(rl.Limit)
		r.Use(rt.jwt.Authenticate)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/image", jobH.CreateImage)
			r.Post("/tts", jobH.CreateTTS)
			r.Post("/transcription", jobH.CreateTranscription)
			r.Post("/translation", jobH.CreateTranslation)
			r.Get("/{id}", jobH.Get)
			r.Post("/{id}/retry", jobH.Retry)
		})

		r.Route("/documents", func(r chi.Router) {
			r.Post("/", docH.Upload)
			r.Get("/", docH.List)
			r.Put("/{id}/selected", docH.Select)
		})

		r.Post("/rag/query", ragH.Query)
		r.Get("/events", eventsH.Stream)
		r.Delete("/{entity}/{id}", entityH.Delete)
	})

	return r
}
