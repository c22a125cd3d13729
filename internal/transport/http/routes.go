package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
)

func Routes(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Use(RequestLogger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", h.ListJobs)
		r.Post("/", h.CreateJob)
		r.Get("/{id}", h.GetJob)
		r.Put("/{id}", h.UpdateJob)
		r.Delete("/{id}", h.DeleteJob)
	})

	r.Route("/pipelines", func(r chi.Router) {
		r.Post("/", h.CreatePipeline)
		r.Post("/train", h.CreateTraining)
	})

	// Callback target for asynchronous inference services.
	r.Put("/internal/jobs/{id}", h.JobCallback)

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return r
}
