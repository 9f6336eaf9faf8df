package routes

import (
	"net/http"

	"discserver/internal/handlers"
)

// SetupRoutes wires the disc endpoints onto a ServeMux.
func SetupRoutes(h *handlers.DiscHandler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /discs/upload", h.Upload)
	mux.HandleFunc("POST /discs/register", h.Register)
	mux.HandleFunc("POST /discs/search", h.Search)
	mux.HandleFunc("GET /discs", h.List)
	mux.HandleFunc("GET /discs/{id}", h.Get)
	mux.HandleFunc("POST /discs/{id}/confirm", h.Confirm)
	mux.HandleFunc("POST /discs/{id}/cancel", h.Cancel)
	mux.HandleFunc("PATCH /discs/{id}/status", h.UpdateStatus)
	mux.HandleFunc("POST /discs/{id}/images", h.AddImage)
	mux.HandleFunc("PUT /discs/{id}/images/{imageID}/border", h.UpdateBorder)
	mux.HandleFunc("DELETE /discs/{id}", h.Delete)
	mux.HandleFunc("GET /discs/{id}/images/{filename}", h.Artifact)
	mux.HandleFunc("GET /health", h.Health)

	return mux
}
