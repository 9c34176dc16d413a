package api

import (
	"embed"
	"io/fs"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// staticFS holds the training page. It talks to the REST routes under
// /api/v1.
//
//go:embed static/*
var staticFS embed.FS

func AddUIRoutes(r chi.Router) {
	files, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	fileServer := http.FileServer(http.FS(files))
	r.Get("/", fileServer.ServeHTTP)
	r.Get("/static/*", http.StripPrefix("/static", fileServer).ServeHTTP)
}
