package main

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static
var staticFiles embed.FS

// dashboardHandler serves the embedded dashboard page. Embedding keeps the
// server a single deployable binary.
func (a *API) dashboardHandler() http.Handler {
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		// static is compiled in; Sub on a literal name cannot fail at runtime
		panic(err)
	}
	return http.FileServer(http.FS(sub))
}
