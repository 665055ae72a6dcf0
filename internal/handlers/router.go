package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RouterConfig collects what the HTTP surface is built from. Archive
// may be nil, in which case the archive routes are not registered.
type RouterConfig struct {
	Read     *ReadHandler
	Write    *WriteHandler
	Archive  *ArchiveHandler
	Gatherer prometheus.Gatherer
}

// NewRouter wires the file routes, health check and metrics endpoint.
func NewRouter(cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	if cfg.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	traced := func(method, path string, h http.HandlerFunc) *mux.Route {
		return router.Handle(path, otelhttp.NewHandler(h, method+" "+path)).Methods(method)
	}

	traced(http.MethodPut, "/files", cfg.Write.Upload)
	traced(http.MethodGet, "/files", cfg.Read.List)
	traced(http.MethodDelete, "/files", cfg.Write.DeleteByName)
	traced(http.MethodGet, "/files/{id}", cfg.Read.Metadata)
	traced(http.MethodDelete, "/files/{id}", cfg.Write.DeleteByID)
	traced(http.MethodGet, "/files/{id}/content", cfg.Read.Content)
	traced(http.MethodGet, "/content", cfg.Read.ContentByName)

	if cfg.Archive != nil {
		traced(http.MethodPost, "/files/{id}/archive", cfg.Archive.Archive)
		traced(http.MethodPost, "/archive/restore", cfg.Archive.Restore)
	}
	return router
}
