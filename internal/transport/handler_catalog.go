package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/civicportal/internal/catalog"
	"github.com/pitabwire/civicportal/internal/listview"
)

func handleListServices(registry *catalog.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteOK(w, http.StatusOK, listPage(r, listview.ServiceSchema(), registry.Services()))
	}
}

func handleGetService(registry *catalog.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, ok := registry.Service(chi.URLParam(r, "serviceId"))
		if !ok {
			WriteNotFound(w, "Service not found")
			return
		}
		WriteOK(w, http.StatusOK, def)
	}
}
