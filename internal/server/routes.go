package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// SetupRoutes returns the router serving the health check and the WebSocket
// endpoint.
func SetupRoutes(h *Handlers) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", h.Health).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/ws", h.WebSocket).Methods(http.MethodGet)
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	return r
}
