// Package server wires the gateway handlers into a ServeMux via routing
// helpers.
package server

import "net/http"

// Routes configures and returns an HTTP ServeMux with all gateway routes.
func (g *Gateway) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", g.HealthHandler)
	mux.HandleFunc("/stats", g.StatsHandler)
	mux.HandleFunc("/ws", g.WebSocketHandler)
	return mux
}
