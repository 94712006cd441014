// Package server wires the polling HTTP handlers into a gorilla/mux router,
// wraps them with request id, logging, metrics, CORS and security header
// middleware and runs the resulting http.Server with graceful shutdown.
package server
