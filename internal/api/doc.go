// Package api implements the HTTP handlers of the polling service: the fetch
// endpoint and bootstrap payload consumed by clients, the rendered projection
// used when no files are published, and the admin API that mutates
// connections.
//
// Handlers read route variables through gorilla/mux and expect the request
// context to carry a polling.Cycle, which the server attaches to every
// request.
package api
