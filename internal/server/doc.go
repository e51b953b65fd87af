// Package server hosts the Fiber HTTP service and the request middleware chain
// that hands every non-diagnostics request to the proxy handler. It also owns
// the shared upstream http.Client so the router, the precache step and the
// streaming worker reuse one connection pool. Keep exports narrow and accept
// explicit dependencies; diagnostics endpoints live in the routes subpackage.
package server
