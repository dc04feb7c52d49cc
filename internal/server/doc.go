// Package server provides the HTTP status surface of the sync engine and the OAuth callback used by the login
// command.
//
// # Router Infrastructure
//
// The [Router] interface defines HTTP routing with middleware support.
//
// [Middleware] wraps handlers in reverse order (last added executes first), following the standard Go pattern.
//
// The [BasicRouter] implementation uses [http.ServeMux] method patterns internally.
//
// # Status Endpoints
//
//	GET  /healthz                 → 200 while the worker heartbeat is fresh, 503 once it is stale
//	GET  /metrics                 → Prometheus exposition
//	GET  /api/users/{id}/status   → recent jobs and per-resource sync state
//	POST /api/jobs                → validate a payload and enqueue a job
//
// Handlers only read the store or enqueue; none of them call the upstream catalog.
//
// # OAuth Callback Handler
//
// [OAuthHandler] implements the OAuth2 authorization code callback with PKCE. It validates the state parameter,
// exchanges the code through the gated token client and sends the result through a channel. Only the first
// callback is processed.
//
// # Handler Interface
//
// Custom handlers implement the [Handler] interface, which wraps the stdlib handler interface and adds routes,
// allowing handlers to register multiple routes to encapsulate route definitions within the implementation.
package server
