// Package services implements the outbound side of the sync engine: a gated HTTP transport, a classified catalog
// client, typed catalog endpoints and OAuth2 token refresh.
//
// # Gate
//
// [Gate] is an [http.RoundTripper] shared by every upstream call in the process, token exchanges included. It
// holds a FIFO semaphore of N permits, an optional request-pacing token bucket and a per-call timeout that starts
// once the permit is held.
//
// # Client
//
// [Client] sends requests through the gate, wraps them in a circuit breaker and classifies every failure:
//   - 429 : [shared.ErrRateLimited] with the parsed Retry-After delay
//   - 401 : [shared.ErrUnauthorized]
//   - 5xx, timeouts and transport errors : [shared.ErrRetryable]
//   - any other non-2xx : [shared.ErrFatal]
//
// # Catalog
//
// [SpotifyCatalog] maps Spotify Web API responses onto [models.Track], [models.Playlist] and [PlaylistEntry].
//
// # Tokens
//
// [TokenRefresher] exchanges refresh credentials held by the vault for access tokens, caches them with a 60s
// safety margin and persists rotated refresh credentials before handing out the new access token.
package services
