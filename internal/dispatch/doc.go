// Package dispatch throttles calls into the messaging transport.
//
// Every call carries a key (an API operation or a conversation). Calls that
// share a key start at least the key's minimum interval apart, and all calls
// of one dispatcher are additionally spaced by a global interval. A
// rate-limit answer from the transport doubles the key interval (up to a
// cap), sleeps for it and retries once; a second rate limit is returned to
// the caller as a soft failure.
//
// Latency sensitive one-off sends use the fast path, which only honours a
// short spacing of its own and falls back to a per-conversation FIFO queue
// when it fails.
package dispatch
