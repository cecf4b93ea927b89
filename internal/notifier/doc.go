// Package notifier delivers session notifications to operator chats.
//
// Notifications are queued and sent by a small worker pool through a
// controlplane.Adapter, under a shared token bucket. Failed sends are retried
// with jittered exponential backoff. Identical notifications to the same chat
// inside the dedup window are dropped, which keeps a flapping connection from
// flooding the operator. Lifecycle events (queued, deduped, dropped, sent,
// failed) are published on the event bus.
package notifier
