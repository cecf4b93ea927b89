// Package storage is the durable backend of the bridge.
//
// It keeps observed messages (one row per message id and session), the
// tombstones of deleted messages, and persisted per-tenant settings.
package storage
