// Package store is the resilient message store.
//
// Writes go to the durable backend while it answers and to a bounded memory
// buffer while it does not. Deletions made in memory leave tombstones so a
// late duplicate cannot bring a deleted record back. Once a probe succeeds
// again the buffer is migrated in batches and the tombstones are flushed.
package store
