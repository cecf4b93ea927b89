// Package logx is the bridge's structured logger: a thin value type over
// zerolog whose output follows runtime config swaps. Console lines are
// human-readable, file lines are JSON, and warnings can be mirrored to the
// operator chat through a rate-limited Sink.
package logx
