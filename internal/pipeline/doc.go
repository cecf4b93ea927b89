// Package pipeline is the per-tenant message path: duplicate suppression,
// persistence, and command interpretation.
//
// Every message that survives the 5s duplicate window is stored before it is
// interpreted. Control notifications go to the correlator instead. Commands
// seen while the session is still settling are discarded, not queued.
package pipeline
