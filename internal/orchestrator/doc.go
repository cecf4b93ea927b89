// Package orchestrator runs tenant sessions end to end.
//
// OpenSession dials the transport with the tenant's credential bundle and
// drives the lifecycle INIT, PAIRING or CONNECTING, OPEN_UNSETTLED, READY.
// Closes go through the connection state manager, which either schedules a
// reconnect (RECONNECTING) or ends the session in LOGGED_OUT or FATAL. A
// terminal session stays listed until it is closed or reopened.
//
// Every connection gets a run id; events from a connection that has been
// replaced are dropped. Commands are only dispatched once the settle window
// has passed and the account identity has been resolved or given up on.
package orchestrator
