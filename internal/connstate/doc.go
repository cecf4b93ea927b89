// Package connstate classifies connection closes and schedules recovery.
//
// Each close code maps to one class. Bad credentials are wiped and restarted,
// transient failures and restart requests are restarted after a short delay,
// and a logout wipes the tenant and stops. Restarts are counted per tenant and
// capped; the counter resets whenever the connection reaches READY.
package connstate
