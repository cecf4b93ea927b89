// Package correlator resolves control notifications against stored records:
// deletion notices, payload-resend responses, and id-less placeholder signals
// matched by sender and timestamp proximity.
//
// Deletions and recovered commands are each acted on at most once.
package correlator
