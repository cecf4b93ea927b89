// Package controlplane is the operator side of the bridge.
//
// An Adapter delivers operator messages as Updates and sends replies. The
// Router maps slash commands to session operations, using the sender's user
// id as tenant id, and reports session callbacks back to the requesting chat
// through a Notifier.
package controlplane
