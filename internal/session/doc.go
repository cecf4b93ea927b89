// Package session manages per-tenant credential bundles on disk.
//
// Layout: <dir>/<tenant>/creds.json. A tenant counts as existing when its
// directory holds at least one JSON file.
package session
