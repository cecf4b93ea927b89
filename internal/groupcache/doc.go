// Package groupcache keeps per-tenant collection (group) metadata and a short
// lived membership cache. A cron schedule refreshes each tenant; refreshes
// inside the cooldown of a previous one are skipped, and only changes to the
// subject, member count or description are reported.
package groupcache
