package eventbus

// Event types published by the session core.
const (
	SessionState       = "session.state"
	SessionReady       = "session.ready"
	SessionClosed      = "session.closed"
	SessionRestart     = "session.restart"
	SessionRestartFail = "session.restart_failed"
	SessionMaxRetries  = "session.max_retries"
	SessionLoggedOut   = "session.logged_out"
	StoreHealth        = "store.health"
	StoreMigrated      = "store.migrated"
	GroupChanged       = "group.changed"
	GroupRemoved       = "group.removed"
	MessageDeleted     = "message.deleted"
	CommandDispatched  = "command.dispatched"
	NotifierQueued     = "notifier.queued"
	NotifierDeduped    = "notifier.deduped"
	NotifierDropped    = "notifier.dropped"
	NotifierSent       = "notifier.sent"
	NotifierFailed     = "notifier.failed"
)
