package controlplane

import "context"

// Update is one operator chat message.
type Update struct {
	MessageID int
	ChatID    int64
	ThreadID  int
	FromID    int64
	Username  string
	Text      string
}

// Chat returns the reply target for u.
func (u Update) Chat() ChatTarget { return ChatTarget{ChatID: u.ChatID, ThreadID: u.ThreadID} }

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Severity orders operator notifications. Higher values carry a marker.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityNotice
	SeverityWarn
	SeverityAlert
)

// Notice kinds group notifications for dedup and metrics.
const (
	KindPairing    = "pairing"
	KindConnection = "connection"
	KindError      = "error"
	KindDeleted    = "deleted"
)

// Notification is a session event addressed to the tenant's operator chat.
type Notification struct {
	Tenant   string
	Kind     string
	Severity Severity
	Target   ChatTarget
	Text     string
}

// Adapter is the operator chat platform. Texts are plain, without markup.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	SendText(ctx context.Context, to ChatTarget, text string) (MessageRef, error)
}

// MenuEntry is one command in the platform's command menu.
type MenuEntry struct {
	Command     string
	Description string
}

// MenuPublisher is implemented by adapters that show a command menu.
type MenuPublisher interface {
	PublishMenu(ctx context.Context, entries []MenuEntry) error
}
