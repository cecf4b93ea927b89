package storage

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures the durable backend.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "memory": private in-memory SQLite database (development, tests)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means 5s

	// RebuildThreshold is the row count above which the message table is
	// rebuilt before the next save. 0 means 3500.
	RebuildThreshold int
	// RebuildKeep is how many of the newest rows survive a rebuild.
	// Negative keeps none; 0 means 1000.
	RebuildKeep int
	// LoadLimit caps Load. 0 means 2000.
	LoadLimit int

	Writers WriterPolicy
}

// WriterPolicy caps how many sessions may hold a copy of the same message id.
// A session that already holds a copy may always update it.
type WriterPolicy struct {
	// SingleWriterPrefix selects writer sessions whose id starts with it;
	// those are capped at PrefixMax copies. Empty disables the rule.
	SingleWriterPrefix string
	PrefixMax          int // 0 means 1
	DefaultMax         int // 0 means 200
}

// DefaultWriterPolicy mirrors the historical behaviour.
func DefaultWriterPolicy() WriterPolicy {
	return WriterPolicy{SingleWriterPrefix: "3EB0", PrefixMax: 1, DefaultMax: 200}
}

// Cap returns how many copies of one message id may exist when session wants
// to add another.
func (p WriterPolicy) Cap(session string) int {
	if p.SingleWriterPrefix != "" && strings.HasPrefix(session, p.SingleWriterPrefix) {
		if p.PrefixMax <= 0 {
			return 1
		}
		return p.PrefixMax
	}
	if p.DefaultMax <= 0 {
		return 200
	}
	return p.DefaultMax
}

func (c Config) withDefaults() Config {
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.RebuildThreshold <= 0 {
		c.RebuildThreshold = 3500
	}
	if c.RebuildKeep == 0 {
		c.RebuildKeep = 1000
	}
	if c.RebuildKeep < 0 {
		c.RebuildKeep = 0
	}
	if c.LoadLimit <= 0 {
		c.LoadLimit = 2000
	}
	return c
}

// Media is the stored descriptor of an attached payload.
type Media struct {
	Type     string `json:"type"`
	MimeType string `json:"mimetype,omitempty"`
	URL      string `json:"url,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Record is one observed message.
//
// (ID, Session) is unique. Seq is the ordering column assigned by the
// backend; it changes on renumber.
type Record struct {
	ID           string
	Conversation string
	Sender       string
	Session      string
	UserID       string
	Timestamp    int64 // unix seconds
	Content      string
	Media        *Media
	ViewOnce     bool
	FromMe       bool
	Deleted      bool
	CreatedAt    time.Time
	Seq          int64
}

// MediaType returns the media type tag or "".
func (r Record) MediaType() string {
	if r.Media == nil {
		return ""
	}
	return r.Media.Type
}

// Key identifies a record.
type Key struct {
	ID      string
	Session string
}

// Key returns the record's identity.
func (r Record) Key() Key { return Key{ID: r.ID, Session: r.Session} }

// Tombstone records that a message was deleted.
type Tombstone struct {
	ID        string
	Session   string
	DeletedAt time.Time
}

// SenderQuery selects records of one sender within one session. Zero From/To
// leave that side unbounded. Results are newest first.
type SenderQuery struct {
	Session string
	Sender  string
	From    int64
	To      int64
	Limit   int
}

// ValidTimestamp rejects non-positive values and values more than a year in
// the future.
func ValidTimestamp(ts int64, now time.Time) bool {
	if ts <= 0 {
		return false
	}
	return ts <= now.Add(366*24*time.Hour).Unix()
}
