package transport

import (
	"context"
	"errors"
	"strings"
)

// ErrRateLimited is returned (or wrapped) by a Conn when the remote side
// rejected a call for exceeding its rate limits.
var ErrRateLimited = errors.New("transport: rate-overlimit")

// ErrClosed is returned by calls on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// ConnState is the coarse connection state reported by the transport.
type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
	StateClose      ConnState = "close"
)

// DisconnectReason is the numeric close code attached to StateClose.
type DisconnectReason int

const (
	ReasonUnknown             DisconnectReason = 0
	ReasonLoggedOut           DisconnectReason = 401
	ReasonForbidden           DisconnectReason = 403
	ReasonConnectionLost      DisconnectReason = 408 // also timed out
	ReasonMultideviceMismatch DisconnectReason = 411
	ReasonConnectionClosed    DisconnectReason = 428
	ReasonConnectionReplaced  DisconnectReason = 440
	ReasonBadSession          DisconnectReason = 500
	ReasonUnavailable         DisconnectReason = 503
	ReasonRestartRequired     DisconnectReason = 515
)

// ConnectionUpdate is emitted whenever the connection state changes.
type ConnectionUpdate struct {
	State  ConnState
	Reason DisconnectReason
	Err    error
	// ReceivedPending is set once the transport delivered the offline backlog.
	ReceivedPending bool
}

// Identity is the remote account bound to a connection.
type Identity struct {
	ID   string // canonical address, e.g. "628123@s.whatsapp.net"
	Name string
}

// Number returns the user part of the canonical address.
func (i Identity) Number() string {
	id := i.ID
	if at := strings.IndexByte(id, '@'); at >= 0 {
		id = id[:at]
	}
	if colon := strings.IndexByte(id, ':'); colon >= 0 {
		id = id[:colon]
	}
	return id
}

// MessageKey addresses a message on the wire.
type MessageKey struct {
	RemoteJID   string
	ID          string
	FromMe      bool
	Participant string
}

// Sender returns the participant for group traffic, else the conversation.
func (k MessageKey) Sender() string {
	if k.Participant != "" {
		return k.Participant
	}
	return k.RemoteJID
}

// StatusBroadcast is the conversation id used for status updates.
const StatusBroadcast = "status@broadcast"

// Media describes an attached media payload.
type Media struct {
	Type     string `json:"type"` // image, video, audio, document
	MimeType string `json:"mimetype,omitempty"`
	URL      string `json:"url,omitempty"`
	Caption  string `json:"caption,omitempty"`
	ViewOnce bool   `json:"view_once,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ProtocolType enumerates control message kinds.
type ProtocolType int

const (
	ProtocolRevoke            ProtocolType = 0
	ProtocolEphemeralSetting  ProtocolType = 3
	ProtocolHistorySync       ProtocolType = 5
	ProtocolPeerDataResponse  ProtocolType = 16
	ProtocolPlaceholderSignal ProtocolType = 17
)

// PeerDataResult is one entry of a payload-resend response.
type PeerDataResult struct {
	// WebMessageInfoBytes is the base64 encoded WebMessageInfo.
	WebMessageInfoBytes string
}

// ProtocolMessage is a control notification about another message.
type ProtocolMessage struct {
	Type    ProtocolType
	Key     *MessageKey
	Results []PeerDataResult
}

// Content is the decoded body of a message. At most one of the payload
// fields is set; Ephemeral wraps another Content.
type Content struct {
	Conversation string
	ExtendedText string
	Media        *Media
	Ephemeral    *Content
	Protocol     *ProtocolMessage
}

// Unwrap strips ephemeral wrappers.
func (c *Content) Unwrap() *Content {
	for c != nil && c.Ephemeral != nil {
		c = c.Ephemeral
	}
	return c
}

// Text returns the textual body, if any.
func (c *Content) Text() string {
	c = c.Unwrap()
	if c == nil {
		return ""
	}
	switch {
	case c.Conversation != "":
		return c.Conversation
	case c.ExtendedText != "":
		return c.ExtendedText
	case c.Media != nil:
		return c.Media.Caption
	}
	return ""
}

// Message is one inbound or outbound message notification.
type Message struct {
	Key       MessageKey
	Timestamp int64 // unix seconds
	PushName  string
	Content   *Content
}

// EventKind tags an Event.
type EventKind string

const (
	EventConnection   EventKind = "connection.update"
	EventMessages     EventKind = "messages.upsert"
	EventCredsUpdate  EventKind = "creds.update"
	EventGroupsUpdate EventKind = "groups.update"
)

// Event is a single item of the per-connection event stream.
type Event struct {
	Kind       EventKind
	Connection *ConnectionUpdate
	Messages   []*Message
	Groups     []*CollectionMetadata
}

// Participant is a member of a collection (group).
type Participant struct {
	ID    string `json:"id"`
	Admin string `json:"admin,omitempty"`
}

// CollectionMetadata is the slowly changing metadata of a group.
type CollectionMetadata struct {
	ID           string        `json:"id"`
	Subject      string        `json:"subject"`
	Desc         string        `json:"desc,omitempty"`
	Owner        string        `json:"owner,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
}

// Payload is an outbound message body.
type Payload struct {
	Text    string
	Media   *Media
	Mention []string
}

// CredentialStore gives the transport access to a tenant's credential bundle.
type CredentialStore interface {
	Load() []byte
	Save(data []byte) error
	Registered() bool
}

// ConnectOptions are passed to Transport.Connect.
type ConnectOptions struct {
	TenantID    string
	Credentials CredentialStore
}

// Conn is a live transport connection for one tenant.
type Conn interface {
	// Events delivers connection and message events in arrival order.
	// The channel is closed when the connection is closed.
	Events() <-chan Event
	Send(ctx context.Context, conversationID string, p Payload) (messageID string, err error)
	FetchCollection(ctx context.Context, id string) (*CollectionMetadata, error)
	FetchAllCollections(ctx context.Context) (map[string]*CollectionMetadata, error)
	RequestPairingChallenge(ctx context.Context, phone string) (string, error)
	// Identity returns the bound account, or nil while unknown.
	Identity() *Identity
	Close() error
}

// Transport opens connections.
type Transport interface {
	Connect(ctx context.Context, opts ConnectOptions) (Conn, error)
}

// IsRateLimited reports whether err signals a remote rate limit.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "rate-overlimit") || strings.Contains(msg, "429")
}
