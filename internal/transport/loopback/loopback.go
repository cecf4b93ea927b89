// Package loopback is an in-memory transport. Connections never leave the
// process: tests and development runs drive them by injecting events.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"pewbridge/internal/transport"
)

// Sent records one outbound call.
type Sent struct {
	Conversation string
	Payload      transport.Payload
	ID           string
}

// Transport hands out loopback connections and keeps the most recent one per
// tenant so tests can reach it.
type Transport struct {
	mu      sync.Mutex
	conns   map[string]*Conn
	dials   map[string]int
	failOn  map[string]error
	groups  map[string]*transport.CollectionMetadata
	ident   map[string]*transport.Identity
	pairing string
	buffer  int
}

// New returns an empty loopback transport.
func New() *Transport {
	return &Transport{
		conns:   map[string]*Conn{},
		dials:   map[string]int{},
		failOn:  map[string]error{},
		groups:  map[string]*transport.CollectionMetadata{},
		ident:   map[string]*transport.Identity{},
		pairing: "ABCD1234",
		buffer:  64,
	}
}

// FailConnect makes subsequent Connect calls for tenant return err. A nil err
// clears the failure.
func (t *Transport) FailConnect(tenant string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.failOn, tenant)
		return
	}
	t.failOn[tenant] = err
}

// SetGroup installs collection metadata visible to every connection.
func (t *Transport) SetGroup(md *transport.CollectionMetadata) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if md == nil {
		return
	}
	cp := *md
	cp.Participants = append([]transport.Participant(nil), md.Participants...)
	t.groups[md.ID] = &cp
}

// RemoveGroup drops collection metadata.
func (t *Transport) RemoveGroup(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.groups, id)
}

// SetIdentity sets the identity new connections for tenant report.
func (t *Transport) SetIdentity(tenant string, id *transport.Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ident[tenant] = id
}

// SetPairingCode sets the raw challenge returned by RequestPairingChallenge.
func (t *Transport) SetPairingCode(code string) {
	t.mu.Lock()
	t.pairing = code
	t.mu.Unlock()
}

// Conn returns the most recent connection for tenant.
func (t *Transport) Conn(tenant string) *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[tenant]
}

// Dials returns how many times Connect was called for tenant.
func (t *Transport) Dials(tenant string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials[tenant]
}

// Connect implements transport.Transport.
func (t *Transport) Connect(ctx context.Context, opts transport.ConnectOptions) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.TenantID) == "" {
		return nil, errors.New("loopback: tenant id is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials[opts.TenantID]++
	if err := t.failOn[opts.TenantID]; err != nil {
		return nil, err
	}
	c := &Conn{
		owner:  t,
		tenant: opts.TenantID,
		creds:  opts.Credentials,
		events: make(chan transport.Event, t.buffer),
		closed: make(chan struct{}),
	}
	if id := t.ident[opts.TenantID]; id != nil {
		cp := *id
		c.identity.Store(&cp)
	}
	t.conns[opts.TenantID] = c
	return c, nil
}

// Conn is one loopback connection.
type Conn struct {
	owner  *Transport
	tenant string
	creds  transport.CredentialStore

	events chan transport.Event
	closed chan struct{}
	once   sync.Once
	mu     sync.Mutex // guards sends on events vs close

	identity atomic.Pointer[transport.Identity]

	sentMu  sync.Mutex
	sent    []Sent
	sendErr []error
}

// Tenant returns the tenant the connection was opened for.
func (c *Conn) Tenant() string { return c.tenant }

// Events implements transport.Conn.
func (c *Conn) Events() <-chan transport.Event { return c.events }

// Emit pushes ev into the event stream. It reports false once the connection
// is closed.
func (c *Conn) Emit(ev transport.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-c.closed:
		return false
	}
}

// EmitState is shorthand for a connection update event.
func (c *Conn) EmitState(state transport.ConnState, reason transport.DisconnectReason) bool {
	return c.Emit(transport.Event{
		Kind:       transport.EventConnection,
		Connection: &transport.ConnectionUpdate{State: state, Reason: reason},
	})
}

// EmitMessages is shorthand for a messages event.
func (c *Conn) EmitMessages(msgs ...*transport.Message) bool {
	return c.Emit(transport.Event{Kind: transport.EventMessages, Messages: msgs})
}

// SetIdentity changes the identity reported by this connection.
func (c *Conn) SetIdentity(id *transport.Identity) { c.identity.Store(id) }

// FailNextSend queues errors returned by subsequent Send calls, in order.
func (c *Conn) FailNextSend(errs ...error) {
	c.sentMu.Lock()
	c.sendErr = append(c.sendErr, errs...)
	c.sentMu.Unlock()
}

// Sent returns a copy of everything sent so far.
func (c *Conn) Sent() []Sent {
	c.sentMu.Lock()
	defer c.sentMu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Send implements transport.Conn.
func (c *Conn) Send(ctx context.Context, conversationID string, p transport.Payload) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.isClosed() {
		return "", transport.ErrClosed
	}
	c.sentMu.Lock()
	defer c.sentMu.Unlock()
	if len(c.sendErr) > 0 {
		err := c.sendErr[0]
		c.sendErr = c.sendErr[1:]
		if err != nil {
			return "", err
		}
	}
	id := "LB" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:18]
	c.sent = append(c.sent, Sent{Conversation: conversationID, Payload: p, ID: id})
	return id, nil
}

// FetchCollection implements transport.Conn.
func (c *Conn) FetchCollection(ctx context.Context, id string) (*transport.CollectionMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.isClosed() {
		return nil, transport.ErrClosed
	}
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	md, ok := c.owner.groups[id]
	if !ok {
		return nil, fmt.Errorf("loopback: item-not-found: %s", id)
	}
	cp := *md
	cp.Participants = append([]transport.Participant(nil), md.Participants...)
	return &cp, nil
}

// FetchAllCollections implements transport.Conn.
func (c *Conn) FetchAllCollections(ctx context.Context) (map[string]*transport.CollectionMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.isClosed() {
		return nil, transport.ErrClosed
	}
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	out := make(map[string]*transport.CollectionMetadata, len(c.owner.groups))
	for id, md := range c.owner.groups {
		cp := *md
		cp.Participants = append([]transport.Participant(nil), md.Participants...)
		out[id] = &cp
	}
	return out, nil
}

// RequestPairingChallenge implements transport.Conn.
func (c *Conn) RequestPairingChallenge(ctx context.Context, phone string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if phone == "" {
		return "", errors.New("loopback: phone is required")
	}
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	return c.owner.pairing, nil
}

// Identity implements transport.Conn.
func (c *Conn) Identity() *transport.Identity { return c.identity.Load() }

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.mu.Lock()
		close(c.events)
		c.mu.Unlock()
	})
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool { return c.isClosed() }

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// CompletePairing persists a registered credential bundle and emits
// a creds update, the way a real transport does once pairing succeeds.
func (c *Conn) CompletePairing() error {
	if c.creds == nil {
		return errors.New("loopback: no credential store")
	}
	if err := c.creds.Save([]byte(`{"registered":true,"tenant":"` + c.tenant + `"}`)); err != nil {
		return err
	}
	c.Emit(transport.Event{Kind: transport.EventCredsUpdate})
	return nil
}
