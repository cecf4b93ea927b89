package controlplane

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pewbridge/internal/orchestrator"
	"pewbridge/internal/storage"
	"pewbridge/internal/transport"
	logx "pewbridge/pkg/logx"
)

var commandOrder = []string{"pair", "status", "cancel", "disconnect", "sessions", "help"}

func (r *Router) builtins() []Command {
	return []Command{
		{Name: "pair", Usage: "/pair [phone]", Description: "link your account or reconnect", Handle: r.cmdPair},
		{Name: "status", Usage: "/status", Description: "show your session", Handle: r.cmdStatus},
		{Name: "cancel", Usage: "/cancel", Description: "stop your session, keep credentials", Handle: r.cmdCancel},
		{Name: "disconnect", Usage: "/disconnect", Description: "stop your session and remove credentials", Handle: r.cmdDisconnect},
		{Name: "sessions", Usage: "/sessions", Description: "list all sessions", Access: AccessOwnerOnly, Handle: r.cmdSessions},
		{Name: "help", Usage: "/help", Description: "show commands", Handle: r.cmdHelp},
		{Name: "start", Usage: "/start", Handle: r.cmdHelp},
	}
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, name := range commandOrder {
		c := r.cmds[name]
		if c.Access == AccessOwnerOnly && !r.isOwner(req.FromID) {
			continue
		}
		fmt.Fprintf(&b, "%s  %s\n", c.Usage, c.Description)
	}
	r.reply(ctx, req.Chat, strings.TrimRight(b.String(), "\n"))
	return nil
}

func (r *Router) cmdPair(ctx context.Context, req *Request) error {
	phone := strings.Join(req.Args, "")
	r.remember(req.Tenant, req.Chat)
	s, err := r.sessions.OpenSession(ctx, req.Tenant, phone, r.callbacks(req.Tenant))
	if err != nil {
		return err
	}
	switch st := s.State(); {
	case st == orchestrator.StatePairing && phone == "":
		r.reply(ctx, req.Chat, "No linked account. Send /pair <phone> to receive a pairing code.")
	case st == orchestrator.StatePairing:
		r.reply(ctx, req.Chat, "Requesting a pairing code...")
	case st == orchestrator.StateReady:
		r.reply(ctx, req.Chat, "Already connected.")
	default:
		r.reply(ctx, req.Chat, "Connecting ("+string(st)+")...")
	}
	return nil
}

func (r *Router) cmdStatus(ctx context.Context, req *Request) error {
	for _, snap := range r.sessions.Sessions() {
		if snap.Tenant == req.Tenant {
			r.reply(ctx, req.Chat, formatSnapshot(snap, time.Now()))
			return nil
		}
	}
	r.reply(ctx, req.Chat, "No session. Use /pair to start one.")
	return nil
}

func (r *Router) cmdCancel(ctx context.Context, req *Request) error {
	if err := r.sessions.CloseSession(ctx, req.Tenant, false); err != nil {
		return err
	}
	r.reply(ctx, req.Chat, "Session stopped. Credentials kept; /pair reconnects.")
	return nil
}

func (r *Router) cmdDisconnect(ctx context.Context, req *Request) error {
	if err := r.sessions.CloseSession(ctx, req.Tenant, true); err != nil {
		return err
	}
	r.reply(ctx, req.Chat, "Session stopped and credentials removed.")
	return nil
}

func (r *Router) cmdSessions(ctx context.Context, req *Request) error {
	snaps := r.sessions.Sessions()
	if len(snaps) == 0 {
		r.reply(ctx, req.Chat, "No sessions.")
		return nil
	}
	now := time.Now()
	lines := make([]string, 0, len(snaps))
	for _, s := range snaps {
		lines = append(lines, formatSnapshot(s, now))
	}
	r.reply(ctx, req.Chat, strings.Join(lines, "\n\n"))
	return nil
}

func formatSnapshot(s orchestrator.Snapshot, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "tenant %s: %s for %s", s.Tenant, s.State, now.Sub(s.Since).Truncate(time.Second))
	if s.Identity != nil {
		fmt.Fprintf(&b, "\naccount: %s", s.Identity.Number())
	}
	if s.Retries > 0 {
		fmt.Fprintf(&b, "\nretries: %d", s.Retries)
	}
	if s.Degraded {
		b.WriteString("\nrecovery mode")
	}
	return b.String()
}

// callbacks reports session events to the tenant's chat and executes the
// bridge's own commands.
func (r *Router) callbacks(tenant string) orchestrator.Callbacks {
	return orchestrator.Callbacks{
		OnPairingChallenge: func(code string) {
			r.notify(tenant, KindPairing, SeverityWarn, "Pairing code: "+code+"\nEnter it under Linked devices on your phone.")
		},
		OnConnectionUpdate: func(u orchestrator.Update) {
			switch u.State {
			case orchestrator.StateReady:
				msg := "Connected."
				if u.Identity != nil {
					msg = "Connected as " + u.Identity.Number() + "."
				}
				r.notify(tenant, KindConnection, SeverityNotice, msg)
			case orchestrator.StateReconnecting:
				r.notify(tenant, KindConnection, SeverityNotice, fmt.Sprintf("Connection lost (code %d), reconnecting, attempt %d.", int(u.Reason), u.Attempt))
			}
		},
		OnError: func(msg string) {
			r.notify(tenant, KindError, SeverityWarn, msg)
		},
		OnUserLoggedOut: func(string) {
			r.notify(tenant, KindConnection, SeverityAlert, "Logged out. Credentials were removed; use /pair to link again.")
		},
		OnMaxRetriesReached: func(count int) {
			r.notify(tenant, KindConnection, SeverityAlert, fmt.Sprintf("Gave up reconnecting after %d attempts. Use /pair to try again.", count))
		},
		OnDeletedMessage: func(rec storage.Record) {
			r.notify(tenant, KindDeleted, SeverityNotice, formatDeleted(rec))
		},
		OnCommand: func(cmd orchestrator.Command) {
			r.execute(tenant, cmd)
		},
	}
}

func formatDeleted(rec storage.Record) string {
	who := transport.Identity{ID: rec.Sender}.Number()
	body := rec.Content
	if body == "" && rec.Media != nil {
		body = "[" + rec.Media.Type + "]"
	}
	return fmt.Sprintf("Message deleted by %s in %s:\n%s", who, rec.Conversation, body)
}

// execute runs bridge commands received from the messaging side. Only ping
// is built in; anything else is logged.
func (r *Router) execute(tenant string, cmd orchestrator.Command) {
	log := r.log.With(logx.Tenant(tenant), logx.String("command", cmd.Name))
	switch cmd.Name {
	case "ping":
		s, ok := r.sessions.Session(tenant)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.Send(ctx, cmd.Conversation, transport.Payload{Text: "pong"}); err != nil {
			log.Warn("command reply failed", logx.Err(err))
		}
	default:
		log.Debug("command ignored")
	}
}

// Restore reopens sessions for tenants with stored credentials, routing their
// notifications to the tenant's private chat. It returns how many opened.
func (r *Router) Restore(ctx context.Context, tenants []string) int {
	n := 0
	for _, t := range tenants {
		if _, err := r.sessions.OpenSession(ctx, t, "", r.callbacks(t)); err != nil {
			r.log.Warn("session restore failed", logx.Tenant(t), logx.Err(err))
			continue
		}
		n++
	}
	if n > 0 {
		r.log.Info("sessions restored", logx.Int("count", n))
	}
	return n
}
