package telegram

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	cp "pewbridge/internal/controlplane"
	rtsup "pewbridge/internal/runtime/supervisor"
	logx "pewbridge/pkg/logx"
)

var ErrNoToken = errors.New("telegram: token is empty")

const (
	defaultPollTimeout = 10 * time.Second
	dropReportEvery    = 5 * time.Second
	stopGrace          = 2 * time.Second
	maxMenuEntries     = 100
	maxMenuDescription = 256
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter delivers operator chat messages from Telegram long polling and
// sends plain-text replies. It implements controlplane.Adapter and
// controlplane.MenuPublisher.
type Adapter struct {
	log logx.Logger
	bot *tele.Bot

	out     atomic.Pointer[chan<- cp.Update]
	dropped atomic.Uint64

	mu  sync.Mutex
	sup *rtsup.Supervisor

	menuMu sync.Mutex
	menu   []cp.MenuEntry
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, ErrNoToken
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{log: log.With(logx.String("comp", "telegram")), bot: bot}
	bot.Handle(tele.OnText, a.onText)
	return a, nil
}

// onText forwards private and group text messages. Channel posts and
// messages without a sender are ignored.
func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil || m.Chat == nil {
		return nil
	}
	a.forward(cp.Update{
		MessageID: m.ID,
		ChatID:    m.Chat.ID,
		ThreadID:  m.ThreadID,
		FromID:    m.Sender.ID,
		Username:  m.Sender.Username,
		Text:      m.Text,
	})
	return nil
}

func (a *Adapter) forward(up cp.Update) {
	out := a.out.Load()
	if out == nil {
		return
	}
	select {
	case *out <- up:
	default:
		a.dropped.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- cp.Update) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.out.Store(&out)
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	a.sup = sup

	sup.Go0("updates.drops", func(c context.Context) {
		t := time.NewTicker(dropReportEvery)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDrops(cap(out))
				return
			case <-t.C:
				a.reportDrops(cap(out))
			}
		}
	})
	sup.Go0("telebot.halt", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start returns only after bot.Stop; restart it if it returns early
	sup.GoRestart0("telebot.poll", func(context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDrops(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("operator updates dropped", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Stop halts polling. A long poll in flight is abandoned after a short grace.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup = nil
	a.out.Store(nil)
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()

	grace := stopGrace
	if dl, ok := ctx.Deadline(); ok {
		grace = min(grace, max(time.Until(dl), 0))
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		a.log.Warn("polling did not stop in time", logx.Err(err))
	}
	return nil
}

// SendText sends text in as many messages as the length limit requires and
// returns the first one.
func (a *Adapter) SendText(ctx context.Context, to cp.ChatTarget, text string) (cp.MessageRef, error) {
	chat := &tele.Chat{ID: to.ChatID}
	opts := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: to.ThreadID}
	var first cp.MessageRef
	for i, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, opts)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = cp.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// PublishMenu sets the bot command list. Repeating the last published list
// is a no-op.
func (a *Adapter) PublishMenu(ctx context.Context, entries []cp.MenuEntry) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if slices.Equal(a.menu, entries) {
		return nil
	}
	cmds := make([]tele.Command, 0, min(len(entries), maxMenuEntries))
	for _, e := range entries {
		if e.Command == "" || len(cmds) == maxMenuEntries {
			continue
		}
		desc := e.Description
		if desc == "" {
			desc = e.Command
		}
		if len(desc) > maxMenuDescription {
			desc = desc[:maxMenuDescription]
		}
		cmds = append(cmds, tele.Command{Text: e.Command, Description: desc})
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(cmds); err != nil {
		return err
	}
	a.menu = slices.Clone(entries)
	a.log.Info("command menu published", logx.Int("count", len(cmds)))
	return nil
}
