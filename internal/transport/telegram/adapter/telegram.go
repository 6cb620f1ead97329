// Package adapter delivers reports through the Telegram Bot API.
package adapter

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"reportbot/internal/report"
	"reportbot/internal/transport"
	logx "reportbot/pkg/logx"
	"reportbot/pkg/tgui"
)

const defaultRatePerSec = 20

type Config struct {
	Token       string
	PollTimeout time.Duration
	RatePerSec  int
	// Offline logs deliveries instead of calling the Bot API.
	Offline bool
}

// botAPI is the subset of *tele.Bot the adapter calls.
type botAPI interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
	ChatMemberOf(chat, user tele.Recipient) (*tele.ChatMember, error)
}

type Adapter struct {
	log logx.Logger
	bot botAPI
	me  *tele.User

	mu      sync.Mutex
	limiter *rate.Limiter
	offline bool

	offlineSeq atomic.Int64
}

// chatRef addresses a chat by its Bot API chat_id ("-100…" or "@name").
type chatRef string

func (c chatRef) Recipient() string { return string(c) }

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{log: log.With(logx.String("comp", "telegram"))}
	a.Apply(cfg)
	if cfg.Offline {
		a.log.Warn("telegram offline mode: deliveries are logged only")
		return a, nil
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, errors.Wrap(err, "telegram bot")
	}
	a.bot = b
	a.me = b.Me
	return a, nil
}

// Apply updates the send rate. Token changes need a restart.
func (a *Adapter) Apply(cfg Config) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = defaultRatePerSec
	}
	a.mu.Lock()
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	a.offline = cfg.Offline
	a.mu.Unlock()
}

func (a *Adapter) snapshot() (*rate.Limiter, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.limiter, a.offline || a.bot == nil
}

// PostMessage sends one HTML message to dest and returns its receipt token.
func (a *Adapter) PostMessage(ctx context.Context, dest, text string) (string, error) {
	to, err := transport.ParseDestination(dest)
	if err != nil {
		return "", err
	}
	lim, offline := a.snapshot()
	if err := lim.Wait(ctx); err != nil {
		return "", errors.Wrap(err, "rate limit")
	}
	if offline {
		ref := transport.MessageRef{Target: to, MessageID: int(a.offlineSeq.Add(1))}
		a.log.Info("offline delivery", logx.String("dest", to.String()), logx.Int("len", len(text)))
		return ref.Token(), nil
	}

	msg, err := a.bot.Send(chatRef(to.Chat()), text, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              to.ThreadID,
	})
	if err != nil {
		return "", errors.Wrapf(err, "send to %s", to)
	}
	return transport.MessageRef{Target: to, MessageID: msg.ID}.Token(), nil
}

// IsBotMember reports whether the bot is currently in the destination chat.
func (a *Adapter) IsBotMember(ctx context.Context, dest string) (bool, error) {
	to, err := transport.ParseDestination(dest)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, offline := a.snapshot(); offline {
		return true, nil
	}
	if a.me == nil {
		return false, errors.New("bot identity unknown")
	}
	m, err := a.bot.ChatMemberOf(chatRef(to.Chat()), a.me)
	if err != nil {
		return false, errors.Wrapf(err, "membership in %s", to.Chat())
	}
	switch m.Role {
	case tele.Left, tele.Kicked:
		return false, nil
	}
	return true, nil
}

// FormatMentions renders mention targets: "@user" stays as is, numeric ids
// become tg://user links.
func (a *Adapter) FormatMentions(_ context.Context, ids []string) (string, error) {
	parts := make([]string, 0, len(ids))
	for _, id := range report.Dedup(ids) {
		if uid, err := strconv.ParseInt(id, 10, 64); err == nil && uid > 0 {
			parts = append(parts, tgui.Mention(id, uid).String())
			continue
		}
		if !strings.HasPrefix(id, "@") {
			id = "@" + id
		}
		parts = append(parts, tgui.Esc(id).String())
	}
	return strings.Join(parts, " "), nil
}
