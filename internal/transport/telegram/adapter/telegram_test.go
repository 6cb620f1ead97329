package adapter

import (
	"context"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	"reportbot/internal/transport"
	logx "reportbot/pkg/logx"
)

type sent struct {
	to   string
	text string
	opt  *tele.SendOptions
}

type fakeBot struct {
	sent  []sent
	roles map[string]tele.MemberStatus
	err   error
}

func (f *fakeBot) Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	s := sent{to: to.Recipient(), text: what.(string)}
	if len(opts) > 0 {
		s.opt, _ = opts[0].(*tele.SendOptions)
	}
	f.sent = append(f.sent, s)
	return &tele.Message{ID: 100 + len(f.sent)}, nil
}

func (f *fakeBot) ChatMemberOf(chat, _ tele.Recipient) (*tele.ChatMember, error) {
	role, ok := f.roles[chat.Recipient()]
	if !ok {
		return nil, errors.New("chat not found")
	}
	return &tele.ChatMember{Role: role}, nil
}

func newTestAdapter(bot *fakeBot) *Adapter {
	a := &Adapter{log: logx.Nop(), bot: bot, me: &tele.User{ID: 1}}
	a.Apply(Config{RatePerSec: 1000})
	return a
}

func TestPostMessageReturnsToken(t *testing.T) {
	t.Parallel()

	bot := &fakeBot{}
	a := newTestAdapter(bot)

	token, err := a.PostMessage(context.Background(), "-100123/7", "<b>hi</b>")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if token != "-100123:101" {
		t.Fatalf("token=%q", token)
	}
	if len(bot.sent) != 1 || bot.sent[0].to != "-100123" {
		t.Fatalf("sent=%+v", bot.sent)
	}
	opt := bot.sent[0].opt
	if opt == nil || opt.ThreadID != 7 || opt.ParseMode != tele.ModeHTML {
		t.Fatalf("options=%+v", opt)
	}
}

func TestPostMessageChannelUsername(t *testing.T) {
	t.Parallel()

	bot := &fakeBot{}
	a := newTestAdapter(bot)

	token, err := a.PostMessage(context.Background(), "@release_news", "x")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if token != "@release_news:101" || bot.sent[0].to != "@release_news" {
		t.Fatalf("token=%q sent=%+v", token, bot.sent)
	}
}

func TestPostMessageErrors(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(&fakeBot{err: errors.New("forbidden: bot was kicked")})
	if _, err := a.PostMessage(context.Background(), "42", "x"); err == nil || !strings.Contains(err.Error(), "kicked") {
		t.Fatalf("err=%v", err)
	}
	if _, err := a.PostMessage(context.Background(), "not-a-chat", "x"); !errors.Is(err, transport.ErrInvalidDestination) {
		t.Fatalf("err=%v", err)
	}
}

func TestIsBotMember(t *testing.T) {
	t.Parallel()

	bot := &fakeBot{roles: map[string]tele.MemberStatus{
		"-1": tele.Administrator,
		"-2": tele.Member,
		"-3": tele.Left,
		"-4": tele.Kicked,
	}}
	a := newTestAdapter(bot)

	cases := map[string]bool{"-1": true, "-2": true, "-3": false, "-4": false}
	for dest, want := range cases {
		got, err := a.IsBotMember(context.Background(), dest)
		if err != nil {
			t.Fatalf("%s: %v", dest, err)
		}
		if got != want {
			t.Fatalf("%s: got %v want %v", dest, got, want)
		}
	}
	if _, err := a.IsBotMember(context.Background(), "-9"); err == nil {
		t.Fatalf("unknown chat should error")
	}
}

func TestOfflineModeLogsOnly(t *testing.T) {
	t.Parallel()

	a, err := New(Config{Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t1, err := a.PostMessage(context.Background(), "42", "x")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t2, _ := a.PostMessage(context.Background(), "42", "y")
	if t1 != "42:1" || t2 != "42:2" {
		t.Fatalf("tokens %q %q", t1, t2)
	}
	ok, err := a.IsBotMember(context.Background(), "42")
	if err != nil || !ok {
		t.Fatalf("offline membership ok=%v err=%v", ok, err)
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatalf("expected error for empty token")
	}
}

func TestFormatMentions(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(&fakeBot{})
	got, err := a.FormatMentions(context.Background(), []string{"alice", "@bob", "12345", "alice"})
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	want := `@alice @bob <a href="tg://user?id=12345">12345</a>`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
