// Package transport holds platform-neutral delivery types.
package transport

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

var ErrInvalidDestination = errors.New("invalid destination")

// ChatTarget is a parsed delivery destination. Exactly one of ChatID or
// Username is set; ThreadID selects a forum topic inside ChatID.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
	Username string
}

// ParseDestination accepts "<chatID>", "<chatID>/<threadID>" and "@channel".
func ParseDestination(raw string) (ChatTarget, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ChatTarget{}, errors.Wrap(ErrInvalidDestination, "empty")
	}
	if strings.HasPrefix(s, "@") {
		name := s[1:]
		if name == "" || strings.ContainsAny(name, "/ \t@") {
			return ChatTarget{}, errors.Wrapf(ErrInvalidDestination, "%q", raw)
		}
		return ChatTarget{Username: name}, nil
	}

	chat, thread, hasThread := strings.Cut(s, "/")
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil || id == 0 {
		return ChatTarget{}, errors.Wrapf(ErrInvalidDestination, "%q: bad chat id", raw)
	}
	t := ChatTarget{ChatID: id}
	if hasThread {
		tid, err := strconv.Atoi(thread)
		if err != nil || tid <= 0 {
			return ChatTarget{}, errors.Wrapf(ErrInvalidDestination, "%q: bad thread id", raw)
		}
		t.ThreadID = tid
	}
	return t, nil
}

// Chat returns the chat part in Bot API form: the numeric id or "@name".
func (t ChatTarget) Chat() string {
	if t.Username != "" {
		return "@" + t.Username
	}
	return strconv.FormatInt(t.ChatID, 10)
}

func (t ChatTarget) String() string {
	if t.ThreadID > 0 {
		return t.Chat() + "/" + strconv.Itoa(t.ThreadID)
	}
	return t.Chat()
}

// MessageRef identifies one delivered message.
type MessageRef struct {
	Target    ChatTarget
	MessageID int
}

// Token is the delivery receipt stored in history: "<chat>:<messageID>".
func (r MessageRef) Token() string {
	return r.Target.Chat() + ":" + strconv.Itoa(r.MessageID)
}
