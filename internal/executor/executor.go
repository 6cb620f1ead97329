// Package executor runs one firing of a report: evaluate, deliver, record.
package executor

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"reportbot/internal/evaluator"
	"reportbot/internal/eventbus"
	"reportbot/internal/recurrence"
	"reportbot/internal/report"
	logx "reportbot/pkg/logx"
	"reportbot/pkg/tgui"
)

// ErrAllDeliveriesFailed finalizes a history whose every destination failed.
var ErrAllDeliveriesFailed = errors.New("all deliveries failed")

const (
	alertTimeout    = 30 * time.Second
	alertErrorRunes = 1500
)

// Deliverer posts one HTML message to one destination and returns its
// delivery token. Callers escape plain text before handing it over.
type Deliverer interface {
	PostMessage(ctx context.Context, dest, text string) (string, error)
}

// MembershipVerifier answers whether the bot can post into a managed destination.
type MembershipVerifier interface {
	IsBotMember(ctx context.Context, dest string) (bool, error)
}

type HistoryStore interface {
	InsertHistory(ctx context.Context, h *report.History) error
	UpdateHistory(ctx context.Context, h *report.History) error
}

type ContentEvaluator interface {
	Evaluate(ctx context.Context, def report.Definition) (evaluator.Result, error)
}

type Config struct {
	// MonitorDestination receives failure alerts. Empty disables alerts.
	MonitorDestination string
	// MaxMessageLen bounds one delivered segment, in runes.
	MaxMessageLen   int
	DefaultTimezone string
}

type Executor struct {
	mu  sync.RWMutex
	cfg Config

	eval     ContentEvaluator
	deliver  Deliverer
	verifier MembershipVerifier
	store    HistoryStore
	log      logx.Logger
	bus      eventbus.Bus

	now func() time.Time
}

func New(cfg Config, eval ContentEvaluator, deliver Deliverer, verifier MembershipVerifier, store HistoryStore, log logx.Logger, bus eventbus.Bus) *Executor {
	x := &Executor{
		eval:     eval,
		deliver:  deliver,
		verifier: verifier,
		store:    store,
		log:      log.With(logx.String("comp", "executor")),
		bus:      bus,
		now:      time.Now,
	}
	x.Apply(cfg)
	return x
}

// Apply swaps the runtime config (monitor destination, limits).
func (x *Executor) Apply(cfg Config) {
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = tgui.MaxMessageLen
	}
	x.mu.Lock()
	x.cfg = cfg
	x.mu.Unlock()
}

func (x *Executor) config() Config {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.cfg
}

// Execute runs def once and returns its finalized history. The history is
// always written as PENDING before evaluation starts. A non-nil error means
// the run did not succeed; the returned history still carries the outcome.
func (x *Executor) Execute(ctx context.Context, def report.Definition) (h *report.History, err error) {
	log := x.log.With(logx.String("report", def.ID), logx.String("type", string(def.Type)))

	dests := x.resolveDestinations(ctx, def, log)
	mentions := report.Dedup(def.MentionTargets)

	pending := report.NewPendingHistory(def, dests, mentions, x.now())
	if err := x.store.InsertHistory(ctx, pending); err != nil {
		// Without a PENDING record there is nothing to finalize.
		err = errors.Wrapf(err, "report %s: insert pending history", def.ID)
		x.alert(def, err)
		return nil, err
	}
	h = pending
	x.publish(eventbus.HistoryPending, h)

	defer func() {
		if r := recover(); r != nil {
			h, err = x.fail(ctx, def, pending, report.HistoryFailed, errors.Newf("report %s: panic: %v", def.ID, r), log)
		}
	}()

	def.MentionTargets = mentions

	res, err := x.eval.Evaluate(ctx, def)
	if err != nil {
		status := report.HistoryFailed
		if errors.Is(err, evaluator.ErrTimeout) {
			status = report.HistoryTimeout
		}
		return x.fail(ctx, def, h, status, err, log)
	}

	if res.IsEmpty && def.SkipEmptyReport {
		content := ""
		if len(res.Messages) > 0 {
			content = res.Messages[0]
		}
		x.finalize(ctx, h, report.HistorySucceeded, content, nil, log)
		log.Info("empty report skipped")
		return h, nil
	}
	if len(res.Messages) == 0 {
		return x.fail(ctx, def, h, report.HistoryFailed, errors.Mark(errors.Newf("report %s: no messages to deliver", def.ID), evaluator.ErrEvaluation), log)
	}

	receipts := x.fanOut(ctx, dests, x.render(res), log)
	if len(receipts) == 0 {
		return x.fail(ctx, def, h, report.HistoryFailed, errors.Wrapf(ErrAllDeliveriesFailed, "report %s: %d destinations", def.ID, len(dests)), log)
	}
	x.finalize(ctx, h, report.HistorySucceeded, res.Messages[0], receipts, log)
	log.Info("report delivered", logx.Int("delivered", len(receipts)), logx.Int("destinations", len(dests)))
	return h, nil
}

// SendTo evaluates def and delivers it to dest only, without recording history.
func (x *Executor) SendTo(ctx context.Context, def report.Definition, dest string) (string, error) {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return "", errors.New("empty destination")
	}
	def.MentionTargets = report.Dedup(def.MentionTargets)
	res, err := x.eval.Evaluate(ctx, def)
	if err != nil {
		return "", err
	}
	if len(res.Messages) == 0 {
		return "", errors.Mark(errors.Newf("report %s: no messages to deliver", def.ID), evaluator.ErrEvaluation)
	}
	return x.deliverAll(ctx, dest, x.render(res))
}

func (x *Executor) resolveDestinations(ctx context.Context, def report.Definition, log logx.Logger) []string {
	all := report.Dedup(def.Destinations, def.AdminDestinations)
	if len(def.AdminDestinations) == 0 || x.verifier == nil {
		return all
	}
	out := all[:0:0]
	for _, d := range all {
		if !def.IsAdminDestination(d) {
			out = append(out, d)
			continue
		}
		ok, err := x.verifier.IsBotMember(ctx, d)
		switch {
		case err != nil:
			log.Warn("destination membership check failed, dropping", logx.String("dest", d), logx.Err(err))
		case !ok:
			log.Warn("bot is not a member of destination, dropping", logx.String("dest", d))
		default:
			out = append(out, d)
		}
	}
	return out
}

// fanOut delivers every message to every destination concurrently. A failing
// destination is logged and left out of the receipts.
func (x *Executor) fanOut(ctx context.Context, dests, segments []string, log logx.Logger) map[string]string {
	var (
		mu       sync.Mutex
		receipts = make(map[string]string, len(dests))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range dests {
		g.Go(func() error {
			token, err := x.deliverAll(gctx, d, segments)
			if err != nil {
				log.Warn("delivery failed", logx.String("dest", d), logx.Err(err))
				return nil
			}
			mu.Lock()
			receipts[d] = token
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return receipts
}

// render turns plain report messages into escaped segments that fit the
// platform limit. The mention line rides on the last segment when it fits.
func (x *Executor) render(res evaluator.Result) []string {
	limit := x.config().MaxMessageLen
	var segs []string
	for _, m := range res.Messages {
		for _, seg := range tgui.Split(m, limit) {
			if strings.TrimSpace(seg.String()) == "" {
				continue
			}
			segs = append(segs, seg.String())
		}
	}
	if res.Mentions == "" {
		return segs
	}
	if n := len(segs); n > 0 && utf8.RuneCountInString(segs[n-1])+1+utf8.RuneCountInString(res.Mentions) <= limit {
		segs[n-1] += "\n" + res.Mentions
		return segs
	}
	return append(segs, res.Mentions)
}

// deliverAll posts segments to dest in order. The first token is the
// destination's receipt; any failure stops this destination.
func (x *Executor) deliverAll(ctx context.Context, dest string, segments []string) (string, error) {
	var first string
	for i, seg := range segments {
		token, err := x.deliver.PostMessage(ctx, dest, seg)
		if err != nil {
			return "", errors.Wrapf(err, "segment %d", i)
		}
		if first == "" {
			first = token
		}
	}
	if first == "" {
		return "", errors.New("nothing delivered")
	}
	return first, nil
}

func (x *Executor) fail(ctx context.Context, def report.Definition, h *report.History, status report.HistoryStatus, cause error, log logx.Logger) (*report.History, error) {
	x.finalize(ctx, h, status, cause.Error(), nil, log)
	log.Error("report failed", logx.String("status", string(status)), logx.Err(cause))
	x.alert(def, cause)
	return h, cause
}

func (x *Executor) finalize(ctx context.Context, h *report.History, status report.HistoryStatus, content string, receipts map[string]string, log logx.Logger) {
	if !h.Finalize(status, content, receipts, x.now()) {
		return
	}
	// The run's context may already be cancelled; the terminal write must land.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
	defer cancel()
	if err := x.store.UpdateHistory(wctx, h); err != nil {
		log.Error("finalize history failed", logx.String("history", h.ID), logx.Err(err))
		return
	}
	x.publish(eventbus.HistoryFinalized, h)
}

// alert posts a failure notice to the monitor destination. Failures are only logged.
func (x *Executor) alert(def report.Definition, cause error) {
	cfg := x.config()
	if cfg.MonitorDestination == "" || x.deliver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()

	text := AlertText(def, x.now(), cause, cfg.DefaultTimezone)
	if _, err := x.deliver.PostMessage(ctx, cfg.MonitorDestination, text); err != nil {
		x.log.Warn("alert delivery failed", logx.String("report", def.ID), logx.String("dest", cfg.MonitorDestination), logx.Err(err))
	}
}

// AlertText renders the monitor alert for a failed run.
func AlertText(def report.Definition, at time.Time, cause error, defaultTZ string) string {
	tz := def.Recurrence.Timezone
	if tz == "" {
		tz = defaultTZ
	}
	if tz == "" {
		tz = recurrence.DefaultTimezone
	}
	if loc, err := time.LoadLocation(tz); err == nil {
		at = at.In(loc)
	}
	return tgui.Lines(
		tgui.B("Report failed"),
		tgui.Field("Title", def.Title),
		tgui.Field("Report", def.ID),
		tgui.Field("Sent", at.Format(time.RFC3339)),
		tgui.Field("Error", tgui.Trunc(cause.Error(), alertErrorRunes)),
	).String()
}

func (x *Executor) publish(typ string, h *report.History) {
	if x.bus == nil {
		return
	}
	cp := *h
	x.bus.Publish(eventbus.Event{Type: typ, Data: cp})
}
