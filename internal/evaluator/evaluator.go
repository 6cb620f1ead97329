package evaluator

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"

	"reportbot/internal/report"
	logx "reportbot/pkg/logx"
	"reportbot/pkg/tgui"
)

const (
	DefaultTimeout     = 10 * time.Minute
	ReviewCheckTimeout = 60 * time.Minute
)

// Config controls generator invocation.
type Config struct {
	// Interpreter is a shell-quoted prefix such as "python3 -u". Empty runs
	// the script directly.
	Interpreter    string
	Dir            string
	Scripts        map[report.Type]string
	DefaultTimeout time.Duration
	Timeouts       map[report.Type]time.Duration
	// DefaultTimezone applies to recurrences without one when computing the
	// reporting window.
	DefaultTimezone string
}

// MentionFormatter renders mention targets as an HTML-safe line in the
// delivery platform's syntax.
type MentionFormatter interface {
	FormatMentions(ctx context.Context, ids []string) (string, error)
}

// PlainMentions renders ids as escaped "@id".
type PlainMentions struct{}

func (PlainMentions) FormatMentions(_ context.Context, ids []string) (string, error) {
	parts := make([]string, 0, len(ids))
	for _, id := range report.Dedup(ids) {
		if !strings.HasPrefix(id, "@") {
			id = "@" + id
		}
		parts = append(parts, id)
	}
	return tgui.Esc(strings.Join(parts, " ")).String(), nil
}

// Evaluator produces report content for one firing.
type Evaluator struct {
	mu     sync.RWMutex
	cfg    Config
	interp []string

	runner   Runner
	mentions MentionFormatter
	log      logx.Logger
}

func New(cfg Config, runner Runner, mentions MentionFormatter, log logx.Logger) (*Evaluator, error) {
	if mentions == nil {
		mentions = PlainMentions{}
	}
	e := &Evaluator{runner: runner, mentions: mentions, log: log.With(logx.String("comp", "evaluator"))}
	if err := e.Apply(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// Apply swaps the generator config at runtime.
func (e *Evaluator) Apply(cfg Config) error {
	interp, err := shellquote.Split(cfg.Interpreter)
	if err != nil {
		return errors.Wrapf(err, "generator interpreter %q", cfg.Interpreter)
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	e.mu.Lock()
	e.cfg = cfg
	e.interp = interp
	e.mu.Unlock()
	return nil
}

// TimeoutFor returns the hard deadline for a report type's generator.
func (e *Evaluator) TimeoutFor(t report.Type) time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if d, ok := e.cfg.Timeouts[t]; ok && d > 0 {
		return d
	}
	if t == report.TypePerforceReviewCheck {
		return ReviewCheckTimeout
	}
	return e.cfg.DefaultTimeout
}

// Command builds the generator invocation for def at now. Text reports have
// no command and return ok=false.
func (e *Evaluator) Command(def report.Definition, now time.Time) (Command, bool, error) {
	typ, err := report.ParseType(string(def.Type))
	if err != nil {
		return Command{}, false, errors.Mark(err, ErrEvaluation)
	}
	h, ok := handlers[typ]
	if !ok {
		return Command{}, false, errors.Mark(errors.Wrapf(ErrUnsupportedType, "no handler for %s", typ), ErrEvaluation)
	}
	if h.passThrough {
		return Command{}, false, nil
	}

	e.mu.RLock()
	cfg, interp := e.cfg, e.interp
	e.mu.RUnlock()

	args, err := h.args(def, EscapeTitle(def.Title), Period(def.Recurrence, cfg.DefaultTimezone, now))
	if err != nil {
		return Command{}, false, err
	}

	script := cfg.Scripts[typ]
	if script == "" {
		script = DefaultScripts[typ]
	}
	if script == "" {
		return Command{}, false, evalErr("no generator script for %s", typ)
	}
	if cfg.Dir != "" && !filepath.IsAbs(script) {
		script = filepath.Join(cfg.Dir, script)
	}

	var argv []string
	argv = append(argv, interp...)
	argv = append(argv, script)
	argv = append(argv, args...)
	return Command{Name: argv[0], Args: argv[1:], Dir: cfg.Dir}, true, nil
}

// Evaluate runs the report's generator under its type's timeout and returns
// the parsed content plus the rendered mention line.
func (e *Evaluator) Evaluate(ctx context.Context, def report.Definition) (Result, error) {
	res, err := e.content(ctx, def, time.Now())
	if err != nil {
		return Result{}, err
	}
	if len(def.MentionTargets) == 0 {
		return res, nil
	}
	line, err := e.mentions.FormatMentions(ctx, def.MentionTargets)
	if err != nil {
		e.log.Warn("format mentions failed, using plain ids", logx.String("report", def.ID), logx.Err(err))
		line, _ = PlainMentions{}.FormatMentions(ctx, def.MentionTargets)
	}
	res.Mentions = line
	return res, nil
}

func (e *Evaluator) content(ctx context.Context, def report.Definition, now time.Time) (Result, error) {
	cmd, run, err := e.Command(def, now)
	if err != nil {
		return Result{}, err
	}
	if !run {
		return Result{Messages: []string{def.Params.Text}}, nil
	}
	if e.runner == nil {
		return Result{}, evalErr("no generator runner configured")
	}

	timeout := e.TimeoutFor(def.Type)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.log.Info("evaluating report", logx.String("report", def.ID), logx.String("type", string(def.Type)), logx.Duration("timeout", timeout))
	stdout, err := e.runner.Run(runCtx, cmd)
	if err != nil {
		if errors.Is(err, ErrTimeout) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			if !errors.Is(err, ErrTimeout) {
				err = errors.Mark(err, ErrTimeout)
			}
			return Result{}, errors.Wrapf(err, "report %s", def.ID)
		}
		if !errors.Is(err, ErrEvaluation) {
			err = errors.Mark(err, ErrEvaluation)
		}
		return Result{}, errors.Wrapf(err, "report %s", def.ID)
	}
	if strings.TrimSpace(stdout) == "" {
		return Result{}, evalErr("report %s: generator produced no output", def.ID)
	}
	return ParseOutput(stdout), nil
}
