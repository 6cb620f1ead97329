// Package housekeeping runs the daily perforce branch and member refreshes.
package housekeeping

import (
	"context"
	"encoding/json"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"

	"reportbot/internal/evaluator"
	"reportbot/internal/eventbus"
	"reportbot/internal/recurrence"
	"reportbot/internal/registry"
	"reportbot/internal/report"
	logx "reportbot/pkg/logx"
)

// Reserved registry ids. Report ids never contain ':'.
const (
	BranchesJobID = "housekeeping:branches"
	MembersJobID  = "housekeeping:members"
)

const defaultTimeout = 10 * time.Minute

type Config struct {
	Enabled        bool
	BranchesCron   string
	MembersCron    string
	Timezone       string
	BranchesScript string
	MembersScript  string
	Interpreter    string
	Dir            string
	Timeout        time.Duration
}

type Store interface {
	ReplaceBranches(ctx context.Context, byProject map[string][]string) error
	FindDefinitionsByType(ctx context.Context, types ...report.Type) ([]report.Definition, error)
	SaveDefinition(ctx context.Context, def *report.Definition) error
}

type Service struct {
	cfg    Config
	reg    *registry.Registry
	store  Store
	runner evaluator.Runner
	log    logx.Logger
	bus    eventbus.Bus
}

func New(cfg Config, reg *registry.Registry, store Store, runner evaluator.Runner, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Service{
		cfg:    cfg,
		reg:    reg,
		store:  store,
		runner: runner,
		log:    log.With(logx.String("comp", "housekeeping")),
		bus:    bus,
	}
}

// Register installs both daily triggers. It is a no-op when housekeeping or
// scheduling is disabled.
func (s *Service) Register() error {
	if !s.cfg.Enabled {
		s.log.Info("housekeeping disabled")
		return nil
	}
	jobs := []struct {
		id   string
		cron string
		run  func(context.Context) error
	}{
		{BranchesJobID, s.cfg.BranchesCron, s.RefreshBranches},
		{MembersJobID, s.cfg.MembersCron, s.RefreshMembers},
	}
	for _, j := range jobs {
		spec, err := recurrence.Compile(report.Recurrence{
			Type:           report.RepeatCron,
			CronExpression: j.cron,
			Timezone:       s.cfg.Timezone,
		}, "")
		if err != nil {
			return errors.Wrapf(err, "housekeeping %s", j.id)
		}
		if _, err := s.reg.Register(j.id, spec, s.guard(j.id, j.run)); err != nil {
			return errors.Wrapf(err, "housekeeping %s", j.id)
		}
	}
	return nil
}

// guard logs failures and never returns them.
func (s *Service) guard(id string, fn func(context.Context) error) registry.FireFunc {
	return func(ctx context.Context) error {
		start := time.Now()
		err := fn(ctx)
		if err != nil {
			s.log.Error("housekeeping failed", logx.String("job", id), logx.Err(err))
		} else {
			s.log.Info("housekeeping done", logx.String("job", id), logx.Duration("took", time.Since(start)))
		}
		if s.bus != nil {
			detail := "ok"
			if err != nil {
				detail = err.Error()
			}
			s.bus.Publish(eventbus.Event{Type: eventbus.HousekeepingDone, Data: registry.Event{JobID: id, Detail: detail}})
		}
		return nil
	}
}

// RefreshBranches runs the branches script, which prints
// {"project": ["branch", ...]}, and replaces the branch cache.
func (s *Service) RefreshBranches(ctx context.Context) error {
	out, err := s.run(ctx, s.cfg.BranchesScript)
	if err != nil {
		return err
	}
	var byProject map[string][]string
	if err := json.Unmarshal([]byte(out), &byProject); err != nil {
		return errors.Wrap(err, "decode branches output")
	}
	for p, bs := range byProject {
		byProject[p] = report.Dedup(bs)
	}
	if err := s.store.ReplaceBranches(ctx, byProject); err != nil {
		return err
	}
	s.log.Info("branches refreshed", logx.Int("projects", len(byProject)))
	return nil
}

// RefreshMembers flattens the member filters of every perforce report into
// Params.Members. A report whose resolution fails keeps its previous list.
func (s *Service) RefreshMembers(ctx context.Context) error {
	defs, err := s.store.FindDefinitionsByType(ctx, report.TypePerforceCheckin, report.TypePerforceReviewCheck)
	if err != nil {
		return err
	}
	var errs []error
	updated := 0
	for i := range defs {
		def := &defs[i]
		if len(def.Params.MembersFilters) == 0 {
			continue
		}
		filters, err := json.Marshal(def.Params.MembersFilters)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "report %s", def.ID))
			continue
		}
		out, err := s.run(ctx, s.cfg.MembersScript, "--filters", string(filters))
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "report %s", def.ID))
			continue
		}
		var members []string
		if err := json.Unmarshal([]byte(out), &members); err != nil {
			errs = append(errs, errors.Wrapf(err, "report %s: decode members", def.ID))
			continue
		}
		members = report.Dedup(members)
		if slices.Equal(members, def.Params.Members) {
			continue
		}
		def.Params.Members = members
		if err := s.store.SaveDefinition(ctx, def); err != nil {
			errs = append(errs, errors.Wrapf(err, "report %s", def.ID))
			continue
		}
		updated++
	}
	s.log.Info("members refreshed", logx.Int("reports", len(defs)), logx.Int("updated", updated))
	return errors.Join(errs...)
}

func (s *Service) run(ctx context.Context, script string, args ...string) (string, error) {
	if strings.TrimSpace(script) == "" {
		return "", errors.New("no script configured")
	}
	if s.runner == nil {
		return "", errors.New("no runner configured")
	}
	argv, err := shellquote.Split(s.cfg.Interpreter)
	if err != nil {
		return "", errors.Wrap(err, "interpreter")
	}
	if s.cfg.Dir != "" && !filepath.IsAbs(script) {
		script = filepath.Join(s.cfg.Dir, script)
	}
	argv = append(argv, script)
	argv = append(argv, args...)

	rctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.runner.Run(rctx, evaluator.Command{Name: argv[0], Args: argv[1:], Dir: s.cfg.Dir})
}
