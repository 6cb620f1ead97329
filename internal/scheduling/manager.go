// Package scheduling keeps the registry in step with stored report
// definitions and runs the executor when their triggers fire.
package scheduling

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"reportbot/internal/recurrence"
	"reportbot/internal/registry"
	"reportbot/internal/report"
	"reportbot/internal/storage"
	logx "reportbot/pkg/logx"
)

type DefinitionStore interface {
	FindDefinition(ctx context.Context, id string) (report.Definition, error)
	FindEnabledDefinitions(ctx context.Context) ([]report.Definition, error)
}

type Executor interface {
	Execute(ctx context.Context, def report.Definition) (*report.History, error)
	SendTo(ctx context.Context, def report.Definition, dest string) (string, error)
}

type Config struct {
	// DefaultTimezone applies to recurrences without one.
	DefaultTimezone string
}

type Manager struct {
	mu  sync.RWMutex
	cfg Config

	reg   *registry.Registry
	store DefinitionStore
	exec  Executor
	log   logx.Logger
}

func New(cfg Config, reg *registry.Registry, store DefinitionStore, exec Executor, log logx.Logger) *Manager {
	return &Manager{
		cfg:   cfg,
		reg:   reg,
		store: store,
		exec:  exec,
		log:   log.With(logx.String("comp", "scheduling")),
	}
}

func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

func (m *Manager) defaultTZ() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.DefaultTimezone
}

// Compile turns def's recurrence into a trigger using the configured
// default timezone.
func (m *Manager) Compile(def report.Definition) (recurrence.TriggerSpec, error) {
	return recurrence.Compile(def.Recurrence, m.defaultTZ())
}

// Schedule installs (or replaces) the trigger for def. A definition that is
// not ENABLED loses any trigger it had. An invalid recurrence is rejected
// before the registry is touched.
func (m *Manager) Schedule(_ context.Context, def report.Definition) (*registry.Handle, error) {
	if !def.Schedulable() {
		if m.reg.Has(def.ID) {
			m.reg.Unregister(def.ID)
		}
		m.log.Debug("definition not enabled, not scheduled", logx.String("report", def.ID), logx.String("status", string(def.Status)))
		return nil, nil
	}
	if err := def.Recurrence.ValidateWindow(); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "report %s", def.ID), recurrence.ErrInvalidRecurrence)
	}
	spec, err := m.Compile(def)
	if err != nil {
		return nil, errors.Wrapf(err, "report %s", def.ID)
	}
	return m.reg.Register(def.ID, spec, m.fireFunc(def.ID))
}

// Unschedule drops the trigger for id. Missing ids are not an error.
func (m *Manager) Unschedule(id string) bool {
	return m.reg.Unregister(id)
}

// RestoreAll schedules every enabled definition. Definitions that fail to
// compile are logged and skipped. It returns how many triggers are live.
func (m *Manager) RestoreAll(ctx context.Context) (int, error) {
	if !m.reg.Enabled() {
		m.log.Info("scheduling disabled, nothing restored")
		return 0, nil
	}
	defs, err := m.store.FindEnabledDefinitions(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "restore: list enabled definitions")
	}
	installed := 0
	for _, def := range defs {
		h, err := m.Schedule(ctx, def)
		if err != nil {
			m.log.Error("restore: schedule failed", logx.String("report", def.ID), logx.Err(err))
			continue
		}
		if h != nil {
			installed++
		}
	}
	m.log.Info("definitions restored", logx.Int("enabled", len(defs)), logx.Int("installed", installed))
	return installed, nil
}

// SetEnabled flips the global scheduling flag. Turning it off cancels every
// live trigger; turning it on restores all enabled definitions.
func (m *Manager) SetEnabled(ctx context.Context, on bool) error {
	was := m.reg.Enabled()
	m.reg.SetEnabled(on)
	if on && !was {
		_, err := m.RestoreAll(ctx)
		return err
	}
	return nil
}

func (m *Manager) Next(id string) (time.Time, bool) {
	return m.reg.NextInvocation(id)
}

func (m *Manager) CancelNext(id string) bool {
	return m.reg.CancelNextFire(id)
}

// SendNow runs a report immediately. With no destination it runs the full
// job (history included) through the registry; with one it sends a preview
// there and records nothing.
func (m *Manager) SendNow(ctx context.Context, id, dest string) error {
	if strings.TrimSpace(dest) == "" {
		return m.reg.InvokeNow(ctx, id)
	}
	def, err := m.store.FindDefinition(ctx, id)
	if err != nil {
		return err
	}
	token, err := m.exec.SendTo(ctx, def, dest)
	if err != nil {
		return err
	}
	m.log.Info("report sent", logx.String("report", id), logx.String("dest", dest), logx.String("receipt", token))
	return nil
}

// RunOnce loads a definition and executes it synchronously, recording
// history, without going through the registry.
func (m *Manager) RunOnce(ctx context.Context, id string) (*report.History, error) {
	def, err := m.store.FindDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.exec.Execute(ctx, def)
}

// fireFunc re-reads the definition at fire time so edits made after
// registration are honored.
func (m *Manager) fireFunc(id string) registry.FireFunc {
	return func(ctx context.Context) error {
		def, err := m.store.FindDefinition(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			m.log.Warn("fired report no longer exists, unscheduling", logx.String("report", id))
			m.reg.Unregister(id)
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "load report %s", id)
		}
		if !def.Schedulable() {
			m.log.Warn("fired report is not enabled, unscheduling", logx.String("report", id), logx.String("status", string(def.Status)))
			m.reg.Unregister(id)
			return nil
		}
		_, err = m.exec.Execute(ctx, def)
		return err
	}
}
