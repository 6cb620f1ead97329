package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"reportbot/internal/eventbus"
	"reportbot/internal/recurrence"
	"reportbot/internal/task/engine"
	logx "reportbot/pkg/logx"
)

// ErrNotFound is returned by operations on ids with no live handle.
var ErrNotFound = errors.New("no live trigger for job")

// FireFunc is the job body run when a trigger fires or is invoked manually.
type FireFunc func(ctx context.Context) error

// Config controls the registry.
type Config struct {
	// Enabled gates every trigger installation. When false, Register is a
	// no-op and Apply cancels all live handles.
	Enabled bool
	// Overlap decides what happens when a job fires while its previous run
	// is still executing.
	Overlap engine.OverlapPolicy
	// DispatchTimeout bounds how long a fire waits for queue space before it
	// is dropped. Zero means defaultDispatchTimeout.
	DispatchTimeout time.Duration
}

const defaultDispatchTimeout = 10 * time.Minute

// Handle is one live trigger.
type Handle struct {
	id      string
	spec    recurrence.TriggerSpec
	sched   cron.Schedule
	onFire  FireFunc
	entryID cron.EntryID
	state   *engine.RunState

	live  atomic.Bool
	skips atomic.Int32

	registeredAt time.Time
	lastFire     atomic.Int64
}

func (h *Handle) ID() string                   { return h.id }
func (h *Handle) Spec() recurrence.TriggerSpec { return h.spec }

// Live reports whether the handle has not been cancelled or replaced.
func (h *Handle) Live() bool { return h.live.Load() }

// next returns the next fire after now, stepping over pending skips.
func (h *Handle) next(now time.Time) time.Time {
	n := h.sched.Next(now)
	for i := int32(0); i < h.skips.Load() && !n.IsZero(); i++ {
		n = h.sched.Next(n)
	}
	return n
}

// Registry maps job ids to live triggers. At most one handle exists per id;
// every mutation goes through Register/Unregister under one lock.
type Registry struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	engine  *engine.Service
	c       *cron.Cron
	handles map[string]*Handle
	running bool

	now func() time.Time
}

func New(cfg Config, eng *engine.Service, log logx.Logger, bus eventbus.Bus) *Registry {
	log = log.With(logx.String("comp", "registry"))
	return &Registry{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		engine:  eng,
		c:       cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(cronLogger{log: log}))),
		handles: map[string]*Handle{},
		now:     time.Now,
	}
}

func (r *Registry) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.Enabled
}

func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.c.Start()
	r.running = true
	r.log.Info("registry started", logx.Bool("enabled", r.cfg.Enabled), logx.Int("handles", len(r.handles)))
}

// Stop halts the cron loop and waits for in-progress cron callbacks, bounded
// by ctx. Handles stay registered.
func (r *Registry) Stop(ctx context.Context) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	done := r.c.Stop()
	r.mu.Unlock()

	select {
	case <-done.Done():
		r.log.Info("registry stopped")
	case <-ctx.Done():
		r.log.Warn("registry stop timed out", logx.Err(ctx.Err()))
	}
}

// Apply swaps the runtime config. Turning scheduling off cancels every live
// handle; turning it on installs nothing by itself (callers restore).
func (r *Registry) Apply(cfg Config) {
	r.mu.Lock()
	prev := r.cfg
	r.cfg = cfg
	var cancelled []string
	if prev.Enabled && !cfg.Enabled {
		for id := range r.handles {
			r.removeLocked(id)
			cancelled = append(cancelled, id)
		}
	}
	r.mu.Unlock()

	if prev.Enabled != cfg.Enabled {
		r.log.Info("scheduling flag changed", logx.Bool("enabled", cfg.Enabled), logx.Int("cancelled", len(cancelled)))
	}
	for _, id := range cancelled {
		r.publish(eventbus.RegistryCancelled, id, "disabled")
	}
}

// SetEnabled flips only the scheduling flag, keeping the rest of the config.
func (r *Registry) SetEnabled(on bool) {
	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()
	cfg.Enabled = on
	r.Apply(cfg)
}

// Has reports whether id holds a live handle.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[id]
	return ok
}

// Register installs spec for id, cancelling any previous handle first. The
// lock is held across cancel and install so no two live handles exist for
// one id. With scheduling disabled it returns (nil, nil). A trigger with no
// future fire is not installed and also returns (nil, nil).
func (r *Registry) Register(id string, spec recurrence.TriggerSpec, onFire FireFunc) (*Handle, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("register: job id required")
	}
	if onFire == nil {
		return nil, errors.Newf("register %s: fire func required", id)
	}
	sched, err := spec.Schedule()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if !r.cfg.Enabled {
		r.mu.Unlock()
		r.log.Debug("scheduling disabled, skip register", logx.String("job", id))
		return nil, nil
	}

	replaced := r.removeLocked(id)

	now := r.now()
	next := sched.Next(now)
	if next.IsZero() {
		r.mu.Unlock()
		if replaced {
			r.publish(eventbus.RegistryCancelled, id, "replaced")
		}
		r.log.Warn("trigger has no future fire, not installed", logx.String("job", id), logx.String("trigger", spec.String()))
		return nil, nil
	}

	h := &Handle{
		id:           id,
		spec:         spec,
		sched:        sched,
		onFire:       onFire,
		state:        &engine.RunState{},
		registeredAt: now,
	}
	h.live.Store(true)
	h.entryID = r.c.Schedule(sched, cron.FuncJob(func() { r.fire(h) }))
	r.handles[id] = h
	r.mu.Unlock()

	r.log.Info("trigger registered",
		logx.String("job", id),
		logx.String("kind", spec.Kind.String()),
		logx.String("trigger", spec.String()),
		logx.Time("next", next),
		logx.Bool("replaced", replaced),
	)
	r.publish(eventbus.RegistryRegistered, id, spec.String())
	return h, nil
}

// Unregister cancels and removes the handle for id. A missing id is logged,
// not an error: deletions race with fires by nature.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	ok := r.removeLocked(id)
	r.mu.Unlock()
	if !ok {
		r.log.Warn("unregister: no live trigger", logx.String("job", id))
		return false
	}
	r.log.Info("trigger cancelled", logx.String("job", id))
	r.publish(eventbus.RegistryCancelled, id, "unregistered")
	return true
}

func (r *Registry) removeLocked(id string) bool {
	h, ok := r.handles[id]
	if !ok {
		return false
	}
	h.live.Store(false)
	r.c.Remove(h.entryID)
	delete(r.handles, id)
	return true
}

// retire drops a fired absolute handle from the table, if it is still the
// installed one. Unlike removeLocked it leaves the handle live so the fire
// already dispatched still runs.
func (r *Registry) retire(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[h.id]; ok && cur == h {
		r.c.Remove(h.entryID)
		delete(r.handles, h.id)
	}
}

// NextInvocation returns the next time the job will actually fire.
func (r *Registry) NextInvocation(id string) (time.Time, bool) {
	r.mu.Lock()
	h, ok := r.handles[id]
	r.mu.Unlock()
	if !ok {
		r.log.Warn("next invocation: no live trigger", logx.String("job", id))
		return time.Time{}, false
	}
	n := h.next(r.now())
	return n, !n.IsZero()
}

// CancelNextFire skips exactly the next occurrence of a recurring trigger.
// Later occurrences stay scheduled.
func (r *Registry) CancelNextFire(id string) bool {
	r.mu.Lock()
	h, ok := r.handles[id]
	r.mu.Unlock()
	if !ok {
		r.log.Warn("cancel next: no live trigger", logx.String("job", id))
		return false
	}
	if h.spec.Kind == recurrence.KindAbsolute {
		r.log.Warn("cancel next: absolute trigger, unregister it instead", logx.String("job", id))
		return false
	}
	h.skips.Add(1)
	r.log.Info("next fire cancelled", logx.String("job", id), logx.Time("next", h.next(r.now())))
	return true
}

// InvokeNow runs the job body synchronously on the caller's goroutine,
// independent of the schedule. Pending skips are not consumed.
func (r *Registry) InvokeNow(ctx context.Context, id string) error {
	r.mu.Lock()
	h, ok := r.handles[id]
	r.mu.Unlock()
	if !ok {
		r.log.Warn("invoke now: no live trigger", logx.String("job", id))
		return errors.Wrapf(ErrNotFound, "invoke %s", id)
	}
	r.log.Info("invoking job now", logx.String("job", id))
	return r.engine.RunNow(ctx, engine.Task{Name: "invoke:" + id, Run: h.onFire})
}

func (r *Registry) fire(h *Handle) {
	if !h.live.Load() {
		return
	}
	now := r.now()
	h.lastFire.Store(now.UnixNano())
	if h.spec.Kind == recurrence.KindAbsolute {
		defer r.retire(h)
	}

	for {
		n := h.skips.Load()
		if n <= 0 {
			break
		}
		if h.skips.CompareAndSwap(n, n-1) {
			r.log.Info("fire skipped", logx.String("job", h.id))
			r.publish(eventbus.RegistrySkipped, h.id, "")
			return
		}
	}

	r.mu.Lock()
	overlap := r.cfg.Overlap
	wait := r.cfg.DispatchTimeout
	r.mu.Unlock()
	if wait <= 0 {
		wait = defaultDispatchTimeout
	}

	// Each cron callback runs on its own goroutine, so waiting here delays
	// only this job.
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	err := r.engine.Submit(ctx, engine.Task{
		Name:    "job:" + h.id,
		Overlap: overlap,
		State:   h.state,
		Run: func(ctx context.Context) error {
			// A replaced or cancelled handle may still have a queued fire.
			if !h.live.Load() {
				return nil
			}
			return h.onFire(ctx)
		},
	})
	switch {
	case errors.Is(err, engine.ErrOverlapSkip):
		r.log.Info("fire skipped, previous run still active", logx.String("job", h.id))
		r.publish(eventbus.RegistrySkipped, h.id, "overlap")
		return
	case errors.Is(err, engine.ErrStopping), errors.Is(err, engine.ErrStopped):
		r.log.Warn("fire dropped, task engine not running", logx.String("job", h.id))
		r.publish(eventbus.RegistryDropped, h.id, err.Error())
		return
	case err != nil:
		r.log.Error("fire dropped", logx.String("job", h.id), logx.Duration("waited", wait), logx.Err(err))
		r.publish(eventbus.RegistryDropped, h.id, err.Error())
		return
	}
	r.log.Info("trigger fired", logx.String("job", h.id))
	r.publish(eventbus.RegistryFired, h.id, "")
}

// Entry is a diagnostic view of one handle.
type Entry struct {
	ID          string
	Kind        string
	Trigger     string
	Next        time.Time
	Prev        time.Time
	SkipPending int
	Registered  time.Time
}

// Snapshot lists all live handles sorted by next fire.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	hs := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		hs = append(hs, h)
	}
	r.mu.Unlock()

	now := r.now()
	out := make([]Entry, 0, len(hs))
	for _, h := range hs {
		e := Entry{
			ID:          h.id,
			Kind:        h.spec.Kind.String(),
			Trigger:     h.spec.String(),
			Next:        h.next(now),
			SkipPending: int(h.skips.Load()),
			Registered:  h.registeredAt,
		}
		if ns := h.lastFire.Load(); ns > 0 {
			e.Prev = time.Unix(0, ns)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Next.Equal(out[j].Next) {
			return out[i].ID < out[j].ID
		}
		if out[i].Next.IsZero() {
			return false
		}
		if out[j].Next.IsZero() {
			return true
		}
		return out[i].Next.Before(out[j].Next)
	})
	return out
}

// Len is the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *Registry) publish(typ, id, detail string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Data: Event{JobID: id, Detail: detail}})
}

// Event is the payload of registry.* bus events.
type Event struct {
	JobID  string `json:"job_id"`
	Detail string `json:"detail,omitempty"`
}
