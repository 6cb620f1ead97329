package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"reportbot/internal/eventbus"
	logx "reportbot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestSubmitRunsTask(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 2}, nil)
	done := make(chan struct{})
	if err := s.Submit(context.Background(), Task{Name: "job", Run: func(ctx context.Context) error {
		close(done)
		return nil
	}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("task never ran")
	}
}

func TestSubmitBeforeStart(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	err := s.Submit(context.Background(), Task{Name: "x", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v want ErrStopped", err)
	}
}

func TestSubmitValidatesTask(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1}, nil)
	if err := s.Submit(context.Background(), Task{Name: "x"}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("nil run: err=%v", err)
	}
	if err := s.Submit(context.Background(), Task{Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("no name: err=%v", err)
	}
}

func TestRunNowRecoversPanicAndRecordsHistory(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	failed, unsub := bus.Subscribe(4, eventbus.TaskFailed)
	defer unsub()

	s := New(Config{}, logx.Nop(), bus)
	err := s.RunNow(context.Background(), Task{Name: "boom", Run: func(context.Context) error { panic("bad") }})
	if err == nil {
		t.Fatalf("expected panic error")
	}
	if len(failed) != 1 {
		t.Fatalf("expected one task.failed event, got %d", len(failed))
	}
	h := s.Snapshot().History
	if len(h) != 1 || h[0].Name != "boom" || h[0].Error == "" {
		t.Fatalf("unexpected history %+v", h)
	}
}

func TestRunNowAppliesTimeout(t *testing.T) {
	t.Parallel()

	s := New(Config{DefaultTimeout: 20 * time.Millisecond}, logx.Nop(), nil)
	err := s.RunNow(context.Background(), Task{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline exceeded", err)
	}
}

func TestOverlapSkipIfRunning(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 2}, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32
	task := Task{Name: "single", Overlap: OverlapSkipIfRunning, Run: func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			close(started)
		}
		<-release
		return nil
	}}
	if err := s.Submit(context.Background(), task); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	<-started
	if err := s.Submit(context.Background(), task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second submit err=%v want ErrOverlapSkip", err)
	}
	close(release)
}

func TestSubmitDropsWhenQueueStaysFull(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	dropped, unsub := bus.Subscribe(4, eventbus.TaskDropped)
	defer unsub()

	s := startEngine(t, Config{Workers: 1, QueueSize: 1}, bus)
	block := make(chan struct{})
	started := make(chan struct{})
	defer close(block)

	bg := context.Background()
	_ = s.Submit(bg, Task{Name: "hold", Run: func(context.Context) error {
		close(started)
		<-block
		return nil
	}})
	<-started
	_ = s.Submit(bg, Task{Name: "fill", Run: func(context.Context) error { return nil }})

	ctx, cancel := context.WithTimeout(bg, 30*time.Millisecond)
	defer cancel()
	err := s.Submit(ctx, Task{Name: "overflow", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err=%v want ErrQueueFull", err)
	}
	if len(dropped) != 1 {
		t.Fatalf("expected one task.dropped event, got %d", len(dropped))
	}
	if s.Snapshot().Dropped != 1 {
		t.Fatalf("dropped counter not incremented")
	}
}

func TestSubmitWaitsForQueueSpace(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, QueueSize: 1}, nil)
	block := make(chan struct{})
	started := make(chan struct{})
	ran := make(chan struct{})

	bg := context.Background()
	_ = s.Submit(bg, Task{Name: "hold", Run: func(context.Context) error {
		close(started)
		<-block
		return nil
	}})
	<-started
	_ = s.Submit(bg, Task{Name: "fill", Run: func(context.Context) error { return nil }})

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(block)
	}()
	ctx, cancel := context.WithTimeout(bg, 2*time.Second)
	defer cancel()
	if err := s.Submit(ctx, Task{Name: "late", Run: func(context.Context) error {
		close(ran)
		return nil
	}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("queued task never ran")
	}
	if s.Snapshot().Dropped != 0 {
		t.Fatalf("unexpected drop")
	}
}
