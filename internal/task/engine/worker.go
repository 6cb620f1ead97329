package engine

import (
	"context"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"reportbot/internal/eventbus"
	logx "reportbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t, ok := <-queue:
			if !ok {
				return
			}
			atomic.AddInt32(&s.inFlight, 1)
			_ = s.execOne(ctx, t)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if qt.track && qt.state != nil {
		defer qt.state.release()
	}

	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	name, id := qt.task.Name, qt.task.ID

	s.log.Debug("task.started", logx.String("task", name), logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.Event{Type: eventbus.TaskStarted, Time: start, Data: TaskEvent{ID: id, Name: name, Started: start, QueueDelay: queueDelay}})

	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Newf("panic: %v", r)
				s.log.Error("task.panic", logx.String("task", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		err = qt.task.Run(runCtx)
	}()

	dur := time.Since(start)
	item := HistoryItem{ID: id, Name: name, Started: start, Duration: dur, QueueDelay: queueDelay}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("task.failed", logx.String("task", name), logx.Err(err), logx.Duration("dur", dur))
		s.publish(eventbus.Event{Type: eventbus.TaskFailed, Data: TaskEvent{ID: id, Name: name, Started: start, QueueDelay: queueDelay, Duration: dur, Error: item.Error}})
	} else {
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", name), logx.Duration("dur", dur))
		} else {
			s.log.Debug("task.completed", logx.String("task", name), logx.Duration("dur", dur))
		}
		s.publish(eventbus.Event{Type: eventbus.TaskFinished, Data: TaskEvent{ID: id, Name: name, Started: start, QueueDelay: queueDelay, Duration: dur}})
	}

	s.mu.Lock()
	historySize := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
	return err
}
