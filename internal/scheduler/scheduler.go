// Package scheduler implements the Task Scheduler: the component that
// turns rows of the task table into enqueued messages on the
// conversation queue at the right times.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jaakkos/stringwork/internal/statusfile"
	"github.com/jaakkos/stringwork/internal/store"
	"github.com/jaakkos/stringwork/internal/storeerr"
)

// cronParser accepts standard 5-field cron syntax (minute hour dom month
// dow); seconds are not supported.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Config carries the Scheduler's tunables, mirroring config.SchedulerConfig.
type Config struct {
	TickInterval     time.Duration
	TaskTimeout      time.Duration
	HistoryRetention time.Duration
	StatusFilePath   string
}

// Scheduler owns the main tick loop: dispatch due tasks, reschedule
// completed recurring ones, and reap anything stuck.
type Scheduler struct {
	store  *store.Store
	cfg    Config
	logger *log.Logger

	lastPurge time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Scheduler.
func New(st *store.Store, cfg Config, logger *log.Logger) *Scheduler {
	return &Scheduler{
		store:  st,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the main loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.doneCh)
	s.logger.Printf("scheduler: started (tick=%s, task_timeout=%s, history_retention=%s)",
		s.cfg.TickInterval, s.cfg.TaskTimeout, s.cfg.HistoryRetention)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Println("scheduler: stopped (context cancelled)")
			return
		case <-s.stopCh:
			s.logger.Println("scheduler: stopped")
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// Stop signals the main loop to exit and waits for it to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// assistantAlive reports whether the status file shows a state the
// assistant could conceivably act on.
func (s *Scheduler) assistantAlive() bool {
	status, _ := statusfile.ReadOrFailOpen(s.cfg.StatusFilePath)
	return status.State == statusfile.StateBusy || status.State == statusfile.StateIdle
}

// tick runs one scheduler cycle: dispatch, reschedule, reap, purge.
func (s *Scheduler) tick() {
	now := time.Now()

	if s.assistantAlive() {
		s.dispatchDue(now)
	}

	s.rescheduleCompleted(now)

	if n, err := s.store.ReapStaleRunning(s.cfg.TaskTimeout, now); err != nil {
		s.logger.Printf("scheduler: reap stale running: %v", err)
	} else if n > 0 {
		s.logger.Printf("scheduler: reaped %d stale running task(s)", n)
	}

	if s.lastPurge.IsZero() || now.Sub(s.lastPurge) >= time.Hour {
		if n, err := s.store.PurgeOldHistory(s.cfg.HistoryRetention, now); err != nil {
			s.logger.Printf("scheduler: purge old history: %v", err)
		} else if n > 0 {
			s.logger.Printf("scheduler: purged %d old history row(s)", n)
		}
		s.lastPurge = now
	}
}

// dispatchDue selects the single next due task and either skips it past a
// missed window, or dispatches it.
func (s *Scheduler) dispatchDue(now time.Time) {
	task, err := s.store.NextDueTask(now)
	if err != nil {
		if err != storeerr.ErrNotFound {
			s.logger.Printf("scheduler: next due task: %v", err)
		}
		return
	}

	overdue := now.Sub(task.NextRunAt)
	if overdue > time.Duration(task.MissThreshold)*time.Second {
		s.handleMissedWindow(*task, now)
		return
	}

	s.dispatch(*task, now)
}

// handleMissedWindow handles a task found past its miss window: one-shot
// tasks fail outright, recurring/interval tasks skip to the next
// occurrence.
func (s *Scheduler) handleMissedWindow(task store.Task, now time.Time) {
	if task.Type == store.TaskOneTime {
		if err := s.store.FailTask(task.ID, "Missed execution window", now); err != nil {
			s.logger.Printf("scheduler: fail missed task %s: %v", task.ID, err)
		}
		return
	}
	next, err := NextOccurrence(task, now)
	if err != nil {
		s.logger.Printf("scheduler: compute next occurrence for missed task %s: %v", task.ID, err)
		return
	}
	if err := s.store.RescheduleTask(task.ID, next, now); err != nil {
		s.logger.Printf("scheduler: reschedule missed task %s: %v", task.ID, err)
	}
	s.logger.Printf("scheduler: task %s missed its window, rescheduled to %s", task.ID, next)
}

// dispatch claims the task and enqueues its prompt onto the conversation
// queue. Claiming and enqueueing are kept atomic with the revert-on-failure
// path below so a task never gets stuck claimed without a corresponding
// queue entry.
func (s *Scheduler) dispatch(task store.Task, now time.Time) {
	if err := s.store.ClaimTaskRunning(task.ID, now); err != nil {
		if err != storeerr.ErrConflict {
			s.logger.Printf("scheduler: claim task %s: %v", task.ID, err)
		}
		return
	}

	historyID, err := s.store.AppendHistory(store.TaskHistory{TaskID: task.ID, Status: store.HistoryStarted, StartedAt: now})
	if err != nil {
		s.logger.Printf("scheduler: append history for task %s: %v", task.ID, err)
	}

	prompt := fmt.Sprintf("%s\n---- when complete, run: panewardctl task done --id %s", task.Prompt, task.ID)
	_, err = s.store.EnqueueConversation(store.Conversation{
		Direction:   store.DirectionIn,
		Channel:     task.ReplyChannel,
		EndpointID:  task.ReplyEndpoint,
		Content:     prompt,
		Priority:    task.Priority,
		RequireIdle: task.RequireIdle,
	})
	if err != nil {
		s.logger.Printf("scheduler: enqueue task %s: %v", task.ID, err)
		if revertErr := s.store.RescheduleTask(task.ID, task.NextRunAt, now); revertErr != nil {
			s.logger.Printf("scheduler: revert task %s after enqueue failure: %v", task.ID, revertErr)
		}
		if historyID != 0 {
			if finErr := s.store.FinishHistory(historyID, store.HistoryFailed, err.Error(), now); finErr != nil {
				s.logger.Printf("scheduler: finish history %d: %v", historyID, finErr)
			}
		}
		return
	}
	s.logger.Printf("scheduler: dispatched task %s", task.ID)
}

// rescheduleCompleted advances recurring/interval tasks that finished back
// into pending rotation. One-shot tasks stay completed.
func (s *Scheduler) rescheduleCompleted(now time.Time) {
	tasks, err := s.store.CompletedRecurring()
	if err != nil {
		s.logger.Printf("scheduler: completed recurring tasks: %v", err)
		return
	}
	for _, t := range tasks {
		next, err := NextOccurrence(t, now)
		if err != nil {
			s.logger.Printf("scheduler: compute next occurrence for task %s: %v", t.ID, err)
			continue
		}
		if err := s.store.RescheduleTask(t.ID, next, now); err != nil {
			s.logger.Printf("scheduler: reschedule completed task %s: %v", t.ID, err)
		}
	}
}

// NextOccurrence computes a task's next run time after `after`, using its
// stored timezone and either its cron expression or its fixed interval.
func NextOccurrence(task store.Task, after time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(task.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduler: load timezone %q for task %s: %w", task.Timezone, task.ID, err)
	}
	switch task.Type {
	case store.TaskRecurring:
		sched, err := cronParser.Parse(task.CronExpression)
		if err != nil {
			return time.Time{}, fmt.Errorf("scheduler: parse cron %q for task %s: %w", task.CronExpression, task.ID, err)
		}
		return sched.Next(after.In(loc)), nil
	case store.TaskInterval:
		if task.IntervalSeconds <= 0 {
			return time.Time{}, fmt.Errorf("scheduler: task %s has non-positive interval_seconds", task.ID)
		}
		return after.Add(time.Duration(task.IntervalSeconds) * time.Second), nil
	default:
		return time.Time{}, fmt.Errorf("scheduler: task %s of type %s has no next occurrence", task.ID, task.Type)
	}
}
