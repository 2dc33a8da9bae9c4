// Package scheduler runs the bridge's deferred work: per-operation state
// machine steps and recurring services. Tasks are persisted in sqlite so a
// restart resumes exactly the work that was in flight.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/btfbridge-io/bridge-go/database"
	"github.com/btfbridge-io/bridge-go/operation"
)

const (
	kindOperation = "operation"
	kindService   = "service"

	statusPending = "pending"
	statusRunning = "running"
	statusDone    = "done"
	statusFailed  = "failed"
)

// pollInterval bounds how long a freshly ready task waits when no explicit
// wakeup arrives.
const pollInterval = 500 * time.Millisecond

// TaskHandler executes the two task kinds. Returned errors drive the retry
// policy; a nil error completes the task.
type TaskHandler interface {
	HandleOperation(ctx context.Context, id operation.OperationId) error
	HandleService(ctx context.Context, name string) error
}

type Scheduler struct {
	stmtCache *database.StmtCache
	handler   TaskHandler
	now       func() time.Time
	wakeCh    chan struct{}
}

func New(db *sql.DB, handler TaskHandler) (*Scheduler, error) {
	if _, err := db.Exec(tasksTable); err != nil {
		return nil, err
	}

	// work interrupted by a crash or shutdown goes back to the queue
	if _, err := db.Exec(
		`UPDATE tasks SET status = ? WHERE status = ?`, statusPending, statusRunning,
	); err != nil {
		return nil, err
	}

	return &Scheduler{
		stmtCache: database.NewStmtCache(db),
		handler:   handler,
		now:       time.Now,
		wakeCh:    make(chan struct{}, 1),
	}, nil
}

func (s *Scheduler) Close() {
	s.stmtCache.Clear()
}

// ScheduleOperation enqueues one state machine step for the operation.
func (s *Scheduler) ScheduleOperation(id operation.OperationId, opts *operation.TaskOptions) error {
	return s.schedule(kindOperation, int64(id), "", opts, 0)
}

// ScheduleService enqueues a named service run.
func (s *Scheduler) ScheduleService(name string, opts *operation.TaskOptions) error {
	return s.schedule(kindService, 0, name, opts, 0)
}

// EnsureService schedules the named service unless a live task for it is
// already queued. The queue is durable, so a restart must not multiply the
// recurring services.
func (s *Scheduler) EnsureService(name string, opts *operation.TaskOptions) error {
	stmt, err := s.stmtCache.Prepare(
		`SELECT COUNT(*) FROM tasks WHERE kind = ? AND service = ? AND status IN (?, ?)`)
	if err != nil {
		return err
	}
	var live int
	if err := stmt.QueryRow(kindService, name, statusPending, statusRunning).Scan(&live); err != nil {
		return err
	}
	if live > 0 {
		return nil
	}
	return s.ScheduleService(name, opts)
}

func (s *Scheduler) schedule(kind string, opID int64, service string, opts *operation.TaskOptions, delay time.Duration) error {
	if opts == nil {
		opts = operation.DefaultOperationOptions()
	}
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return err
	}

	stmt, err := s.stmtCache.Prepare(
		`INSERT INTO tasks (kind, opId, service, options, runAt) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	if _, err := stmt.Exec(kind, opID, service, string(optsJSON), s.now().Add(delay).UnixNano()); err != nil {
		return err
	}

	s.wake()
	return nil
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Run drains ready tasks until the context is cancelled. Tasks become ready
// in enqueue order once their runAt timestamp passes.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		ran, err := s.runOne(ctx)
		if err != nil {
			return err
		}
		if ran {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wakeCh:
		case <-ticker.C:
		}
	}
}

type task struct {
	id      int64
	kind    string
	opID    int64
	service string
	opts    operation.TaskOptions
	attempt uint32
}

// runOne executes the oldest ready task, if any.
func (s *Scheduler) runOne(ctx context.Context) (bool, error) {
	tsk, ok, err := s.claim()
	if err != nil || !ok {
		return false, err
	}

	taskErr := s.execute(ctx, tsk)
	if taskErr == nil {
		if tsk.kind == kindService {
			// services are periodic: a successful run rearms the task
			return true, s.rearm(tsk.id, tsk.opts.Delay(0))
		}
		return true, s.setStatus(tsk.id, statusDone)
	}

	if tsk.attempt >= tsk.opts.MaxRetries {
		logger.WithFields(logger.Fields{
			"task": tsk.id,
			"kind": tsk.kind,
		}).Errorf("task failed permanently: %v", taskErr)
		return true, s.setStatus(tsk.id, statusFailed)
	}

	delay := tsk.opts.Delay(tsk.attempt)
	logger.WithFields(logger.Fields{
		"task":    tsk.id,
		"kind":    tsk.kind,
		"attempt": tsk.attempt,
		"delay":   delay,
	}).Debugf("task failed, retrying: %v", taskErr)

	stmt, err := s.stmtCache.Prepare(
		`UPDATE tasks SET status = ?, attempt = attempt + 1, runAt = ? WHERE id = ?`)
	if err != nil {
		return true, err
	}
	_, err = stmt.Exec(statusPending, s.now().Add(delay).UnixNano(), tsk.id)
	return true, err
}

func (s *Scheduler) claim() (task, bool, error) {
	var tsk task
	var optsJSON string

	stmt, err := s.stmtCache.Prepare(
		`SELECT id, kind, opId, service, options, attempt FROM tasks
		 WHERE status = ? AND runAt <= ? ORDER BY id LIMIT 1`)
	if err != nil {
		return tsk, false, err
	}
	err = stmt.QueryRow(statusPending, s.now().UnixNano()).Scan(
		&tsk.id, &tsk.kind, &tsk.opID, &tsk.service, &optsJSON, &tsk.attempt)
	if err == sql.ErrNoRows {
		return tsk, false, nil
	}
	if err != nil {
		return tsk, false, err
	}
	if err := json.Unmarshal([]byte(optsJSON), &tsk.opts); err != nil {
		return tsk, false, err
	}

	if err := s.setStatus(tsk.id, statusRunning); err != nil {
		return tsk, false, err
	}
	return tsk, true, nil
}

func (s *Scheduler) rearm(id int64, delay time.Duration) error {
	stmt, err := s.stmtCache.Prepare(
		`UPDATE tasks SET status = ?, attempt = 0, runAt = ? WHERE id = ?`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(statusPending, s.now().Add(delay).UnixNano(), id)
	return err
}

func (s *Scheduler) setStatus(id int64, status string) error {
	stmt, err := s.stmtCache.Prepare(`UPDATE tasks SET status = ? WHERE id = ?`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(status, id)
	return err
}

// execute runs the handler under the task timeout, turning panics into
// ordinary errors so one bad step cannot take the loop down.
func (s *Scheduler) execute(ctx context.Context, tsk task) (err error) {
	if tsk.opts.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(tsk.opts.TimeoutSecs)*time.Second)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	switch tsk.kind {
	case kindOperation:
		return s.handler.HandleOperation(ctx, operation.OperationId(tsk.opID))
	case kindService:
		return s.handler.HandleService(ctx, tsk.service)
	default:
		return fmt.Errorf("unknown task kind %q", tsk.kind)
	}
}
