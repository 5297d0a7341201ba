package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"taskd/internal/ipc"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// handleRequest answers one IPC request. Every failure, including a panic,
// becomes an ERROR reply; the loop keeps serving.
func (s *Scheduler) handleRequest(ctx context.Context, req ipc.Request) {
	var resp ipc.Message
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("request handler panicked", logx.String("type", req.Msg.Type.String()), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			resp = ipc.Error(fmt.Errorf("internal error: %v", r))
		}
		req.Reply(resp)
	}()

	resp, err := s.Handle(ctx, req.Msg)
	s.deps.Metrics.Request(req.Msg.Type.String(), err)
	if err != nil {
		s.log.Debug("request failed", logx.String("type", req.Msg.Type.String()), logx.Err(err))
		resp = ipc.Error(err)
	}
}

// Handle computes the reply to m.
func (s *Scheduler) Handle(ctx context.Context, m ipc.Message) (ipc.Message, error) {
	if err := m.Validate(); err != nil {
		return ipc.Message{}, err
	}
	switch m.Type {
	case ipc.TypeNew:
		return s.submit(ctx, *m.Task)
	case ipc.TypeStatus:
		if err := s.applyStatus(ctx, *m.Status); err != nil {
			return ipc.Message{}, err
		}
		return ipc.Resp(m.Status.ID), nil
	case ipc.TypeList:
		tasks, err := s.deps.List.List(ctx)
		if err != nil {
			return ipc.Message{}, err
		}
		return ipc.Message{Type: ipc.TypeResp, Tasks: tasks}, nil
	case ipc.TypeCancel:
		if err := s.cancel(ctx, m.ID); err != nil {
			return ipc.Message{}, err
		}
		return ipc.Resp(m.ID), nil
	case ipc.TypeAbort:
		ok, err := s.deps.List.Store().Exists(ctx, m.ID)
		if err != nil {
			return ipc.Message{}, err
		}
		if !ok {
			return ipc.Message{}, &task.NotFoundError{ID: m.ID}
		}
		s.forward(ipc.Abort(m.ID))
		return ipc.Resp(m.ID), nil
	case ipc.TypeContext:
		for k, v := range m.Context {
			s.sc[k] = v
		}
		return ipc.Message{Type: ipc.TypeResp, Context: s.Context()}, nil
	default:
		return ipc.Message{}, fmt.Errorf("unsupported request %s", m.Type)
	}
}

// Context returns a copy of the bootstrap context.
func (s *Scheduler) Context() map[string]any {
	out := make(map[string]any, len(s.sc))
	for k, v := range s.sc {
		out[k] = v
	}
	return out
}

func (s *Scheduler) submit(ctx context.Context, t task.Task) (ipc.Message, error) {
	if _, ok := s.deps.Registry.Worker(t.WorkerName); !ok {
		return ipc.Message{}, fmt.Errorf("%w: %s", task.ErrUnknownWorker, t.WorkerName)
	}
	// Clients submit definitions; lifecycle fields are ours.
	t.Status = task.StatusDefault
	t.StopAt = time.Time{}
	t.Output = ""
	pushed, err := s.deps.List.Push(ctx, t)
	if err != nil {
		return ipc.Message{}, err
	}
	s.log.Info("task submitted", logx.String("id", pushed.ID), logx.String("worker", pushed.WorkerName), logx.Time("start", pushed.StartAt))
	s.publish(pushed, 0)
	return ipc.Resp(pushed.ID), nil
}

// applyStatus stores a status report. Reports for canceled tasks are
// dropped so a late worker outcome cannot overwrite the user's cancel.
func (s *Scheduler) applyStatus(ctx context.Context, u ipc.StatusUpdate) error {
	t, ok, err := s.deps.List.Lookup(ctx, u.ID)
	if err != nil {
		return err
	}
	if !ok {
		return &task.NotFoundError{ID: u.ID}
	}
	if t.Status == task.StatusCanceled {
		s.log.Debug("ignoring report for canceled task", logx.String("id", u.ID), logx.String("status", u.Status.String()))
		return nil
	}
	if u.Status == task.StatusAbort {
		s.forward(ipc.Abort(u.ID))
		return nil
	}
	if !u.Status.Valid() {
		return fmt.Errorf("invalid status %v for task %s", u.Status, u.ID)
	}

	from := t.Status
	t.Status = u.Status
	if u.Status.IsTerminal() {
		t.Output = u.Output
		t.StopAt = u.StopAt
		if t.StopAt.IsZero() {
			t.StopAt = s.now()
		}
	} else {
		t.SetStatus(u.Status, s.now())
		if u.Output != "" {
			t.Output = u.Output
		}
	}
	if err := s.deps.List.Update(ctx, t); err != nil {
		return err
	}
	s.publish(t, from)
	if u.Status.IsTerminal() {
		s.log.Info("task finished", logx.String("id", t.ID), logx.String("worker", t.WorkerName), logx.String("status", t.Status.String()))
	}
	return nil
}

// cancel marks the task canceled and asks the pool to drop or kill it.
func (s *Scheduler) cancel(ctx context.Context, id string) error {
	t, err := s.deps.List.Get(ctx, id)
	if err != nil {
		return err
	}
	from := t.Status
	t.Status = task.StatusCanceled
	t.StopAt = s.now()
	if err := s.deps.List.Update(ctx, t); err != nil {
		return err
	}
	s.publish(t, from)
	if from.In(task.StatusScheduled | task.InFlight) {
		s.forward(ipc.Cancel(id))
	}
	s.log.Info("task canceled", logx.String("id", id), logx.String("was", from.String()))
	return nil
}

// Bootstrap runs every hook with the current context. New definitions are
// pushed; known ids get their options and redo interval refreshed in place.
func (s *Scheduler) Bootstrap(ctx context.Context) {
	for _, h := range s.deps.Registry.Hooks() {
		defs, err := h.Run(ctx, s.Context())
		if err != nil {
			s.log.Warn("bootstrap hook failed", logx.String("hook", h.Name), logx.Err(err))
			continue
		}
		added, updated := 0, 0
		for _, d := range defs {
			ok, err := s.seed(ctx, d)
			if err != nil {
				s.log.Warn("bootstrap task rejected", logx.String("hook", h.Name), logx.String("id", d.ID), logx.Err(err))
				continue
			}
			if ok {
				added++
			} else {
				updated++
			}
		}
		s.log.Info("bootstrap hook ran", logx.String("hook", h.Name), logx.Int("added", added), logx.Int("updated", updated))
	}
}

func (s *Scheduler) seed(ctx context.Context, d task.Task) (added bool, err error) {
	if d.ID != "" {
		cur, ok, err := s.deps.List.Lookup(ctx, d.ID)
		if err != nil {
			return false, err
		}
		if ok {
			cur.Options = d.Options.Clone()
			if cur.Options == nil {
				cur.Options = task.Options{}
			}
			cur.RedoInterval = d.RedoInterval
			if cur.RedoInterval < 0 {
				cur.RedoInterval = 0
			}
			return false, s.deps.List.Update(ctx, cur)
		}
	}
	if _, ok := s.deps.Registry.Worker(d.WorkerName); !ok {
		return false, fmt.Errorf("%w: %s", task.ErrUnknownWorker, d.WorkerName)
	}
	d.Status = task.StatusDefault
	d.StopAt = time.Time{}
	pushed, err := s.deps.List.Push(ctx, d)
	if err != nil {
		return false, err
	}
	s.publish(pushed, 0)
	return true, nil
}
