package gateway

import (
	"context"
	"errors"
	"strconv"

	"github.com/basket/taskd/internal/audit"
	otelPkg "github.com/basket/taskd/internal/otel"
	"github.com/basket/taskd/internal/registry"
	"github.com/basket/taskd/internal/shared"
)

// taskView is the wire form of a task.
type taskView struct {
	ID          uint64  `json:"id"`
	Title       string  `json:"title"`
	Description *string `json:"description"`
	Deadline    int64   `json:"deadline"`
	Completed   bool    `json:"completed"`
	Creator     string  `json:"creator"`
}

func newTaskView(id registry.TaskID, t registry.Task) taskView {
	return taskView{
		ID:          uint64(id),
		Title:       t.Title,
		Description: t.Description,
		Deadline:    t.Deadline,
		Completed:   t.Completed,
		Creator:     t.Creator,
	}
}

type listResult struct {
	Caller string     `json:"caller"`
	IDs    []uint64   `json:"ids"`
	Tasks  []taskView `json:"tasks"`
}

var errScope = errors.New("missing scope")

// The operations below are shared by the REST and JSON-RPC surfaces. The
// caller always comes from the request context, never from the body.

func (s *Server) createTask(ctx context.Context, req createTaskRequest) (taskView, error) {
	caller := shared.Principal(ctx)
	ctx, span := otelPkg.StartSpan(ctx, s.tracer, "registry.create", otelPkg.AttrCaller.String(caller))
	defer span.End()

	id, err := s.cfg.Registry.CreateTask(req.Title, req.Description, req.Deadline, caller)
	if err != nil {
		span.RecordError(err)
		s.logger.Warn("task create refused", "caller", caller, "reason", registry.Reason(err), "trace_id", shared.TraceID(ctx))
		return taskView{}, err
	}
	span.SetAttributes(otelPkg.AttrTaskID.Int64(int64(id)))
	t, _ := s.cfg.Registry.GetTask(id)
	return newTaskView(id, t), nil
}

// completeTask audits the ownership decision for every attempt on an
// existing task.
func (s *Server) completeTask(ctx context.Context, id registry.TaskID) (taskView, error) {
	caller := shared.Principal(ctx)
	ctx, span := otelPkg.StartSpan(ctx, s.tracer, "registry.complete",
		otelPkg.AttrCaller.String(caller),
		otelPkg.AttrTaskID.Int64(int64(id)),
	)
	defer span.End()

	err := s.cfg.Registry.CompleteTask(id, caller)
	switch {
	case err == nil:
		audit.Record(ctx, audit.Allow, "task.complete", int64(id), caller, "owner")
	case errors.Is(err, registry.ErrForbidden):
		audit.Record(ctx, audit.Deny, "task.complete", int64(id), caller, registry.Reason(err))
	}
	if err != nil {
		span.RecordError(err)
		return taskView{}, err
	}
	t, _ := s.cfg.Registry.GetTask(id)
	return newTaskView(id, t), nil
}

func (s *Server) getTask(id registry.TaskID) (taskView, error) {
	t, ok := s.cfg.Registry.GetTask(id)
	if !ok {
		return taskView{}, &registry.TaskError{Op: "get", TaskID: id, Err: registry.ErrNotFound}
	}
	return newTaskView(id, t), nil
}

func (s *Server) listTasks(ctx context.Context) listResult {
	caller := shared.Principal(ctx)
	ids := s.cfg.Registry.GetUserTasks(caller)
	out := listResult{Caller: caller, IDs: make([]uint64, 0, len(ids)), Tasks: make([]taskView, 0, len(ids))}
	for _, id := range ids {
		t, ok := s.cfg.Registry.GetTask(id)
		if !ok {
			continue
		}
		out.IDs = append(out.IDs, uint64(id))
		out.Tasks = append(out.Tasks, newTaskView(id, t))
	}
	return out
}

func parseTaskID(raw string) (registry.TaskID, bool) {
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return registry.TaskID(n), true
}
