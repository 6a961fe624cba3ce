package domain

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskboard/rank"
)

// Engine coordinates ordering, dependency and transition rules on top of a
// TaskStore. It holds no lock across calls; the store's uniqueness on
// (board, status, order) arbitrates concurrent writers.
type Engine struct {
	store      TaskStore
	rebalancer *Rebalancer
	sink       EventSink
	log        *log.Logger
	now        func() time.Time
}

// NewEngine builds an engine. A nil locker serialises rebalances in process
// only, a nil sink drops events and a nil logger uses the standard logger.
func NewEngine(store TaskStore, locker PartitionLocker, sink EventSink, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Engine{
		store:      store,
		rebalancer: NewRebalancer(store, locker, logger),
		sink:       sink,
		log:        logger,
		now:        time.Now,
	}
}

// GetTask returns the task or a not_found error.
func (e *Engine) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, notFoundError("get task", "task", id)
	}
	return t, nil
}

func (e *Engine) GetBoard(ctx context.Context, id string) (*Board, error) {
	b, err := e.store.GetBoard(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, notFoundError("get board", "board", id)
	}
	return b, nil
}

// ListPartition returns a lane of a board in display order.
func (e *Engine) ListPartition(ctx context.Context, boardID string, status Status) ([]Task, error) {
	const op = "list tasks"
	if strings.TrimSpace(boardID) == "" {
		return nil, validationError(op, "boardId is required")
	}
	if !status.Valid() {
		return nil, validationError(op, "invalid status %q", status)
	}
	tasks, err := e.store.ListPartition(ctx, boardID, status)
	if err != nil {
		return nil, err
	}
	SortByOrder(tasks)
	return tasks, nil
}

// Dependencies returns the prerequisites of a task that still exist.
func (e *Engine) Dependencies(ctx context.Context, id string) ([]Task, error) {
	task, err := e.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(task.Dependencies) == 0 {
		return []Task{}, nil
	}
	tasks, err := e.store.ListBoardTasks(ctx, task.BoardID)
	if err != nil {
		return nil, err
	}
	out := NewGraph(tasks).Tasks(task.Dependencies)
	if out == nil {
		out = []Task{}
	}
	return out, nil
}

// Dependents returns the tasks that depend on id.
func (e *Engine) Dependents(ctx context.Context, id string) ([]Task, error) {
	task, err := e.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.store.FindDependents(ctx, task.BoardID, task.ID)
}

// TasksAssignedTo returns the tasks of every board assigned to username,
// grouped by board and lane in display order.
func (e *Engine) TasksAssignedTo(ctx context.Context, username string) ([]Task, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, validationError("list assigned tasks", "username is required")
	}
	boards, err := e.store.ListBoards(ctx)
	if err != nil {
		return nil, err
	}
	out := []Task{}
	for _, b := range boards {
		tasks, err := e.store.ListBoardTasks(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			if t.AssignedTo == username {
				out = append(out, t)
			}
		}
	}
	sortForListing(out)
	return out, nil
}

// TasksByIDs returns the tasks found for ids in request order. Unknown ids
// are skipped.
func (e *Engine) TasksByIDs(ctx context.Context, ids []string) ([]Task, error) {
	out := []Task{}
	for _, id := range normalizeIDs(ids) {
		if id == "" {
			return nil, validationError("get tasks", "task ids must not be blank")
		}
		t, err := e.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if t != nil {
			out = append(out, *t)
		}
	}
	return out, nil
}

// ListBoards returns every board, oldest first.
func (e *Engine) ListBoards(ctx context.Context) ([]Board, error) {
	boards, err := e.store.ListBoards(ctx)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(boards, func(a, b Board) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if boards == nil {
		boards = []Board{}
	}
	return boards, nil
}

// DeleteBoard removes a board and all of its tasks. Tasks go first, so a
// failed delete leaves the board in place to be deleted again.
func (e *Engine) DeleteBoard(ctx context.Context, id string) error {
	const op = "delete board"
	board, err := e.store.GetBoard(ctx, id)
	if err != nil {
		return err
	}
	if board == nil {
		return notFoundError(op, "board", id)
	}
	tasks, err := e.store.ListBoardTasks(ctx, board.ID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := e.store.DeleteTask(ctx, t); err != nil {
			return err
		}
	}
	if err := e.store.DeleteBoard(ctx, *board); err != nil {
		return err
	}
	e.log.WithFields(log.Fields{"board": board.ID, "key": board.Key, "tasks": len(tasks)}).Info("board deleted")
	e.publish(ctx, Event{Type: BoardDeleted, BoardID: board.ID, Statuses: Statuses})
	return nil
}

// CreateBoard creates a board, deriving its key from the name when no usable
// key is given.
func (e *Engine) CreateBoard(ctx context.Context, name, key string) (*Board, error) {
	const op = "create board"
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, validationError(op, "name is required")
	}
	boards, err := e.store.ListBoards(ctx)
	if err != nil {
		return nil, err
	}
	taken := make(map[string]bool, len(boards))
	for _, b := range boards {
		taken[b.Key] = true
	}
	key = boardKey(name, strings.TrimSpace(key), taken)
	if !validBoardKey(key) {
		return nil, validationError(op, "board key %q must be 2 to 10 letters or digits", key)
	}

	b, err := e.store.CreateBoard(ctx, Board{
		ID:        uuid.NewString(),
		Name:      name,
		Key:       key,
		CreatedAt: e.now().UTC(),
	})
	if errors.Is(err, ErrBoardKeyTaken) {
		return nil, validationError(op, "board key %s is already taken", key)
	}
	if err != nil {
		return nil, err
	}
	e.publish(ctx, Event{Type: BoardCreated, BoardID: b.ID})
	return &b, nil
}

// CreateTask inserts a task at the caller's key or at the tail of its lane.
// A key collision rebalances the lane and retries once, at the caller's slot
// or at the fresh tail.
func (e *Engine) CreateTask(ctx context.Context, spec TaskSpec) (*Task, error) {
	const op = "create task"
	spec.BoardID = strings.TrimSpace(spec.BoardID)
	spec.Title = strings.TrimSpace(spec.Title)
	if spec.BoardID == "" {
		return nil, validationError(op, "boardId is required")
	}
	if spec.Title == "" {
		return nil, validationError(op, "title is required")
	}
	if spec.Status == "" {
		spec.Status = StatusToDo
	}
	if !spec.Status.Valid() {
		return nil, validationError(op, "invalid status %q", spec.Status)
	}
	if spec.Order != "" {
		key, err := rank.Canonical(spec.Order)
		if err != nil {
			return nil, validationError(op, "invalid order key %q", spec.Order)
		}
		spec.Order = key
	}

	board, err := e.store.GetBoard(ctx, spec.BoardID)
	if err != nil {
		return nil, err
	}
	if board == nil {
		return nil, notFoundError(op, "board", spec.BoardID)
	}

	task := Task{
		ID:           uuid.NewString(),
		BoardID:      board.ID,
		Title:        spec.Title,
		Description:  spec.Description,
		AssignedTo:   spec.AssignedTo,
		DueDate:      spec.DueDate,
		Status:       spec.Status,
		Dependencies: normalizeIDs(spec.Dependencies),
		CreatedAt:    e.now().UTC(),
	}
	if len(task.Dependencies) > 0 {
		tasks, err := e.store.ListBoardTasks(ctx, board.ID)
		if err != nil {
			return nil, err
		}
		g := NewGraph(tasks)
		if err := g.ValidateDependencies(task.ID, task.Dependencies); err != nil {
			return nil, err
		}
		draft := Task{ID: task.ID, Status: StatusToDo}
		if err := CheckTransition(draft, task.Status, g.Tasks(task.Dependencies), nil); err != nil {
			transitionDeniedTotal.WithLabelValues(string(ReasonOf(err))).Inc()
			return nil, err
		}
	}

	n, err := e.store.NextDisplayNumber(ctx, board.ID)
	if errors.Is(err, ErrNotFound) {
		return nil, notFoundError(op, "board", board.ID)
	}
	if err != nil {
		return nil, err
	}
	task.DisplayID = fmt.Sprintf("%s-%d", board.Key, n)

	p := Partition{BoardID: board.ID, Status: task.Status}
	key := spec.Order
	if key == "" {
		key, err = e.tailKey(ctx, p, "")
	}
	var created Task
	if err == nil {
		task.Order = key
		created, err = e.store.InsertTask(ctx, task)
	}
	if err != nil {
		if !orderRetryable(err) {
			return nil, err
		}
		if created, err = e.retryInsert(ctx, p, task, spec.Order, err); err != nil {
			return nil, err
		}
	}

	created = e.settle(ctx, p, created)
	e.publish(ctx, Event{Type: TaskCreated, BoardID: created.BoardID, TaskID: created.ID, Statuses: []Status{created.Status}, Task: &created})
	return &created, nil
}

// retryInsert rebalances the lane and inserts once more. A caller-chosen key
// keeps its slot: the position is taken from the lane before rebalancing,
// while the keys still compare against it.
func (e *Engine) retryInsert(ctx context.Context, p Partition, task Task, order string, cause error) (Task, error) {
	const op = "create task"
	e.log.WithFields(log.Fields{"board": p.BoardID, "status": p.Status, "task": task.ID, "order": task.Order}).
		WithError(cause).Info("order conflict on create; rebalancing")
	fail := func(err error) (Task, error) {
		orderRetryTotal.WithLabelValues("create", "failed").Inc()
		return Task{}, conflictOrStore(op, err)
	}

	pos := -1
	if order != "" {
		others, err := e.partitionWithout(ctx, p, "")
		if err != nil {
			return Task{}, err
		}
		pos = anchor(others, MoveRequest{Order: order})
	}
	if err := e.rebalance(ctx, p); err != nil {
		return fail(err)
	}
	others, err := e.partitionWithout(ctx, p, "")
	if err != nil {
		return Task{}, err
	}
	if pos < 0 || pos > len(others) {
		pos = len(others)
	}
	prev, next := neighbours(others, pos)
	key, err := rank.Generate(prev, next)
	if err != nil {
		return fail(err)
	}
	task.Order = key
	created, err := e.store.InsertTask(ctx, task)
	if err != nil {
		return fail(err)
	}
	orderRetryTotal.WithLabelValues("create", "ok").Inc()
	return created, nil
}

// MoveTask places a task in req.Status, between the hinted neighbours, at an
// absolute key, or at the tail of the lane. A collision or stale read is
// retried once against the neighbours actually stored.
func (e *Engine) MoveTask(ctx context.Context, req MoveRequest) (*Task, error) {
	const op = "move task"
	req.TaskID = strings.TrimSpace(req.TaskID)
	if req.TaskID == "" {
		return nil, validationError(op, "task id is required")
	}
	if !req.Status.Valid() {
		return nil, validationError(op, "invalid status %q", req.Status)
	}
	for _, k := range []*string{&req.PrevRank, &req.NextRank, &req.Order} {
		if *k == "" {
			continue
		}
		key, err := rank.Canonical(*k)
		if err != nil {
			return nil, validationError(op, "invalid order key %q", *k)
		}
		*k = key
	}

	task, err := e.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, notFoundError(op, "task", req.TaskID)
	}
	from := task.Status
	if err := e.checkMove(ctx, *task, req.Status); err != nil {
		return nil, err
	}

	moved, err := e.tryMove(ctx, *task, req)
	if err != nil {
		if !orderRetryable(err) {
			return nil, err
		}
		if moved, err = e.retryMove(ctx, req, err); err != nil {
			return nil, err
		}
	}

	moved = e.settle(ctx, Partition{BoardID: moved.BoardID, Status: moved.Status}, moved)
	statuses := []Status{moved.Status}
	if from != moved.Status {
		statuses = append(statuses, from)
	}
	e.publish(ctx, Event{Type: TaskMoved, BoardID: moved.BoardID, TaskID: moved.ID, Statuses: statuses, Task: &moved})
	return &moved, nil
}

func (e *Engine) tryMove(ctx context.Context, task Task, req MoveRequest) (Task, error) {
	var key string
	var err error
	switch {
	case req.Order != "":
		key = req.Order
	case req.PrevRank != "" || req.NextRank != "":
		key, err = rank.Generate(req.PrevRank, req.NextRank)
	default:
		key, err = e.tailKey(ctx, Partition{BoardID: task.BoardID, Status: req.Status}, task.ID)
	}
	if err != nil {
		return Task{}, err
	}
	return e.writeMove(ctx, task, req.Status, key)
}

func (e *Engine) retryMove(ctx context.Context, req MoveRequest, cause error) (Task, error) {
	const op = "move task"
	e.log.WithFields(log.Fields{"task": req.TaskID, "status": req.Status, "prev": req.PrevRank, "next": req.NextRank}).
		WithError(cause).Info("order conflict on move; retrying with stored neighbours")
	fail := func(err error) (Task, error) {
		orderRetryTotal.WithLabelValues("move", "failed").Inc()
		return Task{}, conflictOrStore(op, err)
	}

	task, err := e.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return Task{}, err
	}
	if task == nil {
		return Task{}, notFoundError(op, "task", req.TaskID)
	}
	if err := e.checkMove(ctx, *task, req.Status); err != nil {
		return Task{}, err
	}
	p := Partition{BoardID: task.BoardID, Status: req.Status}
	others, err := e.partitionWithout(ctx, p, task.ID)
	if err != nil {
		return Task{}, err
	}
	pos := anchor(others, req)
	prev, next := neighbours(others, pos)
	key, err := rank.Generate(prev, next)
	if err != nil {
		// No room between the stored neighbours: respread the lane and
		// take the same slot under the new bucket.
		if err := e.rebalance(ctx, p); err != nil {
			return fail(err)
		}
		if task, err = e.store.GetTask(ctx, req.TaskID); err != nil {
			return Task{}, err
		}
		if task == nil {
			return Task{}, notFoundError(op, "task", req.TaskID)
		}
		if others, err = e.partitionWithout(ctx, p, task.ID); err != nil {
			return Task{}, err
		}
		prev, next = neighbours(others, min(pos, len(others)))
		if key, err = rank.Generate(prev, next); err != nil {
			return fail(err)
		}
	}
	moved, err := e.writeMove(ctx, *task, req.Status, key)
	if err != nil {
		return fail(err)
	}
	orderRetryTotal.WithLabelValues("move", "ok").Inc()
	return moved, nil
}

func (e *Engine) writeMove(ctx context.Context, task Task, status Status, key string) (Task, error) {
	upd := task.Clone()
	upd.Status = status
	upd.Order = key
	return e.store.UpdateTask(ctx, upd, task.ETag)
}

// checkMove runs the gatekeeper against a fresh snapshot of the board when
// the move changes the task's lane.
func (e *Engine) checkMove(ctx context.Context, task Task, target Status) error {
	if task.Status == target {
		return nil
	}
	tasks, err := e.store.ListBoardTasks(ctx, task.BoardID)
	if err != nil {
		return err
	}
	g := NewGraph(tasks)
	err = CheckTransition(task, target, g.Tasks(task.Dependencies), g.Dependents(task.ID))
	if err != nil {
		transitionDeniedTotal.WithLabelValues(string(ReasonOf(err))).Inc()
		e.log.WithFields(log.Fields{"task": task.ID, "from": task.Status, "to": target, "reason": ReasonOf(err)}).Debug("transition denied")
	}
	return err
}

// BatchMove applies each request on its own, in order. One failing entry
// does not stop the others.
func (e *Engine) BatchMove(ctx context.Context, reqs []MoveRequest) []MoveResult {
	results := make([]MoveResult, len(reqs))
	for i, req := range reqs {
		t, err := e.MoveTask(ctx, req)
		results[i] = MoveResult{TaskID: req.TaskID, Task: t, Err: err}
	}
	return results
}

// AddDependencies adds prerequisites to a task after checking they exist on
// the same board and close no cycle.
func (e *Engine) AddDependencies(ctx context.Context, id string, deps []string) (*Task, error) {
	const op = "add dependencies"
	deps = normalizeIDs(deps)
	if len(deps) == 0 {
		return nil, validationError(op, "dependencies are required")
	}
	saved, changed, err := e.mutate(ctx, op, id, func(t *Task) (bool, error) {
		tasks, err := e.store.ListBoardTasks(ctx, t.BoardID)
		if err != nil {
			return false, err
		}
		g := NewGraph(tasks)
		if err := g.ValidateDependencies(t.ID, deps); err != nil {
			return false, err
		}
		all := slices.Clone(t.Dependencies)
		for _, d := range deps {
			if !t.DependsOn(d) {
				all = append(all, d)
			}
		}
		if len(all) == len(t.Dependencies) {
			return false, nil
		}
		if path := g.CyclePath(t.ID, all); path != nil {
			return false, invalidDependencyError(op, "circular dependency: %s", formatCycle(path))
		}
		t.Dependencies = all
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		e.publish(ctx, Event{Type: TaskDependenciesEdited, BoardID: saved.BoardID, TaskID: saved.ID, Task: saved})
	}
	return saved, nil
}

// RemoveDependency drops one prerequisite. Removing a dependency the task
// does not have is a validation error.
func (e *Engine) RemoveDependency(ctx context.Context, id, depID string) (*Task, error) {
	const op = "remove dependency"
	depID = strings.TrimSpace(depID)
	if depID == "" {
		return nil, validationError(op, "dependency id is required")
	}
	saved, _, err := e.mutate(ctx, op, id, func(t *Task) (bool, error) {
		if !t.DependsOn(depID) {
			return false, validationError(op, "task %s does not depend on %s", t.ID, depID)
		}
		t.Dependencies = slices.DeleteFunc(t.Dependencies, func(d string) bool { return d == depID })
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(ctx, Event{Type: TaskDependenciesEdited, BoardID: saved.BoardID, TaskID: saved.ID, Task: saved})
	return saved, nil
}

// UpdateTaskDetails edits descriptive fields. Status, order and dependencies
// have their own operations.
func (e *Engine) UpdateTaskDetails(ctx context.Context, id string, patch DetailsPatch) (*Task, error) {
	const op = "update task"
	if patch.empty() {
		return nil, validationError(op, "no fields to update")
	}
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return nil, validationError(op, "title cannot be empty")
	}
	saved, changed, err := e.mutate(ctx, op, id, func(t *Task) (bool, error) {
		if patch.Title != nil {
			t.Title = strings.TrimSpace(*patch.Title)
		}
		if patch.Description != nil {
			t.Description = *patch.Description
		}
		if patch.AssignedTo != nil {
			t.AssignedTo = *patch.AssignedTo
		}
		switch {
		case patch.ClearDueDate:
			t.DueDate = nil
		case patch.DueDate != nil:
			d := *patch.DueDate
			t.DueDate = &d
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		e.publish(ctx, Event{Type: TaskUpdated, BoardID: saved.BoardID, TaskID: saved.ID, Statuses: []Status{saved.Status}, Task: saved})
	}
	return saved, nil
}

// DeleteTask removes a task. Dependents keep their reference; callers clean
// them up first.
func (e *Engine) DeleteTask(ctx context.Context, id string) error {
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task == nil {
		return notFoundError("delete task", "task", id)
	}
	if err := e.store.DeleteTask(ctx, *task); err != nil {
		return err
	}
	e.publish(ctx, Event{Type: TaskDeleted, BoardID: task.BoardID, TaskID: task.ID, Statuses: []Status{task.Status}})
	return nil
}

// Rebalance respreads a lane on demand.
func (e *Engine) Rebalance(ctx context.Context, boardID string, status Status) error {
	if !status.Valid() {
		return validationError("rebalance", "invalid status %q", status)
	}
	return e.rebalance(ctx, Partition{BoardID: boardID, Status: status})
}

func (e *Engine) rebalance(ctx context.Context, p Partition) error {
	n, err := e.rebalancer.Rebalance(ctx, p)
	if err != nil {
		return err
	}
	if n > 0 {
		e.publish(ctx, Event{Type: PartitionRebalanced, BoardID: p.BoardID, Statuses: []Status{p.Status}})
	}
	return nil
}

// mutate reads a task, applies fn to a copy and writes it back at the read
// etag, re-reading once when the etag went stale.
func (e *Engine) mutate(ctx context.Context, op, id string, fn func(t *Task) (bool, error)) (*Task, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, validationError(op, "task id is required")
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		task, err := e.store.GetTask(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if task == nil {
			return nil, false, notFoundError(op, "task", id)
		}
		upd := task.Clone()
		changed, err := fn(&upd)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return task, false, nil
		}
		saved, err := e.store.UpdateTask(ctx, upd, task.ETag)
		if err == nil {
			return &saved, true, nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) {
			return nil, false, err
		}
		lastErr = err
		e.log.WithFields(log.Fields{"task": id, "op": op}).Debug("stale etag; retrying")
	}
	return nil, false, concurrentUpdateError(op, lastErr)
}

// settle rebalances the lane when t's key outgrew the threshold and returns
// t as stored afterwards. Rebalance failures leave t as written.
func (e *Engine) settle(ctx context.Context, p Partition, t Task) Task {
	if !rank.NeedsRebalance(t.Order) {
		return t
	}
	if err := e.rebalance(ctx, p); err != nil {
		return t
	}
	fresh, err := e.store.GetTask(ctx, t.ID)
	if err != nil || fresh == nil {
		return t
	}
	return *fresh
}

func (e *Engine) publish(ctx context.Context, ev Event) {
	if e.sink == nil {
		return
	}
	ev.ID = uuid.NewString()
	ev.Time = nextTimestamp()
	if err := e.sink.Publish(ctx, ev); err != nil {
		e.log.WithFields(log.Fields{"event": ev.Type, "board": ev.BoardID, "task": ev.TaskID}).WithError(err).Warn("event publication failed")
	}
}

func (e *Engine) partitionWithout(ctx context.Context, p Partition, taskID string) ([]Task, error) {
	tasks, err := e.store.ListPartition(ctx, p.BoardID, p.Status)
	if err != nil {
		return nil, err
	}
	tasks = slices.DeleteFunc(tasks, func(t Task) bool { return t.ID == taskID })
	SortByOrder(tasks)
	return tasks, nil
}

// tailKey returns a key after the last task of the lane, ignoring taskID.
func (e *Engine) tailKey(ctx context.Context, p Partition, taskID string) (string, error) {
	tasks, err := e.partitionWithout(ctx, p, taskID)
	if err != nil {
		return "", err
	}
	prev, _ := neighbours(tasks, len(tasks))
	return rank.Generate(prev, "")
}

// anchor returns the slot in the sorted lane the request was aiming at.
func anchor(tasks []Task, req MoveRequest) int {
	after := func(key string) int {
		return sort.Search(len(tasks), func(i int) bool { return rank.Compare(tasks[i].Order, key) > 0 })
	}
	switch {
	case req.PrevRank != "":
		return after(req.PrevRank)
	case req.NextRank != "":
		return sort.Search(len(tasks), func(i int) bool { return rank.Compare(tasks[i].Order, req.NextRank) >= 0 })
	case req.Order != "":
		return after(req.Order)
	}
	return len(tasks)
}

func neighbours(tasks []Task, pos int) (prev, next string) {
	if pos > 0 {
		prev = tasks[pos-1].Order
	}
	if pos < len(tasks) {
		next = tasks[pos].Order
	}
	return prev, next
}

// orderRetryable reports whether err is resolved by re-reading neighbours or
// rebalancing.
func orderRetryable(err error) bool {
	return errors.Is(err, ErrOrderConflict) ||
		errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, rank.ErrNoSpace) ||
		errors.Is(err, rank.ErrOutOfOrder) ||
		errors.Is(err, rank.ErrInvalidKey)
}

func conflictOrStore(op string, err error) error {
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	if orderRetryable(err) || errors.Is(err, ErrPartitionLocked) {
		return orderConflictError(op, err)
	}
	return err
}
