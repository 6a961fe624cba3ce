package domain

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

type fakeStore struct {
	mu      sync.Mutex
	tasks   map[string]Task
	boards  map[string]Board
	version int

	insertErrs []error
	updateErrs []error
	applyErr   error
	applyCalls int

	// listGate holds ListPartition callers until the gate is released.
	listGate *gate
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[string]Task{}, boards: map[string]Board{}}
}

func (f *fakeStore) nextETag() string {
	f.version++
	return "v" + strconv.Itoa(f.version)
}

func (f *fakeStore) orderTaken(t Task) bool {
	for id, other := range f.tasks {
		if id != t.ID && other.BoardID == t.BoardID && other.Status == t.Status && other.Order == t.Order {
			return true
		}
	}
	return false
}

func (f *fakeStore) seedBoard(id, key string) Board {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := Board{ID: id, Name: key, Key: key}
	f.boards[id] = b
	return b
}

func (f *fakeStore) seedTask(t Task) Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.ETag = f.nextETag()
	f.tasks[t.ID] = t.Clone()
	return t
}

func (f *fakeStore) task(id string) Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[id].Clone()
}

func (f *fakeStore) GetTask(ctx context.Context, id string) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, nil
	}
	c := t.Clone()
	return &c, nil
}

func (f *fakeStore) ListPartition(ctx context.Context, boardID string, status Status) ([]Task, error) {
	f.mu.Lock()
	var out []Task
	for _, t := range f.tasks {
		if t.BoardID == boardID && t.Status == status {
			out = append(out, t.Clone())
		}
	}
	g := f.listGate
	f.mu.Unlock()
	SortByOrder(out)
	if g != nil {
		g.wait()
	}
	return out, nil
}

func (f *fakeStore) ListBoardTasks(ctx context.Context, boardID string) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Task
	for _, t := range f.tasks {
		if t.BoardID == boardID {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (f *fakeStore) FindDependents(ctx context.Context, boardID, taskID string) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Task
	for _, t := range f.tasks {
		if t.BoardID == boardID && t.DependsOn(taskID) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (f *fakeStore) InsertTask(ctx context.Context, t Task) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.insertErrs) > 0 {
		err := f.insertErrs[0]
		f.insertErrs = f.insertErrs[1:]
		return Task{}, err
	}
	if _, exists := f.tasks[t.ID]; exists || f.orderTaken(t) {
		return Task{}, ErrOrderConflict
	}
	t.ETag = f.nextETag()
	f.tasks[t.ID] = t.Clone()
	return t, nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, t Task, etag string) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updateErrs) > 0 {
		err := f.updateErrs[0]
		f.updateErrs = f.updateErrs[1:]
		return Task{}, err
	}
	cur, ok := f.tasks[t.ID]
	if !ok || cur.ETag != etag {
		return Task{}, ErrConcurrencyConflict
	}
	if f.orderTaken(t) {
		return Task{}, ErrOrderConflict
	}
	t.ETag = f.nextETag()
	f.tasks[t.ID] = t.Clone()
	return t, nil
}

func (f *fakeStore) ApplyOrder(ctx context.Context, changes []OrderChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyCalls++
	if f.applyErr != nil {
		return f.applyErr
	}
	for _, c := range changes {
		cur, ok := f.tasks[c.Task.ID]
		if !ok || cur.ETag != c.Task.ETag {
			return ErrConcurrencyConflict
		}
	}
	for _, c := range changes {
		t := f.tasks[c.Task.ID]
		t.Order = c.Order
		t.ETag = f.nextETag()
		f.tasks[t.ID] = t
	}
	return nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, t Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, t.ID)
	return nil
}

func (f *fakeStore) CreateBoard(ctx context.Context, b Board) (Board, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, other := range f.boards {
		if other.Key == b.Key {
			return Board{}, ErrBoardKeyTaken
		}
	}
	f.boards[b.ID] = b
	return b, nil
}

func (f *fakeStore) GetBoard(ctx context.Context, id string) (*Board, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.boards[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (f *fakeStore) ListBoards(ctx context.Context) ([]Board, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Board
	for _, b := range f.boards {
		out = append(out, b)
	}
	return out, nil
}

func (f *fakeStore) DeleteBoard(ctx context.Context, b Board) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.boards, b.ID)
	return nil
}

func (f *fakeStore) NextDisplayNumber(ctx context.Context, boardID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.boards[boardID]
	if !ok {
		return 0, ErrNotFound
	}
	b.NextDisplayNumber++
	f.boards[boardID] = b
	return b.NextDisplayNumber, nil
}

// gate releases its waiters once n of them arrived, or after a timeout so a
// broken test cannot hang.
type gate struct {
	mu      sync.Mutex
	n       int
	arrived int
	open    chan struct{}
}

func newGate(n int) *gate {
	return &gate{n: n, open: make(chan struct{})}
}

func (g *gate) wait() {
	g.mu.Lock()
	g.arrived++
	if g.arrived == g.n {
		close(g.open)
	}
	g.mu.Unlock()
	select {
	case <-g.open:
	case <-time.After(2 * time.Second):
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingSink) Publish(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

var errBoom = errors.New("boom")
