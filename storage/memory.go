package storage

import (
	"context"
	"strconv"
	"sync"

	"taskboard/domain"
)

// MemoryStore keeps boards and tasks in process. It enforces the same
// uniqueness and etag rules as TableStore and backs local mode.
type MemoryStore struct {
	mu      sync.RWMutex
	tasks   map[string]domain.Task
	orders  map[orderSlot]string
	boards  map[string]domain.Board
	keys    map[string]string
	version uint64
}

type orderSlot struct {
	board  string
	status domain.Status
	order  string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:  map[string]domain.Task{},
		orders: map[orderSlot]string{},
		boards: map[string]domain.Board{},
		keys:   map[string]string{},
	}
}

func slotOf(t domain.Task) orderSlot {
	return orderSlot{board: t.BoardID, status: t.Status, order: t.Order}
}

func (m *MemoryStore) etag() string {
	m.version++
	return "W/\"" + strconv.FormatUint(m.version, 10) + "\""
}

func (m *MemoryStore) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	c := t.Clone()
	return &c, nil
}

func (m *MemoryStore) ListPartition(ctx context.Context, boardID string, status domain.Status) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []domain.Task{}
	for _, t := range m.tasks {
		if t.BoardID == boardID && t.Status == status {
			out = append(out, t.Clone())
		}
	}
	domain.SortByOrder(out)
	return out, nil
}

func (m *MemoryStore) ListBoardTasks(ctx context.Context, boardID string) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []domain.Task{}
	for _, t := range m.tasks {
		if t.BoardID == boardID {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) FindDependents(ctx context.Context, boardID, taskID string) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []domain.Task{}
	for _, t := range m.tasks {
		if t.BoardID == boardID && t.DependsOn(taskID) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) InsertTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return domain.Task{}, domain.ErrConcurrencyConflict
	}
	if _, taken := m.orders[slotOf(t)]; taken {
		return domain.Task{}, domain.ErrOrderConflict
	}
	t.ETag = m.etag()
	m.tasks[t.ID] = t.Clone()
	m.orders[slotOf(t)] = t.ID
	return t, nil
}

func (m *MemoryStore) UpdateTask(ctx context.Context, t domain.Task, etag string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[t.ID]
	if !ok || cur.ETag != etag {
		return domain.Task{}, domain.ErrConcurrencyConflict
	}
	if owner, taken := m.orders[slotOf(t)]; taken && owner != t.ID {
		return domain.Task{}, domain.ErrOrderConflict
	}
	delete(m.orders, slotOf(cur))
	t.ETag = m.etag()
	m.tasks[t.ID] = t.Clone()
	m.orders[slotOf(t)] = t.ID
	return t, nil
}

// ApplyOrder rewrites every key or none. All etags are checked before the
// first write.
func (m *MemoryStore) ApplyOrder(ctx context.Context, changes []domain.OrderChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	moving := make(map[string]bool, len(changes))
	for _, c := range changes {
		cur, ok := m.tasks[c.Task.ID]
		if !ok || cur.ETag != c.Task.ETag {
			return domain.ErrConcurrencyConflict
		}
		moving[c.Task.ID] = true
	}
	for _, c := range changes {
		cur := m.tasks[c.Task.ID]
		slot := orderSlot{board: cur.BoardID, status: cur.Status, order: c.Order}
		if owner, taken := m.orders[slot]; taken && !moving[owner] {
			return domain.ErrOrderConflict
		}
	}
	for _, c := range changes {
		delete(m.orders, slotOf(m.tasks[c.Task.ID]))
	}
	for _, c := range changes {
		t := m.tasks[c.Task.ID]
		t.Order = c.Order
		t.ETag = m.etag()
		m.tasks[t.ID] = t
		m.orders[slotOf(t)] = t.ID
	}
	return nil
}

func (m *MemoryStore) DeleteTask(ctx context.Context, t domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[t.ID]
	if !ok {
		return nil
	}
	delete(m.orders, slotOf(cur))
	delete(m.tasks, t.ID)
	return nil
}

func (m *MemoryStore) CreateBoard(ctx context.Context, b domain.Board) (domain.Board, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.keys[b.Key]; taken {
		return domain.Board{}, domain.ErrBoardKeyTaken
	}
	m.boards[b.ID] = b
	m.keys[b.Key] = b.ID
	return b, nil
}

func (m *MemoryStore) GetBoard(ctx context.Context, id string) (*domain.Board, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.boards[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *MemoryStore) ListBoards(ctx context.Context) ([]domain.Board, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Board, 0, len(m.boards))
	for _, b := range m.boards {
		out = append(out, b)
	}
	return out, nil
}

func (m *MemoryStore) DeleteBoard(ctx context.Context, b domain.Board) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.boards[b.ID]
	if !ok {
		return nil
	}
	delete(m.boards, b.ID)
	if m.keys[cur.Key] == b.ID {
		delete(m.keys, cur.Key)
	}
	return nil
}

func (m *MemoryStore) NextDisplayNumber(ctx context.Context, boardID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.boards[boardID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	b.NextDisplayNumber++
	m.boards[boardID] = b
	return b.NextDisplayNumber, nil
}
