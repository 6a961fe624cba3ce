package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"taskboard/domain"
)

const (
	// maxTransactionOps is the service limit for one entity group transaction.
	maxTransactionOps = 99
	// displayNumberAttempts bounds the optimistic increment of a board counter.
	displayNumberAttempts = 5
)

// tableClient is the subset of *aztables.Client the store uses.
type tableClient interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
	NewListEntitiesPager(options *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
	SubmitTransaction(ctx context.Context, actions []aztables.TransactionAction, options *aztables.SubmitTransactionOptions) (aztables.TransactionResponse, error)
}

// TableStore persists boards and tasks in Azure Table Storage.
type TableStore struct {
	taskTable  tableClient
	boardTable tableClient
}

func retryOptions(maxRetries int, tryTimeout, maxDelay time.Duration) azcore.ClientOptions {
	return azcore.ClientOptions{
		Retry: policy.RetryOptions{
			MaxRetries:    int32(maxRetries),
			TryTimeout:    tryTimeout,
			RetryDelay:    time.Second * 1,
			MaxRetryDelay: maxDelay,
			StatusCodes:   []int{408, 429, 500, 502, 503, 504},
		},
	}
}

// NewTableStore creates a TableStore from the given connection string.
func NewTableStore(connStr, tasksTable, boardsTable string) (*TableStore, error) {
	opts := aztables.ClientOptions{ClientOptions: retryOptions(3, time.Minute*3, time.Second*15)}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &TableStore{taskTable: svc.NewClient(tasksTable), boardTable: svc.NewClient(boardsTable)}, nil
}

func responseStatus(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

// translate maps service rejections of conditional writes to the domain
// sentinels.
func translate(err error) error {
	switch responseStatus(err) {
	case http.StatusConflict:
		return fmt.Errorf("%w: %v", domain.ErrOrderConflict, err)
	case http.StatusPreconditionFailed, http.StatusNotFound:
		return fmt.Errorf("%w: %v", domain.ErrConcurrencyConflict, err)
	}
	return err
}

func (s *TableStore) query(ctx context.Context, table tableClient, filter string, fn func([]byte) error) error {
	pager := table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, e := range resp.Entities {
			if err := fn(e); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *TableStore) queryTasks(ctx context.Context, filter string) ([]domain.Task, error) {
	tasks := []domain.Task{}
	err := s.query(ctx, s.taskTable, filter, func(data []byte) error {
		t, err := decodeListedTask(data)
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetTask looks a task up by id across boards.
func (s *TableStore) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	tasks, err := s.queryTasks(ctx, "RowKey eq "+quote(taskRowKey(id)))
	if err != nil || len(tasks) == 0 {
		return nil, err
	}
	return &tasks[0], nil
}

func (s *TableStore) getTaskRow(ctx context.Context, boardID, id string) (*domain.Task, error) {
	ent, err := s.taskTable.GetEntity(ctx, boardID, taskRowKey(id), nil)
	if err != nil {
		if responseStatus(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	t, err := decodeTask(ent.Value, string(ent.ETag))
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListPartition returns one lane of a board. Task rows come back in task id
// order, so the lane is sorted by key here.
func (s *TableStore) ListPartition(ctx context.Context, boardID string, status domain.Status) ([]domain.Task, error) {
	filter := "PartitionKey eq " + quote(boardID) + " and Kind eq " + quote(kindTask) + " and Status eq " + quote(string(status))
	tasks, err := s.queryTasks(ctx, filter)
	if err != nil {
		return nil, err
	}
	domain.SortByOrder(tasks)
	return tasks, nil
}

func (s *TableStore) ListBoardTasks(ctx context.Context, boardID string) ([]domain.Task, error) {
	return s.queryTasks(ctx, "PartitionKey eq "+quote(boardID)+" and Kind eq "+quote(kindTask))
}

// FindDependents scans the board. Dependencies are stored as one string
// property, which the service cannot search.
func (s *TableStore) FindDependents(ctx context.Context, boardID, taskID string) ([]domain.Task, error) {
	tasks, err := s.ListBoardTasks(ctx, boardID)
	if err != nil {
		return nil, err
	}
	out := tasks[:0]
	for _, t := range tasks {
		if t.DependsOn(taskID) {
			out = append(out, t)
		}
	}
	return out, nil
}

// InsertTask adds the task row together with its order slot.
func (s *TableStore) InsertTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	row, err := encodeTask(t)
	if err != nil {
		return domain.Task{}, err
	}
	slot, err := encodeOrder(t.BoardID, t.Status, t.Order, t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	actions := []aztables.TransactionAction{
		{ActionType: aztables.TransactionTypeAdd, Entity: row},
		{ActionType: aztables.TransactionTypeAdd, Entity: slot},
	}
	if _, err := s.taskTable.SubmitTransaction(ctx, actions, nil); err != nil {
		return domain.Task{}, translate(err)
	}
	return s.reread(ctx, t)
}

// UpdateTask replaces the task row at etag and moves its order slot when the
// lane or key changed.
func (s *TableStore) UpdateTask(ctx context.Context, t domain.Task, etag string) (domain.Task, error) {
	cur, err := s.getTaskRow(ctx, t.BoardID, t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if cur == nil || cur.ETag != etag {
		return domain.Task{}, domain.ErrConcurrencyConflict
	}
	row, err := encodeTask(t)
	if err != nil {
		return domain.Task{}, err
	}
	match := azcore.ETag(etag)
	actions := []aztables.TransactionAction{{ActionType: aztables.TransactionTypeUpdateReplace, Entity: row, IfMatch: &match}}
	if cur.Status != t.Status || cur.Order != t.Order {
		moves, err := slotMove(t.BoardID, t.ID, cur.Status, cur.Order, t.Status, t.Order)
		if err != nil {
			return domain.Task{}, err
		}
		actions = append(actions, moves...)
	}
	if _, err := s.taskTable.SubmitTransaction(ctx, actions, nil); err != nil {
		return domain.Task{}, translate(err)
	}
	return s.reread(ctx, t)
}

func slotMove(boardID, taskID string, fromStatus domain.Status, fromOrder string, toStatus domain.Status, toOrder string) ([]aztables.TransactionAction, error) {
	oldSlot, err := encodeKeys(boardID, orderRowKey(fromStatus, fromOrder))
	if err != nil {
		return nil, err
	}
	newSlot, err := encodeOrder(boardID, toStatus, toOrder, taskID)
	if err != nil {
		return nil, err
	}
	anyTag := azcore.ETagAny
	return []aztables.TransactionAction{
		{ActionType: aztables.TransactionTypeDelete, Entity: oldSlot, IfMatch: &anyTag},
		{ActionType: aztables.TransactionTypeAdd, Entity: newSlot},
	}, nil
}

func (s *TableStore) reread(ctx context.Context, t domain.Task) (domain.Task, error) {
	saved, err := s.getTaskRow(ctx, t.BoardID, t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if saved == nil {
		return domain.Task{}, domain.ErrConcurrencyConflict
	}
	return *saved, nil
}

// ApplyOrder rewrites order keys in transactions of at most
// maxTransactionOps operations. When a later transaction fails the earlier
// ones are reverted before the error is returned.
func (s *TableStore) ApplyOrder(ctx context.Context, changes []domain.OrderChange) error {
	perTask := 3
	chunk := maxTransactionOps / perTask
	for start := 0; start < len(changes); start += chunk {
		end := min(start+chunk, len(changes))
		if err := s.applyChunk(ctx, changes[start:end]); err != nil {
			if start > 0 {
				if rerr := s.revert(ctx, changes[:start]); rerr != nil {
					return errors.Join(translate(err), fmt.Errorf("revert rebalance: %w", rerr))
				}
			}
			return translate(err)
		}
	}
	return nil
}

func (s *TableStore) applyChunk(ctx context.Context, changes []domain.OrderChange) error {
	actions := make([]aztables.TransactionAction, 0, len(changes)*3)
	for _, c := range changes {
		t := c.Task
		upd, err := encodeOrderUpdate(t.BoardID, t.ID, c.Order)
		if err != nil {
			return err
		}
		match := azcore.ETag(t.ETag)
		actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeUpdateMerge, Entity: upd, IfMatch: &match})
		moves, err := slotMove(t.BoardID, t.ID, t.Status, t.Order, t.Status, c.Order)
		if err != nil {
			return err
		}
		actions = append(actions, moves...)
	}
	_, err := s.taskTable.SubmitTransaction(ctx, actions, nil)
	return err
}

// revert puts the previous keys back on tasks whose rewrite already landed.
func (s *TableStore) revert(ctx context.Context, applied []domain.OrderChange) error {
	var errs []error
	for _, c := range applied {
		cur, err := s.getTaskRow(ctx, c.Task.BoardID, c.Task.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if cur == nil || cur.Order != c.Order {
			continue
		}
		back := domain.OrderChange{Task: *cur, Order: c.Task.Order}
		if err := s.applyChunk(ctx, []domain.OrderChange{back}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeleteTask removes the task row and frees its order slot.
func (s *TableStore) DeleteTask(ctx context.Context, t domain.Task) error {
	row, err := encodeKeys(t.BoardID, taskRowKey(t.ID))
	if err != nil {
		return err
	}
	slot, err := encodeKeys(t.BoardID, orderRowKey(t.Status, t.Order))
	if err != nil {
		return err
	}
	anyTag := azcore.ETagAny
	actions := []aztables.TransactionAction{
		{ActionType: aztables.TransactionTypeDelete, Entity: row, IfMatch: &anyTag},
		{ActionType: aztables.TransactionTypeDelete, Entity: slot, IfMatch: &anyTag},
	}
	_, err = s.taskTable.SubmitTransaction(ctx, actions, nil)
	if responseStatus(err) == http.StatusNotFound {
		return nil
	}
	return err
}

// CreateBoard claims the board key first so two boards can never share it.
func (s *TableStore) CreateBoard(ctx context.Context, b domain.Board) (domain.Board, error) {
	claim, err := sonic.Marshal(boardKeyEntity{Entity: Entity{PartitionKey: boardKeyPartition, RowKey: b.Key}, BoardID: b.ID})
	if err != nil {
		return domain.Board{}, err
	}
	if _, err := s.boardTable.AddEntity(ctx, claim, nil); err != nil {
		if responseStatus(err) == http.StatusConflict {
			return domain.Board{}, domain.ErrBoardKeyTaken
		}
		return domain.Board{}, err
	}
	row, err := encodeBoard(b)
	if err == nil {
		_, err = s.boardTable.AddEntity(ctx, row, nil)
	}
	if err != nil {
		_, _ = s.boardTable.DeleteEntity(ctx, boardKeyPartition, b.Key, nil)
		return domain.Board{}, err
	}
	return b, nil
}

func (s *TableStore) GetBoard(ctx context.Context, id string) (*domain.Board, error) {
	ent, err := s.boardTable.GetEntity(ctx, boardPartition, id, nil)
	if err != nil {
		if responseStatus(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	b, err := decodeBoard(ent.Value)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *TableStore) ListBoards(ctx context.Context) ([]domain.Board, error) {
	boards := []domain.Board{}
	err := s.query(ctx, s.boardTable, "PartitionKey eq "+quote(boardPartition), func(data []byte) error {
		b, err := decodeBoard(data)
		if err != nil {
			return err
		}
		boards = append(boards, b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return boards, nil
}

// DeleteBoard removes the board row, then releases its key claim. A missing
// row is not an error.
func (s *TableStore) DeleteBoard(ctx context.Context, b domain.Board) error {
	anyTag := azcore.ETagAny
	opts := &aztables.DeleteEntityOptions{IfMatch: &anyTag}
	if _, err := s.boardTable.DeleteEntity(ctx, boardPartition, b.ID, opts); err != nil && responseStatus(err) != http.StatusNotFound {
		return err
	}
	if _, err := s.boardTable.DeleteEntity(ctx, boardKeyPartition, b.Key, opts); err != nil && responseStatus(err) != http.StatusNotFound {
		return err
	}
	return nil
}

// NextDisplayNumber increments the board counter with an etag-guarded merge,
// retrying when another writer got there first.
func (s *TableStore) NextDisplayNumber(ctx context.Context, boardID string) (int, error) {
	for attempt := 0; attempt < displayNumberAttempts; attempt++ {
		ent, err := s.boardTable.GetEntity(ctx, boardPartition, boardID, nil)
		if err != nil {
			if responseStatus(err) == http.StatusNotFound {
				return 0, domain.ErrNotFound
			}
			return 0, err
		}
		b, err := decodeBoard(ent.Value)
		if err != nil {
			return 0, err
		}
		next := b.NextDisplayNumber + 1
		payload, err := sonic.Marshal(struct {
			Entity
			NextDisplayNumber int `json:"NextDisplayNumber"`
		}{Entity: Entity{PartitionKey: boardPartition, RowKey: boardID}, NextDisplayNumber: next})
		if err != nil {
			return 0, err
		}
		et := ent.ETag
		_, err = s.boardTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
		if err == nil {
			return next, nil
		}
		if responseStatus(err) != http.StatusPreconditionFailed {
			return 0, err
		}
	}
	return 0, fmt.Errorf("board %s: %w", boardID, domain.ErrConcurrencyConflict)
}
