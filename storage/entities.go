package storage

import (
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"taskboard/domain"
)

const (
	edmDateTime = "Edm.DateTime"

	kindTask  = "task"
	kindOrder = "order"

	taskRowPrefix  = "task:"
	orderRowPrefix = "order:"

	boardPartition    = "board"
	boardKeyPartition = "board-key"
)

// Entity carries the table keys every row has.
type Entity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

// taskEntity is the row holding a task. Its partition is the board id.
type taskEntity struct {
	Entity
	Kind          string  `json:"Kind"`
	DisplayID     string  `json:"DisplayId"`
	Title         string  `json:"Title"`
	Description   string  `json:"Description,omitempty"`
	AssignedTo    string  `json:"AssignedTo,omitempty"`
	DueDate       *string `json:"DueDate,omitempty"`
	DueDateType   *string `json:"DueDate@odata.type,omitempty"`
	Status        string  `json:"Status"`
	Order         string  `json:"Order"`
	Dependencies  string  `json:"Dependencies"`
	CreatedAt     string  `json:"CreatedAt"`
	CreatedAtType string  `json:"CreatedAt@odata.type"`
}

// orderEntity claims one (status, order) slot of a board. The service
// rejects a second row with the same keys, which is what makes order keys
// unique per partition.
type orderEntity struct {
	Entity
	Kind   string `json:"Kind"`
	TaskID string `json:"TaskId"`
}

// orderUpdate merges a new order key into a task row.
type orderUpdate struct {
	Entity
	Order string `json:"Order"`
}

type boardEntity struct {
	Entity
	Name              string `json:"Name"`
	Key               string `json:"Key"`
	NextDisplayNumber int    `json:"NextDisplayNumber"`
	CreatedAt         string `json:"CreatedAt"`
	CreatedAtType     string `json:"CreatedAt@odata.type"`
}

type boardKeyEntity struct {
	Entity
	BoardID string `json:"BoardId"`
}

// listedRow is a row as returned by a query, with its etag.
type listedRow struct {
	ETag string `json:"odata.etag"`
}

func taskRowKey(id string) string {
	return taskRowPrefix + id
}

func orderRowKey(status domain.Status, order string) string {
	return orderRowPrefix + string(status) + ":" + order
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeTask(t domain.Task) ([]byte, error) {
	deps := t.Dependencies
	if deps == nil {
		deps = []string{}
	}
	rawDeps, err := sonic.MarshalString(deps)
	if err != nil {
		return nil, err
	}
	ent := taskEntity{
		Entity:        Entity{PartitionKey: t.BoardID, RowKey: taskRowKey(t.ID)},
		Kind:          kindTask,
		DisplayID:     t.DisplayID,
		Title:         t.Title,
		Description:   t.Description,
		AssignedTo:    t.AssignedTo,
		Status:        string(t.Status),
		Order:         t.Order,
		Dependencies:  rawDeps,
		CreatedAt:     formatTime(t.CreatedAt),
		CreatedAtType: edmDateTime,
	}
	if t.DueDate != nil {
		due, typ := formatTime(*t.DueDate), edmDateTime
		ent.DueDate, ent.DueDateType = &due, &typ
	}
	return sonic.Marshal(ent)
}

func decodeTask(data []byte, etag string) (domain.Task, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	deps := []string{}
	if ent.Dependencies != "" {
		if err := sonic.UnmarshalString(ent.Dependencies, &deps); err != nil {
			return domain.Task{}, err
		}
	}
	t := domain.Task{
		ID:           strings.TrimPrefix(ent.RowKey, taskRowPrefix),
		BoardID:      ent.PartitionKey,
		DisplayID:    ent.DisplayID,
		Title:        ent.Title,
		Description:  ent.Description,
		AssignedTo:   ent.AssignedTo,
		Status:       domain.Status(ent.Status),
		Order:        ent.Order,
		Dependencies: deps,
		CreatedAt:    parseTime(ent.CreatedAt),
		ETag:         etag,
	}
	if ent.DueDate != nil {
		due := parseTime(*ent.DueDate)
		t.DueDate = &due
	}
	return t, nil
}

// decodeListedTask decodes a task row from a query page, where the etag is
// part of the body.
func decodeListedTask(data []byte) (domain.Task, error) {
	var row listedRow
	if err := sonic.Unmarshal(data, &row); err != nil {
		return domain.Task{}, err
	}
	return decodeTask(data, row.ETag)
}

func encodeOrder(boardID string, status domain.Status, order, taskID string) ([]byte, error) {
	return sonic.Marshal(orderEntity{
		Entity: Entity{PartitionKey: boardID, RowKey: orderRowKey(status, order)},
		Kind:   kindOrder,
		TaskID: taskID,
	})
}

func encodeOrderUpdate(boardID, taskID, order string) ([]byte, error) {
	return sonic.Marshal(orderUpdate{Entity: Entity{PartitionKey: boardID, RowKey: taskRowKey(taskID)}, Order: order})
}

func encodeKeys(pk, rk string) ([]byte, error) {
	return sonic.Marshal(Entity{PartitionKey: pk, RowKey: rk})
}

func encodeBoard(b domain.Board) ([]byte, error) {
	return sonic.Marshal(boardEntity{
		Entity:            Entity{PartitionKey: boardPartition, RowKey: b.ID},
		Name:              b.Name,
		Key:               b.Key,
		NextDisplayNumber: b.NextDisplayNumber,
		CreatedAt:         formatTime(b.CreatedAt),
		CreatedAtType:     edmDateTime,
	})
}

func decodeBoard(data []byte) (domain.Board, error) {
	var ent boardEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Board{}, err
	}
	return domain.Board{
		ID:                ent.RowKey,
		Name:              ent.Name,
		Key:               ent.Key,
		NextDisplayNumber: ent.NextDisplayNumber,
		CreatedAt:         parseTime(ent.CreatedAt),
	}, nil
}

// quote renders s as an OData string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
