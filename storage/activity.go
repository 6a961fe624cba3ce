package storage

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"taskboard/domain"
)

const maxActivityPage = 200

type activityEntity struct {
	Entity
	Type    string `json:"Type"`
	TaskID  string `json:"TaskId,omitempty"`
	Payload string `json:"Payload"`
}

// ActivityLog stores committed board events newest first, one partition per
// board.
type ActivityLog struct {
	table tableClient
}

// NewActivityLog connects to the activity table.
func NewActivityLog(connStr, tableName string) (*ActivityLog, error) {
	opts := aztables.ClientOptions{ClientOptions: retryOptions(3, time.Minute, time.Second*15)}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &ActivityLog{table: svc.NewClient(tableName)}, nil
}

// activityRowKey sorts newer events first. The event id keeps keys unique
// when two events share a timestamp.
func activityRowKey(ev domain.Event) string {
	return fmt.Sprintf("%019d:%s", math.MaxInt64-ev.Time, ev.ID)
}

// Record stores ev. Recording the same event twice is not an error so queue
// redeliveries are harmless.
func (l *ActivityLog) Record(ctx context.Context, ev domain.Event) error {
	if ev.BoardID == "" || ev.ID == "" {
		return fmt.Errorf("record activity: event %q of board %q lacks an id", ev.Type, ev.BoardID)
	}
	payload, err := sonic.MarshalString(ev)
	if err != nil {
		return err
	}
	data, err := sonic.Marshal(activityEntity{
		Entity:  Entity{PartitionKey: ev.BoardID, RowKey: activityRowKey(ev)},
		Type:    ev.Type,
		TaskID:  ev.TaskID,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	_, err = l.table.AddEntity(ctx, data, nil)
	if responseStatus(err) == http.StatusConflict {
		return nil
	}
	return err
}

// List returns up to limit of the board's most recent events.
func (l *ActivityLog) List(ctx context.Context, boardID string, limit int) ([]domain.Event, error) {
	if limit <= 0 || limit > maxActivityPage {
		limit = maxActivityPage
	}
	filter := "PartitionKey eq " + quote(boardID)
	pager := l.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Top: to.Ptr(int32(limit))})

	var rows []activityEntity
	for pager.More() && len(rows) < limit {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var row activityEntity
			if err := sonic.Unmarshal(raw, &row); err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
	}
	slices.SortFunc(rows, func(a, b activityEntity) int { return strings.Compare(a.RowKey, b.RowKey) })
	if len(rows) > limit {
		rows = rows[:limit]
	}

	events := make([]domain.Event, 0, len(rows))
	for _, row := range rows {
		var ev domain.Event
		if err := sonic.UnmarshalString(row.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode activity %s: %w", row.RowKey, err)
		}
		events = append(events, ev)
	}
	return events, nil
}
