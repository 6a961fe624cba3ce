package domain

import (
	"slices"
	"strings"
	"time"
)

// Status is the board lane a task sits in.
type Status string

const (
	StatusToDo       Status = "to_do"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
)

// Statuses lists every lane in board order.
var Statuses = []Status{StatusToDo, StatusInProgress, StatusDone}

func (s Status) Valid() bool {
	return s == StatusToDo || s == StatusInProgress || s == StatusDone
}

// progress ranks lanes so that later lanes compare greater.
func (s Status) progress() int {
	switch s {
	case StatusInProgress:
		return 1
	case StatusDone:
		return 2
	}
	return 0
}

// Task represents a single board item.
type Task struct {
	ID           string     `json:"id"`
	BoardID      string     `json:"boardId"`
	DisplayID    string     `json:"displayId"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	AssignedTo   string     `json:"assignedTo,omitempty"`
	DueDate      *time.Time `json:"dueDate,omitempty"`
	Status       Status     `json:"status"`
	Order        string     `json:"order"`
	Dependencies []string   `json:"dependencies"`
	CreatedAt    time.Time  `json:"createdAt"`
	// ETag is the store version the task was read at.
	ETag string `json:"-"`
}

// Clone returns a copy that shares no slices with t.
func (t Task) Clone() Task {
	c := t
	c.Dependencies = slices.Clone(t.Dependencies)
	if t.DueDate != nil {
		d := *t.DueDate
		c.DueDate = &d
	}
	return c
}

func (t Task) DependsOn(id string) bool {
	return slices.Contains(t.Dependencies, id)
}

// Board groups tasks and hands out display numbers.
type Board struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Key               string    `json:"key"`
	NextDisplayNumber int       `json:"nextDisplayNumber"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Partition identifies the tasks sharing one board and lane.
type Partition struct {
	BoardID string
	Status  Status
}

func (p Partition) String() string {
	return p.BoardID + "/" + string(p.Status)
}

// TaskSpec describes a task to create.
type TaskSpec struct {
	BoardID     string
	Title       string
	Description string
	AssignedTo  string
	DueDate     *time.Time
	Status      Status
	// Order is an optional absolute key chosen by the caller.
	Order        string
	Dependencies []string
}

// MoveRequest places a task in a lane, optionally between two neighbours.
type MoveRequest struct {
	TaskID   string
	Status   Status
	PrevRank string
	NextRank string
	Order    string
}

// MoveResult is the outcome of one entry of a batch move.
type MoveResult struct {
	TaskID string
	Task   *Task
	Err    error
}

// DetailsPatch carries the editable descriptive fields of a task. Nil fields
// are left untouched.
type DetailsPatch struct {
	Title        *string
	Description  *string
	AssignedTo   *string
	DueDate      *time.Time
	ClearDueDate bool
}

func (p DetailsPatch) empty() bool {
	return p.Title == nil && p.Description == nil && p.AssignedTo == nil && p.DueDate == nil && !p.ClearDueDate
}

// normalizeIDs trims ids and drops duplicates, keeping first-seen order.
// Blank ids are kept so validation can reject them.
func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// TaskQuery narrows and pages a task listing. A zero Limit returns every
// match on one page.
type TaskQuery struct {
	AssignedTo string
	Page       int
	Limit      int
}

// TaskPage is one page of a listing. Total counts every match.
type TaskPage struct {
	Tasks   []Task `json:"tasks"`
	Total   int    `json:"total"`
	Page    int    `json:"page"`
	Limit   int    `json:"limit,omitempty"`
	HasMore bool   `json:"hasMore"`
}

// PageTasks filters tasks by q and cuts the requested page, keeping the
// input order. Pages start at 1; a page past the end is empty.
func PageTasks(tasks []Task, q TaskQuery) TaskPage {
	matched := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if q.AssignedTo != "" && t.AssignedTo != q.AssignedTo {
			continue
		}
		matched = append(matched, t)
	}
	page := max(q.Page, 1)
	out := TaskPage{Total: len(matched), Page: page, Limit: q.Limit}
	if q.Limit <= 0 {
		out.Page, out.Limit = 1, 0
		out.Tasks = matched
		return out
	}
	start := min((page-1)*q.Limit, len(matched))
	end := min(start+q.Limit, len(matched))
	out.Tasks = matched[start:end]
	out.HasMore = page*q.Limit < len(matched)
	return out
}

// sortForListing orders tasks by board, then lane, then key.
func sortForListing(tasks []Task) {
	slices.SortStableFunc(tasks, func(a, b Task) int {
		if c := strings.Compare(a.BoardID, b.BoardID); c != 0 {
			return c
		}
		if c := a.Status.progress() - b.Status.progress(); c != 0 {
			return c
		}
		return strings.Compare(a.Order, b.Order)
	})
}
