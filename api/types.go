package api

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"

	"taskboard/domain"
)

// Engine is the subset of *domain.Engine the handlers call.
type Engine interface {
	CreateBoard(ctx context.Context, name, key string) (*domain.Board, error)
	GetBoard(ctx context.Context, id string) (*domain.Board, error)
	ListBoards(ctx context.Context) ([]domain.Board, error)
	DeleteBoard(ctx context.Context, id string) error
	CreateTask(ctx context.Context, spec domain.TaskSpec) (*domain.Task, error)
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	TasksByIDs(ctx context.Context, ids []string) ([]domain.Task, error)
	TasksAssignedTo(ctx context.Context, username string) ([]domain.Task, error)
	ListPartition(ctx context.Context, boardID string, status domain.Status) ([]domain.Task, error)
	MoveTask(ctx context.Context, req domain.MoveRequest) (*domain.Task, error)
	BatchMove(ctx context.Context, reqs []domain.MoveRequest) []domain.MoveResult
	UpdateTaskDetails(ctx context.Context, id string, patch domain.DetailsPatch) (*domain.Task, error)
	DeleteTask(ctx context.Context, id string) error
	AddDependencies(ctx context.Context, id string, deps []string) (*domain.Task, error)
	RemoveDependency(ctx context.Context, id, depID string) (*domain.Task, error)
	Dependencies(ctx context.Context, id string) ([]domain.Task, error)
	Dependents(ctx context.Context, id string) ([]domain.Task, error)
	Rebalance(ctx context.Context, boardID string, status domain.Status) error
}

// TaskLister serves lane listings, usually from a cache.
type TaskLister interface {
	ListPartition(ctx context.Context, boardID string, status domain.Status) ([]domain.Task, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate create requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when processing fails.
	Remove(ctx context.Context, userID, key string) error
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type createBoardRequest struct {
	Name string `json:"name" validate:"required,max=200"`
	Key  string `json:"key" validate:"omitempty,max=10,alphanum"`
}

type createTaskRequest struct {
	BoardID      string     `json:"boardId" validate:"required"`
	Title        string     `json:"title" validate:"required,max=500"`
	Description  string     `json:"description" validate:"max=10000"`
	AssignedTo   string     `json:"assignedTo" validate:"max=200"`
	DueDate      *time.Time `json:"dueDate"`
	Status       string     `json:"status" validate:"omitempty,oneof=to_do in_progress done"`
	Order        string     `json:"order"`
	Dependencies []string   `json:"dependencies" validate:"max=100"`
}

type updateTaskRequest struct {
	Title        *string    `json:"title" validate:"omitempty,max=500"`
	Description  *string    `json:"description" validate:"omitempty,max=10000"`
	AssignedTo   *string    `json:"assignedTo" validate:"omitempty,max=200"`
	DueDate      *time.Time `json:"dueDate"`
	ClearDueDate bool       `json:"clearDueDate"`
}

type moveTaskRequest struct {
	Status   string `json:"status" validate:"required,oneof=to_do in_progress done"`
	PrevRank string `json:"prevRank"`
	NextRank string `json:"nextRank"`
	Order    string `json:"order"`
}

type batchMoveItem struct {
	TaskID string `json:"taskId" validate:"required"`
	moveTaskRequest
}

type batchMoveRequest struct {
	Moves []batchMoveItem `json:"moves" validate:"required,min=1,max=100,dive"`
}

type addDependenciesRequest struct {
	Dependencies []string `json:"dependencies" validate:"required,min=1,max=100"`
}

type tasksByIDsRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,max=100"`
}

type boardsResponse struct {
	Boards []domain.Board `json:"boards"`
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type batchMoveResult struct {
	TaskID string       `json:"taskId"`
	Task   *domain.Task `json:"task,omitempty"`
	Error  *errorBody   `json:"error,omitempty"`
}

type batchMoveResponse struct {
	Results []batchMoveResult `json:"results"`
}
