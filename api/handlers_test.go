package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/domain"
	"taskboard/storage"
)

type mockAuth struct{}

func (mockAuth) UserIDFromAuthHeader(string) (string, error) { return "user", nil }

type denyAuth struct{}

func (denyAuth) UserIDFromAuthHeader(string) (string, error) { return "", errBadAuthorization }

// stubEngine overrides single engine calls; anything else panics through the
// nil embedded interface.
type stubEngine struct {
	Engine
	getTask  func(id string) (*domain.Task, error)
	moveTask func(req domain.MoveRequest) (*domain.Task, error)
}

func (s stubEngine) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return s.getTask(id)
}

func (s stubEngine) MoveTask(ctx context.Context, req domain.MoveRequest) (*domain.Task, error) {
	return s.moveTask(req)
}

type countingLister struct {
	calls []domain.Status
}

func (l *countingLister) ListPartition(ctx context.Context, boardID string, status domain.Status) ([]domain.Task, error) {
	l.calls = append(l.calls, status)
	return []domain.Task{{ID: string(status), BoardID: boardID, Status: status}}, nil
}

func newTestAPI(t *testing.T, deduper Deduper) *echo.Echo {
	t.Helper()
	logger, _ := test.NewNullLogger()
	engine := domain.NewEngine(storage.NewMemoryStore(), domain.NewLocalLocker(), nil, logger)
	e := echo.New()
	Register(e, engine, nil, mockAuth{}, deduper, logger)
	return e
}

func do(t *testing.T, e *echo.Echo, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer a.b.c")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := sonic.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func mustStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func createBoardVia(t *testing.T, e *echo.Echo, name string) domain.Board {
	t.Helper()
	rec := do(t, e, http.MethodPost, "/api/boards", `{"name":"`+name+`"}`)
	mustStatus(t, rec, http.StatusCreated)
	return decode[domain.Board](t, rec)
}

func createTaskVia(t *testing.T, e *echo.Echo, body string) domain.Task {
	t.Helper()
	rec := do(t, e, http.MethodPost, "/api/tasks", body)
	mustStatus(t, rec, http.StatusCreated)
	return decode[domain.Task](t, rec)
}

func TestTaskLifecycle(t *testing.T) {
	e := newTestAPI(t, nil)
	board := createBoardVia(t, e, "Engineering Board")
	if board.Key != "EB" {
		t.Fatalf("unexpected board key %q", board.Key)
	}

	a := createTaskVia(t, e, `{"boardId":"`+board.ID+`","title":"Design schema"}`)
	b := createTaskVia(t, e, `{"boardId":"`+board.ID+`","title":"Write migration","dependencies":["`+a.ID+`"]}`)
	if a.Status != domain.StatusToDo || len(b.Dependencies) != 1 || b.Dependencies[0] != a.ID {
		t.Fatalf("unexpected tasks %+v %+v", a, b)
	}
	if !strings.HasPrefix(a.DisplayID, "EB-") {
		t.Fatalf("unexpected display id %q", a.DisplayID)
	}

	rec := do(t, e, http.MethodPut, "/api/tasks/"+b.ID+"/move", `{"status":"in_progress"}`)
	mustStatus(t, rec, http.StatusConflict)
	body := decode[errorBody](t, rec)
	if body.Kind != string(domain.KindTransitionDenied) || body.Reason != string(domain.ReasonDependenciesNotReady) {
		t.Fatalf("unexpected error body %+v", body)
	}

	mustStatus(t, do(t, e, http.MethodPut, "/api/tasks/"+a.ID+"/move", `{"status":"done"}`), http.StatusOK)
	rec = do(t, e, http.MethodPut, "/api/tasks/"+b.ID+"/move", `{"status":"in_progress"}`)
	mustStatus(t, rec, http.StatusOK)
	if moved := decode[domain.Task](t, rec); moved.Status != domain.StatusInProgress {
		t.Fatalf("unexpected status %s", moved.Status)
	}

	rec = do(t, e, http.MethodGet, "/api/tasks?boardId="+board.ID+"&status=done", "")
	mustStatus(t, rec, http.StatusOK)
	if lane := decode[tasksResponse](t, rec); len(lane.Tasks) != 1 || lane.Tasks[0].ID != a.ID {
		t.Fatalf("unexpected done lane %+v", lane.Tasks)
	}
	rec = do(t, e, http.MethodGet, "/api/tasks?boardId="+board.ID, "")
	mustStatus(t, rec, http.StatusOK)
	all := decode[tasksResponse](t, rec)
	if len(all.Tasks) != 2 || all.Tasks[0].ID != b.ID || all.Tasks[1].ID != a.ID {
		t.Fatalf("expected in_progress lane before done lane, got %+v", all.Tasks)
	}

	rec = do(t, e, http.MethodGet, "/api/tasks/"+b.ID+"/dependencies", "")
	mustStatus(t, rec, http.StatusOK)
	if deps := decode[tasksResponse](t, rec); len(deps.Tasks) != 1 || deps.Tasks[0].ID != a.ID {
		t.Fatalf("unexpected dependencies %+v", deps.Tasks)
	}
	rec = do(t, e, http.MethodGet, "/api/tasks/"+a.ID+"/dependents", "")
	mustStatus(t, rec, http.StatusOK)
	if deps := decode[tasksResponse](t, rec); len(deps.Tasks) != 1 || deps.Tasks[0].ID != b.ID {
		t.Fatalf("unexpected dependents %+v", deps.Tasks)
	}

	mustStatus(t, do(t, e, http.MethodDelete, "/api/tasks/"+a.ID, ""), http.StatusNoContent)
	mustStatus(t, do(t, e, http.MethodGet, "/api/tasks/"+a.ID, ""), http.StatusNotFound)
	rec = do(t, e, http.MethodGet, "/api/tasks/"+b.ID, "")
	mustStatus(t, rec, http.StatusOK)
	if got := decode[domain.Task](t, rec); len(got.Dependencies) != 0 {
		t.Fatalf("expected deleted task to be dropped from dependents, got %v", got.Dependencies)
	}
}

func TestUpdateAndDependencyRoutes(t *testing.T) {
	e := newTestAPI(t, nil)
	board := createBoardVia(t, e, "Ops")
	a := createTaskVia(t, e, `{"boardId":"`+board.ID+`","title":"A"}`)
	b := createTaskVia(t, e, `{"boardId":"`+board.ID+`","title":"B"}`)

	rec := do(t, e, http.MethodPatch, "/api/tasks/"+a.ID, `{"title":"A2","assignedTo":"sam"}`)
	mustStatus(t, rec, http.StatusOK)
	if got := decode[domain.Task](t, rec); got.Title != "A2" || got.AssignedTo != "sam" || got.Order != a.Order {
		t.Fatalf("unexpected patched task %+v", got)
	}

	rec = do(t, e, http.MethodPost, "/api/tasks/"+b.ID+"/dependencies", `{"dependencies":["`+a.ID+`"]}`)
	mustStatus(t, rec, http.StatusOK)

	rec = do(t, e, http.MethodPost, "/api/tasks/"+a.ID+"/dependencies", `{"dependencies":["`+b.ID+`"]}`)
	mustStatus(t, rec, http.StatusBadRequest)
	if body := decode[errorBody](t, rec); body.Kind != string(domain.KindInvalidDependency) {
		t.Fatalf("expected cycle to be rejected, got %+v", body)
	}

	rec = do(t, e, http.MethodDelete, "/api/tasks/"+b.ID+"/dependencies/"+a.ID, "")
	mustStatus(t, rec, http.StatusOK)
	if got := decode[domain.Task](t, rec); len(got.Dependencies) != 0 {
		t.Fatalf("expected dependency removed, got %v", got.Dependencies)
	}
}

func TestRequestValidation(t *testing.T) {
	e := newTestAPI(t, nil)
	board := createBoardVia(t, e, "Ops")

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   string
	}{
		{"missing title", http.MethodPost, "/api/tasks", `{"boardId":"` + board.ID + `"}`, "invalid field createTaskRequest.Title: required"},
		{"unknown field", http.MethodPost, "/api/tasks", `{"boardId":"` + board.ID + `","title":"x","priority":1}`, "invalid body"},
		{"bad status", http.MethodPost, "/api/tasks", `{"boardId":"` + board.ID + `","title":"x","status":"blocked"}`, "invalid field createTaskRequest.Status: oneof"},
		{"empty body", http.MethodPost, "/api/boards", ``, "invalid body"},
		{"move without status", http.MethodPut, "/api/tasks/t1/move", `{}`, "invalid field moveTaskRequest.Status: required"},
		{"empty batch", http.MethodPost, "/api/tasks/batch-move", `{"moves":[]}`, "invalid field batchMoveRequest.Moves: min"},
		{"no ids", http.MethodPost, "/api/tasks/batch", `{"ids":[]}`, "invalid field tasksByIDsRequest.IDs: min"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, e, tc.method, tc.path, tc.body)
			mustStatus(t, rec, http.StatusBadRequest)
			body := decode[errorBody](t, rec)
			if body.Kind != string(domain.KindValidation) || body.Error != tc.want {
				t.Fatalf("unexpected body %+v", body)
			}
		})
	}

	mustStatus(t, do(t, e, http.MethodGet, "/api/tasks", ""), http.StatusBadRequest)
	mustStatus(t, do(t, e, http.MethodGet, "/api/tasks?boardId="+board.ID+"&status=later", ""), http.StatusBadRequest)
	mustStatus(t, do(t, e, http.MethodGet, "/api/tasks?boardId="+board.ID+"&page=0", ""), http.StatusBadRequest)
	mustStatus(t, do(t, e, http.MethodGet, "/api/tasks?boardId="+board.ID+"&limit=many", ""), http.StatusBadRequest)
	mustStatus(t, do(t, e, http.MethodPost, "/api/tasks", `{"boardId":"missing","title":"x"}`), http.StatusNotFound)
}

func TestBoardListingAndDeletion(t *testing.T) {
	e := newTestAPI(t, nil)
	keep := createBoardVia(t, e, "Keep")
	drop := createBoardVia(t, e, "Drop")
	gone := createTaskVia(t, e, `{"boardId":"`+drop.ID+`","title":"Doomed"}`)
	stays := createTaskVia(t, e, `{"boardId":"`+keep.ID+`","title":"Stays"}`)

	rec := do(t, e, http.MethodGet, "/api/boards", "")
	mustStatus(t, rec, http.StatusOK)
	if got := decode[boardsResponse](t, rec); len(got.Boards) != 2 {
		t.Fatalf("expected 2 boards, got %+v", got.Boards)
	}

	mustStatus(t, do(t, e, http.MethodDelete, "/api/boards/"+drop.ID, ""), http.StatusNoContent)
	mustStatus(t, do(t, e, http.MethodGet, "/api/boards/"+drop.ID, ""), http.StatusNotFound)
	mustStatus(t, do(t, e, http.MethodGet, "/api/tasks/"+gone.ID, ""), http.StatusNotFound)
	mustStatus(t, do(t, e, http.MethodGet, "/api/tasks/"+stays.ID, ""), http.StatusOK)
	mustStatus(t, do(t, e, http.MethodDelete, "/api/boards/"+drop.ID, ""), http.StatusNotFound)

	rec = do(t, e, http.MethodGet, "/api/boards", "")
	mustStatus(t, rec, http.StatusOK)
	if got := decode[boardsResponse](t, rec); len(got.Boards) != 1 || got.Boards[0].ID != keep.ID {
		t.Fatalf("expected only the kept board, got %+v", got.Boards)
	}
}

func TestListTasksFiltersAndPages(t *testing.T) {
	e := newTestAPI(t, nil)
	board := createBoardVia(t, e, "Ops")
	other := createBoardVia(t, e, "Other")
	var anas []string
	for i, who := range []string{"ana", "bo", "ana", "ana", "bo"} {
		task := createTaskVia(t, e, `{"boardId":"`+board.ID+`","title":"t`+strconv.Itoa(i)+`","assignedTo":"`+who+`"}`)
		if who == "ana" {
			anas = append(anas, task.ID)
		}
	}
	away := createTaskVia(t, e, `{"boardId":"`+other.ID+`","title":"away","assignedTo":"ana","status":"done"}`)

	rec := do(t, e, http.MethodGet, "/api/tasks?boardId="+board.ID+"&assignedTo=ana&page=1&limit=2", "")
	mustStatus(t, rec, http.StatusOK)
	page := decode[domain.TaskPage](t, rec)
	if page.Total != 3 || page.Page != 1 || !page.HasMore || len(page.Tasks) != 2 {
		t.Fatalf("unexpected first page %+v", page)
	}
	if page.Tasks[0].ID != anas[0] || page.Tasks[1].ID != anas[1] {
		t.Fatalf("first page out of lane order: %+v", page.Tasks)
	}

	rec = do(t, e, http.MethodGet, "/api/tasks?boardId="+board.ID+"&assignedTo=ana&page=2&limit=2", "")
	mustStatus(t, rec, http.StatusOK)
	page = decode[domain.TaskPage](t, rec)
	if page.Total != 3 || page.HasMore || len(page.Tasks) != 1 || page.Tasks[0].ID != anas[2] {
		t.Fatalf("unexpected second page %+v", page)
	}

	// Without a board the filter spans every board.
	rec = do(t, e, http.MethodGet, "/api/tasks?assignedTo=ana", "")
	mustStatus(t, rec, http.StatusOK)
	page = decode[domain.TaskPage](t, rec)
	if page.Total != 4 || page.HasMore {
		t.Fatalf("unexpected cross-board listing %+v", page)
	}
	rec = do(t, e, http.MethodGet, "/api/tasks?assignedTo=ana&status=done", "")
	mustStatus(t, rec, http.StatusOK)
	page = decode[domain.TaskPage](t, rec)
	if page.Total != 1 || page.Tasks[0].ID != away.ID {
		t.Fatalf("expected only the done task, got %+v", page)
	}
}

func TestAssignedTasksRoute(t *testing.T) {
	e := newTestAPI(t, nil)
	board := createBoardVia(t, e, "Ops")
	mine := createTaskVia(t, e, `{"boardId":"`+board.ID+`","title":"mine","assignedTo":"ana"}`)
	createTaskVia(t, e, `{"boardId":"`+board.ID+`","title":"theirs","assignedTo":"bo"}`)

	rec := do(t, e, http.MethodGet, "/api/tasks/assigned/ana", "")
	mustStatus(t, rec, http.StatusOK)
	resp := decode[tasksResponse](t, rec)
	if len(resp.Tasks) != 1 || resp.Tasks[0].ID != mine.ID {
		t.Fatalf("unexpected assigned tasks %+v", resp.Tasks)
	}

	rec = do(t, e, http.MethodGet, "/api/tasks/assigned/nobody", "")
	mustStatus(t, rec, http.StatusOK)
	if resp := decode[tasksResponse](t, rec); resp.Tasks == nil || len(resp.Tasks) != 0 {
		t.Fatalf("expected an empty list, got %+v", resp.Tasks)
	}
}

func TestTasksByIDsRoute(t *testing.T) {
	e := newTestAPI(t, nil)
	board := createBoardVia(t, e, "Ops")
	a := createTaskVia(t, e, `{"boardId":"`+board.ID+`","title":"A"}`)
	b := createTaskVia(t, e, `{"boardId":"`+board.ID+`","title":"B"}`)

	rec := do(t, e, http.MethodPost, "/api/tasks/batch", `{"ids":["`+b.ID+`","missing","`+a.ID+`"]}`)
	mustStatus(t, rec, http.StatusOK)
	resp := decode[tasksResponse](t, rec)
	if len(resp.Tasks) != 2 || resp.Tasks[0].ID != b.ID || resp.Tasks[1].ID != a.ID {
		t.Fatalf("unexpected tasks %+v", resp.Tasks)
	}
}

func TestBatchMoveReportsPerEntry(t *testing.T) {
	e := newTestAPI(t, nil)
	board := createBoardVia(t, e, "Ops")
	a := createTaskVia(t, e, `{"boardId":"`+board.ID+`","title":"A"}`)

	rec := do(t, e, http.MethodPost, "/api/tasks/batch-move",
		`{"moves":[{"taskId":"`+a.ID+`","status":"in_progress"},{"taskId":"nope","status":"done"}]}`)
	mustStatus(t, rec, http.StatusOK)
	resp := decode[batchMoveResponse](t, rec)
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(resp.Results))
	}
	if resp.Results[0].Error != nil || resp.Results[0].Task == nil || resp.Results[0].Task.Status != domain.StatusInProgress {
		t.Fatalf("unexpected first result %+v", resp.Results[0])
	}
	if resp.Results[1].Error == nil || resp.Results[1].Error.Kind != string(domain.KindNotFound) || resp.Results[1].TaskID != "nope" {
		t.Fatalf("unexpected second result %+v", resp.Results[1])
	}
}

func TestRebalanceRoute(t *testing.T) {
	e := newTestAPI(t, nil)
	board := createBoardVia(t, e, "Ops")
	a := createTaskVia(t, e, `{"boardId":"`+board.ID+`","title":"A"}`)

	mustStatus(t, do(t, e, http.MethodPost, "/api/boards/"+board.ID+"/rebalance?status=to_do", ""), http.StatusNoContent)
	rec := do(t, e, http.MethodGet, "/api/tasks/"+a.ID, "")
	mustStatus(t, rec, http.StatusOK)
	if got := decode[domain.Task](t, rec); !strings.HasPrefix(got.Order, "1|") {
		t.Fatalf("expected lane moved to the next bucket, got %q", got.Order)
	}
	mustStatus(t, do(t, e, http.MethodPost, "/api/boards/"+board.ID+"/rebalance?status=soon", ""), http.StatusBadRequest)
}

func TestCreateTaskIdempotencyKey(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	e := newTestAPI(t, NewRedisDeduper(client, time.Minute))
	board := createBoardVia(t, e, "Ops")

	mustStatus(t, do(t, e, http.MethodPost, "/api/tasks", `{"boardId":"missing","title":"A"}`, headerIdempotencyKey, "k1"), http.StatusNotFound)
	if m.Exists("user:" + dedupeKeyPrefix + ":k1") {
		t.Fatalf("failed create must release the key")
	}

	body := `{"boardId":"` + board.ID + `","title":"A"}`
	mustStatus(t, do(t, e, http.MethodPost, "/api/tasks", body, headerIdempotencyKey, "k1"), http.StatusCreated)
	rec := do(t, e, http.MethodPost, "/api/tasks", body, headerIdempotencyKey, "k1")
	mustStatus(t, rec, http.StatusConflict)
	if got := decode[errorBody](t, rec); got.Kind != "duplicate" {
		t.Fatalf("unexpected body %+v", got)
	}
	mustStatus(t, do(t, e, http.MethodPost, "/api/tasks", body, headerIdempotencyKey, "k2"), http.StatusCreated)
}

func TestErrorMapping(t *testing.T) {
	engine := stubEngine{
		getTask: func(id string) (*domain.Task, error) {
			return nil, errors.New("table unavailable: secret connection details")
		},
		moveTask: func(req domain.MoveRequest) (*domain.Task, error) {
			return nil, &domain.Error{Kind: domain.KindOrderConflict, Op: "move task", Err: domain.ErrOrderConflict}
		},
	}
	logger, hook := test.NewNullLogger()
	e := echo.New()
	Register(e, engine, nil, mockAuth{}, nil, logger)

	rec := do(t, e, http.MethodGet, "/api/tasks/t1", "")
	mustStatus(t, rec, http.StatusInternalServerError)
	if body := decode[errorBody](t, rec); body.Error != "internal error" || body.Kind != string(domain.KindStore) {
		t.Fatalf("store error leaked: %+v", body)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != log.ErrorLevel {
		t.Fatalf("expected error level observability event, got %#v", entry)
	}

	rec = do(t, e, http.MethodPut, "/api/tasks/t1/move", `{"status":"done","prevRank":"0|a"}`)
	mustStatus(t, rec, http.StatusConflict)
	if body := decode[errorBody](t, rec); body.Kind != string(domain.KindOrderConflict) || !body.Retryable {
		t.Fatalf("order conflict must be retryable: %+v", body)
	}
}

func TestListTasksUsesLister(t *testing.T) {
	lister := &countingLister{}
	logger, _ := test.NewNullLogger()
	e := echo.New()
	Register(e, stubEngine{}, lister, mockAuth{}, nil, logger)

	rec := do(t, e, http.MethodGet, "/api/tasks?boardId=b1", "")
	mustStatus(t, rec, http.StatusOK)
	resp := decode[tasksResponse](t, rec)
	if len(resp.Tasks) != 3 || len(lister.calls) != 3 {
		t.Fatalf("expected one call per lane, got %v", lister.calls)
	}
	for i, s := range domain.Statuses {
		if resp.Tasks[i].Status != s {
			t.Fatalf("lanes out of order: %+v", resp.Tasks)
		}
	}
}

func TestUnauthorizedRequest(t *testing.T) {
	logger, hook := test.NewNullLogger()
	e := echo.New()
	Register(e, stubEngine{}, nil, denyAuth{}, nil, logger)

	rec := do(t, e, http.MethodGet, "/api/tasks/t1", "")
	mustStatus(t, rec, http.StatusUnauthorized)
	entry := hook.LastEntry()
	if entry == nil {
		t.Fatalf("expected observability event")
	}
	attrs := entry.Data["attributes"].(map[string]any)
	if attrs[attrPrefix+"error_stage"] != "auth" {
		t.Fatalf("unexpected error stage %#v", attrs[attrPrefix+"error_stage"])
	}

	mustStatus(t, do(t, e, http.MethodGet, "/healthz", ""), http.StatusOK)
}
