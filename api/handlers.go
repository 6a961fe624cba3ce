package api

import (
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const (
	maxBodySize          = 1 << 20
	headerIdempotencyKey = "Idempotency-Key"
	defaultPageLimit     = 12
	maxPageLimit         = 100
)

var errInvalidBody = errors.New("invalid body")

// handlerFunc is an authenticated handler. userID is the subject of the
// bearer token.
type handlerFunc func(c echo.Context, m *requestMetrics, userID string) error

// Register wires up all API routes on the provided Echo instance. lister
// serves lane listings and may be nil, in which case the engine is used.
// deduper may be nil to disable Idempotency-Key handling.
func Register(e *echo.Echo, engine Engine, lister TaskLister, auth Authenticator, deduper Deduper, logger *log.Logger) {
	if lister == nil {
		lister = engine
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	e.JSONSerializer = JSONSerializer{}
	route := func(method, path string, h handlerFunc) {
		e.Add(method, path, instrument(auth, logger, method, path, h))
	}

	route(http.MethodPost, "/api/boards", createBoard(engine))
	route(http.MethodGet, "/api/boards", listBoards(engine))
	route(http.MethodGet, "/api/boards/:id", getBoard(engine))
	route(http.MethodDelete, "/api/boards/:id", deleteBoard(engine))
	route(http.MethodPost, "/api/boards/:id/rebalance", rebalanceLane(engine))

	route(http.MethodPost, "/api/tasks", createTask(engine, deduper, logger))
	route(http.MethodGet, "/api/tasks", listTasks(engine, lister))
	route(http.MethodPost, "/api/tasks/batch", tasksByIDs(engine))
	route(http.MethodPost, "/api/tasks/batch-move", batchMove(engine))
	route(http.MethodGet, "/api/tasks/assigned/:username", assignedTasks(engine))
	route(http.MethodGet, "/api/tasks/:id", getTask(engine))
	route(http.MethodPatch, "/api/tasks/:id", updateTask(engine))
	route(http.MethodDelete, "/api/tasks/:id", deleteTask(engine))
	route(http.MethodPut, "/api/tasks/:id/move", moveTask(engine))
	route(http.MethodPost, "/api/tasks/:id/dependencies", addDependencies(engine))
	route(http.MethodGet, "/api/tasks/:id/dependencies", listDependencies(engine))
	route(http.MethodDelete, "/api/tasks/:id/dependencies/:depId", removeDependency(engine))
	route(http.MethodGet, "/api/tasks/:id/dependents", listDependents(engine))

	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// instrument authenticates the request and records one observability event
// for it.
func instrument(auth Authenticator, logger *log.Logger, method, route string, h handlerFunc) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, method, route)
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return c.JSON(http.StatusUnauthorized, errorBody{Error: authErr.Error(), Kind: "unauthorized"})
		}
		return h(c, metrics, userID)
	}
}

// bind decodes a size-limited JSON body, rejecting unknown fields, and
// validates the result.
func bind(c echo.Context, dst any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errInvalidBody
	}
	return validate.Struct(dst)
}

func badRequest(c echo.Context, m *requestMetrics, err error) error {
	m.SetErrorStage("decode")
	return c.JSON(http.StatusBadRequest, validationBody(err))
}

func fail(c echo.Context, m *requestMetrics, err error) error {
	status, body := errorResponse(err)
	m.SetErrorStage(body.Kind)
	m.SetCause(err)
	if status == http.StatusInternalServerError {
		c.Logger().Error(err)
	}
	return c.JSON(status, body)
}

func respond(c echo.Context, m *requestMetrics, status int, body any) error {
	start := time.Now()
	err := c.JSON(status, body)
	m.ObserveEncode(time.Since(start))
	if err != nil {
		m.SetErrorStage("encode_response")
	}
	return err
}

func respondTasks(c echo.Context, m *requestMetrics, tasks []domain.Task) error {
	if tasks == nil {
		tasks = []domain.Task{}
	}
	m.SetTasksReturned(len(tasks))
	return respond(c, m, http.StatusOK, tasksResponse{Tasks: tasks})
}

func createBoard(engine Engine) handlerFunc {
	return func(c echo.Context, m *requestMetrics, _ string) error {
		var req createBoardRequest
		if err := bind(c, &req); err != nil {
			return badRequest(c, m, err)
		}
		start := time.Now()
		board, err := engine.CreateBoard(c.Request().Context(), req.Name, req.Key)
		m.ObserveEngine(time.Since(start))
		if err != nil {
			return fail(c, m, err)
		}
		return respond(c, m, http.StatusCreated, board)
	}
}

func getBoard(engine Engine) handlerFunc {
	return func(c echo.Context, m *requestMetrics, _ string) error {
		start := time.Now()
		board, err := engine.GetBoard(c.Request().Context(), c.Param("id"))
		m.ObserveEngine(time.Since(start))
		if err != nil {
			return fail(c, m, err)
		}
		return respond(c, m, http.StatusOK, board)
	}
}

func listBoards(engine Engine) handlerFunc {
	return func(c echo.Context, m *requestMetrics, _ string) error {
		start := time.Now()
		boards, err := engine.ListBoards(c.Request().Context())
		m.ObserveEngine(time.Since(start))
		if err != nil {
			return fail(c, m, err)
		}
		return respond(c, m, http.StatusOK, boardsResponse{Boards: boards})
	}
}

// deleteBoard removes the board together with its tasks.
func deleteBoard(engine Engine) handlerFunc {
	return func(c echo.Context, m *requestMetrics, _ string) error {
		start := time.Now()
		err := engine.DeleteBoard(c.Request().Context(), c.Param("id"))
		m.ObserveEngine(time.Since(start))
		if err != nil {
			return fail(c, m, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func rebalanceLane(engine Engine) handlerFunc {
	return func(c echo.Context, m *requestMetrics, _ string) error {
		start := time.Now()
		err := engine.Rebalance(c.Request().Context(), c.Param("id"), domain.Status(c.QueryParam("status")))
		m.ObserveEngine(time.Since(start))
		if err != nil {
			return fail(c, m, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func createTask(engine Engine, deduper Deduper, logger *log.Logger) handlerFunc {
	return func(c echo.Context, m *requestMetrics, userID string) error {
		var req createTaskRequest
		if err := bind(c, &req); err != nil {
			return badRequest(c, m, err)
		}
		ctx := c.Request().Context()

		key := c.Request().Header.Get(headerIdempotencyKey)
		if key != "" && deduper != nil {
			added, err := deduper.Add(ctx, userID, key)
			if err != nil {
				m.SetErrorStage("dedupe")
				m.SetCause(err)
				c.Logger().Error(err)
				return c.JSON(http.StatusInternalServerError, errorBody{Error: "internal error", Kind: string(domain.KindStore)})
			}
			if !added {
				m.SetErrorStage("duplicate")
				return c.JSON(http.StatusConflict, errorBody{Error: "duplicate request", Kind: "duplicate"})
			}
		}

		start := time.Now()
		task, err := engine.CreateTask(ctx, domain.TaskSpec{
			BoardID:      req.BoardID,
			Title:        req.Title,
			Description:  req.Description,
			AssignedTo:   req.AssignedTo,
			DueDate:      req.DueDate,
			Status:       domain.Status(req.Status),
			Order:        req.Order,
			Dependencies: req.Dependencies,
		})
		m.ObserveEngine(time.Since(start))
		if err != nil {
			if key != "" && deduper != nil {
				if rmErr := deduper.Remove(ctx, userID, key); rmErr != nil {
					logger.WithError(rmErr).WithField("user", userID).Warn("failed to release idempotency key")
				}
			}
			return fail(c, m, err)
		}
		return respond(c, m, http.StatusCreated, task)
	}
}

// listTasks returns one lane, or the whole board in status order when no
// status is given. assignedTo narrows the listing and may be used without a
// board; page and limit cut it into pages.
func listTasks(engine Engine, lister TaskLister) handlerFunc {
	return func(c echo.Context, m *requestMetrics, _ string) error {
		invalid := func(msg string) error {
			m.SetErrorStage("validation")
			return c.JSON(http.StatusBadRequest, errorBody{Error: msg, Kind: string(domain.KindValidation)})
		}
		boardID, assignee := c.QueryParam("boardId"), c.QueryParam("assignedTo")
		if boardID == "" && assignee == "" {
			return invalid("boardId or assignedTo is required")
		}
		statuses := domain.Statuses
		if raw := c.QueryParam("status"); raw != "" {
			status := domain.Status(raw)
			if !status.Valid() {
				return invalid("invalid status")
			}
			statuses = []domain.Status{status}
		}
		q := domain.TaskQuery{AssignedTo: assignee}
		var ok bool
		if q.Page, ok = positiveParam(c, "page"); !ok {
			return invalid("page must be a positive integer")
		}
		if q.Limit, ok = positiveParam(c, "limit"); !ok {
			return invalid("limit must be a positive integer")
		}
		q.Limit = min(q.Limit, maxPageLimit)
		if q.Page > 0 && q.Limit == 0 {
			q.Limit = defaultPageLimit
		}

		ctx := c.Request().Context()
		start := time.Now()
		var tasks []domain.Task
		if boardID == "" {
			assigned, err := engine.TasksAssignedTo(ctx, assignee)
			if err != nil {
				m.ObserveEngine(time.Since(start))
				return fail(c, m, err)
			}
			for _, t := range assigned {
				if slices.Contains(statuses, t.Status) {
					tasks = append(tasks, t)
				}
			}
		} else {
			for _, s := range statuses {
				lane, err := lister.ListPartition(ctx, boardID, s)
				if err != nil {
					m.ObserveEngine(time.Since(start))
					return fail(c, m, err)
				}
				tasks = append(tasks, lane...)
			}
		}
		m.ObserveEngine(time.Since(start))

		page := domain.PageTasks(tasks, q)
		m.SetTasksReturned(len(page.Tasks))
		m.SetHasNextPage(page.HasMore)
		return respond(c, m, http.StatusOK, page)
	}
}

// positiveParam reads an optional positive integer query parameter. An
// absent parameter yields 0.
func positiveParam(c echo.Context, name string) (int, bool) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func assignedTasks(engine Engine) handlerFunc {
	return func(c echo.Context, m *requestMetrics, _ string) error {
		start := time.Now()
		tasks, err := engine.TasksAssignedTo(c.Request().Context(), c.Param("username"))
		m.ObserveEngine(time.Since(start))
		if err != nil {
			return fail(c, m, err)
		}
		return respondTasks(c, m, tasks)
	}
}

// tasksByIDs returns the tasks that exist among the requested ids.
func tasksByIDs(engine Engine) handlerFunc {
	return func(c echo.Context, m *requestMetrics, _ string) error {
		var req tasksByIDsRequest
		if err := bind(c, &req); err != nil {
			return badRequest(c, m, err)
		}
		start := time.Now()
		tasks, err := engine.TasksByIDs(c.Request().Context(), req.IDs)
		m.ObserveEngine(time.Since(start))
		if err != nil {
			return fail(c, m, err)
		}
		return respondTasks(c, m, tasks)
	}
}

func getTask(engine Engine) handlerFunc {
	return func(c echo.Context, m *requestMetrics, _ string) error {
		start := time.Now()
		task, err := engine.GetTask(c.Request().Context(), c.Param("id"))
		m.ObserveEngine(time.Since(start))
		if err != nil {
			return fail(c, m, err)
		}
		return respond(c, m, http.StatusOK, task)
	}
}

func updateTask(engine Engine) handlerFunc {
	return func(c echo.Context, m *requestMetrics, _ string) error {
		var req updateTaskRequest
		if err := bind(c, &req); err != nil {
			return badRequest(c, m, err)
		}
		start := time.Now()
		task, err := engine.UpdateTaskDetails(c.Request().Context(), c.Param("id"), domain.DetailsPatch{
			Title:        req.Title,
			Description:  req.Description,
			AssignedTo:   req.AssignedTo,
			DueDate:      req.DueDate,
			ClearDueDate: req.ClearDueDate,
		})
		m.ObserveEngine(time.Since(start))
		if err != nil {
			return fail(c, m, err)
		}
		return respond(c, m, http.StatusOK, task)
	}
}

// deleteTask drops the task from every dependent's list before removing it.
func deleteTask(engine Engine) handlerFunc {
	return func(c echo.Context, m *requestMetrics, _ string) error {
		ctx := c.Request().Context()
		id := c.Param("id")
		start := time.Now()
		defer func() { m.ObserveEngine(time.Since(start)) }()

		dependents, err := engine.Dependents(ctx, id)
		if err != nil {
			return fail(c, m, err)
		}
		for _, d := range dependents {
			if _, err := engine.RemoveDependency(ctx, d.ID, id); err != nil {
				return fail(c, m, err)
			}
		}
		if err := engine.DeleteTask(ctx, id); err != nil {
			return fail(c, m, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func moveTask(engine Engine) handlerFunc {
	return func(c echo.Context, m *requestMetrics, _ string) error {
		var req moveTaskRequest
		if err := bind(c, &req); err != nil {
			return badRequest(c, m, err)
		}
		start := time.Now()
		task, err := engine.MoveTask(c.Request().Context(), req.toDomain(c.Param("id")))
		m.ObserveEngine(time.Since(start))
		if err != nil {
			return fail(c, m, err)
		}
		return respond(c, m, http.StatusOK, task)
	}
}

func (r moveTaskRequest) toDomain(taskID string) domain.MoveRequest {
	return domain.MoveRequest{
		TaskID:   taskID,
		Status:   domain.Status(r.Status),
		PrevRank: r.PrevRank,
		NextRank: r.NextRank,
		Order:    r.Order,
	}
}

// batchMove always answers 200; failures are reported per entry.
func batchMove(engine Engine) handlerFunc {
	return func(c echo.Context, m *requestMetrics, _ string) error {
		var req batchMoveRequest
		if err := bind(c, &req); err != nil {
			return badRequest(c, m, err)
		}
		moves := make([]domain.MoveRequest, len(req.Moves))
		for i, mv := range req.Moves {
			moves[i] = mv.toDomain(mv.TaskID)
		}

		start := time.Now()
		results := engine.BatchMove(c.Request().Context(), moves)
		m.ObserveEngine(time.Since(start))

		resp := batchMoveResponse{Results: make([]batchMoveResult, len(results))}
		moved := 0
		for i, r := range results {
			resp.Results[i] = batchMoveResult{TaskID: r.TaskID, Task: r.Task}
			if r.Err != nil {
				_, body := errorResponse(r.Err)
				resp.Results[i].Error = &body
				continue
			}
			moved++
		}
		m.SetTasksReturned(moved)
		return respond(c, m, http.StatusOK, resp)
	}
}

func addDependencies(engine Engine) handlerFunc {
	return func(c echo.Context, m *requestMetrics, _ string) error {
		var req addDependenciesRequest
		if err := bind(c, &req); err != nil {
			return badRequest(c, m, err)
		}
		start := time.Now()
		task, err := engine.AddDependencies(c.Request().Context(), c.Param("id"), req.Dependencies)
		m.ObserveEngine(time.Since(start))
		if err != nil {
			return fail(c, m, err)
		}
		return respond(c, m, http.StatusOK, task)
	}
}

func removeDependency(engine Engine) handlerFunc {
	return func(c echo.Context, m *requestMetrics, _ string) error {
		start := time.Now()
		task, err := engine.RemoveDependency(c.Request().Context(), c.Param("id"), c.Param("depId"))
		m.ObserveEngine(time.Since(start))
		if err != nil {
			return fail(c, m, err)
		}
		return respond(c, m, http.StatusOK, task)
	}
}

func listDependencies(engine Engine) handlerFunc {
	return func(c echo.Context, m *requestMetrics, _ string) error {
		start := time.Now()
		tasks, err := engine.Dependencies(c.Request().Context(), c.Param("id"))
		m.ObserveEngine(time.Since(start))
		if err != nil {
			return fail(c, m, err)
		}
		return respondTasks(c, m, tasks)
	}
}

func listDependents(engine Engine) handlerFunc {
	return func(c echo.Context, m *requestMetrics, _ string) error {
		start := time.Now()
		tasks, err := engine.Dependents(c.Request().Context(), c.Param("id"))
		m.ObserveEngine(time.Since(start))
		if err != nil {
			return fail(c, m, err)
		}
		return respondTasks(c, m, tasks)
	}
}
