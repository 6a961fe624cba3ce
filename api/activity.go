package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const defaultActivityLimit = 50

// ActivityReader lists the recorded events of a board, newest first.
type ActivityReader interface {
	List(ctx context.Context, boardID string, limit int) ([]domain.Event, error)
}

type activityResponse struct {
	Events []domain.Event `json:"events"`
}

// RegisterActivity adds the board activity route.
func RegisterActivity(e *echo.Echo, reader ActivityReader, auth Authenticator, logger *log.Logger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	const path = "/api/boards/:id/activity"
	e.GET(path, instrument(auth, logger, http.MethodGet, path, listActivity(reader)))
}

func listActivity(reader ActivityReader) handlerFunc {
	return func(c echo.Context, m *requestMetrics, _ string) error {
		limit := defaultActivityLimit
		if raw := c.QueryParam("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				m.SetErrorStage("validation")
				return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid limit", Kind: string(domain.KindValidation)})
			}
			limit = n
		}
		start := time.Now()
		events, err := reader.List(c.Request().Context(), c.Param("id"), limit)
		m.ObserveEngine(time.Since(start))
		if err != nil {
			return fail(c, m, err)
		}
		if events == nil {
			events = []domain.Event{}
		}
		return respond(c, m, http.StatusOK, activityResponse{Events: events})
	}
}
